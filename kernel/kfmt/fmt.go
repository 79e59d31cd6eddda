// Package kfmt implements the kernel's diagnostic output: an allocation-free
// Printf, an early ring buffer that captures output until a sink is attached
// and Panic.
package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("%!(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexPrefix       = []byte("0x")
	hexPrefixUpper  = []byte("0X")
	lowerDigits     = []byte("0123456789abcdef")
	upperDigits     = []byte("0123456789ABCDEF")

	numFmtBuf    [maxBufSize]byte
	numDigitsBuf [maxBufSize]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// verbSpec holds the modifiers parsed between a '%' and its verb.
type verbSpec struct {
	width int
	alt   bool
}

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf provides a minimal Printf implementation that can be safely used
// before the kernel heap or the Go allocator are available. This
// implementation does not allocate any memory.
//
// The following subset of the fmt verbs is supported:
//
//	%s  string or byte slice
//	%d  base 10 integer
//	%o  base 8 integer
//	%x  base 16 integer, lower-case letters
//	%X  base 16 integer, upper-case letters
//	%t  "true" or "false"
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes. The '#' flag prefixes base-16 output with 0x (or
// 0X for %X).
//
// Pointers (%p) are not supported as that would require importing reflect
// which makes the compiler emit allocating conversions for the argument list.
//
// When no output sink has been attached, the output is buffered into a ring
// buffer which gets flushed by the first call to SetOutputSink.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		spec     verbSpec
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			// passing format[i:j] to doWrite triggers a memory
			// allocation so we need to do this one byte at a time.
			writeByte(w, format[i])
			continue
		}

		spec = verbSpec{}
		for i++; i < len(format) && format[i] == '#'; i++ {
			spec.alt = true
		}
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			spec.width = spec.width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		if verb == '%' {
			writeByte(w, '%')
			continue
		}

		if !isVerb(verb) {
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 's':
			fmtString(w, args[argIndex], spec)
		case 't':
			fmtBool(w, args[argIndex])
		case 'd':
			fmtInt(w, args[argIndex], 10, spec, false)
		case 'o':
			fmtInt(w, args[argIndex], 8, spec, false)
		case 'x':
			fmtInt(w, args[argIndex], 16, spec, false)
		case 'X':
			fmtInt(w, args[argIndex], 16, spec, true)
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func isVerb(ch byte) bool {
	switch ch {
	case 's', 't', 'd', 'o', 'x', 'X':
		return true
	}
	return false
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by spec.
func fmtString(w io.Writer, v interface{}, spec verbSpec) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', spec.width-len(castedVal))
		// converting the string to a byte slice triggers a memory allocation
		// so we need to do this one byte at a time.
		for i := 0; i < len(castedVal); i++ {
			writeByte(w, castedVal[i])
		}
	case []byte:
		fmtRepeat(w, ' ', spec.width-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt prints out a formatted version of v in the requested base. All
// built-in signed and unsigned integer types are supported. The width covers
// the sign and the digits but not the 0x prefix.
func fmtInt(w io.Writer, v interface{}, base uint64, spec verbSpec, upper bool) {
	var (
		uval     uint64
		negative bool
		digits   = lowerDigits
		prefix   = hexPrefix
	)

	if upper {
		digits, prefix = upperDigits, hexPrefixUpper
	}

	switch castedVal := v.(type) {
	case uint8:
		uval = uint64(castedVal)
	case uint16:
		uval = uint64(castedVal)
	case uint32:
		uval = uint64(castedVal)
	case uint64:
		uval = castedVal
	case uint:
		uval = uint64(castedVal)
	case uintptr:
		uval = uint64(castedVal)
	case int8:
		uval, negative = absInt(int64(castedVal))
	case int16:
		uval, negative = absInt(int64(castedVal))
	case int32:
		uval, negative = absInt(int64(castedVal))
	case int64:
		uval, negative = absInt(castedVal)
	case int:
		uval, negative = absInt(int64(castedVal))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	// Collect digits in reverse order
	digitCount := 0
	for {
		numDigitsBuf[digitCount] = digits[uval%base]
		digitCount++
		if uval /= base; uval == 0 {
			break
		}
	}

	width := spec.width
	if width >= maxBufSize {
		width = maxBufSize - 1
	}

	var (
		out     = 0
		signLen = 0
		padLen  int
	)
	if negative {
		signLen = 1
	}
	padLen = width - digitCount - signLen

	// base-10 values are padded with spaces before the sign; the other
	// bases are padded with zeroes after the sign and the 0x prefix.
	if base == 10 {
		for ; padLen > 0; padLen-- {
			numFmtBuf[out] = ' '
			out++
		}
	}

	if negative {
		numFmtBuf[out] = '-'
		out++
	}

	if base == 16 && spec.alt {
		doWrite(w, numFmtBuf[:out])
		doWrite(w, prefix)
		out = 0
	}

	for ; padLen > 0; padLen-- {
		numFmtBuf[out] = '0'
		out++
	}

	for digitCount > 0 && out < maxBufSize {
		digitCount--
		numFmtBuf[out] = numDigitsBuf[digitCount]
		out++
	}

	doWrite(w, numFmtBuf[:out])
}

// absInt returns the magnitude of v and whether v is negative. The
// conversion is correct for math.MinInt64 thanks to two's complement.
func absInt(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without this hack, the compiler cannot properly
// detect that p does not escape (due to the call to the yet unknown outputSink
// io.Writer) and plays it safe by flagging it as escaping. This causes all
// calls to Printf to call runtime.convT2E which triggers a memory allocation.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
	} else {
		_, _ = earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
