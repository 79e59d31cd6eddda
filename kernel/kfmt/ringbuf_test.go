package kfmt

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	var (
		expStr = "the big brown fox jumped over the lazy dog"
		rb     ringBuffer
	)

	t.Run("read/write", func(t *testing.T) {
		rb.reset()
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := readByteByByte(&rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("read from empty buffer", func(t *testing.T) {
		rb.reset()
		if n, err := rb.Read(make([]byte, 1)); n != 0 || err != io.EOF {
			t.Fatalf("expected to get (0, io.EOF); got (%d, %v)", n, err)
		}
	})

	t.Run("write wraps around the buffer end", func(t *testing.T) {
		rb.reset()
		rb.start = ringBufferSize - 2

		if _, err := rb.Write([]byte(expStr)); err != nil {
			t.Fatal(err)
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, &rb); err != nil {
			t.Fatal(err)
		}

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow keeps the most recent bytes", func(t *testing.T) {
		rb.reset()
		payload := strings.Repeat("a", ringBufferSize) + "tail"
		if _, err := rb.Write([]byte(payload)); err != nil {
			t.Fatal(err)
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, &rb); err != nil {
			t.Fatal(err)
		}

		if got := buf.Len(); got != ringBufferSize {
			t.Fatalf("expected to read %d bytes; got %d", ringBufferSize, got)
		}

		if got := buf.String(); !strings.HasSuffix(got, "tail") || got != payload[len(payload)-ringBufferSize:] {
			t.Fatal("expected ring buffer to retain the last ringBufferSize bytes")
		}
	})
}

func readByteByByte(rb *ringBuffer) string {
	var (
		buf     bytes.Buffer
		readBuf = make([]byte, 1)
	)
	for {
		n, err := rb.Read(readBuf)
		if err == io.EOF {
			break
		}
		buf.Write(readBuf[:n])
	}
	return buf.String()
}
