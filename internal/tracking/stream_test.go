package tracking

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFramer_partLayout(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, "frame")

	err := f.WritePart(map[string]string{
		"Content-Type":  "application/json; charset=utf-8",
		"Frame-Current": "1",
		"Frame-Total":   "10",
		"Mask-Type":     "RLE[]",
	}, []byte(`{"frame_index":4}`))
	if err != nil {
		t.Fatalf("WritePart: %v", err)
	}

	want := "--frame\r\n" +
		"Content-Type: application/json; charset=utf-8\r\n" +
		"Frame-Current: 1\r\n" +
		"Frame-Total: 10\r\n" +
		"Mask-Type: RLE[]\r\n" +
		"Content-Length: 17\r\n" +
		"\r\n" +
		`{"frame_index":4}` + "\r\n"
	if buf.String() != want {
		t.Errorf("part layout mismatch:\ngot:  %q\nwant: %q", buf.String(), want)
	}
}

func TestFramer_closeWritesTerminator(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, "frame")
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if buf.String() != "--frame--\r\n" {
		t.Errorf("terminator = %q, want %q", buf.String(), "--frame--\r\n")
	}
}

func TestFramer_defaultBoundary(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, "")
	_ = f.WritePart(nil, []byte("x"))
	if !strings.HasPrefix(buf.String(), "--"+DefaultBoundary+"\r\n") {
		t.Errorf("expected default boundary, got %q", buf.String())
	}
}

// failAfterWriter accepts n writes and then rejects everything, standing in
// for a transport whose peer has gone away.
type failAfterWriter struct {
	n     int
	calls int
}

func (w *failAfterWriter) Write(p []byte) (int, error) {
	w.calls++
	if w.calls > w.n {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestFramer_writeErrorPropagates(t *testing.T) {
	f := NewFramer(&failAfterWriter{n: 0}, "frame")
	if err := f.WritePart(nil, []byte("x")); err == nil {
		t.Error("expected transport error from WritePart")
	}
}

// countingWriter records how many bytes have been accepted, to observe that
// the framer hands each part to the transport before returning.
type countingWriter struct {
	bytes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.bytes += len(p)
	return len(p), nil
}

func TestFramer_noBufferingBetweenParts(t *testing.T) {
	w := &countingWriter{}
	f := NewFramer(w, "frame")

	if err := f.WritePart(nil, []byte("first")); err != nil {
		t.Fatalf("WritePart: %v", err)
	}
	afterFirst := w.bytes
	if afterFirst == 0 {
		t.Fatal("the first part must reach the transport before WritePart returns")
	}

	if err := f.WritePart(nil, []byte("second")); err != nil {
		t.Fatalf("WritePart: %v", err)
	}
	if w.bytes <= afterFirst {
		t.Error("the second part must reach the transport too")
	}
}
