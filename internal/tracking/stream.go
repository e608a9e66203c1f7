package tracking

import (
	"fmt"
	"io"
	"sort"
)

// StreamContentType is the mime type of the propagation stream, parameterized
// by the boundary token.
const StreamContentType = "multipart/x-savi-stream; boundary="

// DefaultBoundary is the boundary token used by the propagation endpoint.
const DefaultBoundary = "frame"

// Framer writes a self-delimiting multipart stream: each payload is preceded
// by a header block and separated from the next by the boundary delimiter.
// It is purely a formatting layer over the transport writer; it never buffers
// a chunk, so a blocking transport write throttles the producer directly.
type Framer struct {
	w        io.Writer
	boundary string
}

// NewFramer returns a Framer emitting parts delimited by boundary.
// An empty boundary falls back to DefaultBoundary.
func NewFramer(w io.Writer, boundary string) *Framer {
	if boundary == "" {
		boundary = DefaultBoundary
	}
	return &Framer{w: w, boundary: boundary}
}

// WritePart emits one part: the boundary line, the given header fields in
// deterministic order, a blank line, and the body. The write goes straight
// to the underlying transport and returns only once it has been accepted.
func (f *Framer) WritePart(headers map[string]string, body []byte) error {
	if _, err := fmt.Fprintf(f.w, "--%s\r\n", f.boundary); err != nil {
		return err
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(f.w, "%s: %s\r\n", k, headers[k]); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(f.w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return err
	}
	if _, err := f.w.Write(body); err != nil {
		return err
	}
	_, err := io.WriteString(f.w, "\r\n")
	return err
}

// Close terminates the stream with the closing boundary delimiter. The
// terminator is always written, including after a mid-stream failure, so the
// client sees a cleanly ended stream rather than a truncated part.
func (f *Framer) Close() error {
	_, err := fmt.Fprintf(f.w, "--%s--\r\n", f.boundary)
	return err
}
