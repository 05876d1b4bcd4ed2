package httpprobe

import (
	"io"
	"strings"
	"time"
	"unicode"
)

// previewLimit caps the sanitised diagnostic preview of error responses
const previewLimit = 200

// Result accumulates the measurements of one probe request
type Result struct {
	StatusCode    int
	Proto         string
	Start         time.Time
	TTFB          time.Duration
	LastByte      time.Duration
	BytesRead     int64
	ThroughputBps float64
	Preview       string
}

func (r *Result) finalize() {
	if r.LastByte > 0 && r.BytesRead > 0 {
		r.ThroughputBps = float64(r.BytesRead) / r.LastByte.Seconds()
	}
}

// Stream wraps a response body, measuring TTFB on the first byte read
// and bytes and throughput at close. Close is idempotent and safe to
// call on every early exit.
type Stream struct {
	body   io.ReadCloser
	result *Result
	closed bool
}

func newStream(body io.ReadCloser, result *Result) *Stream {
	return &Stream{body: body, result: result}
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 {
		if s.result.TTFB == 0 {
			s.result.TTFB = time.Since(s.result.Start)
		}
		s.result.BytesRead += int64(n)
		s.result.LastByte = time.Since(s.result.Start)
	}
	return n, err
}

// Close releases the underlying body and finalises the measurements
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.result.finalize()
	return s.body.Close()
}

// Result returns the stream's measurements; complete once Close ran
func (s *Stream) Result() *Result {
	return s.result
}

// sanitizePreview strips control characters and truncates to the
// preview limit so error bodies are safe to log
func sanitizePreview(body []byte) string {
	var b strings.Builder
	for _, r := range string(body) {
		if b.Len() >= previewLimit {
			break
		}
		if unicode.IsPrint(r) || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.TrimSpace(b.String())
}
