package protocol

import (
	"io"
	"strings"

	"github.com/pkg/errors"
)

// SentinelWriter writes the legacy plain text body. Fragments are written verbatim and flushed
// one by one when the underlying writer is an http.Flusher.
type SentinelWriter struct {
	w io.Writer
}

var _ Writer = (*SentinelWriter)(nil)

func NewSentinelWriter(w io.Writer) *SentinelWriter {
	return &SentinelWriter{w: w}
}

func (s *SentinelWriter) Start(string) error {
	return s.write(StartSentinel)
}

func (s *SentinelWriter) Data(text string) error {
	if text == "" {
		return nil
	}
	return s.write(text)
}

// Fail writes the error sentinel. The message is not part of the legacy body.
func (s *SentinelWriter) Fail(string) error {
	return s.write(ErrorSentinel)
}

func (s *SentinelWriter) End() error { return nil }

func (s *SentinelWriter) write(text string) error {
	if _, err := io.WriteString(s.w, text); err != nil {
		return errors.Wrap(err, "write body")
	}
	flush(s.w)
	return nil
}

// SentinelDecoder turns a legacy body, delivered in arbitrary chunks, back into display text.
//
// The start sentinel is stripped once when the body begins with it, even if it arrives split over
// several reads. The error sentinel is detected across chunk boundaries; a trailing piece that
// could still become the error sentinel is held back until the next chunk or Close.
type SentinelDecoder struct {
	head    string
	started bool
	tail    string
	failed  bool
}

// Feed consumes the next chunk and returns the text that is now safe to display. When the chunk
// contains the error sentinel, the text before it is returned together with ErrStreamFailed, and
// every later call returns ErrStreamFailed alone.
func (d *SentinelDecoder) Feed(chunk string) (string, error) {
	if d.failed {
		return "", ErrStreamFailed
	}
	if !d.started {
		d.head += chunk
		if len(d.head) < len(StartSentinel) && strings.HasPrefix(StartSentinel, d.head) {
			return "", nil
		}
		d.started = true
		chunk = strings.TrimPrefix(d.head, StartSentinel)
		d.head = ""
	}

	buf := d.tail + chunk
	if i := strings.Index(buf, ErrorSentinel); i >= 0 {
		d.failed = true
		d.tail = ""
		return buf[:i], ErrStreamFailed
	}
	keep := pendingPrefix(buf, ErrorSentinel)
	d.tail = buf[len(buf)-keep:]
	return buf[:len(buf)-keep], nil
}

// Close ends the body and returns any text that was held back.
func (d *SentinelDecoder) Close() (string, error) {
	if d.failed {
		return "", ErrStreamFailed
	}
	if !d.started {
		d.started = true
		rest := d.head
		d.head = ""
		return rest, nil
	}
	rest := d.tail
	d.tail = ""
	return rest, nil
}

// Started reports whether the start sentinel decision was made.
func (d *SentinelDecoder) Started() bool { return d.started }

// pendingPrefix returns the length of the longest suffix of s that is a proper prefix of token.
func pendingPrefix(s, token string) int {
	n := len(token) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasPrefix(token, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
