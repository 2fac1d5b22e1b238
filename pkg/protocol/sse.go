package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// SSEWriter writes frames as server-sent events. The event name is the frame type and the data
// line carries the JSON encoded frame.
type SSEWriter struct {
	w          io.Writer
	exchangeID string
}

var _ Writer = (*SSEWriter)(nil)

func NewSSEWriter(w io.Writer) *SSEWriter {
	return &SSEWriter{w: w}
}

func (s *SSEWriter) Start(exchangeID string) error {
	s.exchangeID = exchangeID
	return s.WriteFrame(Frame{Type: EventStart, ExchangeID: exchangeID})
}

func (s *SSEWriter) Data(text string) error {
	if text == "" {
		return nil
	}
	return s.WriteFrame(Frame{Type: EventData, Text: text, ExchangeID: s.exchangeID})
}

func (s *SSEWriter) Fail(message string) error {
	return s.WriteFrame(Frame{Type: EventError, Text: message, ExchangeID: s.exchangeID})
}

func (s *SSEWriter) End() error {
	return s.WriteFrame(Frame{Type: EventEnd, ExchangeID: s.exchangeID})
}

func (s *SSEWriter) WriteFrame(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", f.Type, b); err != nil {
		return errors.Wrap(err, "write event")
	}
	flush(s.w)
	return nil
}

// SSEReader decodes frames written by SSEWriter.
type SSEReader struct {
	r *bufio.Reader
}

func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReader(r)}
}

// Next returns the next frame. It returns io.EOF when the body ended on an event boundary.
func (s *SSEReader) Next() (Frame, error) {
	var event string
	var data strings.Builder
	seen := false
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF && seen {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if !seen {
				continue
			}
			return decodeEvent(event, data.String())
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			seen = true
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			seen = true
		}
		if err == io.EOF {
			return Frame{}, io.ErrUnexpectedEOF
		}
	}
}

func decodeEvent(event, data string) (Frame, error) {
	var f Frame
	if data != "" {
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return Frame{}, errors.Wrapf(err, "decode %q event", event)
		}
	}
	if event != "" {
		f.Type = EventType(event)
	}
	if f.Type == "" {
		return Frame{}, errors.New("event without type")
	}
	return f, nil
}
