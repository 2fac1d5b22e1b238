package protocol

import (
	"github.com/pkg/errors"
)

// JSONConn is the part of a websocket connection used to exchange frames.
type JSONConn interface {
	WriteJSON(v interface{}) error
}

// FrameWriter writes frames as JSON messages, one per websocket message.
type FrameWriter struct {
	conn       JSONConn
	exchangeID string
	sessionID  string
}

var _ Writer = (*FrameWriter)(nil)

func NewFrameWriter(conn JSONConn, sessionID string) *FrameWriter {
	return &FrameWriter{conn: conn, sessionID: sessionID}
}

func (w *FrameWriter) Start(exchangeID string) error {
	w.exchangeID = exchangeID
	return w.write(Frame{Type: EventStart})
}

func (w *FrameWriter) Data(text string) error {
	if text == "" {
		return nil
	}
	return w.write(Frame{Type: EventData, Text: text})
}

func (w *FrameWriter) Fail(message string) error {
	return w.write(Frame{Type: EventError, Text: message})
}

func (w *FrameWriter) End() error {
	return w.write(Frame{Type: EventEnd})
}

func (w *FrameWriter) write(f Frame) error {
	f.ExchangeID = w.exchangeID
	f.SessionID = w.sessionID
	if err := w.conn.WriteJSON(f); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// FrameDecoder tracks a framed exchange on the receiving side.
type FrameDecoder struct {
	done    bool
	failed  bool
	message string
}

// Feed consumes one frame and returns the text to append. It returns ErrStreamFailed once an error
// frame arrived; frames after end are ignored.
func (d *FrameDecoder) Feed(f Frame) (string, error) {
	if d.failed {
		return "", ErrStreamFailed
	}
	if d.done {
		return "", nil
	}
	switch f.Type {
	case EventData:
		return f.Text, nil
	case EventError:
		d.failed = true
		d.message = f.Text
		return "", ErrStreamFailed
	case EventEnd:
		d.done = true
	}
	return "", nil
}

// Close is called when the transport ended. Without an end frame the exchange is incomplete.
func (d *FrameDecoder) Close() error {
	if d.failed {
		return ErrStreamFailed
	}
	if !d.done {
		return ErrIncomplete
	}
	return nil
}

func (d *FrameDecoder) Done() bool { return d.done }

// Message is the text of the error frame, if any.
func (d *FrameDecoder) Message() string { return d.message }
