// Package protocol holds the wire formats of a chat exchange, shared by the relay and the client.
//
// Three framings exist. The legacy sentinel body is plain text: START_STREAMING, then the raw
// fragments, and ERROR_STREAMING when the exchange failed after headers were committed. The SSE
// and websocket framings carry typed Frames (start, data, error, end) instead, so content can never
// be mistaken for a control token.
package protocol

import (
	"github.com/pkg/errors"
)

const (
	StartSentinel = "START_STREAMING"
	ErrorSentinel = "ERROR_STREAMING"
)

// ErrStreamFailed is reported by decoders when the server signalled a failure in-band.
var ErrStreamFailed = errors.New("stream failed")

// ErrIncomplete is reported by framed decoders when the transport ended without an end frame.
var ErrIncomplete = errors.New("stream ended without end frame")

type EventType string

const (
	EventStart EventType = "start"
	EventData  EventType = "data"
	EventError EventType = "error"
	EventEnd   EventType = "end"
)

// Frame is one typed protocol event.
type Frame struct {
	Type       EventType `json:"type"`
	Text       string    `json:"text,omitempty"`
	ExchangeID string    `json:"exchangeId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
}

// Framing selects the response encoding.
type Framing string

const (
	FramingSentinel  Framing = "sentinel"
	FramingSSE       Framing = "sse"
	FramingWebSocket Framing = "ws"
)

// Writer emits one exchange. Start is called once before any Data; exactly one of End or Fail
// finishes the exchange.
type Writer interface {
	Start(exchangeID string) error
	Data(text string) error
	Fail(message string) error
	End() error
}

type flusher interface {
	Flush()
}

func flush(w interface{}) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}

// ChatRequest is one message submitted over the websocket chat endpoint. FileData is base64
// encoded in JSON.
type ChatRequest struct {
	SessionID  string `json:"sessionId"`
	Message    string `json:"message,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	FileData   []byte `json:"fileData,omitempty"`
	ExchangeID string `json:"exchangeId,omitempty"`
}
