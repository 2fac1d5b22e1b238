// Package provider defines the generative text provider collaborator used by the relay and its
// implementations.
//
// A Provider starts conversations. A Conversation is the opaque handle kept by the session
// registry; sending a message on it yields Fragments, an ordered sequence of text pieces that
// ends with io.EOF.
package provider

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Part is one piece of a user message.
type Part interface {
	isPart()
}

// Text is a plain text part.
type Text string

// Blob is inline binary content, typically an uploaded image.
type Blob struct {
	MIMEType string
	Data     []byte
}

func (Text) isPart() {}
func (Blob) isPart() {}

// Fragments is the asynchronous sequence of text produced for one message. Next returns io.EOF
// once the provider finished. Close releases the underlying stream and may be called at any time.
type Fragments interface {
	Next() (string, error)
	Close() error
}

// Conversation is the dialogue state held on behalf of one session. Implementations are not
// required to support concurrent sends; callers serialize them.
type Conversation interface {
	SendMessageStream(ctx context.Context, parts []Part) (Fragments, error)
}

// Provider starts new conversations.
type Provider interface {
	Name() string
	StartConversation(ctx context.Context) (Conversation, error)
}

// Error marks failures that originate upstream.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err as a provider failure. A nil err stays nil.
func Wrap(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if stderrors.As(err, &pe) {
		return err
	}
	return &Error{Provider: provider, Op: op, Err: err}
}

// IsError reports whether err came from a provider.
func IsError(err error) bool {
	var pe *Error
	return stderrors.As(err, &pe)
}

// Settings selects and configures a provider.
type Settings struct {
	Name        string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
}

// New builds the provider named in s.
func New(ctx context.Context, s Settings) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s.Name)) {
	case "gemini", "googleai":
		return NewGemini(ctx, s)
	case "openai":
		return NewOpenAI(s)
	case "echo", "":
		return NewEcho(EchoOptions{}), nil
	default:
		return nil, errors.Errorf("unsupported provider: %s", s.Name)
	}
}

// TextOf concatenates the text parts of a message.
func TextOf(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if t, ok := p.(Text); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(string(t))
		}
	}
	return b.String()
}
