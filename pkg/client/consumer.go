// Package client talks to the relay server: it submits chat messages, consumes the streamed answer
// and keeps the little state a chat client needs between runs.
package client

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relaychat/pkg/markdown"
	"github.com/go-go-golems/relaychat/pkg/protocol"
)

// FailureMessage replaces the partial answer of a failed exchange.
const FailureMessage = "Error: could not get a response. Check the relay server logs and the provider API key."

// ErrIdleTimeout is reported when no data arrived for longer than the idle timeout.
var ErrIdleTimeout = errors.New("no data received before idle timeout")

// State is the position of an exchange in the consumer state machine.
type State int

const (
	AwaitingFirstByte State = iota
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingFirstByte:
		return "awaiting-first-byte"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Painter displays an exchange. Paint is called after every chunk with the whole answer so far,
// then exactly one of Finish or Fail.
type Painter interface {
	Paint(text, markup string)
	Finish(text, markup string)
	Fail(message string)
}

// Result is the outcome of one consumed exchange.
type Result struct {
	State  State
	Text   string
	Markup string
	// Chunks counts the reads that delivered data.
	Chunks int
	Err    error
}

// Source yields display text of one response body. Next returns io.EOF when the transport ended
// and protocol.ErrStreamFailed once the server signalled a failure. Finish is called after io.EOF
// and returns any text that was held back.
type Source interface {
	// Next may return text together with an error; the text still belongs to the answer.
	Next() (string, error)
	Finish() (string, error)
}

type ConsumerOption func(*Consumer)

// WithIdleTimeout fails the exchange when no chunk arrives for d.
func WithIdleTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.idleTimeout = d }
}

// Consumer reads a streamed answer and keeps the painter in sync with it.
type Consumer struct {
	painter     Painter
	idleTimeout time.Duration
}

func NewConsumer(p Painter, opts ...ConsumerOption) *Consumer {
	c := &Consumer{painter: p}
	for _, o := range opts {
		o(c)
	}
	return c
}

type step struct {
	text string
	err  error
}

// Consume drives src to completion. When ctx is done or the idle timeout expires the exchange
// fails and closer is closed to unblock the pending read. closer must be the reader behind src
// whenever src can block; with a nil closer the reading goroutine stays in src.Next until the
// source returns on its own, so nil is only fine for sources that always return, such as
// in-memory readers.
func (c *Consumer) Consume(ctx context.Context, src Source, closer io.Closer) Result {
	res := Result{State: AwaitingFirstByte}
	render := markdown.NewStream()
	var text strings.Builder

	steps := make(chan step)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			s, err := src.Next()
			select {
			case steps <- step{text: s, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var idle <-chan time.Time
	var timer *time.Timer
	if c.idleTimeout > 0 {
		timer = time.NewTimer(c.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	fail := func(err error) Result {
		if closer != nil {
			_ = closer.Close()
		}
		res.State = Failed
		res.Err = err
		res.Text = text.String()
		res.Markup = render.Markup()
		log.Debug().Err(err).Str("component", "client").Int("chunks", res.Chunks).Msg("exchange failed")
		c.painter.Fail(FailureMessage)
		return res
	}

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-idle:
			return fail(ErrIdleTimeout)
		case s := <-steps:
			if timer != nil {
				timer.Reset(c.idleTimeout)
			}
			if s.err == nil || s.text != "" {
				res.State = Streaming
				res.Chunks++
				if s.text != "" {
					text.WriteString(s.text)
					c.painter.Paint(text.String(), render.Append(s.text))
				}
			}
			if s.err == nil {
				continue
			}
			if !stderrors.Is(s.err, io.EOF) {
				return fail(s.err)
			}
			tail, err := src.Finish()
			if err != nil {
				if tail != "" {
					text.WriteString(tail)
					render.Append(tail)
				}
				return fail(err)
			}
			text.WriteString(tail)
			render.Append(tail)
			res.State = Completed
			res.Text = text.String()
			res.Markup = render.Markup()
			c.painter.Finish(res.Text, res.Markup)
			return res
		}
	}
}

// SentinelSource decodes the legacy plain text body. Multi-byte characters split across reads
// are carried over to the next read.
type SentinelSource struct {
	r       io.Reader
	buf     []byte
	carry   []byte
	dec     protocol.SentinelDecoder
	pending error
}

func NewSentinelSource(r io.Reader) *SentinelSource {
	return &SentinelSource{r: r, buf: make([]byte, 4096)}
}

func (s *SentinelSource) Next() (string, error) {
	if s.pending != nil {
		return "", s.pending
	}
	n, err := s.r.Read(s.buf)
	if n > 0 {
		var chunk string
		chunk, s.carry = decodeUTF8(s.carry, s.buf[:n])
		s.pending = err
		return s.dec.Feed(chunk)
	}
	if err == nil {
		return "", nil
	}
	return "", err
}

func (s *SentinelSource) Finish() (string, error) {
	var head string
	if len(s.carry) > 0 {
		var err error
		if head, err = s.dec.Feed(string(s.carry)); err != nil {
			return head, err
		}
		s.carry = nil
	}
	rest, err := s.dec.Close()
	if err != nil {
		return "", err
	}
	return head + rest, nil
}

// decodeUTF8 returns the longest prefix of carry+chunk that does not end inside a character,
// and the remaining bytes.
func decodeUTF8(carry, chunk []byte) (string, []byte) {
	data := append(carry, chunk...)
	for k := 1; k <= utf8.UTFMax-1 && k <= len(data); k++ {
		if !utf8.RuneStart(data[len(data)-k]) {
			continue
		}
		if !utf8.FullRune(data[len(data)-k:]) {
			rest := make([]byte, k)
			copy(rest, data[len(data)-k:])
			return string(data[:len(data)-k]), rest
		}
		break
	}
	return string(data), nil
}

// FrameSource decodes a framed body (SSE events or websocket messages).
type FrameSource struct {
	next func() (protocol.Frame, error)
	dec  protocol.FrameDecoder
}

// NewFrameSource reads frames from next, which returns io.EOF when the transport ended.
func NewFrameSource(next func() (protocol.Frame, error)) *FrameSource {
	return &FrameSource{next: next}
}

// NewSSESource reads a text/event-stream body.
func NewSSESource(r io.Reader) *FrameSource {
	return NewFrameSource(protocol.NewSSEReader(r).Next)
}

func (s *FrameSource) Next() (string, error) {
	if s.dec.Done() {
		return "", io.EOF
	}
	f, err := s.next()
	if err != nil {
		return "", err
	}
	return s.dec.Feed(f)
}

func (s *FrameSource) Finish() (string, error) {
	return "", s.dec.Close()
}
