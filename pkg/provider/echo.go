package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// EchoOptions configures the echo provider.
type EchoOptions struct {
	// Delay is waited before each fragment.
	Delay time.Duration
	// FailAfter makes the stream fail after that many fragments when > 0.
	FailAfter int
	// StartErr is returned by StartConversation when set.
	StartErr error
	// Reply overrides the generated answer.
	Reply func(turn int, parts []Part) string
}

// Echo is an offline provider that answers with the received message, split into word fragments.
// It is used for local development and tests.
type Echo struct {
	opts EchoOptions

	mu      sync.Mutex
	started int
}

var _ Provider = (*Echo)(nil)

func NewEcho(opts EchoOptions) *Echo {
	return &Echo{opts: opts}
}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) StartConversation(_ context.Context) (Conversation, error) {
	if e.opts.StartErr != nil {
		return nil, Wrap(e.Name(), "start conversation", e.opts.StartErr)
	}
	e.mu.Lock()
	e.started++
	e.mu.Unlock()
	return &echoConversation{opts: e.opts}, nil
}

// Started returns how many conversations were started.
func (e *Echo) Started() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

type echoConversation struct {
	opts EchoOptions

	mu   sync.Mutex
	turn int
}

func (c *echoConversation) SendMessageStream(ctx context.Context, parts []Part) (Fragments, error) {
	if len(parts) == 0 {
		return nil, Wrap("echo", "send message", errors.New("empty message"))
	}
	c.mu.Lock()
	c.turn++
	turn := c.turn
	c.mu.Unlock()

	var reply string
	if c.opts.Reply != nil {
		reply = c.opts.Reply(turn, parts)
	} else {
		reply = defaultEchoReply(turn, parts)
	}
	return &echoFragments{
		ctx:       ctx,
		pieces:    splitWords(reply),
		delay:     c.opts.Delay,
		failAfter: c.opts.FailAfter,
	}, nil
}

func defaultEchoReply(turn int, parts []Part) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Turn %d**\n", turn)
	for _, p := range parts {
		switch v := p.(type) {
		case Text:
			b.WriteString(string(v))
			b.WriteString("\n")
		case Blob:
			fmt.Fprintf(&b, "- attachment `%s` (%d bytes)\n", v.MIMEType, len(v.Data))
		}
	}
	return b.String()
}

// splitWords cuts s after each run of spaces so that concatenating the pieces yields s.
func splitWords(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' && (i+1 == len(s) || s[i+1] != ' ') {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

type echoFragments struct {
	ctx       context.Context
	pieces    []string
	next      int
	delay     time.Duration
	failAfter int
	closed    bool
}

func (f *echoFragments) Next() (string, error) {
	if f.closed {
		return "", io.EOF
	}
	if f.failAfter > 0 && f.next >= f.failAfter {
		return "", Wrap("echo", "stream", errors.New("injected failure"))
	}
	if f.next >= len(f.pieces) {
		return "", io.EOF
	}
	if f.delay > 0 {
		t := time.NewTimer(f.delay)
		select {
		case <-f.ctx.Done():
			t.Stop()
			return "", f.ctx.Err()
		case <-t.C:
		}
	} else if err := f.ctx.Err(); err != nil {
		return "", err
	}
	p := f.pieces[f.next]
	f.next++
	return p, nil
}

func (f *echoFragments) Close() error {
	f.closed = true
	return nil
}
