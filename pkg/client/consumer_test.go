package client

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/relaychat/pkg/markdown"
	"github.com/go-go-golems/relaychat/pkg/protocol"
)

type recordingPainter struct {
	mu       sync.Mutex
	paints   []string
	texts    []string
	finished string
	done     bool
	failed   string
}

func (p *recordingPainter) Paint(text, markup string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	p.paints = append(p.paints, markup)
}

func (p *recordingPainter) Finish(_, markup string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = markup
	p.done = true
}

func (p *recordingPainter) Fail(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = message
}

// chunkReader returns one chunk per Read.
type chunkReader struct {
	chunks []string
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func consumeSentinel(t *testing.T, r io.Reader) (Result, *recordingPainter) {
	t.Helper()
	p := &recordingPainter{}
	res := NewConsumer(p).Consume(context.Background(), NewSentinelSource(r), nil)
	return res, p
}

func TestConsume_FragmentsRenderLikeWholeText(t *testing.T) {
	res, p := consumeSentinel(t, &chunkReader{chunks: []string{protocol.StartSentinel, "Hel", "lo wor", "ld"}})

	require.Equal(t, Completed, res.State)
	require.NoError(t, res.Err)
	require.Equal(t, "Hello world", res.Text)
	require.Equal(t, markdown.Render("Hello world"), res.Markup)
	require.Equal(t, res.Markup, p.finished)
	require.Equal(t, []string{"Hel", "Hello wor", "Hello world"}, p.texts)
	for i, text := range p.texts {
		require.Equal(t, markdown.Render(text), p.paints[i])
	}
	require.Empty(t, p.failed)
}

func TestConsume_OneByteReads(t *testing.T) {
	body := protocol.StartSentinel + "- a\n- b\n- c"
	res, p := consumeSentinel(t, iotest.OneByteReader(strings.NewReader(body)))

	require.Equal(t, Completed, res.State)
	require.Equal(t, "- a\n- b\n- c", res.Text)
	require.Equal(t, markdown.Render("- a\n- b\n- c"), res.Markup)
	require.True(t, p.done)
	for _, text := range p.texts {
		require.False(t, strings.Contains(text, "START"), "start sentinel leaked into %q", text)
	}
}

func TestConsume_MultiByteCharactersSplitAcrossReads(t *testing.T) {
	res, _ := consumeSentinel(t, iotest.OneByteReader(strings.NewReader(protocol.StartSentinel+"zażółć gęślą jaźń")))
	require.Equal(t, Completed, res.State)
	require.Equal(t, "zażółć gęślą jaźń", res.Text)
}

func TestConsume_ErrorSentinelFails(t *testing.T) {
	res, p := consumeSentinel(t, &chunkReader{chunks: []string{protocol.StartSentinel + "**Turn 1**\n", "one ", "ERROR_", "STREAMING", "ignored"}})

	require.Equal(t, Failed, res.State)
	require.True(t, stderrors.Is(res.Err, protocol.ErrStreamFailed))
	require.Equal(t, FailureMessage, p.failed)
	require.False(t, p.done)
	require.Equal(t, "**Turn 1**\none ", res.Text)
	for _, text := range p.texts {
		require.NotContains(t, text, "ERROR")
	}
}

func TestConsume_ErrorSentinelWinsOverLaterText(t *testing.T) {
	res, p := consumeSentinel(t, strings.NewReader(protocol.StartSentinel+"ab"+protocol.ErrorSentinel+"cd"))
	require.Equal(t, Failed, res.State)
	require.Equal(t, "ab", res.Text)
	require.Equal(t, []string{"ab"}, p.texts)
	require.Equal(t, FailureMessage, p.failed)
	require.False(t, p.done)
}

func TestConsume_TextBeforeErrorSentinelInOneRead(t *testing.T) {
	res, p := consumeSentinel(t, &chunkReader{chunks: []string{protocol.StartSentinel + "**Turn 1**\none " + protocol.ErrorSentinel}})

	require.Equal(t, Failed, res.State)
	require.True(t, stderrors.Is(res.Err, protocol.ErrStreamFailed))
	require.Equal(t, "**Turn 1**\none ", res.Text)
	require.Equal(t, markdown.Render("**Turn 1**\none "), res.Markup)
	require.Equal(t, FailureMessage, p.failed)
}

func TestConsume_BodyWithoutStartSentinel(t *testing.T) {
	res, _ := consumeSentinel(t, strings.NewReader("plain answer"))
	require.Equal(t, Completed, res.State)
	require.Equal(t, "plain answer", res.Text)
}

func TestConsume_IdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	go func() { _, _ = pw.Write([]byte(protocol.StartSentinel + "partial")) }()

	p := &recordingPainter{}
	res := NewConsumer(p, WithIdleTimeout(50*time.Millisecond)).Consume(context.Background(), NewSentinelSource(pr), pr)

	require.Equal(t, Failed, res.State)
	require.True(t, stderrors.Is(res.Err, ErrIdleTimeout))
	require.Equal(t, "partial", res.Text)
	require.Equal(t, FailureMessage, p.failed)

	_, err := pw.Write([]byte("x"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestConsume_ContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	p := &recordingPainter{}
	res := NewConsumer(p).Consume(ctx, NewSentinelSource(pr), pr)
	require.Equal(t, Failed, res.State)
	require.True(t, stderrors.Is(res.Err, context.Canceled))

	// the blocked read was released by closing the body
	_, err := pw.Write([]byte("x"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func sseBody(t *testing.T, frames ...protocol.Frame) string {
	t.Helper()
	var buf bytes.Buffer
	w := protocol.NewSSEWriter(&buf)
	for _, f := range frames {
		require.NoError(t, w.WriteFrame(f))
	}
	return buf.String()
}

func TestConsume_SSE(t *testing.T) {
	body := sseBody(t,
		protocol.Frame{Type: protocol.EventStart},
		protocol.Frame{Type: protocol.EventData, Text: "**Ti"},
		protocol.Frame{Type: protocol.EventData, Text: "tle**"},
		protocol.Frame{Type: protocol.EventEnd},
	)
	p := &recordingPainter{}
	res := NewConsumer(p).Consume(context.Background(), NewSSESource(strings.NewReader(body)), nil)

	require.Equal(t, Completed, res.State)
	require.Equal(t, "**Title**", res.Text)
	require.Equal(t, markdown.Render("**Title**"), res.Markup)
}

func TestConsume_SSEContentLooksLikeSentinel(t *testing.T) {
	body := sseBody(t,
		protocol.Frame{Type: protocol.EventStart},
		protocol.Frame{Type: protocol.EventData, Text: "the token ERROR_STREAMING is just text"},
		protocol.Frame{Type: protocol.EventEnd},
	)
	res := NewConsumer(&recordingPainter{}).Consume(context.Background(), NewSSESource(strings.NewReader(body)), nil)
	require.Equal(t, Completed, res.State)
	require.Equal(t, "the token ERROR_STREAMING is just text", res.Text)
}

func TestConsume_SSEWithoutEndIsIncomplete(t *testing.T) {
	body := sseBody(t,
		protocol.Frame{Type: protocol.EventStart},
		protocol.Frame{Type: protocol.EventData, Text: "cut"},
	)
	p := &recordingPainter{}
	res := NewConsumer(p).Consume(context.Background(), NewSSESource(strings.NewReader(body)), nil)

	require.Equal(t, Failed, res.State)
	require.True(t, stderrors.Is(res.Err, protocol.ErrIncomplete))
	require.Equal(t, FailureMessage, p.failed)
}

func TestConsume_SSEErrorFrame(t *testing.T) {
	body := sseBody(t,
		protocol.Frame{Type: protocol.EventStart},
		protocol.Frame{Type: protocol.EventData, Text: "a"},
		protocol.Frame{Type: protocol.EventError, Text: "provider stream failed"},
	)
	res := NewConsumer(&recordingPainter{}).Consume(context.Background(), NewSSESource(strings.NewReader(body)), nil)
	require.Equal(t, Failed, res.State)
	require.True(t, stderrors.Is(res.Err, protocol.ErrStreamFailed))
}

func TestDecodeUTF8(t *testing.T) {
	s := []byte("aż")
	head, rest := decodeUTF8(nil, s[:2])
	require.Equal(t, "a", head)
	require.Equal(t, []byte{s[1]}, rest)

	head, rest = decodeUTF8(rest, s[2:])
	require.Equal(t, "ż", head)
	require.Empty(t, rest)

	head, rest = decodeUTF8(nil, []byte("plain"))
	require.Equal(t, "plain", head)
	require.Empty(t, rest)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "awaiting-first-byte", AwaitingFirstByte.String())
	require.Equal(t, "failed", Failed.String())
}
