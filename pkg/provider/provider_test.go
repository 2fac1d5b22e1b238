package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, f Fragments) ([]string, error) {
	t.Helper()
	var out []string
	for {
		frag, err := f.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
}

func TestSplitWords_Concatenates(t *testing.T) {
	for _, s := range []string{"", "a", "a b", "a  b ", "  lead", "one two three"} {
		require.Equal(t, s, strings.Join(splitWords(s), ""))
	}
}

func TestEcho_StreamsReplyAndCountsTurns(t *testing.T) {
	p := NewEcho(EchoOptions{})
	conv, err := p.StartConversation(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.Started())

	f, err := conv.SendMessageStream(context.Background(), []Part{Text("hi there")})
	require.NoError(t, err)
	frags, err := drain(t, f)
	require.NoError(t, err)
	require.Equal(t, "**Turn 1**\nhi there\n", strings.Join(frags, ""))
	require.Greater(t, len(frags), 1)

	f, err = conv.SendMessageStream(context.Background(), []Part{Text("again"), Blob{MIMEType: "image/png", Data: []byte{1, 2}}})
	require.NoError(t, err)
	frags, err = drain(t, f)
	require.NoError(t, err)
	joined := strings.Join(frags, "")
	require.True(t, strings.HasPrefix(joined, "**Turn 2**"))
	require.Contains(t, joined, "`image/png` (2 bytes)")
}

func TestEcho_FailAfterIsProviderError(t *testing.T) {
	p := NewEcho(EchoOptions{
		FailAfter: 2,
		Reply:     func(int, []Part) string { return "a b c d" },
	})
	conv, err := p.StartConversation(context.Background())
	require.NoError(t, err)
	f, err := conv.SendMessageStream(context.Background(), []Part{Text("x")})
	require.NoError(t, err)
	frags, err := drain(t, f)
	require.Error(t, err)
	require.True(t, IsError(err))
	require.Equal(t, []string{"a ", "b "}, frags)
}

func TestEcho_StartErr(t *testing.T) {
	p := NewEcho(EchoOptions{StartErr: errors.New("quota")})
	_, err := p.StartConversation(context.Background())
	require.Error(t, err)
	require.True(t, IsError(err))
	require.Contains(t, err.Error(), "quota")
}

func TestEcho_ContextCancelStopsStream(t *testing.T) {
	p := NewEcho(EchoOptions{Delay: time.Second})
	conv, err := p.StartConversation(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	f, err := conv.SendMessageStream(ctx, []Part{Text("slow")})
	require.NoError(t, err)
	cancel()
	_, err = f.Next()
	require.ErrorIs(t, err, context.Canceled)
}

func TestWrap_KeepsExistingProviderError(t *testing.T) {
	inner := Wrap("a", "op", errors.New("boom"))
	require.Same(t, inner, Wrap("b", "other", inner))
	require.Nil(t, Wrap("a", "op", nil))
	require.False(t, IsError(errors.New("plain")))
}

func TestNew_SelectsProvider(t *testing.T) {
	p, err := New(context.Background(), Settings{Name: "echo"})
	require.NoError(t, err)
	require.Equal(t, "echo", p.Name())

	_, err = New(context.Background(), Settings{Name: "nope"})
	require.Error(t, err)

	_, err = New(context.Background(), Settings{Name: "openai"})
	require.Error(t, err)
}

func TestTextOf(t *testing.T) {
	require.Equal(t, "a\nb", TextOf([]Part{Text("a"), Blob{}, Text("b")}))
	require.Equal(t, "", TextOf(nil))
}

// fakeCompletions serves chat completion streams in the SSE format of the OpenAI API.
type fakeCompletions struct {
	mu       sync.Mutex
	requests []map[string]any
	chunks   []string
	failAt   int
}

func (f *fakeCompletions) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.requests = append(f.requests, body)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for i, c := range f.chunks {
		if f.failAt > 0 && i == f.failAt {
			// a truncated event makes the client fail mid-stream
			_, _ = fmt.Fprint(w, "data: {not json\n\n")
			flusher.Flush()
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion.chunk",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": c}}},
		})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (f *fakeCompletions) messages(i int) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]["messages"].([]any)
}

func TestOpenAI_StreamsDeltasAndKeepsHistory(t *testing.T) {
	fake := &fakeCompletions{chunks: []string{"Hel", "lo", "!"}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, err := NewOpenAI(Settings{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "test-model"})
	require.NoError(t, err)
	conv, err := p.StartConversation(context.Background())
	require.NoError(t, err)

	f, err := conv.SendMessageStream(context.Background(), []Part{Text("hi")})
	require.NoError(t, err)
	frags, err := drain(t, f)
	require.NoError(t, err)
	require.Equal(t, []string{"Hel", "lo", "!"}, frags)
	require.NoError(t, f.Close())

	f, err = conv.SendMessageStream(context.Background(), []Part{Text("again")})
	require.NoError(t, err)
	_, err = drain(t, f)
	require.NoError(t, err)

	require.Len(t, fake.messages(0), 1)
	second := fake.messages(1)
	require.Len(t, second, 3)
	require.Equal(t, "assistant", second[1].(map[string]any)["role"])
	require.Equal(t, "Hello!", second[1].(map[string]any)["content"])
}

func TestOpenAI_ImagePartBecomesDataURL(t *testing.T) {
	msg, err := userMessage([]Part{Blob{MIMEType: "image/png", Data: []byte("png")}, Text("what is it")})
	require.NoError(t, err)
	require.Len(t, msg.MultiContent, 2)
	require.Equal(t, "data:image/png;base64,cG5n", msg.MultiContent[0].ImageURL.URL)
	require.Equal(t, "what is it", msg.MultiContent[1].Text)

	_, err = userMessage(nil)
	require.Error(t, err)
}

func TestOpenAI_MidStreamFailureIsProviderError(t *testing.T) {
	fake := &fakeCompletions{chunks: []string{"a", "b", "c"}, failAt: 1}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, err := NewOpenAI(Settings{APIKey: "test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	conv, err := p.StartConversation(context.Background())
	require.NoError(t, err)
	f, err := conv.SendMessageStream(context.Background(), []Part{Text("hi")})
	require.NoError(t, err)
	frags, err := drain(t, f)
	require.Error(t, err)
	require.True(t, IsError(err))
	require.Equal(t, []string{"a"}, frags)
}
