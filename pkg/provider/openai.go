package provider

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI talks to an OpenAI compatible chat completions endpoint. The API is stateless, so each
// conversation keeps its own message history and appends a turn once its stream completed.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
}

var _ Provider = (*OpenAI)(nil)

func NewOpenAI(s Settings) (*OpenAI, error) {
	if strings.TrimSpace(s.APIKey) == "" && s.BaseURL == "" {
		return nil, errors.New("openai: api key is empty")
	}
	cfg := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = s.BaseURL
	}
	model := s.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: s.Temperature,
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) StartConversation(_ context.Context) (Conversation, error) {
	return &openaiConversation{provider: o}, nil
}

type openaiConversation struct {
	provider *OpenAI

	mu      sync.Mutex
	history []openai.ChatCompletionMessage
}

func (c *openaiConversation) SendMessageStream(ctx context.Context, parts []Part) (Fragments, error) {
	msg, err := userMessage(parts)
	if err != nil {
		return nil, Wrap("openai", "send message", err)
	}

	c.mu.Lock()
	messages := make([]openai.ChatCompletionMessage, 0, len(c.history)+1)
	messages = append(messages, c.history...)
	c.mu.Unlock()
	messages = append(messages, msg)

	stream, err := c.provider.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.provider.model,
		Messages:    messages,
		Temperature: c.provider.temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, Wrap("openai", "create stream", err)
	}
	return &openaiFragments{conv: c, stream: stream, user: msg}, nil
}

func (c *openaiConversation) appendTurn(user openai.ChatCompletionMessage, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, user, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: answer,
	})
}

func userMessage(parts []Part) (openai.ChatCompletionMessage, error) {
	var blobs []Blob
	for _, p := range parts {
		if b, ok := p.(Blob); ok {
			blobs = append(blobs, b)
		}
	}
	text := TextOf(parts)
	if text == "" && len(blobs) == 0 {
		return openai.ChatCompletionMessage{}, errors.New("empty message")
	}
	if len(blobs) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}, nil
	}

	multi := make([]openai.ChatMessagePart, 0, len(blobs)+1)
	for _, b := range blobs {
		multi = append(multi, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: "data:" + b.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(b.Data),
			},
		})
	}
	if text != "" {
		multi = append(multi, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: multi}, nil
}

type openaiFragments struct {
	conv   *openaiConversation
	stream *openai.ChatCompletionStream
	user   openai.ChatCompletionMessage
	answer strings.Builder
	done   bool
}

func (f *openaiFragments) Next() (string, error) {
	for !f.done {
		resp, err := f.stream.Recv()
		if stderrors.Is(err, io.EOF) {
			f.done = true
			f.conv.appendTurn(f.user, f.answer.String())
			break
		}
		if err != nil {
			return "", Wrap("openai", "stream", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			f.answer.WriteString(delta)
			return delta, nil
		}
	}
	return "", io.EOF
}

func (f *openaiFragments) Close() error {
	f.done = true
	f.stream.Close()
	return nil
}
