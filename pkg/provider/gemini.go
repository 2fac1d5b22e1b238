package provider

import (
	"context"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini talks to the Google Generative AI API. Each conversation is a genai chat session, which
// keeps the dialogue history on the client side.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
}

var _ Provider = (*Gemini)(nil)

func NewGemini(ctx context.Context, s Settings) (*Gemini, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("gemini: api key is empty")
	}
	opts := []option.ClientOption{option.WithAPIKey(s.APIKey)}
	if s.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(s.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "gemini: create client")
	}
	model := s.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{client: client, model: model, temperature: s.Temperature}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) StartConversation(_ context.Context) (Conversation, error) {
	model := g.client.GenerativeModel(g.model)
	if g.temperature > 0 {
		model.SetTemperature(g.temperature)
	}
	return &geminiConversation{session: model.StartChat()}, nil
}

// Close releases the API client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

type geminiConversation struct {
	session *genai.ChatSession
}

func (c *geminiConversation) SendMessageStream(ctx context.Context, parts []Part) (Fragments, error) {
	gparts := make([]genai.Part, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case Text:
			gparts = append(gparts, genai.Text(string(v)))
		case Blob:
			gparts = append(gparts, genai.Blob{MIMEType: v.MIMEType, Data: v.Data})
		}
	}
	if len(gparts) == 0 {
		return nil, Wrap("gemini", "send message", errors.New("empty message"))
	}
	return &geminiFragments{it: c.session.SendMessageStream(ctx, gparts...)}, nil
}

type geminiFragments struct {
	it   *genai.GenerateContentResponseIterator
	done bool
}

func (f *geminiFragments) Next() (string, error) {
	for !f.done {
		resp, err := f.it.Next()
		if err == iterator.Done {
			f.done = true
			break
		}
		if err != nil {
			return "", Wrap("gemini", "stream", err)
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

func (f *geminiFragments) Close() error {
	f.done = true
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return b.String()
}
