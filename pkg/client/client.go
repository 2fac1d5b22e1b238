package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relaychat/pkg/protocol"
)

// TransportError is a failure to get a streamed answer at all: a network error or a non-200
// response.
type TransportError struct {
	Op     string
	Status int
	// Message is the error text returned by the server, if any.
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Request is one chat message.
type Request struct {
	SessionID string
	Message   string
	// FileName and File attach content to the message when File is set.
	FileName string
	File     io.Reader
	// ExchangeID is sent as Idempotency-Key when set.
	ExchangeID string
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Framing selects the response encoding requested from the server: sentinel (default) or sse.
	Framing protocol.Framing
}

// Client submits chat messages to a relay server.
type Client struct {
	base    *url.URL
	http    *http.Client
	framing protocol.Framing
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		raw = "http://localhost:3000"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse server url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	framing := opts.Framing
	if framing == "" {
		framing = protocol.FramingSentinel
	}
	if framing != protocol.FramingSentinel && framing != protocol.FramingSSE {
		return nil, errors.Errorf("unsupported framing %q", framing)
	}
	return &Client{base: u, http: hc, framing: framing}, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.base.String(), "/") + path
}

// Chat sends req and consumes the answer with consumer. Transport failures end the exchange in
// the Failed state like in-band failures do.
func (c *Client) Chat(ctx context.Context, req Request, consumer *Consumer) Result {
	resp, err := c.post(ctx, req)
	if err != nil {
		consumer.painter.Fail(FailureMessage)
		return Result{State: Failed, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	var src Source
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if ct == "text/event-stream" {
		src = NewSSESource(resp.Body)
	} else {
		src = NewSentinelSource(resp.Body)
	}
	log.Debug().
		Str("component", "client").
		Str("session_id", req.SessionID).
		Str("exchange_id", resp.Header.Get("X-Exchange-Id")).
		Str("content_type", ct).
		Msg("streaming answer")
	return consumer.Consume(ctx, src, resp.Body)
}

func (c *Client) post(ctx context.Context, req Request) (*http.Response, error) {
	body, contentType := multipartBody(req)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/chat"), body)
	if err != nil {
		return nil, &TransportError{Op: "chat", Err: err}
	}
	hreq.Header.Set("Content-Type", contentType)
	if c.framing == protocol.FramingSSE {
		hreq.Header.Set("Accept", "text/event-stream")
	}
	if req.ExchangeID != "" {
		hreq.Header.Set("Idempotency-Key", req.ExchangeID)
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, &TransportError{Op: "chat", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, &TransportError{Op: "chat", Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	return resp, nil
}

// multipartBody streams the form so large attachments are not buffered in memory.
func multipartBody(req Request) (io.Reader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("sessionId", req.SessionID); err != nil {
				return err
			}
			if err := mw.WriteField("message", req.Message); err != nil {
				return err
			}
			if req.File != nil {
				name := req.FileName
				if name == "" {
					name = "attachment"
				}
				fw, err := mw.CreateFormFile("file", name)
				if err != nil {
					return err
				}
				if _, err := io.Copy(fw, req.File); err != nil {
					return err
				}
			}
			return mw.Close()
		}()
		_ = pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}

func readErrorMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(b))
}

// DeleteResult is the answer of the delete history endpoint.
type DeleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeleteHistory asks the server to drop the conversation of sessionID.
func (c *Client) DeleteHistory(ctx context.Context, sessionID string) (DeleteResult, error) {
	var out DeleteResult
	payload, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return out, errors.Wrap(err, "marshal delete request")
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/delete-history"), bytes.NewReader(payload))
	if err != nil {
		return out, &TransportError{Op: "delete-history", Err: err}
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(hreq)
	if err != nil {
		return out, &TransportError{Op: "delete-history", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return out, &TransportError{Op: "delete-history", Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, errors.Wrap(err, "decode delete response")
	}
	return out, nil
}
