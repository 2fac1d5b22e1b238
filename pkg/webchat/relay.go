package webchat

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"time"

	"github.com/go-go-golems/relaychat/pkg/persistence/chatstore"
	"github.com/go-go-golems/relaychat/pkg/protocol"
	"github.com/go-go-golems/relaychat/pkg/provider"
	"github.com/go-go-golems/relaychat/pkg/session"
	"github.com/go-go-golems/relaychat/pkg/upload"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ChatRequest is one submitted message. File, when set, is owned by the relay from then on.
type ChatRequest struct {
	SessionID  string
	Message    string
	File       *upload.File
	ExchangeID string
}

// Responder is the transport side of one exchange.
type Responder interface {
	// Reject reports a failure before anything was streamed.
	Reject(err error)
	// Commit is called once the exchange is known to have started. It sends headers and returns
	// the writer for the rest of the exchange.
	Commit(exchangeID string) protocol.Writer
}

// Outcome summarizes a finished exchange.
type Outcome struct {
	ExchangeID string
	SessionID  string
	Status     string
	Fragments  int
	Text       string
	Err        error
	// Committed is true once Responder.Commit was called.
	Committed bool
}

type RelayOptions struct {
	Registry           session.Registry
	Transcripts        chatstore.TranscriptStore
	Events             *ExchangeEvents
	DefaultInstruction string
	// ExchangeTimeout bounds one exchange including the wait for the session when > 0.
	ExchangeTimeout time.Duration
}

// Relay forwards provider fragments of one exchange to a Responder.
type Relay struct {
	registry           session.Registry
	transcripts        chatstore.TranscriptStore
	events             *ExchangeEvents
	defaultInstruction string
	timeout            time.Duration
}

func NewRelay(opts RelayOptions) *Relay {
	instr := opts.DefaultInstruction
	if instr == "" {
		instr = "Analyze this image and describe it in detail."
	}
	return &Relay{
		registry:           opts.Registry,
		transcripts:        opts.Transcripts,
		events:             opts.Events,
		defaultInstruction: instr,
		timeout:            opts.ExchangeTimeout,
	}
}

// Validate checks a request before any session or provider work.
func (r *Relay) Validate(req ChatRequest) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return newValidationError(msgMissingSession)
	}
	if strings.TrimSpace(req.Message) == "" && req.File == nil {
		return newValidationError(msgMissingContent)
	}
	return nil
}

// Run drives one exchange. The uploaded file is released on every path.
func (r *Relay) Run(ctx context.Context, req ChatRequest, resp Responder) Outcome {
	defer func() { _ = req.File.Release() }()

	if req.ExchangeID == "" {
		req.ExchangeID = uuid.NewString()
	}
	out := Outcome{ExchangeID: req.ExchangeID, SessionID: req.SessionID}
	logger := log.With().
		Str("component", "relay").
		Str("session_id", req.SessionID).
		Str("exchange_id", req.ExchangeID).
		Logger()

	if err := r.Validate(req); err != nil {
		logger.Debug().Err(err).Msg("rejected invalid chat request")
		resp.Reject(err)
		out.Status = chatstore.StatusFailed
		out.Err = err
		return out
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	started := time.Now()
	logger.Debug().Msg("exchange started")

	frags, release, first, err := r.open(ctx, req)
	if release != nil {
		defer release()
	}
	if frags != nil {
		defer func() { _ = frags.Close() }()
	}
	if err != nil {
		logger.Warn().Err(err).Msg("exchange failed before streaming")
		resp.Reject(err)
		out.Status = chatstore.StatusFailed
		out.Err = err
		r.record(req, out, started)
		return out
	}

	w := newPublishingWriter(resp.Commit(req.ExchangeID), r.events, req.SessionID, req.ExchangeID)
	out.Committed = true

	var text strings.Builder
	err = w.Start(req.ExchangeID)
	for err == nil && first != nil {
		if *first != "" {
			if err = w.Data(*first); err != nil {
				break
			}
			out.Fragments++
			text.WriteString(*first)
		}
		var next string
		next, err = frags.Next()
		if err != nil {
			break
		}
		first = &next
	}
	out.Text = text.String()

	switch {
	case err == nil || stderrors.Is(err, io.EOF):
		if err := w.End(); err != nil {
			logger.Debug().Err(err).Msg("failed to write end of stream")
		}
		out.Status = chatstore.StatusCompleted
	case w.writeErr != nil:
		// the client is gone; only watchers are told
		w.publish(protocol.EventError, "client went away")
		out.Status = chatstore.StatusFailed
		out.Err = err
		logger.Warn().Err(err).Msg("client went away during exchange")
	default:
		out.Status = chatstore.StatusFailed
		out.Err = err
		if werr := w.Fail(streamFailureMessage(err)); werr != nil {
			logger.Debug().Err(werr).Msg("failed to write error marker")
		}
		logger.Error().Err(err).Int("fragments", out.Fragments).Msg("provider stream failed mid-flight")
	}

	logger.Info().
		Str("status", out.Status).
		Int("fragments", out.Fragments).
		Int("bytes", len(out.Text)).
		Dur("duration", time.Since(started)).
		Msg("exchange finished")
	r.record(req, out, started)
	return out
}

// open resolves the session, waits for exclusive use of it and starts the provider stream. It
// returns the first fragment, or nil when the provider finished without any.
func (r *Relay) open(ctx context.Context, req ChatRequest) (provider.Fragments, func(), *string, error) {
	sess, err := r.registry.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		return nil, nil, nil, wrapUpstream(err)
	}
	release, err := sess.Acquire(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	parts, err := r.buildParts(req)
	if err != nil {
		return nil, release, nil, err
	}
	frags, err := sess.Conversation.SendMessageStream(ctx, parts)
	if err != nil {
		return nil, release, nil, wrapUpstream(err)
	}
	first, err := frags.Next()
	if stderrors.Is(err, io.EOF) {
		return frags, release, nil, nil
	}
	if err != nil {
		return frags, release, nil, wrapUpstream(err)
	}
	return frags, release, &first, nil
}

func wrapUpstream(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return err
	}
	return &ProviderError{Err: err}
}

// buildParts puts the attachment first and the text second. A file without text gets the
// default instruction.
func (r *Relay) buildParts(req ChatRequest) ([]provider.Part, error) {
	var parts []provider.Part
	if req.File != nil {
		data, err := req.File.Bytes()
		if err != nil {
			return nil, err
		}
		parts = append(parts, provider.Blob{MIMEType: req.File.MIMEType, Data: data})
	}
	if msg := strings.TrimSpace(req.Message); msg != "" {
		parts = append(parts, provider.Text(req.Message))
	} else if req.File != nil {
		parts = append(parts, provider.Text(r.defaultInstruction))
	}
	return parts, nil
}

func (r *Relay) record(req ChatRequest, out Outcome, started time.Time) {
	if r.transcripts == nil {
		return
	}
	rec := chatstore.ExchangeRecord{
		ExchangeID:   out.ExchangeID,
		SessionID:    req.SessionID,
		Prompt:       req.Message,
		Response:     out.Text,
		Status:       out.Status,
		Fragments:    out.Fragments,
		StartedAtMs:  started.UnixMilli(),
		FinishedAtMs: time.Now().UnixMilli(),
	}
	if req.File != nil {
		rec.AttachmentMT = req.File.MIMEType
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	// the request context may already be cancelled; the transcript write must still happen
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.transcripts.Record(ctx, rec); err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("exchange_id", out.ExchangeID).Msg("failed to record transcript")
	}
}

// publishingWriter forwards frames to the transport writer and mirrors them on the event bus.
type publishingWriter struct {
	inner      protocol.Writer
	events     *ExchangeEvents
	sessionID  string
	exchangeID string
	writeErr   error
}

func newPublishingWriter(inner protocol.Writer, events *ExchangeEvents, sessionID, exchangeID string) *publishingWriter {
	return &publishingWriter{inner: inner, events: events, sessionID: sessionID, exchangeID: exchangeID}
}

func (p *publishingWriter) publish(t protocol.EventType, text string) {
	p.events.Publish(protocol.Frame{Type: t, Text: text, SessionID: p.sessionID, ExchangeID: p.exchangeID})
}

func (p *publishingWriter) track(err error) error {
	if err != nil && p.writeErr == nil {
		p.writeErr = err
	}
	return err
}

func (p *publishingWriter) Start(exchangeID string) error {
	p.publish(protocol.EventStart, "")
	return p.track(p.inner.Start(exchangeID))
}

func (p *publishingWriter) Data(text string) error {
	p.publish(protocol.EventData, text)
	return p.track(p.inner.Data(text))
}

func (p *publishingWriter) Fail(message string) error {
	p.publish(protocol.EventError, message)
	return p.track(p.inner.Fail(message))
}

func (p *publishingWriter) End() error {
	p.publish(protocol.EventEnd, "")
	return p.track(p.inner.End())
}
