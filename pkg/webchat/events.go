package webchat

import (
	"context"
	"encoding/json"

	"github.com/go-go-golems/relaychat/pkg/protocol"
	"github.com/go-go-golems/relaychat/pkg/redisstream"
	"github.com/rs/zerolog/log"
)

// topicForSession computes the event topic for a session.
func topicForSession(sessionID string) string { return "chat:" + sessionID }

// ExchangeEvents mirrors exchange frames onto the event bus for session watchers. Publishing is
// done by a single goroutine so frames keep their order; when the queue is full frames are
// dropped, the response to the submitting client is never held up.
type ExchangeEvents struct {
	bus   *redisstream.Bus
	queue chan protocol.Frame
}

func NewExchangeEvents(bus *redisstream.Bus, buffer int) *ExchangeEvents {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ExchangeEvents{bus: bus, queue: make(chan protocol.Frame, buffer)}
}

// Publish enqueues f. It never blocks and is a no-op on a nil receiver.
func (e *ExchangeEvents) Publish(f protocol.Frame) {
	if e == nil || e.bus == nil {
		return
	}
	select {
	case e.queue <- f:
	default:
		log.Warn().Str("component", "events").Str("session_id", f.SessionID).Str("type", string(f.Type)).Msg("event queue full, dropping frame")
	}
}

// Run publishes queued frames until ctx is done.
func (e *ExchangeEvents) Run(ctx context.Context) error {
	if e == nil || e.bus == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-e.queue:
			payload, err := json.Marshal(f)
			if err != nil {
				log.Warn().Err(err).Str("component", "events").Msg("failed to marshal frame")
				continue
			}
			if err := e.bus.Publish(topicForSession(f.SessionID), payload); err != nil {
				log.Warn().Err(err).Str("component", "events").Str("session_id", f.SessionID).Msg("failed to publish frame")
			}
		}
	}
}
