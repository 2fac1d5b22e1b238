package webchat

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/relaychat/pkg/redisstream"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WatchHub fans exchange events of a session out to its watcher websockets. A session gets one bus
// subscription while it has watchers; the subscription is stopped once the pool stayed empty for
// the idle timeout.
type WatchHub struct {
	baseCtx     context.Context
	bus         *redisstream.Bus
	idleTimeout time.Duration

	mu      sync.Mutex
	watches map[string]*sessionWatch
}

type sessionWatch struct {
	pool   *ConnectionPool
	cancel context.CancelFunc
}

func NewWatchHub(baseCtx context.Context, bus *redisstream.Bus, idleTimeout time.Duration) *WatchHub {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &WatchHub{baseCtx: baseCtx, bus: bus, idleTimeout: idleTimeout, watches: map[string]*sessionWatch{}}
}

// Ensure subscribes to the session topic unless already subscribed. Call it before upgrading so no
// event published after the upgrade is missed.
func (h *WatchHub) Ensure(ctx context.Context, sessionID string) (*ConnectionPool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watches[sessionID]; ok {
		return w.pool, nil
	}

	topic := topicForSession(sessionID)
	if err := h.bus.PrepareTopic(ctx, topic); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(h.baseCtx)
	msgs, err := h.bus.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, err
	}
	pool := NewConnectionPool(sessionID, h.idleTimeout, func() { h.stop(sessionID) })
	w := &sessionWatch{pool: pool, cancel: cancel}
	h.watches[sessionID] = w

	go func() {
		for msg := range msgs {
			pool.Broadcast(msg.Payload)
			msg.Ack()
		}
		log.Debug().Str("component", "watch").Str("session_id", sessionID).Msg("watch subscription ended")
	}()
	// released again if no watcher shows up
	pool.armIdle()
	log.Debug().Str("component", "watch").Str("session_id", sessionID).Msg("watch subscription started")
	return pool, nil
}

// Attach adds conn to the session pool and reads from it until the peer goes away.
func (h *WatchHub) Attach(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	w, ok := h.watches[sessionID]
	h.mu.Unlock()
	if !ok {
		_ = conn.Close()
		return
	}
	w.pool.Add(conn)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				w.pool.Remove(conn)
				return
			}
		}
	}()
}

// Count returns the number of watchers of a session.
func (h *WatchHub) Count(sessionID string) int {
	h.mu.Lock()
	w, ok := h.watches[sessionID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return w.pool.Count()
}

func (h *WatchHub) stop(sessionID string) {
	h.mu.Lock()
	w, ok := h.watches[sessionID]
	if ok && w.pool.IsEmpty() {
		delete(h.watches, sessionID)
	} else {
		ok = false
	}
	h.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Close drops every watcher and subscription.
func (h *WatchHub) Close() {
	h.mu.Lock()
	watches := h.watches
	h.watches = map[string]*sessionWatch{}
	h.mu.Unlock()
	for _, w := range watches {
		w.pool.CloseAll()
		w.cancel()
	}
}
