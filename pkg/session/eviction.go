package session

import (
	"context"
	"time"
)

func (r *MemoryRegistry) SetEvictionConfig(idle, interval time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.evictIdle = idle
	r.evictInterval = interval
	r.mu.Unlock()
}

// StartEvictionLoop drops idle sessions periodically until ctx is done. It is a no-op when
// eviction is not configured or the loop already runs.
func (r *MemoryRegistry) StartEvictionLoop(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		panic("session: StartEvictionLoop requires non-nil ctx")
	}
	r.mu.Lock()
	if r.evictRunning {
		r.mu.Unlock()
		return
	}
	idle := r.evictIdle
	interval := r.evictInterval
	if idle <= 0 || interval <= 0 {
		r.mu.Unlock()
		return
	}
	r.evictRunning = true
	r.mu.Unlock()

	go r.runEvictionLoop(ctx, interval)
}

func (r *MemoryRegistry) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.evictRunning = false
			r.mu.Unlock()
			return
		case now := <-ticker.C:
			r.evictIdleOnce(now)
		}
	}
}

func (r *MemoryRegistry) evictIdleOnce(now time.Time) int {
	if r == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.Lock()
	idle := r.evictIdle
	if idle <= 0 {
		r.mu.Unlock()
		return 0
	}
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var evicted []string
	for _, s := range sessions {
		if !shouldEvict(now, idle, s) {
			continue
		}
		r.mu.Lock()
		current, ok := r.sessions[s.ID]
		if !ok || current != s {
			r.mu.Unlock()
			continue
		}
		delete(r.sessions, s.ID)
		r.mu.Unlock()
		evicted = append(evicted, s.ID)
	}
	r.notifyEvicted(evicted)
	return len(evicted)
}

func shouldEvict(now time.Time, idle time.Duration, s *Session) bool {
	s.mu.Lock()
	busy := s.busy || s.waiting > 0
	last := s.lastActivity
	s.mu.Unlock()
	if busy || last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}
