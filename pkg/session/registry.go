// Package session maps client-chosen session identifiers to provider conversations.
//
// The registry creates at most one conversation per identifier, serializes exchanges on the same
// session and evicts sessions that stayed idle for too long.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/relaychat/pkg/provider"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// ErrEmptyID is returned for a blank session identifier.
var ErrEmptyID = errors.New("session id is empty")

// Session pairs an identifier with the provider conversation created for it.
type Session struct {
	ID           string
	Conversation provider.Conversation
	CreatedAt    time.Time

	sem *semaphore.Weighted

	mu           sync.Mutex
	lastActivity time.Time
	busy         bool
	waiting      int
}

func newSession(id string, conv provider.Conversation, now time.Time) *Session {
	return &Session{
		ID:           id,
		Conversation: conv,
		CreatedAt:    now,
		sem:          semaphore.NewWeighted(1),
		lastActivity: now,
	}
}

// Acquire waits until no other exchange runs on the session. The returned release func is
// idempotent and must be called when the exchange ends.
func (s *Session) Acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	s.waiting++
	s.mu.Unlock()

	err := s.sem.Acquire(ctx, 1)

	s.mu.Lock()
	s.waiting--
	if err == nil {
		s.busy = true
		s.lastActivity = time.Now()
	}
	s.mu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "wait for session %s", s.ID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.busy = false
			s.lastActivity = time.Now()
			s.mu.Unlock()
			s.sem.Release(1)
		})
	}, nil
}

// Touch marks activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Busy reports whether an exchange runs or waits on the session.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy || s.waiting > 0
}

// Registry is the session store consumed by the relay.
type Registry interface {
	// GetOrCreate returns the session for id, starting a new conversation when none exists.
	GetOrCreate(ctx context.Context, id string) (*Session, error)
	// Get returns the session for id without creating it.
	Get(id string) (*Session, bool)
	// Delete removes the session and reports whether one existed.
	Delete(id string) bool
	Len() int
}

// Options configures a MemoryRegistry.
type Options struct {
	// MaxSessions bounds the number of live sessions when > 0. On overflow the least recently
	// active idle session is evicted.
	MaxSessions int
	// OnEvict is called after a session was evicted, outside of registry locks.
	OnEvict func(id string)
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	starter  provider.Provider
	opts     Options
	creating singleflight.Group

	mu            sync.Mutex
	sessions      map[string]*Session
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry(starter provider.Provider, opts Options) *MemoryRegistry {
	return &MemoryRegistry{
		starter:  starter,
		opts:     opts,
		sessions: map[string]*Session{},
	}
}

func (r *MemoryRegistry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if s, ok := r.Get(id); ok {
		s.Touch()
		return s, nil
	}

	// concurrent first requests for the same id share one StartConversation call
	v, err, _ := r.creating.Do(id, func() (interface{}, error) {
		if s, ok := r.Get(id); ok {
			return s, nil
		}
		// shared by every caller waiting on id, so one caller going away must not fail the rest
		conv, err := r.starter.StartConversation(context.WithoutCancel(ctx))
		if err != nil {
			return nil, provider.Wrap(r.starter.Name(), "start conversation", err)
		}
		s := newSession(id, conv, time.Now())

		r.mu.Lock()
		r.sessions[id] = s
		victims := r.overflowLocked(id)
		r.mu.Unlock()

		r.notifyEvicted(victims)
		log.Debug().Str("component", "session").Str("session_id", id).Msg("session created")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *MemoryRegistry) Get(id string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *MemoryRegistry) Delete(id string) bool {
	if r == nil || id == "" {
		return false
	}
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		log.Debug().Str("component", "session").Str("session_id", id).Msg("session deleted")
	}
	return ok
}

func (r *MemoryRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the live session identifiers, sorted.
func (r *MemoryRegistry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// overflowLocked drops least recently active idle sessions until MaxSessions holds. keep is
// never dropped.
func (r *MemoryRegistry) overflowLocked(keep string) []string {
	if r.opts.MaxSessions <= 0 || len(r.sessions) <= r.opts.MaxSessions {
		return nil
	}
	candidates := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == keep || s.Busy() {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActivity().Before(candidates[j].LastActivity())
	})
	var victims []string
	for _, s := range candidates {
		if len(r.sessions) <= r.opts.MaxSessions {
			break
		}
		delete(r.sessions, s.ID)
		victims = append(victims, s.ID)
	}
	return victims
}

func (r *MemoryRegistry) notifyEvicted(ids []string) {
	for _, id := range ids {
		log.Info().Str("component", "session").Str("session_id", id).Msg("session evicted")
		if r.opts.OnEvict != nil {
			r.opts.OnEvict(id)
		}
	}
}
