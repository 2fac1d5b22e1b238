package chatstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// InMemoryTranscriptStore is a size-limited, in-memory TranscriptStore implementation.
// It mirrors the ordering semantics of the SQLite store.
type InMemoryTranscriptStore struct {
	mu                     sync.Mutex
	maxExchangesPerSession int
	sessions               map[string][]storedExchange
	// seq orders exchanges recorded in the same millisecond.
	seq uint64
}

type storedExchange struct {
	rec ExchangeRecord
	seq uint64
}

var _ TranscriptStore = &InMemoryTranscriptStore{}

func NewInMemoryTranscriptStore(maxExchangesPerSession int) *InMemoryTranscriptStore {
	if maxExchangesPerSession <= 0 {
		maxExchangesPerSession = 500
	}
	return &InMemoryTranscriptStore{
		maxExchangesPerSession: maxExchangesPerSession,
		sessions:               map[string][]storedExchange{},
	}
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

func (s *InMemoryTranscriptStore) Record(_ context.Context, rec ExchangeRecord) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	rec = normalizeExchangeRecord(rec, nowMs())
	if rec.SessionID == "" {
		return errors.New("in-memory transcript store: sessionID is empty")
	}
	if rec.ExchangeID == "" {
		return errors.New("in-memory transcript store: exchangeID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sessions[rec.SessionID]
	for i := range list {
		if list[i].rec.ExchangeID == rec.ExchangeID {
			list[i].rec = rec
			sortExchanges(list)
			return nil
		}
	}
	s.seq++
	list = append(list, storedExchange{rec: rec, seq: s.seq})
	sortExchanges(list)
	if len(list) > s.maxExchangesPerSession {
		list = append([]storedExchange(nil), list[len(list)-s.maxExchangesPerSession:]...)
	}
	s.sessions[rec.SessionID] = list
	return nil
}

func (s *InMemoryTranscriptStore) History(_ context.Context, sessionID string, limit int) ([]ExchangeRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sessions[sessionID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]ExchangeRecord, 0, len(list))
	for _, e := range list {
		out = append(out, e.rec)
	}
	return out, nil
}

func (s *InMemoryTranscriptStore) DeleteSession(_ context.Context, sessionID string) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory transcript store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sessions[sessionID])
	delete(s.sessions, sessionID)
	return n, nil
}

func sortExchanges(list []storedExchange) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].rec.StartedAtMs != list[j].rec.StartedAtMs {
			return list[i].rec.StartedAtMs < list[j].rec.StartedAtMs
		}
		return list[i].seq < list[j].seq
	})
}
