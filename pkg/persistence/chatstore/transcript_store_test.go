package chatstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]TranscriptStore {
	t.Helper()
	dsn, err := SQLiteTranscriptDSNForFile(filepath.Join(t.TempDir(), "transcripts.db"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]TranscriptStore{
		"memory": NewInMemoryTranscriptStore(0),
		"sqlite": sqlite,
	}
}

func TestTranscriptStore_RecordAndHistory(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.Error(t, s.Record(ctx, ExchangeRecord{ExchangeID: "x"}))
			require.Error(t, s.Record(ctx, ExchangeRecord{SessionID: "s1"}))

			require.NoError(t, s.Record(ctx, ExchangeRecord{
				ExchangeID: "e2", SessionID: "s1", Prompt: "second", Response: "b", StartedAtMs: 200,
			}))
			require.NoError(t, s.Record(ctx, ExchangeRecord{
				ExchangeID: "e1", SessionID: "s1", Prompt: "first", Response: "a", StartedAtMs: 100,
			}))
			require.NoError(t, s.Record(ctx, ExchangeRecord{
				ExchangeID: "e3", SessionID: "s1", Prompt: "third", Status: StatusFailed,
				Error: "provider stream failed", Fragments: 2, StartedAtMs: 300,
			}))
			require.NoError(t, s.Record(ctx, ExchangeRecord{
				ExchangeID: "o1", SessionID: "other", Prompt: "x", StartedAtMs: 50,
			}))

			all, err := s.History(ctx, "s1", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			require.Equal(t, []string{"e1", "e2", "e3"}, []string{all[0].ExchangeID, all[1].ExchangeID, all[2].ExchangeID})
			require.Equal(t, StatusCompleted, all[0].Status)
			require.Equal(t, StatusFailed, all[2].Status)
			require.Equal(t, 2, all[2].Fragments)
			require.Greater(t, all[0].FinishedAtMs, int64(0))

			last, err := s.History(ctx, "s1", 2)
			require.NoError(t, err)
			require.Len(t, last, 2)
			require.Equal(t, "e2", last[0].ExchangeID)
			require.Equal(t, "e3", last[1].ExchangeID)
		})
	}
}

func TestTranscriptStore_SameMillisecondKeepsRecordOrder(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// ids sort against insertion order
			ids := []string{"f", "c", "e", "a", "d", "b"}
			for _, id := range ids {
				require.NoError(t, s.Record(ctx, ExchangeRecord{ExchangeID: id, SessionID: "s1", Prompt: id, StartedAtMs: 500}))
			}
			// an update keeps the original position
			require.NoError(t, s.Record(ctx, ExchangeRecord{ExchangeID: "c", SessionID: "s1", Prompt: "c", Response: "done", StartedAtMs: 500}))

			all, err := s.History(ctx, "s1", 0)
			require.NoError(t, err)
			got := make([]string, 0, len(all))
			for _, rec := range all {
				got = append(got, rec.ExchangeID)
			}
			require.Equal(t, ids, got)

			last, err := s.History(ctx, "s1", 1)
			require.NoError(t, err)
			require.Len(t, last, 1)
			require.Equal(t, "b", last[0].ExchangeID)
		})
	}
}

func TestTranscriptStore_RecordOverwritesSameExchange(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Record(ctx, ExchangeRecord{ExchangeID: "e1", SessionID: "s1", Response: "par", StartedAtMs: 1}))
			require.NoError(t, s.Record(ctx, ExchangeRecord{ExchangeID: "e1", SessionID: "s1", Response: "partial done", StartedAtMs: 1}))

			all, err := s.History(ctx, "s1", 0)
			require.NoError(t, err)
			require.Len(t, all, 1)
			require.Equal(t, "partial done", all[0].Response)
		})
	}
}

func TestTranscriptStore_DeleteSession(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Record(ctx, ExchangeRecord{ExchangeID: "e1", SessionID: "s1"}))
			require.NoError(t, s.Record(ctx, ExchangeRecord{ExchangeID: "e2", SessionID: "s1"}))

			n, err := s.DeleteSession(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, 2, n)

			n, err = s.DeleteSession(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, 0, n)

			all, err := s.History(ctx, "s1", 0)
			require.NoError(t, err)
			require.Empty(t, all)
		})
	}
}

func TestInMemoryTranscriptStore_BoundsPerSession(t *testing.T) {
	s := NewInMemoryTranscriptStore(2)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Record(ctx, ExchangeRecord{ExchangeID: id, SessionID: "s", StartedAtMs: int64(i + 1)}))
	}
	all, err := s.History(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "b", all[0].ExchangeID)
}

func TestSQLiteTranscriptStore_Reopen(t *testing.T) {
	dsn, err := SQLiteTranscriptDSNForFile(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)

	s, err := NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), ExchangeRecord{ExchangeID: "e1", SessionID: "s1", Prompt: "keep"}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	all, err := s.History(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "keep", all[0].Prompt)

	_, err = SQLiteTranscriptDSNForFile("")
	require.Error(t, err)
	_, err = NewSQLiteTranscriptStore("")
	require.Error(t, err)
}
