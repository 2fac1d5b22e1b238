package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) Record(ctx context.Context, rec ExchangeRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rec = normalizeExchangeRecord(rec, nowMs())
	if rec.SessionID == "" {
		return errors.New("sqlite transcript store: sessionID is empty")
	}
	if rec.ExchangeID == "" {
		return errors.New("sqlite transcript store: exchangeID is empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (
			exchange_id, session_id, prompt, attachment_mime, response,
			status, error, fragments, started_at_ms, finished_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange_id) DO UPDATE SET
			response = excluded.response,
			status = excluded.status,
			error = excluded.error,
			fragments = excluded.fragments,
			finished_at_ms = excluded.finished_at_ms
	`, rec.ExchangeID, rec.SessionID, rec.Prompt, rec.AttachmentMT, rec.Response,
		rec.Status, rec.Error, rec.Fragments, rec.StartedAtMs, rec.FinishedAtMs)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: record exchange")
	}
	return nil
}

func (s *SQLiteTranscriptStore) History(ctx context.Context, sessionID string, limit int) ([]ExchangeRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("sqlite transcript store: sessionID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = -1
	}

	// newest first for the limit, reversed below. rowid keeps insertion order within a millisecond
	// and survives the upsert.
	rows, err := s.db.QueryContext(ctx, `
		SELECT exchange_id, session_id, prompt, attachment_mime, response,
		       status, error, fragments, started_at_ms, finished_at_ms
		FROM exchanges
		WHERE session_id = ?
		ORDER BY started_at_ms DESC, rowid DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query history")
	}
	defer func() { _ = rows.Close() }()

	var out []ExchangeRecord
	for rows.Next() {
		var rec ExchangeRecord
		if err := rows.Scan(
			&rec.ExchangeID,
			&rec.SessionID,
			&rec.Prompt,
			&rec.AttachmentMT,
			&rec.Response,
			&rec.Status,
			&rec.Error,
			&rec.Fragments,
			&rec.StartedAtMs,
			&rec.FinishedAtMs,
		); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan exchange")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: iterate history")
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteTranscriptStore) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite transcript store: delete session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "sqlite transcript store: rows affected")
	}
	return int(n), nil
}

func (s *SQLiteTranscriptStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
		  exchange_id TEXT PRIMARY KEY,
		  session_id TEXT NOT NULL,
		  prompt TEXT NOT NULL DEFAULT '',
		  attachment_mime TEXT NOT NULL DEFAULT '',
		  response TEXT NOT NULL DEFAULT '',
		  status TEXT NOT NULL,
		  error TEXT NOT NULL DEFAULT '',
		  fragments INTEGER NOT NULL DEFAULT 0,
		  started_at_ms INTEGER NOT NULL,
		  finished_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS exchanges_by_session
		  ON exchanges(session_id, started_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

// SQLiteTranscriptDSNForFile builds a DSN for a database file.
func SQLiteTranscriptDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
