package chatstore

import (
	"context"
	"strings"
	"time"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ExchangeRecord is the transcript of one request-response exchange of a session.
type ExchangeRecord struct {
	ExchangeID   string `json:"exchangeId"`
	SessionID    string `json:"sessionId"`
	Prompt       string `json:"prompt"`
	AttachmentMT string `json:"attachmentMimeType,omitempty"`
	Response     string `json:"response"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	Fragments    int    `json:"fragments"`
	StartedAtMs  int64  `json:"startedAtMs"`
	FinishedAtMs int64  `json:"finishedAtMs"`
}

// TranscriptStore keeps finished exchanges per session.
type TranscriptStore interface {
	Record(ctx context.Context, rec ExchangeRecord) error
	// History returns the exchanges of a session in start order, at most limit when limit > 0.
	History(ctx context.Context, sessionID string, limit int) ([]ExchangeRecord, error)
	// DeleteSession removes all exchanges of a session and returns how many were removed.
	DeleteSession(ctx context.Context, sessionID string) (int, error)
	Close() error
}

func normalizeExchangeRecord(rec ExchangeRecord, nowMs int64) ExchangeRecord {
	rec.ExchangeID = strings.TrimSpace(rec.ExchangeID)
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	if rec.Status == "" {
		rec.Status = StatusCompleted
	}
	if rec.FinishedAtMs <= 0 {
		rec.FinishedAtMs = nowMs
	}
	if rec.StartedAtMs <= 0 {
		rec.StartedAtMs = rec.FinishedAtMs
	}
	return rec
}

func nowMs() int64 { return time.Now().UnixMilli() }
