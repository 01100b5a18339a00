package store

import (
	"context"
	"fmt"
	"time"
)

// OpType is the kind of operation an outbox entry carries.
type OpType string

const (
	OpSend     OpType = "send"
	OpMarkRead OpType = "mark_read"
)

// OutboxEntry is one durable queued operation. An entry exists iff its
// message is pending and unconfirmed by the server.
type OutboxEntry struct {
	EntryID     string
	DedupeKey   string
	OpType      OpType
	GroupID     string
	PayloadJSON string
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
}

const outboxColumns = `entry_id, dedupe_key, op_type, group_id, payload_json,
	retry_count, next_retry_at_ms, last_error, created_at_ms`

func scanOutboxEntry(row dbutilScannable) (*OutboxEntry, error) {
	var e OutboxEntry
	var nextMS, createdMS int64
	err := row.Scan(&e.EntryID, &e.DedupeKey, &e.OpType, &e.GroupID, &e.PayloadJSON,
		&e.RetryCount, &nextMS, &e.LastError, &createdMS)
	if err != nil {
		return nil, err
	}
	e.NextRetryAt = time.UnixMilli(nextMS)
	e.CreatedAt = time.UnixMilli(createdMS)
	return &e, nil
}

// EnqueueOutbox appends a durable entry. Keyed by dedupe key, so calling it
// repeatedly for the same logical send leaves exactly one entry.
func (s *Store) EnqueueOutbox(ctx context.Context, entry *OutboxEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO outbox (entry_id, dedupe_key, op_type, group_id, payload_json,
			retry_count, next_retry_at_ms, last_error, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, 0, 0, '', $6)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, entry.EntryID, entry.DedupeKey, entry.OpType, entry.GroupID,
		entry.PayloadJSON, entry.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return nil
}

// DueOutboxEntries returns entries whose next retry time has passed, in
// creation order. Creation order within a group is send order, which is what
// preserves per-group FIFO delivery.
func (s *Store) DueOutboxEntries(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE next_retry_at_ms <= $1
		ORDER BY created_at_ms ASC, rowid ASC
		LIMIT $2
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AllOutboxEntries returns the whole queue in creation order.
func (s *Store) AllOutboxEntries(ctx context.Context) ([]*OutboxEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox ORDER BY created_at_ms ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutboxEntry returns the entry for a dedupe key, or nil.
func (s *Store) GetOutboxEntry(ctx context.Context, dedupeKey string) (*OutboxEntry, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE dedupe_key=$1`, dedupeKey)
	e, err := scanOutboxEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// RescheduleOutboxEntry records a transient failure and the new retry time.
func (s *Store) RescheduleOutboxEntry(ctx context.Context, entryID string, retryCount int, nextRetryAt time.Time, lastError string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox SET retry_count=$1, next_retry_at_ms=$2, last_error=$3
		WHERE entry_id=$4
	`, retryCount, nextRetryAt.UnixMilli(), lastError, entryID)
	if err != nil {
		return fmt.Errorf("failed to reschedule outbox entry: %w", err)
	}
	return nil
}

// DeleteOutboxEntry removes an entry by ID.
func (s *Store) DeleteOutboxEntry(ctx context.Context, entryID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM outbox WHERE entry_id=$1`, entryID)
	return err
}

// OutboxDepth returns the number of queued entries.
func (s *Store) OutboxDepth(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count)
	return count, err
}

// ClearOutbox drops every queued entry and returns how many were removed.
// Their messages stay cached in whatever delivery state they had.
func (s *Store) ClearOutbox(ctx context.Context) (int, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM outbox`)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ResetOutboxRetry re-arms an entry for immediate delivery without touching
// its retry counter. Used by the manual-retry affordance.
func (s *Store) ResetOutboxRetry(ctx context.Context, dedupeKey string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE outbox SET next_retry_at_ms=0, last_error='' WHERE dedupe_key=$1`, dedupeKey)
	return err
}
