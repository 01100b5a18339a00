package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeliveryState tracks a message's progress toward server confirmation.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is one row of the local message cache. The dedupe key uniquely
// determines the row; the server ID is empty until the server confirms.
type Message struct {
	DedupeKey      string
	ServerID       string
	GroupID        string
	AuthorID       string
	Content        string
	Attachment     []byte
	AttachmentMime string
	CreatedAt      time.Time
	DeliveryState  DeliveryState
	LocalOnly      bool
	FailReason     string
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

const messageColumns = `dedupe_key, server_id, group_id, author_id, content, attachment,
	attachment_mime, created_at_ms, delivery_state, local_only, fail_reason`

func scanMessage(row dbutilScannable) (*Message, error) {
	var msg Message
	var createdMS int64
	err := row.Scan(&msg.DedupeKey, &msg.ServerID, &msg.GroupID, &msg.AuthorID,
		&msg.Content, &msg.Attachment, &msg.AttachmentMime, &createdMS,
		&msg.DeliveryState, &msg.LocalOnly, &msg.FailReason)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = time.UnixMilli(createdMS)
	return &msg, nil
}

type dbutilScannable interface {
	Scan(dest ...any) error
}

// InsertLocalMessage creates the optimistic local row at send time. Repeated
// calls with the same dedupe key are no-ops, so enqueueing the same logical
// send twice never duplicates the row.
func (s *Store) InsertLocalMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO message (dedupe_key, server_id, group_id, author_id, content, attachment,
			attachment_mime, created_at_ms, delivery_state, local_only, fail_reason, updated_ts)
		VALUES ($1, '', $2, $3, $4, $5, $6, $7, 'pending', TRUE, '', $8)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, msg.DedupeKey, msg.GroupID, msg.AuthorID, msg.Content, msg.Attachment,
		msg.AttachmentMime, msg.CreatedAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert local message: %w", err)
	}
	return nil
}

// UpsertRemoteMessage merges a server-delivered message into the cache,
// keyed on dedupe key. It never demotes a row: a confirmed message stays
// confirmed no matter how often the channel and the reconciler both deliver
// it, which makes dual delivery harmless.
func (s *Store) UpsertRemoteMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO message (dedupe_key, server_id, group_id, author_id, content, attachment,
			attachment_mime, created_at_ms, delivery_state, local_only, fail_reason, updated_ts)
		VALUES ($1, $2, $3, $4, $5, NULL, $6, $7, 'sent', FALSE, '', $8)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			server_id=excluded.server_id,
			delivery_state='sent',
			local_only=FALSE,
			fail_reason='',
			updated_ts=excluded.updated_ts
	`, msg.DedupeKey, msg.ServerID, msg.GroupID, msg.AuthorID, msg.Content,
		msg.AttachmentMime, msg.CreatedAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert remote message: %w", err)
	}
	return nil
}

// ConfirmMessage promotes a pending message to server-confirmed and removes
// its outbox entry in one transaction.
func (s *Store) ConfirmMessage(ctx context.Context, dedupeKey, serverID string) error {
	return s.DoTxn(ctx, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, `
			UPDATE message SET server_id=$1, delivery_state='sent', local_only=FALSE,
				fail_reason='', updated_ts=$2
			WHERE dedupe_key=$3
		`, serverID, time.Now().UnixMilli(), dedupeKey); err != nil {
			return fmt.Errorf("failed to confirm message: %w", err)
		}
		if _, err := s.db.Exec(ctx,
			`DELETE FROM outbox WHERE dedupe_key=$1`, dedupeKey); err != nil {
			return fmt.Errorf("failed to remove confirmed outbox entry: %w", err)
		}
		return nil
	})
}

// MarkMessageFailed records a terminal delivery failure and removes the
// outbox entry. The row stays in the cache so the UI can offer manual retry.
func (s *Store) MarkMessageFailed(ctx context.Context, dedupeKey, reason string) error {
	return s.DoTxn(ctx, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, `
			UPDATE message SET delivery_state='failed', fail_reason=$1, updated_ts=$2
			WHERE dedupe_key=$3
		`, reason, time.Now().UnixMilli(), dedupeKey); err != nil {
			return fmt.Errorf("failed to mark message failed: %w", err)
		}
		if _, err := s.db.Exec(ctx,
			`DELETE FROM outbox WHERE dedupe_key=$1`, dedupeKey); err != nil {
			return fmt.Errorf("failed to remove abandoned outbox entry: %w", err)
		}
		return nil
	})
}

// ReviveMessage flips a failed message back to pending so a re-queued send
// can pick it up. Clears the fail reason.
func (s *Store) ReviveMessage(ctx context.Context, dedupeKey string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE message SET delivery_state='pending', fail_reason='', updated_ts=$1
		WHERE dedupe_key=$2 AND delivery_state='failed'
	`, time.Now().UnixMilli(), dedupeKey)
	if err != nil {
		return fmt.Errorf("failed to revive message: %w", err)
	}
	return nil
}

// GetMessage returns the cached message for a dedupe key, or nil.
func (s *Store) GetMessage(ctx context.Context, dedupeKey string) (*Message, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE dedupe_key=$1`, dedupeKey)
	msg, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// MessagesInGroup returns the newest messages in a group, oldest first,
// capped at limit. Rows that fail to scan are quarantined and skipped so one
// corrupt row never takes down the whole conversation.
func (s *Store) MessagesInGroup(ctx context.Context, groupID string, limit int) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT * FROM message WHERE group_id=$1 ORDER BY created_at_ms DESC LIMIT $2
		) ORDER BY created_at_ms ASC
	`, groupID, limit)
	if err != nil {
		return nil, err
	}

	var msgs []*Message
	var scanErr error
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			scanErr = err
			continue
		}
		msgs = append(msgs, msg)
	}
	err = rows.Err()
	rows.Close()
	// Quarantining queries the table again, which needs the cursor's
	// connection back first.
	if scanErr != nil {
		s.quarantineCorruptMessages(ctx, groupID, scanErr)
	}
	return msgs, err
}

// quarantineCorruptMessages handles a scan failure. The dedupe key of the
// failing row may itself be unreadable, so it re-queries for rows in the
// group that fail a minimal integrity check and quarantines those. Every
// column is CAST to text first so whatever is still readable of the row
// survives in the quarantine table.
func (s *Store) quarantineCorruptMessages(ctx context.Context, groupID string, scanErr error) {
	rows, err := s.db.Query(ctx, `
		SELECT dedupe_key, json_object(
			'dedupe_key', CAST(dedupe_key AS TEXT),
			'server_id', CAST(server_id AS TEXT),
			'group_id', CAST(group_id AS TEXT),
			'author_id', CAST(author_id AS TEXT),
			'content', CAST(content AS TEXT),
			'attachment_mime', CAST(attachment_mime AS TEXT),
			'created_at_ms', CAST(created_at_ms AS TEXT),
			'delivery_state', CAST(delivery_state AS TEXT),
			'local_only', CAST(local_only AS TEXT),
			'fail_reason', CAST(fail_reason AS TEXT)
		) FROM message
		WHERE group_id=$1 AND (typeof(created_at_ms) != 'integer' OR content IS NULL)
	`, groupID)
	if err != nil {
		s.log.Warn().Err(err).Str("group_id", groupID).Msg("Failed to locate corrupt message rows")
		return
	}
	type corruptRow struct {
		key string
		raw string
	}
	var corrupt []corruptRow
	for rows.Next() {
		var row corruptRow
		if rows.Scan(&row.key, &row.raw) == nil {
			corrupt = append(corrupt, row)
		}
	}
	rows.Close()
	for _, row := range corrupt {
		s.Quarantine(ctx, "message", row.key, row.raw, scanErr.Error())
	}
}

// PendingMessages returns messages still awaiting confirmation, oldest first.
func (s *Store) PendingMessages(ctx context.Context) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+messageColumns+` FROM message WHERE delivery_state='pending' ORDER BY created_at_ms ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// FailedMessages returns messages in terminal failed state, oldest first.
func (s *Store) FailedMessages(ctx context.Context) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+messageColumns+` FROM message WHERE delivery_state='failed' ORDER BY created_at_ms ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
