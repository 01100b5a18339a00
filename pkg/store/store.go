// Package store is the durable on-device cache: messages, the outbox queue,
// per-group watermarks and the session row. It is the source of truth for
// instant UI reads; every mutation from the channel handler, the outbox
// processor and the reconciler goes through one of its methods, so the
// single write path lives here.
package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// Store wraps the sqlite database holding the local message cache.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// Open opens (or creates) the cache database at path and ensures the schema.
// Use ":memory:" for tests.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	log = log.With().Str("component", "store").Logger()
	db, err := dbutil.NewFromConfig("", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         "sqlite3",
			URI:          path,
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
	}, dbutil.ZeroLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	s := &Store{db: db, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message (
			dedupe_key      TEXT NOT NULL PRIMARY KEY,
			server_id       TEXT NOT NULL DEFAULT '',
			group_id        TEXT NOT NULL,
			author_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			attachment      BLOB,
			attachment_mime TEXT NOT NULL DEFAULT '',
			created_at_ms   BIGINT NOT NULL,
			delivery_state  TEXT NOT NULL DEFAULT 'pending',
			local_only      BOOLEAN NOT NULL DEFAULT FALSE,
			fail_reason     TEXT NOT NULL DEFAULT '',
			updated_ts      BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			entry_id         TEXT NOT NULL PRIMARY KEY,
			dedupe_key       TEXT NOT NULL UNIQUE,
			op_type          TEXT NOT NULL,
			group_id         TEXT NOT NULL,
			payload_json     TEXT NOT NULL,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			next_retry_at_ms BIGINT NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			created_at_ms    BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS watermark (
			group_id          TEXT NOT NULL PRIMARY KEY,
			last_synced_at_ms BIGINT NOT NULL,
			updated_ts        BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			key   TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session (
			id               INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
			user_id          TEXT NOT NULL,
			access_token     TEXT NOT NULL,
			refresh_token    TEXT NOT NULL,
			expires_at_ms    BIGINT NOT NULL,
			updated_ts       BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quarantine (
			dedupe_key      TEXT NOT NULL PRIMARY KEY,
			table_name      TEXT NOT NULL,
			raw_json        TEXT NOT NULL,
			reason          TEXT NOT NULL,
			quarantined_ts  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS message_group_ts_idx
			ON message (group_id, created_at_ms)`,
		`CREATE INDEX IF NOT EXISTS outbox_due_idx
			ON outbox (next_retry_at_ms, created_at_ms)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure cache schema: %w", err)
		}
	}
	return nil
}

// DoTxn runs fn inside one transaction. Nested calls reuse the outer
// transaction via the context, per dbutil semantics.
func (s *Store) DoTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.DoTxn(ctx, nil, fn)
}

// GetSyncVersion returns the stored reconciler schema version (0 if never set).
func (s *Store) GetSyncVersion(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM sync_state WHERE key='reconcile_version'`).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, err
	}
	v := 0
	fmt.Sscanf(value, "%d", &v)
	return v, nil
}

// SetSyncVersion stores the reconciler schema version.
func (s *Store) SetSyncVersion(ctx context.Context, version int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_state (key, value) VALUES ('reconcile_version', $1)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value
	`, fmt.Sprintf("%d", version))
	return err
}

// Quarantine moves a corrupt row's raw content aside so the rest of the table
// stays readable. Fatal only for the affected row; best-effort by design.
func (s *Store) Quarantine(ctx context.Context, table, dedupeKey, raw, reason string) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO quarantine (dedupe_key, table_name, raw_json, reason, quarantined_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dedupe_key) DO UPDATE SET reason=excluded.reason, quarantined_ts=excluded.quarantined_ts
	`, dedupeKey, table, raw, reason, time.Now().UnixMilli())
	if err != nil {
		s.log.Warn().Err(err).Str("dedupe_key", dedupeKey).Msg("Failed to quarantine corrupt row")
		return
	}
	if _, err := s.db.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE dedupe_key=$1`, table), dedupeKey); err != nil {
		s.log.Warn().Err(err).Str("dedupe_key", dedupeKey).Msg("Failed to remove quarantined row from source table")
	}
	s.log.Warn().
		Str("table", table).
		Str("dedupe_key", dedupeKey).
		Str("reason", reason).
		Msg("Quarantined corrupt row")
}

// QuarantineCount returns the number of quarantined rows.
func (s *Store) QuarantineCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM quarantine`).Scan(&count)
	return count, err
}
