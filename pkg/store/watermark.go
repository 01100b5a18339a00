package store

import (
	"context"
	"fmt"
	"time"
)

// Watermark returns the per-group "everything at or before this is
// reconciled" timestamp. Zero time means the group has never been synced.
func (s *Store) Watermark(ctx context.Context, groupID string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRow(ctx,
		`SELECT last_synced_at_ms FROM watermark WHERE group_id=$1`, groupID).Scan(&ms)
	if err != nil {
		if isNoRows(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// AdvanceWatermark moves a group's watermark forward. Monotonicity is
// enforced in SQL: an older timestamp never overwrites a newer one, no
// matter how reconciliation passes interleave.
func (s *Store) AdvanceWatermark(ctx context.Context, groupID string, to time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO watermark (group_id, last_synced_at_ms, updated_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id) DO UPDATE SET
			last_synced_at_ms=MAX(watermark.last_synced_at_ms, excluded.last_synced_at_ms),
			updated_ts=excluded.updated_ts
	`, groupID, to.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// AllWatermarks returns every group's watermark.
func (s *Store) AllWatermarks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.Query(ctx, `SELECT group_id, last_synced_at_ms FROM watermark`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	marks := make(map[string]time.Time)
	for rows.Next() {
		var groupID string
		var ms int64
		if err := rows.Scan(&groupID, &ms); err != nil {
			return nil, err
		}
		marks[groupID] = time.UnixMilli(ms)
	}
	return marks, rows.Err()
}

// ClearWatermarks removes all watermarks, forcing the next reconciliation
// pass to start from the bounded first-run page for every group. Used when
// the reconcile version is bumped.
func (s *Store) ClearWatermarks(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DELETE FROM watermark`)
	return err
}
