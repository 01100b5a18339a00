package store

import (
	"context"
	"fmt"
	"time"
)

// Session is the single persisted credential set for the logged-in user.
type Session struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// GetSession returns the stored session, or nil when logged out.
func (s *Store) GetSession(ctx context.Context) (*Session, error) {
	var sess Session
	var expiresMS int64
	err := s.db.QueryRow(ctx,
		`SELECT user_id, access_token, refresh_token, expires_at_ms FROM session WHERE id=1`).
		Scan(&sess.UserID, &sess.AccessToken, &sess.RefreshToken, &expiresMS)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	sess.ExpiresAt = time.UnixMilli(expiresMS)
	return &sess, nil
}

// PutSession stores the session, replacing any previous one.
func (s *Store) PutSession(ctx context.Context, sess *Session) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session (id, user_id, access_token, refresh_token, expires_at_ms, updated_ts)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id=excluded.user_id,
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			expires_at_ms=excluded.expires_at_ms,
			updated_ts=excluded.updated_ts
	`, sess.UserID, sess.AccessToken, sess.RefreshToken,
		sess.ExpiresAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// DeleteSession removes the stored session on logout.
func (s *Store) DeleteSession(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DELETE FROM session WHERE id=1`)
	return err
}
