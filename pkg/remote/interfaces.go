package remote

import (
	"context"
	"time"
)

// Message is the wire shape of a chat message as the remote store returns it.
type Message struct {
	ServerID       string    `json:"id"`
	DedupeKey      string    `json:"dedupe_key"`
	GroupID        string    `json:"group_id"`
	AuthorID       string    `json:"author_id"`
	Content        string    `json:"content"`
	AttachmentMime string    `json:"attachment_mime,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageFields is the client-supplied portion of a message upsert. The
// server assigns the message ID; the dedupe key travels separately so the
// store can collapse duplicate submissions into one row.
type MessageFields struct {
	GroupID        string `json:"group_id"`
	AuthorID       string `json:"author_id"`
	Content        string `json:"content"`
	Attachment     []byte `json:"attachment,omitempty"`
	AttachmentMime string `json:"attachment_mime,omitempty"`
}

// Store is the remote relational store consumed by the sync engine.
// Implementations classify failures via *Error so callers can route them
// through the retry taxonomy.
type Store interface {
	// UpsertMessage delivers a message keyed by dedupeKey. Repeated calls
	// with the same key return the same server-assigned ID.
	UpsertMessage(ctx context.Context, accessToken, dedupeKey string, fields MessageFields) (serverID string, err error)

	// QueryMessagesSince returns all messages in the given groups created at
	// or after since, oldest first, capped at limit (0 means server default).
	QueryMessagesSince(ctx context.Context, accessToken string, groupIDs []string, since time.Time, limit int) ([]Message, error)

	// RecentMessages returns the newest limit messages in one group. Used
	// for the bounded first-contact page when no watermark exists yet.
	RecentMessages(ctx context.Context, accessToken, groupID string, limit int) ([]Message, error)

	// MarkRead records that everything in the group up to through has been
	// read. The server resolves concurrent marks by max timestamp.
	MarkRead(ctx context.Context, accessToken, groupID string, through time.Time) error
}

// Credentials is a refreshed access token from the token provider.
type Credentials struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenProvider exchanges a refresh token for fresh credentials. The exchange
// is idempotent within a short window, so overlapping refreshes from the
// caller's perspective are harmless.
type TokenProvider interface {
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
}

// EventType discriminates change-feed events.
type EventType string

const (
	// EventMessage carries a new or updated message.
	EventMessage EventType = "message"
	// EventKeepalive is the server's synthetic liveness event. It proves the
	// feed is delivering, not just that the transport is open.
	EventKeepalive EventType = "keepalive"
)

// Event is one inbound change-feed event.
type Event struct {
	Type    EventType `json:"type"`
	Message *Message  `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Feed is one live subscription to the remote change feed. A Feed is a
// single-use resource: once Events closes it must be discarded and a new
// one dialed.
type Feed interface {
	// Events delivers inbound feed events. The channel closes when the feed
	// dies for any reason; Err then reports why.
	Events() <-chan Event

	// Err returns the terminal error after Events closes, nil before.
	Err() error

	// Auth re-asserts credentials over the live feed. Used after a token
	// refresh so the server never applies events under a stale token.
	Auth(ctx context.Context, accessToken string) error

	// Ping performs a transport-level keepalive round-trip. A successful
	// Ping proves only that the socket is open, not that events flow.
	Ping(ctx context.Context) error

	// Close tears the feed down. Safe to call more than once.
	Close(reason string) error
}

// FeedDialer opens feeds. The engine owns exactly one live Feed per session.
type FeedDialer interface {
	Subscribe(ctx context.Context, accessToken string, groupIDs []string) (Feed, error)
}
