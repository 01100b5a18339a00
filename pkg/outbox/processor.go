// Package outbox drains the durable operation queue against the remote
// store. Delivery is at-least-once: entries survive restarts, retries are
// keyed by dedupe key, and the server's idempotent upsert collapses
// duplicates. Ordering within a group is FIFO; a transient failure parks
// the whole group for the rest of the pass so later operations never
// overtake a stuck earlier one.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/confessr/syncengine/pkg/remote"
	"github.com/confessr/syncengine/pkg/session"
	"github.com/confessr/syncengine/pkg/store"
)

// ErrMessageGone means a manual retry referenced a dedupe key with no
// cached message row left to resend.
var ErrMessageGone = errors.New("no cached message for dedupe key")

// Config holds the processor tunables. Zero values pick the defaults.
type Config struct {
	// BackoffBase and BackoffCap bound the per-entry retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxRetries is how many transient failures an entry absorbs before it
	// is abandoned as failed.
	MaxRetries int
	// BatchSize caps how many due entries one drain pass loads.
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 8
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
}

// Callbacks are the processor's upward-facing hooks. All optional.
type Callbacks struct {
	// OnSent fires when the server confirms a send.
	OnSent func(dedupeKey, serverID string)
	// OnFailed fires when an operation fails permanently (validation error
	// or retry budget exhausted).
	OnFailed func(dedupeKey, reason string)
}

type markReadPayload struct {
	ThroughMS int64 `json:"through_ms"`
}

// Processor owns the durable outbox.
type Processor struct {
	store  *store.Store
	remote remote.Store
	tokens *session.Manager
	cfg    Config
	cb     Callbacks
	log    zerolog.Logger

	sf singleflight.Group
}

func NewProcessor(st *store.Store, rs remote.Store, tokens *session.Manager, cfg Config, cb Callbacks, log zerolog.Logger) *Processor {
	cfg.applyDefaults()
	return &Processor{
		store:  st,
		remote: rs,
		tokens: tokens,
		cfg:    cfg,
		cb:     cb,
		log:    log.With().Str("component", "outbox").Logger(),
	}
}

// EnqueueSend records a message locally in pending state and queues its
// durable send. The optimistic row and the outbox entry are written in one
// transaction, so a crash leaves either both or neither. Returns the dedupe
// key identifying the send from here on.
func (p *Processor) EnqueueSend(ctx context.Context, groupID, authorID, content string, attachment []byte, attachmentMime string) (string, error) {
	if attachmentMime == "" && len(attachment) > 0 {
		attachmentMime = mimetype.Detect(attachment).String()
	}
	dedupeKey := uuid.NewString()
	now := time.Now()
	msg := &store.Message{
		DedupeKey:      dedupeKey,
		GroupID:        groupID,
		AuthorID:       authorID,
		Content:        content,
		Attachment:     attachment,
		AttachmentMime: attachmentMime,
		CreatedAt:      now,
		DeliveryState:  store.DeliveryPending,
		LocalOnly:      true,
	}
	entry := &store.OutboxEntry{
		EntryID:   uuid.NewString(),
		DedupeKey: dedupeKey,
		OpType:    store.OpSend,
		GroupID:   groupID,
		CreatedAt: now,
	}
	err := p.store.DoTxn(ctx, func(ctx context.Context) error {
		if err := p.store.InsertLocalMessage(ctx, msg); err != nil {
			return err
		}
		return p.store.EnqueueOutbox(ctx, entry)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue send: %w", err)
	}
	p.log.Debug().
		Str("dedupe_key", dedupeKey).
		Str("group_id", groupID).
		Bool("has_attachment", len(attachment) > 0).
		Msg("Send queued")
	return dedupeKey, nil
}

// EnqueueMarkRead queues a durable read marker for the group.
func (p *Processor) EnqueueMarkRead(ctx context.Context, groupID string, through time.Time) error {
	payload, _ := json.Marshal(markReadPayload{ThroughMS: through.UnixMilli()})
	entry := &store.OutboxEntry{
		EntryID:     uuid.NewString(),
		DedupeKey:   uuid.NewString(),
		OpType:      store.OpMarkRead,
		GroupID:     groupID,
		PayloadJSON: string(payload),
		CreatedAt:   time.Now(),
	}
	if err := p.store.EnqueueOutbox(ctx, entry); err != nil {
		return fmt.Errorf("failed to enqueue mark-read: %w", err)
	}
	return nil
}

// Depth returns the number of queued entries.
func (p *Processor) Depth(ctx context.Context) (int, error) {
	return p.store.OutboxDepth(ctx)
}

// Retry re-queues a permanently failed message from its cached row, with a
// fresh retry budget. The original dedupe key is kept so a send that
// actually reached the server before failing locally still collapses into
// one server-side message.
func (p *Processor) Retry(ctx context.Context, dedupeKey string) error {
	msg, err := p.store.GetMessage(ctx, dedupeKey)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrMessageGone
	}
	if msg.DeliveryState == store.DeliverySent {
		return nil
	}
	entry := &store.OutboxEntry{
		EntryID:   uuid.NewString(),
		DedupeKey: dedupeKey,
		OpType:    store.OpSend,
		GroupID:   msg.GroupID,
		CreatedAt: time.Now(),
	}
	err = p.store.DoTxn(ctx, func(ctx context.Context) error {
		if err := p.store.EnqueueOutbox(ctx, entry); err != nil {
			return err
		}
		if err := p.store.ResetOutboxRetry(ctx, dedupeKey); err != nil {
			return err
		}
		return p.store.ReviveMessage(ctx, dedupeKey)
	})
	if err != nil {
		return fmt.Errorf("failed to re-queue message: %w", err)
	}
	p.log.Info().Str("dedupe_key", dedupeKey).Msg("Failed message re-queued")
	return nil
}

// Drain processes all due entries. Concurrent callers coalesce into one
// pass; the extra callers share its result. Safe to call from anywhere a
// drain trigger fires (enqueue, network-online, app-resume, periodic).
//
// A caller whose context expires while another caller's pass is in flight
// gets its context error back instead of waiting the pass out. The pass
// itself keeps running under the original caller's context, so the entries
// still deliver; bounded callers like the direct send path stay bounded.
func (p *Processor) Drain(ctx context.Context) error {
	ch := p.sf.DoChan("drain", func() (any, error) {
		return nil, p.drainPass(ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) drainPass(ctx context.Context) error {
	entries, err := p.store.DueOutboxEntries(ctx, time.Now(), p.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	start := time.Now()
	var confirmed, rescheduled, failed int
	// Groups with a transient failure this pass: later entries for them
	// stay queued so in-group order is preserved.
	parked := make(map[string]bool)

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if parked[entry.GroupID] {
			continue
		}
		switch p.processEntry(ctx, entry) {
		case entryConfirmed:
			confirmed++
		case entryRescheduled:
			rescheduled++
			parked[entry.GroupID] = true
		case entryFailed:
			failed++
		}
	}

	p.log.Info().
		Int("due", len(entries)).
		Int("confirmed", confirmed).
		Int("rescheduled", rescheduled).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("Outbox drain pass finished")
	return ctx.Err()
}

type entryOutcome int

const (
	entryConfirmed entryOutcome = iota
	entryRescheduled
	entryFailed
)

func (p *Processor) processEntry(ctx context.Context, entry *store.OutboxEntry) entryOutcome {
	log := p.log.With().
		Str("dedupe_key", entry.DedupeKey).
		Str("group_id", entry.GroupID).
		Str("op_type", string(entry.OpType)).
		Logger()

	err := p.deliver(ctx, entry)
	if err != nil && remote.IsAuth(err) {
		// An expired token is not the entry's fault: refresh and retry once
		// without charging the retry budget.
		if _, rerr := p.tokens.ForceRefresh(ctx); rerr != nil {
			log.Warn().Err(rerr).Msg("Token refresh after auth rejection failed")
		} else {
			err = p.deliver(ctx, entry)
		}
	}

	switch {
	case err == nil:
		return entryConfirmed
	case remote.IsValidation(err):
		log.Warn().Err(err).Msg("Operation rejected permanently")
		p.failEntry(ctx, entry, err.Error())
		return entryFailed
	default:
		retryCount := entry.RetryCount + 1
		if retryCount > p.cfg.MaxRetries {
			log.Warn().Err(err).Int("retries", entry.RetryCount).Msg("Retry budget exhausted, abandoning entry")
			p.failEntry(ctx, entry, fmt.Sprintf("gave up after %d retries: %v", entry.RetryCount, err))
			return entryFailed
		}
		delay := retryDelay(p.cfg.BackoffBase, p.cfg.BackoffCap, retryCount)
		if rerr := p.store.RescheduleOutboxEntry(ctx, entry.EntryID, retryCount, time.Now().Add(delay), err.Error()); rerr != nil {
			log.Err(rerr).Msg("Failed to reschedule outbox entry")
		}
		log.Debug().Err(err).Int("retry", retryCount).Dur("next_in", delay).Msg("Transient delivery failure, rescheduled")
		return entryRescheduled
	}
}

// deliver executes one entry against the remote store and, on success,
// settles its local state. Confirming an already-confirmed send is a no-op,
// so racing with the engine's direct-send path is harmless.
func (p *Processor) deliver(ctx context.Context, entry *store.OutboxEntry) error {
	tok, err := p.tokens.GetValidToken(ctx)
	if err != nil {
		return err
	}

	switch entry.OpType {
	case store.OpSend:
		msg, err := p.store.GetMessage(ctx, entry.DedupeKey)
		if err != nil {
			return err
		}
		if msg == nil {
			// Orphaned entry, nothing left to send.
			p.log.Warn().Str("dedupe_key", entry.DedupeKey).Msg("Dropping outbox entry with no message row")
			return p.store.DeleteOutboxEntry(ctx, entry.EntryID)
		}
		serverID, err := p.remote.UpsertMessage(ctx, tok.AccessToken, entry.DedupeKey, remote.MessageFields{
			GroupID:        msg.GroupID,
			AuthorID:       msg.AuthorID,
			Content:        msg.Content,
			Attachment:     msg.Attachment,
			AttachmentMime: msg.AttachmentMime,
		})
		if err != nil {
			return err
		}
		if err := p.store.ConfirmMessage(ctx, entry.DedupeKey, serverID); err != nil {
			return err
		}
		if p.cb.OnSent != nil {
			p.cb.OnSent(entry.DedupeKey, serverID)
		}
		return nil

	case store.OpMarkRead:
		var payload markReadPayload
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
			return remote.NewValidationError("mark_read", fmt.Errorf("malformed payload: %w", err))
		}
		if err := p.remote.MarkRead(ctx, tok.AccessToken, entry.GroupID, time.UnixMilli(payload.ThroughMS)); err != nil {
			return err
		}
		return p.store.DeleteOutboxEntry(ctx, entry.EntryID)

	default:
		return remote.NewValidationError(string(entry.OpType), fmt.Errorf("unknown op type"))
	}
}

// failEntry settles a permanent failure: the entry leaves the queue and the
// message row (if any) flips to failed with the reason, keeping its payload
// so a manual retry can resend it.
func (p *Processor) failEntry(ctx context.Context, entry *store.OutboxEntry, reason string) {
	if entry.OpType == store.OpSend {
		if err := p.store.MarkMessageFailed(ctx, entry.DedupeKey, reason); err != nil {
			p.log.Err(err).Str("dedupe_key", entry.DedupeKey).Msg("Failed to mark message failed")
		}
	} else if err := p.store.DeleteOutboxEntry(ctx, entry.EntryID); err != nil {
		p.log.Err(err).Str("entry_id", entry.EntryID).Msg("Failed to delete outbox entry")
	}
	if p.cb.OnFailed != nil {
		p.cb.OnFailed(entry.DedupeKey, reason)
	}
}

// retryDelay is min(base·2^(retryCount-1) + jitter, cap).
func retryDelay(base, cap time.Duration, retryCount int) time.Duration {
	shift := retryCount - 1
	if shift > 20 {
		shift = 20
	}
	d := base << uint(shift)
	if d > cap || d <= 0 {
		d = cap
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	if d+jitter > cap {
		return cap
	}
	return d + jitter
}
