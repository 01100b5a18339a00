// Package reconcile closes delivery gaps: after offline periods, dead
// channels or app resume it queries the remote store from each group's
// watermark and upserts whatever the feed missed. Every pass is safe to
// repeat: upserts are keyed by dedupe key and watermarks only move
// forward.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/confessr/syncengine/pkg/remote"
	"github.com/confessr/syncengine/pkg/session"
	"github.com/confessr/syncengine/pkg/store"
)

// catchupVersion is bumped when the catch-up logic changes in a way that
// requires refetching history (watermark semantics, applied fields). A
// bump clears all watermarks, forcing one full catch-up per group.
const catchupVersion = 1

// Config holds the reconciler tunables. Zero values pick the defaults.
type Config struct {
	// FirstRunPageSize bounds the initial fetch for a group with no
	// watermark: only the newest page is pulled, never full history.
	FirstRunPageSize int
	// PageSize is the fetch size for incremental catch-up paging.
	PageSize int
}

func (c *Config) applyDefaults() {
	if c.FirstRunPageSize == 0 {
		c.FirstRunPageSize = 50
	}
	if c.PageSize == 0 {
		c.PageSize = 200
	}
}

// Counters summarizes one reconciliation pass.
type Counters struct {
	Groups       int
	GroupsFailed int
	Fetched      int
	Applied      int
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (c *Counters) MarshalZerologObject(e *zerolog.Event) {
	e.Int("groups", c.Groups).
		Int("groups_failed", c.GroupsFailed).
		Int("fetched", c.Fetched).
		Int("applied", c.Applied)
}

// Reconciler runs catch-up passes against the remote store.
type Reconciler struct {
	store  *store.Store
	remote remote.Store
	tokens *session.Manager
	cfg    Config
	log    zerolog.Logger

	// onApplied receives every message a pass writes, in per-group
	// timestamp order. Optional.
	onApplied func(remote.Message)
}

func NewReconciler(st *store.Store, rs remote.Store, tokens *session.Manager, cfg Config, onApplied func(remote.Message), log zerolog.Logger) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		store:     st,
		remote:    rs,
		tokens:    tokens,
		cfg:       cfg,
		onApplied: onApplied,
		log:       log.With().Str("component", "reconciler").Logger(),
	}
}

// EnsureVersion clears all watermarks when the stored catch-up version is
// behind the current one. Called once at engine start, before any pass.
func (r *Reconciler) EnsureVersion(ctx context.Context) error {
	stored, err := r.store.GetSyncVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read catch-up version: %w", err)
	}
	if stored == catchupVersion {
		return nil
	}
	r.log.Info().
		Int("stored_version", stored).
		Int("current_version", catchupVersion).
		Msg("Catch-up version changed, clearing watermarks to force full catch-up")
	return r.store.DoTxn(ctx, func(ctx context.Context) error {
		if err := r.store.ClearWatermarks(ctx); err != nil {
			return err
		}
		return r.store.SetSyncVersion(ctx, catchupVersion)
	})
}

// Run reconciles the given groups. sinceCap, when non-zero, caps the
// effective starting point: a group is reconciled from min(watermark,
// sinceCap). Dead-channel recovery passes the last time the feed was known
// alive, so a watermark advanced by a zombie's final messages cannot hide
// the silent window. Groups fail independently; the pass continues and the
// joined error reports every failed group.
func (r *Reconciler) Run(ctx context.Context, groupIDs []string, sinceCap time.Time) (*Counters, error) {
	start := time.Now()
	counters := &Counters{Groups: len(groupIDs)}
	var errs []error
	for _, groupID := range groupIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.reconcileGroup(ctx, groupID, sinceCap, counters); err != nil {
			counters.GroupsFailed++
			errs = append(errs, fmt.Errorf("group %s: %w", groupID, err))
		}
	}
	r.log.Info().
		Object("counters", counters).
		Dur("elapsed", time.Since(start)).
		Msg("Reconciliation pass finished")
	return counters, errors.Join(errs...)
}

func (r *Reconciler) reconcileGroup(ctx context.Context, groupID string, sinceCap time.Time, counters *Counters) error {
	tok, err := r.tokens.GetValidToken(ctx)
	if err != nil {
		return err
	}

	watermark, err := r.store.Watermark(ctx, groupID)
	if err != nil {
		return err
	}
	if watermark.IsZero() {
		return r.firstContact(ctx, tok.AccessToken, groupID, counters)
	}

	since := watermark
	if !sinceCap.IsZero() && sinceCap.Before(since) {
		since = sinceCap
	}

	refreshed := false
	for {
		msgs, err := r.remote.QueryMessagesSince(ctx, tok.AccessToken, []string{groupID}, since, r.cfg.PageSize)
		if err != nil {
			// One forced refresh per group, then the group fails and the
			// pass moves on. Retrying auth here forever would pin the
			// whole pass while delivery is held.
			if remote.IsAuth(err) && !refreshed {
				refreshed = true
				if tok, err = r.tokens.ForceRefresh(ctx); err != nil {
					return err
				}
				continue
			}
			return err
		}
		counters.Fetched += len(msgs)
		if err := r.applyPage(ctx, groupID, msgs, counters); err != nil {
			return err
		}
		if len(msgs) < r.cfg.PageSize {
			return nil
		}
		// Full page: more may follow. The last timestamp re-fetches one
		// boundary message; the upsert collapses it.
		next := msgs[len(msgs)-1].CreatedAt
		if !next.After(since) {
			// A whole page on one timestamp; can't page past it by time.
			return nil
		}
		since = next
	}
}

// firstContact pulls only the newest page for a group never seen before.
// Deep history stays on the server for on-demand paging.
func (r *Reconciler) firstContact(ctx context.Context, accessToken, groupID string, counters *Counters) error {
	msgs, err := r.remote.RecentMessages(ctx, accessToken, groupID, r.cfg.FirstRunPageSize)
	if err != nil {
		return err
	}
	counters.Fetched += len(msgs)
	r.log.Debug().
		Str("group_id", groupID).
		Int("messages", len(msgs)).
		Msg("First contact with group, applying newest page")
	// Newest-first from the server; apply oldest-first like every other page.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if err := r.applyPage(ctx, groupID, msgs, counters); err != nil {
		return err
	}
	if len(msgs) == 0 {
		// Record that the group was seen so the next pass is incremental.
		return r.store.AdvanceWatermark(ctx, groupID, time.Now())
	}
	return nil
}

// applyPage upserts one oldest-first page and advances the watermark to the
// newest applied timestamp. The advance is monotonic in the store, so a
// capped re-fetch of old history can never move a watermark backward.
func (r *Reconciler) applyPage(ctx context.Context, groupID string, msgs []remote.Message, counters *Counters) error {
	if len(msgs) == 0 {
		return nil
	}
	var newest time.Time
	err := r.store.DoTxn(ctx, func(ctx context.Context) error {
		for _, msg := range msgs {
			if err := r.store.UpsertRemoteMessage(ctx, &store.Message{
				DedupeKey:      msg.DedupeKey,
				ServerID:       msg.ServerID,
				GroupID:        msg.GroupID,
				AuthorID:       msg.AuthorID,
				Content:        msg.Content,
				AttachmentMime: msg.AttachmentMime,
				CreatedAt:      msg.CreatedAt,
				DeliveryState:  store.DeliverySent,
			}); err != nil {
				return err
			}
			if msg.CreatedAt.After(newest) {
				newest = msg.CreatedAt
			}
		}
		return r.store.AdvanceWatermark(ctx, groupID, newest)
	})
	if err != nil {
		return err
	}
	counters.Applied += len(msgs)
	if r.onApplied != nil {
		for _, msg := range msgs {
			r.onApplied(msg)
		}
	}
	return nil
}
