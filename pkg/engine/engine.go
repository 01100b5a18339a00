// Package engine wires the sync components into one lifecycle: it owns the
// realtime channel, funnels every catch-up trigger (app resume, network
// online, token refresh, channel recovery) into a coalescing resync queue,
// and routes inbound messages to either the live view or the notification
// bridge.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/confessr/syncengine/pkg/channel"
	"github.com/confessr/syncengine/pkg/outbox"
	"github.com/confessr/syncengine/pkg/reconcile"
	"github.com/confessr/syncengine/pkg/remote"
	"github.com/confessr/syncengine/pkg/session"
	"github.com/confessr/syncengine/pkg/store"
)

// LiveView receives events for the group the user is currently looking at.
// Implemented by the UI layer; all methods must be fast and non-blocking.
type LiveView interface {
	// OnMessage delivers a new or updated cached message for the viewed group.
	OnMessage(msg *store.Message)
	// OnSendStateChanged reports delivery-state transitions of own sends.
	OnSendStateChanged(dedupeKey string, state store.DeliveryState, reason string)
}

// BackgroundNotifier is the notification bridge: arrivals outside the
// viewed group surface here so the platform layer can raise a notification.
type BackgroundNotifier interface {
	OnBackgroundArrival(groupID, dedupeKey string)
}

// Config holds the engine tunables. Zero values pick the defaults.
type Config struct {
	// DirectSendTimeout bounds how long Send waits for server confirmation
	// before leaving delivery to the background queue.
	DirectSendTimeout time.Duration
	// DrainInterval is the periodic outbox drain cadence.
	DrainInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.DirectSendTimeout == 0 {
		c.DirectSendTimeout = 8 * time.Second
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = time.Minute
	}
}

// Engine is the top-level sync engine for one logged-in session.
type Engine struct {
	store      *store.Store
	remote     remote.Store
	tokens     *session.Manager
	channel    *channel.Manager
	outbox     *outbox.Processor
	reconciler *reconcile.Reconciler
	notifier   BackgroundNotifier
	cfg        Config
	log        zerolog.Logger

	resyncSignal chan struct{}
	drainReset   chan struct{}

	pendingMu  sync.Mutex
	pendingCap time.Time
	pendingWhy []string

	viewMu      sync.Mutex
	liveView    LiveView
	viewedGroup string

	mu      sync.Mutex
	started bool
	groups  []string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Options bundles the engine's collaborators.
type Options struct {
	Store    *store.Store
	Remote   remote.Store
	Tokens   *session.Manager
	Dialer   remote.FeedDialer
	Notifier BackgroundNotifier

	Config          Config
	ChannelConfig   channel.Config
	OutboxConfig    outbox.Config
	ReconcileConfig reconcile.Config
}

func New(opts Options, log zerolog.Logger) *Engine {
	opts.Config.applyDefaults()
	e := &Engine{
		store:        opts.Store,
		remote:       opts.Remote,
		tokens:       opts.Tokens,
		notifier:     opts.Notifier,
		cfg:          opts.Config,
		log:          log.With().Str("component", "engine").Logger(),
		resyncSignal: make(chan struct{}, 1),
		drainReset:   make(chan struct{}, 1),
	}
	e.outbox = outbox.NewProcessor(opts.Store, opts.Remote, opts.Tokens, opts.OutboxConfig, outbox.Callbacks{
		OnSent: func(dedupeKey, serverID string) {
			e.notifySendState(dedupeKey, store.DeliverySent, "")
		},
		OnFailed: func(dedupeKey, reason string) {
			e.notifySendState(dedupeKey, store.DeliveryFailed, reason)
		},
	}, log)
	e.reconciler = reconcile.NewReconciler(opts.Store, opts.Remote, opts.Tokens, opts.ReconcileConfig, e.routeReconciled, log)
	var statusMu sync.Mutex
	var subscribedOnce bool
	e.channel = channel.NewManager(opts.Dialer, opts.Tokens, opts.ChannelConfig, channel.Callbacks{
		OnMessage: e.handleFeedMessage,
		OnRecovered: func(staleSince time.Time) {
			e.requestResync("channel_recovered", staleSince)
		},
		OnStatus: func(status channel.Status) {
			if status != channel.StatusSubscribed {
				return
			}
			statusMu.Lock()
			reconnected := subscribedOnce
			subscribedOnce = true
			statusMu.Unlock()
			// Every resubscribe after the first means the feed was down for
			// a while; messages created server-side in that window never
			// arrive on the new feed, only a watermark pass recovers them.
			if reconnected {
				e.requestResync("channel_reconnected", time.Time{})
			}
			// Anything queued while disconnected can go now.
			go e.drain()
		},
	}, log)
	opts.Tokens.OnRefresh(func(session.Token) {
		e.requestResync("token_refreshed", time.Time{})
	})
	return e
}

// Start brings the engine up for the given groups: catch-up version check,
// channel subscription, resync worker and periodic drain. Idempotent.
func (e *Engine) Start(ctx context.Context, groupIDs []string) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.groups = append([]string(nil), groupIDs...)
	e.ctx, e.cancel = context.WithCancel(ctx)
	ectx := e.ctx
	e.mu.Unlock()

	if err := e.reconciler.EnsureVersion(ectx); err != nil {
		return fmt.Errorf("failed to prepare catch-up state: %w", err)
	}

	e.channel.Open(ectx, groupIDs)
	e.wg.Add(2)
	go e.resyncLoop(ectx)
	go e.drainLoop(ectx)

	e.requestResync("startup", time.Time{})
	e.log.Info().Int("groups", len(groupIDs)).Msg("Engine started")
	return nil
}

// Stop tears the engine down. The local cache stays open; the caller owns it.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.channel.Close()
	e.wg.Wait()
	e.log.Info().Msg("Engine stopped")
}

// OnAppResume is the platform hook for the app returning to foreground.
func (e *Engine) OnAppResume() {
	e.requestResync("app_resume", time.Time{})
}

// OnNetworkOnline is the platform hook for connectivity returning.
func (e *Engine) OnNetworkOnline() {
	e.requestResync("network_online", time.Time{})
}

// ChannelStatus exposes the realtime channel state.
func (e *Engine) ChannelStatus() channel.Status {
	return e.channel.Status()
}

// Outbox exposes the processor for operator tooling (list/retry/depth).
func (e *Engine) Outbox() *outbox.Processor {
	return e.outbox
}

// UpdateTunables applies the hot-reloadable engine tunables from a config
// change. Structural settings (database path, server URLs) and the
// component configs fixed at construction require a restart.
func (e *Engine) UpdateTunables(cfg Config) {
	cfg.applyDefaults()
	e.mu.Lock()
	changed := e.cfg.DrainInterval != cfg.DrainInterval
	e.cfg = cfg
	e.mu.Unlock()
	if changed {
		select {
		case e.drainReset <- struct{}{}:
		default:
		}
	}
	e.log.Info().
		Dur("direct_send_timeout", cfg.DirectSendTimeout).
		Dur("drain_interval", cfg.DrainInterval).
		Msg("Engine tunables updated")
}

// SetLiveView declares which group the user is looking at. A nil view (app
// backgrounded) routes everything through the notification bridge.
func (e *Engine) SetLiveView(view LiveView, groupID string) {
	e.viewMu.Lock()
	e.liveView = view
	e.viewedGroup = groupID
	e.viewMu.Unlock()
}

// ClearLiveView marks the app as backgrounded.
func (e *Engine) ClearLiveView() {
	e.SetLiveView(nil, "")
}

// Send submits a message. The optimistic local row and the durable outbox
// entry are written before anything touches the network, so the call is
// crash-safe from the moment it returns the dedupe key. It then waits up to
// the direct-send timeout for server confirmation; on timeout or transient
// failure the send simply stays queued and later drains deliver it.
func (e *Engine) Send(ctx context.Context, groupID, content string, attachment []byte, attachmentMime string) (string, error) {
	dedupeKey, err := e.outbox.EnqueueSend(ctx, groupID, e.tokens.UserID(), content, attachment, attachmentMime)
	if err != nil {
		return "", err
	}
	if msg, err := e.store.GetMessage(ctx, dedupeKey); err == nil && msg != nil {
		e.routeToView(msg)
	}

	e.mu.Lock()
	directTimeout := e.cfg.DirectSendTimeout
	e.mu.Unlock()
	dctx, cancel := context.WithTimeout(ctx, directTimeout)
	defer cancel()
	if err := e.outbox.Drain(dctx); err != nil {
		e.log.Debug().Err(err).Str("dedupe_key", dedupeKey).Msg("Direct send did not confirm, left queued")
	}
	return dedupeKey, nil
}

// MarkRead records the group as read through now, durably.
func (e *Engine) MarkRead(ctx context.Context, groupID string) error {
	if err := e.outbox.EnqueueMarkRead(ctx, groupID, time.Now()); err != nil {
		return err
	}
	go e.drain()
	return nil
}

// RetrySend re-queues a failed message and kicks a drain.
func (e *Engine) RetrySend(ctx context.Context, dedupeKey string) error {
	if err := e.outbox.Retry(ctx, dedupeKey); err != nil {
		return err
	}
	e.notifySendState(dedupeKey, store.DeliveryPending, "")
	go e.drain()
	return nil
}

// requestResync posts a catch-up task. Overlapping requests coalesce: one
// pass in flight, at most one queued behind it, with the earliest requested
// catch-up point winning so a dead-channel window is never skipped.
func (e *Engine) requestResync(reason string, sinceCap time.Time) {
	e.pendingMu.Lock()
	if !sinceCap.IsZero() && (e.pendingCap.IsZero() || sinceCap.Before(e.pendingCap)) {
		e.pendingCap = sinceCap
	}
	e.pendingWhy = append(e.pendingWhy, reason)
	e.pendingMu.Unlock()

	select {
	case e.resyncSignal <- struct{}{}:
	default:
	}
}

func (e *Engine) resyncLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.resyncSignal:
		}
		e.runResync(ctx)
	}
}

func (e *Engine) runResync(ctx context.Context) {
	e.pendingMu.Lock()
	sinceCap := e.pendingCap
	reasons := e.pendingWhy
	e.pendingCap = time.Time{}
	e.pendingWhy = nil
	e.pendingMu.Unlock()
	if len(reasons) == 0 {
		return
	}

	e.mu.Lock()
	groups := e.groups
	e.mu.Unlock()

	log := e.log.With().Strs("triggers", reasons).Logger()
	log.Debug().Time("since_cap", sinceCap).Msg("Resync pass starting")

	// Live events park in the reorder buffer while history is written, so
	// older reconciled rows can never surface after newer live ones.
	e.channel.HoldDelivery()
	_, err := e.reconciler.Run(ctx, groups, sinceCap)
	e.channel.ReleaseDelivery()
	if err != nil {
		log.Warn().Err(err).Msg("Resync pass had failures")
	}

	// Whatever queued up while we were away can go out now too.
	if err := e.outbox.Drain(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Post-resync drain failed")
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()
	e.mu.Lock()
	interval := e.cfg.DrainInterval
	e.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain()
		case <-e.drainReset:
			e.mu.Lock()
			interval = e.cfg.DrainInterval
			e.mu.Unlock()
			ticker.Reset(interval)
		}
	}
}

func (e *Engine) drain() {
	e.mu.Lock()
	ctx := e.ctx
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	if err := e.outbox.Drain(ctx); err != nil && ctx.Err() == nil {
		e.log.Debug().Err(err).Msg("Outbox drain failed")
	}
}

// handleFeedMessage persists one live feed message and routes it. Advancing
// the watermark here keeps later catch-up passes small; the monotonic
// advance makes racing with a reconciliation pass harmless.
func (e *Engine) handleFeedMessage(msg remote.Message) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	err := e.store.DoTxn(ctx, func(ctx context.Context) error {
		if err := e.store.UpsertRemoteMessage(ctx, &store.Message{
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
		return e.store.AdvanceWatermark(ctx, msg.GroupID, msg.CreatedAt)
	})
	if err != nil {
		e.log.Err(err).Str("dedupe_key", msg.DedupeKey).Msg("Failed to persist feed message")
		return
	}
	e.route(msg)
}

// routeReconciled routes messages a catch-up pass applied. Persistence
// already happened inside the pass.
func (e *Engine) routeReconciled(msg remote.Message) {
	e.route(msg)
}

// route delivers a persisted message to the live view when its group is on
// screen, otherwise to the notification bridge. Own sends echoing back
// never raise notifications.
func (e *Engine) route(msg remote.Message) {
	e.viewMu.Lock()
	view := e.liveView
	viewed := e.viewedGroup
	e.viewMu.Unlock()

	own := msg.AuthorID != "" && msg.AuthorID == e.tokens.UserID()
	if view != nil && viewed == msg.GroupID {
		e.mu.Lock()
		ctx := e.ctx
		e.mu.Unlock()
		if ctx == nil {
			return
		}
		if cached, err := e.store.GetMessage(ctx, msg.DedupeKey); err == nil && cached != nil {
			view.OnMessage(cached)
		}
		return
	}
	if !own && e.notifier != nil {
		e.notifier.OnBackgroundArrival(msg.GroupID, msg.DedupeKey)
	}
}

func (e *Engine) routeToView(msg *store.Message) {
	e.viewMu.Lock()
	view := e.liveView
	viewed := e.viewedGroup
	e.viewMu.Unlock()
	if view != nil && viewed == msg.GroupID {
		view.OnMessage(msg)
	}
}

func (e *Engine) notifySendState(dedupeKey string, state store.DeliveryState, reason string) {
	e.viewMu.Lock()
	view := e.liveView
	e.viewMu.Unlock()
	if view != nil {
		view.OnSendStateChanged(dedupeKey, state, reason)
	}
}
