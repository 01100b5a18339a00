// Package channel owns the realtime change-feed subscription: the
// connection state machine, heartbeat-based zombie detection, and the
// recovery cycle that hands the engine a catch-up point after a dead
// channel. Liveness is judged on feed-level events (including server
// keepalives), never on transport pings: a socket that answers pings but
// delivers nothing is dead here.
package channel

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/confessr/syncengine/pkg/remote"
	"github.com/confessr/syncengine/pkg/session"
)

// Status is the channel state machine position.
type Status int

const (
	StatusClosed Status = iota
	StatusConnecting
	StatusSubscribed
	StatusDegraded
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusConnecting:
		return "connecting"
	case StatusSubscribed:
		return "subscribed"
	case StatusDegraded:
		return "degraded"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// pingTimeout bounds one transport-level heartbeat round-trip.
const pingTimeout = 5 * time.Second

// Config holds the channel tunables. Zero values pick the defaults.
type Config struct {
	// HeartbeatInterval is how often the watchdog checks liveness.
	HeartbeatInterval time.Duration
	// DeathThreshold is how long the feed may stay silent (no events, not
	// even keepalives) before the channel is declared dead.
	DeathThreshold time.Duration
	// BackoffBase and BackoffCap bound the reconnect backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DeathThreshold == 0 {
		c.DeathThreshold = time.Minute
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 5 * time.Minute
	}
}

// Callbacks are the manager's upward-facing hooks. All optional.
type Callbacks struct {
	// OnMessage receives feed messages, reordered by the quiet-window buffer.
	OnMessage func(remote.Message)
	// OnRecovered fires exactly once per dead-channel recovery, after the
	// subscription is live again. staleSince is the last time the feed was
	// known to be delivering; everything after it may have been missed.
	OnRecovered func(staleSince time.Time)
	// OnStatus fires on every state transition.
	OnStatus func(Status)
}

// Manager owns the single live feed subscription.
type Manager struct {
	dialer remote.FeedDialer
	tokens *session.Manager
	cfg    Config
	cb     Callbacks
	log    zerolog.Logger

	buf *eventBuffer

	// connectMu serializes subscription attempts; only one dial loop runs
	// at a time regardless of which path (open, degraded, dead) started it.
	connectMu sync.Mutex

	mu                 sync.Mutex
	status             Status
	feed               remote.Feed
	generation         uint64
	lastEventAt        time.Time
	lastAppliedTokenID uint64
	recovering         bool
	reconnecting       bool
	groups             []string
	ctx                context.Context
	cancel             context.CancelFunc
	wg                 sync.WaitGroup
}

func NewManager(dialer remote.FeedDialer, tokens *session.Manager, cfg Config, cb Callbacks, log zerolog.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		dialer: dialer,
		tokens: tokens,
		cfg:    cfg,
		cb:     cb,
		log:    log.With().Str("component", "channel").Logger(),
	}
	m.buf = newEventBuffer(func(msg remote.Message) {
		if m.cb.OnMessage != nil {
			m.cb.OnMessage(msg)
		}
	})
	tokens.OnRefresh(m.onTokenRefresh)
	return m
}

// Status returns the current state machine position.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastEventAt returns when the feed last proved it was delivering.
func (m *Manager) LastEventAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEventAt
}

// HoldDelivery suspends message dispatch; inbound feed messages accumulate
// in the reorder buffer. Used while a reconciliation pass writes history so
// live messages never land ahead of older catch-up rows.
func (m *Manager) HoldDelivery() {
	m.buf.hold()
}

// ReleaseDelivery resumes dispatch and flushes everything held, sorted by
// timestamp.
func (m *Manager) ReleaseDelivery() {
	m.buf.release()
}

// Open starts the subscription for the given groups. No-op if already open.
func (m *Manager) Open(ctx context.Context, groupIDs []string) {
	m.mu.Lock()
	if m.status != StatusClosed {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.groups = append([]string(nil), groupIDs...)
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.connect()
	}()
	go m.watchdog()
}

// Close tears the channel down and waits for its goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.status == StatusClosed {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	feed := m.feed
	m.feed = nil
	m.generation++
	m.setStatusLocked(StatusClosed)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if feed != nil {
		feed.Close("channel closed")
	}
	m.buf.stop()
	m.wg.Wait()
}

func (m *Manager) setStatusLocked(status Status) {
	if m.status == status {
		return
	}
	m.log.Info().
		Stringer("from", m.status).
		Stringer("to", status).
		Msg("Channel status changed")
	m.status = status
	if m.cb.OnStatus != nil {
		go m.cb.OnStatus(status)
	}
}

// connect dials until subscribed or the channel is closed. Serialized so
// overlapping triggers collapse into one dial loop.
func (m *Manager) connect() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	ctx := m.ctx
	groups := m.groups
	m.mu.Unlock()
	if ctx == nil {
		return
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffCap, attempt-1)):
			case <-ctx.Done():
				return
			}
		}

		tok, err := m.tokens.GetValidToken(ctx)
		if err != nil {
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("No usable token for subscribe")
			continue
		}
		feed, err := m.dialer.Subscribe(ctx, tok.AccessToken, groups)
		if err != nil {
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("Subscribe failed")
			if remote.IsAuth(err) {
				if _, rerr := m.tokens.ForceRefresh(ctx); rerr != nil {
					m.log.Warn().Err(rerr).Msg("Token refresh after auth-rejected subscribe failed")
				}
			}
			continue
		}

		m.mu.Lock()
		if m.status == StatusClosed {
			m.mu.Unlock()
			feed.Close("channel closed during dial")
			return
		}
		m.generation++
		gen := m.generation
		m.feed = feed
		m.lastEventAt = time.Now()
		m.lastAppliedTokenID = tok.ID
		m.setStatusLocked(StatusSubscribed)
		m.mu.Unlock()

		m.log.Info().Int("groups", len(groups)).Int("attempt", attempt).Msg("Channel subscribed")
		m.wg.Add(1)
		go m.readLoop(gen, feed)
		return
	}
}

func (m *Manager) readLoop(gen uint64, feed remote.Feed) {
	defer m.wg.Done()
	for ev := range feed.Events() {
		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		// Every feed-level event proves liveness, keepalives included.
		m.lastEventAt = time.Now()
		m.mu.Unlock()

		if ev.Type == remote.EventMessage && ev.Message != nil {
			m.buf.add(*ev.Message)
		}
	}
	m.feedDown(gen, feed)
}

// feedDown handles the events channel closing. Stale generations (the feed
// was already replaced or the close was deliberate) are ignored.
func (m *Manager) feedDown(gen uint64, feed remote.Feed) {
	m.mu.Lock()
	if gen != m.generation || m.status == StatusClosed || m.recovering {
		m.mu.Unlock()
		return
	}
	if m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.feed = nil
	m.setStatusLocked(StatusDegraded)
	m.mu.Unlock()

	m.log.Warn().AnErr("feed_error", feed.Err()).Msg("Feed dropped, reconnecting")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connect()
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()
}

// watchdog runs the heartbeat. A transport ping failure degrades the
// channel; feed silence past the death threshold kills it even when pings
// succeed.
func (m *Manager) watchdog() {
	defer m.wg.Done()
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		status := m.status
		feed := m.feed
		silence := time.Since(m.lastEventAt)
		m.mu.Unlock()
		if status != StatusSubscribed || feed == nil {
			continue
		}

		if silence >= m.cfg.DeathThreshold {
			m.declareDead(silence)
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := feed.Ping(pctx)
		cancel()
		if err != nil {
			m.log.Warn().Err(err).Msg("Heartbeat ping failed")
			// Closing the feed makes readLoop exit and take the normal
			// degraded-reconnect path.
			feed.Close("heartbeat ping failed")
		}
	}
}

// declareDead enters the Dead state and runs exactly one recovery cycle:
// drop the zombie feed, force a token refresh, resubscribe, then report the
// catch-up point so the engine can reconcile the silent window.
func (m *Manager) declareDead(silence time.Duration) {
	m.mu.Lock()
	if m.recovering || m.status != StatusSubscribed {
		m.mu.Unlock()
		return
	}
	m.recovering = true
	staleSince := m.lastEventAt
	feed := m.feed
	m.feed = nil
	m.generation++
	m.setStatusLocked(StatusDead)
	ctx := m.ctx
	m.mu.Unlock()

	m.log.Error().
		Dur("silence", silence).
		Time("stale_since", staleSince).
		Msg("Channel declared dead: feed silent past death threshold")
	if feed != nil {
		feed.Close("zombie channel")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// The zombie may have been a symptom of a stale token; rotate it
		// before dialing rather than waiting to get rejected.
		if _, err := m.tokens.ForceRefresh(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Token refresh during dead-channel recovery failed")
		}
		m.connect()

		m.mu.Lock()
		m.recovering = false
		recovered := m.status == StatusSubscribed
		m.mu.Unlock()
		if recovered && m.cb.OnRecovered != nil {
			m.cb.OnRecovered(staleSince)
		}
	}()
}

// onTokenRefresh re-asserts credentials over the live feed when the token
// generation moved past the one the subscription was dialed with.
func (m *Manager) onTokenRefresh(tok session.Token) {
	m.mu.Lock()
	feed := m.feed
	stale := m.status == StatusSubscribed && feed != nil && tok.ID != m.lastAppliedTokenID
	ctx := m.ctx
	m.mu.Unlock()
	if !stale {
		return
	}

	actx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := feed.Auth(actx, tok.AccessToken)
	cancel()
	if err != nil {
		m.log.Warn().Err(err).Uint64("token_id", tok.ID).Msg("Re-auth over live feed failed, recycling connection")
		feed.Close("re-auth failed")
		return
	}
	m.mu.Lock()
	if m.feed == feed {
		m.lastAppliedTokenID = tok.ID
	}
	m.mu.Unlock()
	m.log.Debug().Uint64("token_id", tok.ID).Msg("Re-asserted auth over live feed")
}

// backoffDelay is min(base·2^attempt + jitter, cap).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	d := base << uint(attempt)
	if d > cap || d <= 0 {
		d = cap
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	if d+jitter > cap {
		return cap
	}
	return d + jitter
}
