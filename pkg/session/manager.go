// Package session owns the credential lifecycle: one single-flight refresh
// path system-wide, a circuit breaker around the token provider, and a
// listener fan-out so the realtime channel re-asserts auth after every
// refresh. No caller ever touches a raw credential handle; everything goes
// through GetValidToken.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/confessr/syncengine/pkg/remote"
	"github.com/confessr/syncengine/pkg/store"
)

// Token is an access token plus the monotonically increasing refresh
// generation. Consumers compare IDs to detect staleness: a channel whose
// applied ID is behind the manager's current ID is running on a stale token
// even if it looks connected.
type Token struct {
	AccessToken string
	ID          uint64
	ExpiresAt   time.Time
}

// Config holds the manager's tunables. Zero values pick the defaults.
type Config struct {
	// ValidityFloor is how much remaining validity GetValidToken guarantees.
	ValidityFloor time.Duration
	// RefreshTimeout bounds one token provider call.
	RefreshTimeout time.Duration
	// BreakerThreshold is the consecutive-failure count that opens the breaker.
	BreakerThreshold int
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration
}

func (c *Config) applyDefaults() {
	if c.ValidityFloor == 0 {
		c.ValidityFloor = 30 * time.Second
	}
	if c.RefreshTimeout == 0 {
		c.RefreshTimeout = 10 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = time.Minute
	}
}

// Manager is the token lifecycle manager.
type Manager struct {
	store    *store.Store
	provider remote.TokenProvider
	cfg      Config
	log      zerolog.Logger

	sf singleflight.Group

	mu               sync.Mutex
	current          *store.Session
	tokenID          uint64
	failures         int
	breakerOpenUntil time.Time
	retryTimer       *time.Timer
	listeners        []func(Token)
	stopped          bool
}

// NewManager creates a manager and loads any persisted session.
func NewManager(ctx context.Context, st *store.Store, provider remote.TokenProvider, cfg Config, log zerolog.Logger) (*Manager, error) {
	cfg.applyDefaults()
	m := &Manager{
		store:    st,
		provider: provider,
		cfg:      cfg,
		log:      log.With().Str("component", "token_manager").Logger(),
	}
	sess, err := st.GetSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	m.current = sess
	if sess != nil {
		m.tokenID = 1
	}
	return m, nil
}

// Stop cancels any pending breaker retry.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()
}

// OnRefresh registers a listener called after every successful refresh.
// Listeners run on the refreshing goroutine; keep them cheap.
func (m *Manager) OnRefresh(f func(Token)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, f)
	m.mu.Unlock()
}

// Login seeds the manager with a fresh session from the login flow.
func (m *Manager) Login(ctx context.Context, sess *store.Session) error {
	if err := m.store.PutSession(ctx, sess); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = sess
	m.tokenID++
	m.failures = 0
	m.breakerOpenUntil = time.Time{}
	tok := Token{AccessToken: sess.AccessToken, ID: m.tokenID, ExpiresAt: sess.ExpiresAt}
	listeners := append([]func(Token){}, m.listeners...)
	m.mu.Unlock()
	for _, f := range listeners {
		f(tok)
	}
	return nil
}

// Logout drops the session.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	return m.store.DeleteSession(ctx)
}

// Current returns the last-known token without refreshing.
func (m *Manager) Current() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Token{}, false
	}
	return Token{AccessToken: m.current.AccessToken, ID: m.tokenID, ExpiresAt: m.current.ExpiresAt}, true
}

// UserID returns the logged-in user, or empty when logged out.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.UserID
}

// TokenID returns the current refresh generation.
func (m *Manager) TokenID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenID
}

// GetValidToken returns a token valid for at least the configured floor.
// If remaining validity is below the floor it triggers exactly one in-flight
// refresh; all concurrent callers await that one call. While the circuit
// breaker is open, callers get the last-known token immediately and a
// background retry is scheduled instead, so this path never blocks.
func (m *Manager) GetValidToken(ctx context.Context) (Token, error) {
	m.mu.Lock()
	cur := m.current
	if cur == nil {
		m.mu.Unlock()
		return Token{}, remote.ErrNoSession
	}
	tok := Token{AccessToken: cur.AccessToken, ID: m.tokenID, ExpiresAt: cur.ExpiresAt}
	breakerOpen := time.Now().Before(m.breakerOpenUntil)
	m.mu.Unlock()

	if time.Until(tok.ExpiresAt) >= m.cfg.ValidityFloor {
		return tok, nil
	}
	if breakerOpen {
		m.armBreakerRetry()
		return tok, nil
	}

	fresh, err := m.refresh(ctx)
	if err != nil {
		// The old token may still be usable for a moment; degrade rather
		// than fail hard while it hasn't actually expired.
		if time.Now().Before(tok.ExpiresAt) {
			return tok, nil
		}
		return Token{}, err
	}
	return fresh, nil
}

// ForceRefresh refreshes regardless of remaining validity. Channel recovery
// and auth-expired retries use it. The breaker still applies: while open,
// the last-known token is returned immediately.
func (m *Manager) ForceRefresh(ctx context.Context) (Token, error) {
	m.mu.Lock()
	cur := m.current
	tok := Token{}
	if cur != nil {
		tok = Token{AccessToken: cur.AccessToken, ID: m.tokenID, ExpiresAt: cur.ExpiresAt}
	}
	breakerOpen := time.Now().Before(m.breakerOpenUntil)
	m.mu.Unlock()
	if cur == nil {
		return Token{}, remote.ErrNoSession
	}
	if breakerOpen {
		m.armBreakerRetry()
		return tok, nil
	}
	return m.refresh(ctx)
}

// refresh performs the single-flight provider call. Detached from the
// caller's context so one impatient caller cannot cancel the shared refresh
// out from under everyone else.
func (m *Manager) refresh(ctx context.Context) (Token, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		m.mu.Lock()
		cur := m.current
		m.mu.Unlock()
		if cur == nil {
			return Token{}, remote.ErrNoSession
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()

		start := time.Now()
		creds, err := m.provider.Refresh(rctx, cur.RefreshToken)
		if err != nil {
			m.recordFailure(err)
			return Token{}, fmt.Errorf("token refresh failed: %w", err)
		}
		return m.recordSuccess(rctx, cur, creds, start), nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (m *Manager) recordSuccess(ctx context.Context, prev *store.Session, creds *remote.Credentials, start time.Time) Token {
	sess := &store.Session{
		UserID:       prev.UserID,
		AccessToken:  creds.AccessToken,
		RefreshToken: prev.RefreshToken,
		ExpiresAt:    creds.ExpiresAt,
	}
	if err := m.store.PutSession(ctx, sess); err != nil {
		// Keep going on the fresh in-memory token; persistence catches up
		// on the next successful refresh.
		m.log.Warn().Err(err).Msg("Failed to persist refreshed session")
	}

	m.mu.Lock()
	m.current = sess
	m.tokenID++
	m.failures = 0
	m.breakerOpenUntil = time.Time{}
	tok := Token{AccessToken: sess.AccessToken, ID: m.tokenID, ExpiresAt: sess.ExpiresAt}
	listeners := append([]func(Token){}, m.listeners...)
	m.mu.Unlock()

	m.log.Info().
		Uint64("token_id", tok.ID).
		Time("expires_at", tok.ExpiresAt).
		Dur("elapsed", time.Since(start)).
		Msg("Token refreshed")

	for _, f := range listeners {
		f(tok)
	}
	return tok
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	opened := false
	if m.failures >= m.cfg.BreakerThreshold && !time.Now().Before(m.breakerOpenUntil) {
		m.breakerOpenUntil = time.Now().Add(m.cfg.BreakerCooldown)
		opened = true
	}
	m.mu.Unlock()

	m.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("Token refresh failed")
	if opened {
		m.log.Error().
			Dur("cooldown", m.cfg.BreakerCooldown).
			Msg("Token refresh circuit breaker opened, serving last-known token")
		m.armBreakerRetry()
	}
}

// armBreakerRetry schedules one background refresh attempt for when the
// cooldown lapses. Re-arming while a timer is pending is a no-op.
func (m *Manager) armBreakerRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.retryTimer != nil {
		return
	}
	wait := time.Until(m.breakerOpenUntil)
	if wait < 0 {
		wait = 0
	}
	m.retryTimer = time.AfterFunc(wait, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.breakerOpenUntil = time.Time{}
		m.mu.Unlock()
		if _, err := m.refresh(context.Background()); err != nil {
			m.log.Warn().Err(err).Msg("Background token refresh retry failed")
		}
	})
}
