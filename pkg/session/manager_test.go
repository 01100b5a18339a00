package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confessr/syncengine/pkg/remote"
	"github.com/confessr/syncengine/pkg/store"
)

type fakeProvider struct {
	mu       sync.Mutex
	calls    int32
	failNext int
	delay    time.Duration
	validity time.Duration
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*remote.Credentials, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return nil, errors.New("refresh endpoint unavailable")
	}
	validity := p.validity
	if validity == 0 {
		validity = time.Hour
	}
	return &remote.Credentials{
		AccessToken: time.Now().Format("token-150405.000000000"),
		ExpiresAt:   time.Now().Add(validity),
	}, nil
}

func newTestManager(t *testing.T, provider remote.TokenProvider, cfg Config, sess *store.Session) *Manager {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	if sess != nil {
		require.NoError(t, st.PutSession(ctx, sess))
	}
	m, err := NewManager(ctx, st, provider, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func freshSession() *store.Session {
	return &store.Session{
		UserID:       "user-1",
		AccessToken:  "initial-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func expiringSession() *store.Session {
	sess := freshSession()
	sess.ExpiresAt = time.Now().Add(5 * time.Second)
	return sess
}

func TestGetValidToken_NoSession(t *testing.T) {
	m := newTestManager(t, &fakeProvider{}, Config{}, nil)
	_, err := m.GetValidToken(context.Background())
	assert.ErrorIs(t, err, remote.ErrNoSession)
}

func TestGetValidToken_FreshTokenNoRefresh(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(t, provider, Config{}, freshSession())

	tok, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "initial-token", tok.AccessToken)
	assert.EqualValues(t, 0, atomic.LoadInt32(&provider.calls))
}

func TestGetValidToken_RefreshesBelowFloor(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(t, provider, Config{ValidityFloor: 30 * time.Second}, expiringSession())

	tok, err := m.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "initial-token", tok.AccessToken)
	assert.EqualValues(t, 2, tok.ID, "refresh must bump the token generation")
	assert.EqualValues(t, 1, atomic.LoadInt32(&provider.calls))
}

func TestGetValidToken_SingleFlight(t *testing.T) {
	provider := &fakeProvider{delay: 50 * time.Millisecond}
	m := newTestManager(t, provider, Config{}, expiringSession())

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]Token, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background())
			require.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&provider.calls), "concurrent callers must share one refresh")
	for _, tok := range tokens {
		assert.Equal(t, tokens[0].AccessToken, tok.AccessToken)
		assert.Equal(t, tokens[0].ID, tok.ID)
	}
}

func TestGetValidToken_FailureServesUnexpiredToken(t *testing.T) {
	provider := &fakeProvider{failNext: 1}
	m := newTestManager(t, provider, Config{}, expiringSession())

	tok, err := m.GetValidToken(context.Background())
	require.NoError(t, err, "a still-valid token should be served despite refresh failure")
	assert.Equal(t, "initial-token", tok.AccessToken)
}

func TestGetValidToken_FailureWithExpiredToken(t *testing.T) {
	provider := &fakeProvider{failNext: 1}
	sess := freshSession()
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	m := newTestManager(t, provider, Config{}, sess)

	_, err := m.GetValidToken(context.Background())
	assert.Error(t, err)
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	provider := &fakeProvider{failNext: 100}
	m := newTestManager(t, provider, Config{
		BreakerThreshold: 3,
		BreakerCooldown:  time.Hour,
	}, expiringSession())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.GetValidToken(ctx)
		require.NoError(t, err, "token is unexpired, callers keep getting it")
	}
	callsAtOpen := atomic.LoadInt32(&provider.calls)
	assert.EqualValues(t, 3, callsAtOpen)

	// Breaker is open now: callers get the last-known token immediately and
	// no further provider calls happen.
	for i := 0; i < 5; i++ {
		tok, err := m.GetValidToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "initial-token", tok.AccessToken)
	}
	assert.EqualValues(t, callsAtOpen, atomic.LoadInt32(&provider.calls))
}

func TestCircuitBreaker_BackgroundRetryCloses(t *testing.T) {
	provider := &fakeProvider{failNext: 3}
	m := newTestManager(t, provider, Config{
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Millisecond,
	}, expiringSession())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.GetValidToken(ctx)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		tok, ok := m.Current()
		return ok && tok.AccessToken != "initial-token"
	}, 2*time.Second, 10*time.Millisecond, "background retry should refresh once the cooldown lapses")
}

func TestForceRefresh_BumpsGeneration(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(t, provider, Config{}, freshSession())

	before := m.TokenID()
	tok, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, tok.ID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&provider.calls))
}

func TestOnRefresh_ListenersNotified(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(t, provider, Config{}, freshSession())

	var mu sync.Mutex
	var seen []uint64
	m.OnRefresh(func(tok Token) {
		mu.Lock()
		seen = append(seen, tok.ID)
		mu.Unlock()
	})

	_, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	_, err = m.ForceRefresh(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Less(t, seen[0], seen[1], "token generations must be monotonic")
}

func TestRefresh_PersistsSession(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.PutSession(ctx, expiringSession()))

	m, err := NewManager(ctx, st, &fakeProvider{}, Config{}, zerolog.Nop())
	require.NoError(t, err)
	defer m.Stop()

	tok, err := m.ForceRefresh(ctx)
	require.NoError(t, err)

	persisted, err := st.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, tok.AccessToken, persisted.AccessToken)
	assert.Equal(t, "refresh-token", persisted.RefreshToken, "refresh token survives access token rotation")
}
