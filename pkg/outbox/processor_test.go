package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confessr/syncengine/pkg/remote"
	"github.com/confessr/syncengine/pkg/session"
	"github.com/confessr/syncengine/pkg/store"
)

type markReadCall struct {
	groupID string
	through time.Time
}

type fakeRemote struct {
	mu        sync.Mutex
	seq       int
	upserts   map[string]int
	order     []string
	failWith  map[string][]error
	markReads []markReadCall

	// When set (before any concurrency starts), each upsert announces
	// itself on upsertStarted and then blocks until upsertGate closes.
	upsertGate    chan struct{}
	upsertStarted chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		upserts:  make(map[string]int),
		failWith: make(map[string][]error),
	}
}

// failNext queues errors returned by successive upserts for the dedupe key.
func (r *fakeRemote) failNext(dedupeKey string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith[dedupeKey] = append(r.failWith[dedupeKey], errs...)
}

func (r *fakeRemote) UpsertMessage(ctx context.Context, accessToken, dedupeKey string, fields remote.MessageFields) (string, error) {
	if r.upsertGate != nil {
		r.upsertStarted <- struct{}{}
		<-r.upsertGate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts[dedupeKey]++
	r.order = append(r.order, dedupeKey)
	if queue := r.failWith[dedupeKey]; len(queue) > 0 {
		err := queue[0]
		r.failWith[dedupeKey] = queue[1:]
		return "", err
	}
	r.seq++
	return fmt.Sprintf("srv-%d", r.seq), nil
}

func (r *fakeRemote) QueryMessagesSince(ctx context.Context, accessToken string, groupIDs []string, since time.Time, limit int) ([]remote.Message, error) {
	return nil, nil
}

func (r *fakeRemote) RecentMessages(ctx context.Context, accessToken, groupID string, limit int) ([]remote.Message, error) {
	return nil, nil
}

func (r *fakeRemote) MarkRead(ctx context.Context, accessToken, groupID string, through time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markReads = append(r.markReads, markReadCall{groupID: groupID, through: through})
	return nil
}

func (r *fakeRemote) upsertCount(dedupeKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts[dedupeKey]
}

type staticProvider struct{}

func (staticProvider) Refresh(ctx context.Context, refreshToken string) (*remote.Credentials, error) {
	return &remote.Credentials{
		AccessToken: "refreshed-" + time.Now().Format("150405.000000000"),
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func transientErr() error {
	return &remote.Error{Class: remote.ClassTransient, Op: "upsert_message", Err: errors.New("connection reset")}
}

func authErr() error {
	return &remote.Error{Class: remote.ClassAuth, Op: "upsert_message", Err: errors.New("token expired")}
}

func validationErr() error {
	return &remote.Error{Class: remote.ClassValidation, Op: "upsert_message", Err: errors.New("content too long")}
}

func newTestProcessor(t *testing.T, rs remote.Store, cfg Config, cb Callbacks) (*Processor, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.PutSession(ctx, &store.Session{
		UserID:       "user-1",
		AccessToken:  "token-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
	tokens, err := session.NewManager(ctx, st, staticProvider{}, session.Config{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(tokens.Stop)
	return NewProcessor(st, rs, tokens, cfg, cb, zerolog.Nop()), st
}

func TestEnqueueSend_OptimisticRowAndEntry(t *testing.T) {
	p, st := newTestProcessor(t, newFakeRemote(), Config{}, Callbacks{})
	ctx := context.Background()

	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "hello", nil, "")
	require.NoError(t, err)

	msg, err := st.GetMessage(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, store.DeliveryPending, msg.DeliveryState)
	assert.True(t, msg.LocalOnly)

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestEnqueueSend_SniffsAttachmentMime(t *testing.T) {
	p, st := newTestProcessor(t, newFakeRemote(), Config{}, Callbacks{})
	ctx := context.Background()

	png := []byte("\x89PNG\r\n\x1a\n rest of the image")
	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "", png, "")
	require.NoError(t, err)

	msg, err := st.GetMessage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "image/png", msg.AttachmentMime)
}

func TestDrain_ConfirmsAndSettles(t *testing.T) {
	rs := newFakeRemote()
	var mu sync.Mutex
	sent := map[string]string{}
	p, st := newTestProcessor(t, rs, Config{}, Callbacks{
		OnSent: func(dedupeKey, serverID string) {
			mu.Lock()
			sent[dedupeKey] = serverID
			mu.Unlock()
		},
	})
	ctx := context.Background()

	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "hello", nil, "")
	require.NoError(t, err)
	require.NoError(t, p.Drain(ctx))

	msg, err := st.GetMessage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverySent, msg.DeliveryState)
	assert.NotEmpty(t, msg.ServerID)

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "confirmed entries must leave the queue")

	mu.Lock()
	assert.Equal(t, msg.ServerID, sent[key])
	mu.Unlock()
}

func TestDrain_TransientFailureBacksOff(t *testing.T) {
	rs := newFakeRemote()
	p, st := newTestProcessor(t, rs, Config{
		BackoffBase: time.Hour, // park the entry well past the test horizon
	}, Callbacks{})
	ctx := context.Background()

	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "hello", nil, "")
	require.NoError(t, err)
	rs.failNext(key, transientErr())

	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, 1, rs.upsertCount(key))

	entries, err := st.AllOutboxEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.True(t, entries[0].NextRetryAt.After(time.Now()), "rescheduled entry must not be immediately due")
	assert.Contains(t, entries[0].LastError, "connection reset")

	// Not due yet: another pass must not hammer the server.
	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, 1, rs.upsertCount(key))
}

func TestDrain_BoundedCallerNotBlockedByInflightPass(t *testing.T) {
	rs := newFakeRemote()
	rs.upsertGate = make(chan struct{})
	rs.upsertStarted = make(chan struct{}, 1)
	p, st := newTestProcessor(t, rs, Config{}, Callbacks{})
	ctx := context.Background()

	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "slow", nil, "")
	require.NoError(t, err)

	// A background pass takes the flight and stalls on a slow delivery.
	go p.Drain(ctx)
	<-rs.upsertStarted

	bounded, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = p.Drain(bounded)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 500*time.Millisecond,
		"a bounded caller must get its deadline back, not wait out the in-flight pass")

	// The stalled pass still delivers once the server responds.
	close(rs.upsertGate)
	require.Eventually(t, func() bool {
		msg, err := st.GetMessage(context.Background(), key)
		return err == nil && msg != nil && msg.DeliveryState == store.DeliverySent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDrain_BackoffGrowsMonotonically(t *testing.T) {
	rs := newFakeRemote()
	p, st := newTestProcessor(t, rs, Config{
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Second,
	}, Callbacks{})
	ctx := context.Background()

	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "hello", nil, "")
	require.NoError(t, err)
	rs.failNext(key, transientErr(), transientErr(), transientErr(), transientErr())

	var prev time.Time
	for i := 1; i <= 4; i++ {
		require.Eventually(t, func() bool {
			entries, err := st.DueOutboxEntries(context.Background(), time.Now(), 10)
			return err == nil && len(entries) == 1
		}, 2*time.Second, time.Millisecond, "entry must become due again")
		require.NoError(t, p.Drain(ctx))

		entries, err := st.AllOutboxEntries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, i, entries[0].RetryCount)
		assert.True(t, entries[0].NextRetryAt.After(prev),
			"next_retry_at must strictly increase across consecutive transient failures")
		prev = entries[0].NextRetryAt
	}
}

func TestRetryDelay_DoublesUntilCap(t *testing.T) {
	base, limit := time.Second, time.Minute
	for n := 1; n <= 5; n++ {
		d := retryDelay(base, limit, n)
		assert.GreaterOrEqual(t, d, base<<uint(n-1))
		assert.Less(t, d, base<<uint(n))
	}
	assert.Equal(t, limit, retryDelay(base, limit, 30), "delay saturates at the cap")
}

func TestDrain_RetryDeliversWithSameDedupeKey(t *testing.T) {
	rs := newFakeRemote()
	p, st := newTestProcessor(t, rs, Config{
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}, Callbacks{})
	ctx := context.Background()

	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "hello", nil, "")
	require.NoError(t, err)
	rs.failNext(key, transientErr())

	require.NoError(t, p.Drain(ctx))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Drain(ctx))

	assert.Equal(t, 2, rs.upsertCount(key), "retry must reuse the dedupe key, never mint a new one")
	msg, err := st.GetMessage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverySent, msg.DeliveryState)
}

func TestDrain_TransientFailureParksGroup(t *testing.T) {
	rs := newFakeRemote()
	p, _ := newTestProcessor(t, rs, Config{BackoffBase: time.Hour}, Callbacks{})
	ctx := context.Background()

	first, err := p.EnqueueSend(ctx, "group-1", "user-1", "first", nil, "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	second, err := p.EnqueueSend(ctx, "group-1", "user-1", "second", nil, "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	other, err := p.EnqueueSend(ctx, "group-2", "user-1", "elsewhere", nil, "")
	require.NoError(t, err)
	rs.failNext(first, transientErr())

	require.NoError(t, p.Drain(ctx))

	assert.Equal(t, 1, rs.upsertCount(first))
	assert.Zero(t, rs.upsertCount(second), "later sends must not overtake a stuck one in the same group")
	assert.Equal(t, 1, rs.upsertCount(other), "other groups are unaffected")
}

func TestDrain_AuthFailureRefreshesWithoutChargingRetries(t *testing.T) {
	rs := newFakeRemote()
	p, st := newTestProcessor(t, rs, Config{}, Callbacks{})
	ctx := context.Background()

	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "hello", nil, "")
	require.NoError(t, err)
	rs.failNext(key, authErr())

	require.NoError(t, p.Drain(ctx))

	assert.Equal(t, 2, rs.upsertCount(key), "auth rejection retries immediately after refresh")
	msg, err := st.GetMessage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverySent, msg.DeliveryState)
}

func TestDrain_ValidationFailureIsPermanent(t *testing.T) {
	rs := newFakeRemote()
	var mu sync.Mutex
	var failedKey, failedReason string
	p, st := newTestProcessor(t, rs, Config{}, Callbacks{
		OnFailed: func(dedupeKey, reason string) {
			mu.Lock()
			failedKey, failedReason = dedupeKey, reason
			mu.Unlock()
		},
	})
	ctx := context.Background()

	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "hello", nil, "")
	require.NoError(t, err)
	rs.failNext(key, validationErr())

	require.NoError(t, p.Drain(ctx))

	assert.Equal(t, 1, rs.upsertCount(key), "validation errors must not be retried")
	msg, err := st.GetMessage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, msg.DeliveryState)
	assert.Contains(t, msg.FailReason, "content too long")
	assert.Equal(t, "hello", msg.Content, "failed messages keep their payload for manual retry")

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	mu.Lock()
	assert.Equal(t, key, failedKey)
	assert.Contains(t, failedReason, "content too long")
	mu.Unlock()
}

func TestDrain_RetryBudgetExhausted(t *testing.T) {
	rs := newFakeRemote()
	p, st := newTestProcessor(t, rs, Config{
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		MaxRetries:  2,
	}, Callbacks{})
	ctx := context.Background()

	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "hello", nil, "")
	require.NoError(t, err)
	rs.failNext(key, transientErr(), transientErr(), transientErr())

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Drain(ctx))
		time.Sleep(10 * time.Millisecond)
	}

	msg, err := st.GetMessage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, msg.DeliveryState)

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRetry_RequeuesFailedMessage(t *testing.T) {
	rs := newFakeRemote()
	p, st := newTestProcessor(t, rs, Config{}, Callbacks{})
	ctx := context.Background()

	key, err := p.EnqueueSend(ctx, "group-1", "user-1", "hello", nil, "")
	require.NoError(t, err)
	rs.failNext(key, validationErr())
	require.NoError(t, p.Drain(ctx))

	require.NoError(t, p.Retry(ctx, key))
	msg, err := st.GetMessage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryPending, msg.DeliveryState)
	assert.Empty(t, msg.FailReason)

	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, 2, rs.upsertCount(key), "manual retry keeps the original dedupe key")
	msg, err = st.GetMessage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverySent, msg.DeliveryState)
}

func TestRetry_UnknownKey(t *testing.T) {
	p, _ := newTestProcessor(t, newFakeRemote(), Config{}, Callbacks{})
	err := p.Retry(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrMessageGone)
}

func TestDrain_MarkRead(t *testing.T) {
	rs := newFakeRemote()
	p, _ := newTestProcessor(t, rs, Config{}, Callbacks{})
	ctx := context.Background()

	through := time.Now().Truncate(time.Millisecond)
	require.NoError(t, p.EnqueueMarkRead(ctx, "group-1", through))
	require.NoError(t, p.Drain(ctx))

	rs.mu.Lock()
	require.Len(t, rs.markReads, 1)
	assert.Equal(t, "group-1", rs.markReads[0].groupID)
	assert.Equal(t, through.UnixMilli(), rs.markReads[0].through.UnixMilli())
	rs.mu.Unlock()

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}
