package channel

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confessr/syncengine/pkg/remote"
)

const (
	// bufferQuietWindow is how long to wait after the last event before
	// flushing the buffer. Balances latency vs. reordering accuracy.
	bufferQuietWindow = 500 * time.Millisecond

	// bufferMaxSize is the maximum number of events to hold before
	// force-flushing, even if the quiet window hasn't elapsed.
	bufferMaxSize = 50
)

// eventBuffer collects incoming feed messages and dispatches them in
// chronological (timestamp) order. While a reconciliation pass is in
// progress (held), messages accumulate without flushing; this prevents
// live messages from being dispatched before catch-up completes, which
// would show older reconciled messages after newer live ones. Release
// triggers a flush; after that, normal quiet-window / max-size flushing
// resumes.
type eventBuffer struct {
	held atomic.Bool

	mu       sync.Mutex
	entries  []remote.Message
	timer    *time.Timer
	dispatch func(remote.Message)
}

func newEventBuffer(dispatch func(remote.Message)) *eventBuffer {
	return &eventBuffer{dispatch: dispatch}
}

// add inserts a message into the buffer. While held, messages accumulate
// without flushing. Otherwise the buffer flushes on a quiet window or when
// the max size is reached.
func (b *eventBuffer) add(msg remote.Message) {
	b.mu.Lock()
	b.entries = append(b.entries, msg)

	if b.held.Load() {
		b.mu.Unlock()
		return
	}

	if len(b.entries) >= bufferMaxSize {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.mu.Unlock()
		go b.flush() // background, consistent with the time.AfterFunc quiet-window path
		return
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(bufferQuietWindow, b.flush)
	b.mu.Unlock()
}

// hold suspends flushing until release.
func (b *eventBuffer) hold() {
	b.held.Store(true)
}

// release resumes flushing and flushes anything accumulated while held.
func (b *eventBuffer) release() {
	b.held.Store(false)
	b.flush()
}

// flush sorts all buffered messages by timestamp and dispatches them.
func (b *eventBuffer) flush() {
	b.mu.Lock()
	if b.held.Load() || len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	entries := b.entries
	b.entries = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	for _, msg := range entries {
		b.dispatch(msg)
	}
}

// stop cancels the flush timer and discards pending messages. Called on
// channel close; discarded messages are re-delivered by reconciliation.
func (b *eventBuffer) stop() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.entries = nil
	b.mu.Unlock()
}
