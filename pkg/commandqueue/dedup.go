package commandqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

type dedupEntry struct {
	result    taskResult
	timestamp time.Time
}

// dedupCache remembers task results by request id for a bounded time.
// Expired entries are dropped lazily on insert.
type dedupCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[string]dedupEntry
	inflight map[string]chan struct{}
	now      func() time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedupCache{
		ttl:      ttl,
		entries:  make(map[string]dedupEntry),
		inflight: make(map[string]chan struct{}),
		now:      time.Now,
	}
}

// Do returns the cached result for id or runs fn once to produce it.
// Cancellation results are not remembered.
func (dc *dedupCache) Do(id string, fn func() taskResult) taskResult {
	for {
		dc.mu.Lock()
		if entry, ok := dc.entries[id]; ok && dc.now().Sub(entry.timestamp) <= dc.ttl {
			dc.mu.Unlock()
			return entry.result
		}
		if wait, ok := dc.inflight[id]; ok {
			dc.mu.Unlock()
			<-wait
			continue
		}
		done := make(chan struct{})
		dc.inflight[id] = done
		dc.mu.Unlock()

		result := fn()

		dc.mu.Lock()
		delete(dc.inflight, id)
		if !errors.Is(result.err, context.Canceled) && !errors.Is(result.err, context.DeadlineExceeded) && !errors.Is(result.err, ErrClosed) {
			dc.pruneLocked()
			dc.entries[id] = dedupEntry{result: result, timestamp: dc.now()}
		}
		close(done)
		dc.mu.Unlock()
		return result
	}
}

func (dc *dedupCache) size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}

func (dc *dedupCache) pruneLocked() {
	now := dc.now()
	for id, entry := range dc.entries {
		if now.Sub(entry.timestamp) > dc.ttl {
			delete(dc.entries, id)
		}
	}
}
