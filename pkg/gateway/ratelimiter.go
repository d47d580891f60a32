package gateway

import (
	"sync"
	"time"
)

const (
	reasonTooManyConcurrent = "too many concurrent requests"
	reasonRateLimited       = "rate limit exceeded"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	now                func() time.Time
}

// NewClientRateLimiter allows 60 requests a minute, 10 at a time.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(60, 10)
}

func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits one request, or returns the reason it was refused.
// Every admitted request must be followed by Release.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return false, reasonTooManyConcurrent
	}
	r.pruneLocked()
	if len(r.requests) >= r.requestsPerMinute {
		return false, reasonRateLimited
	}

	r.requests = append(r.requests, r.now())
	r.concurrentRequests++
	return true, ""
}

// Release ends a request admitted by Acquire.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// GetStats returns requests in the current window and those in flight.
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.requests), r.concurrentRequests
}

func (r *ClientRateLimiter) pruneLocked() {
	cutoff := r.now().Add(-time.Minute)
	kept := r.requests[:0]
	for _, at := range r.requests {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.requests = kept
}
