package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	cooldownStep = time.Minute
	maxCooldown  = 10 * time.Minute
)

type failoverEntry struct {
	profile       Profile
	client        ModelClient
	failures      int
	cooldownUntil time.Time
}

// FailoverClient tries profiles in priority order, putting failing ones in
// a growing cooldown.
type FailoverClient struct {
	mu      sync.Mutex
	entries []*failoverEntry
	now     func() time.Time
}

// ClientFactory builds the client for one profile.
type ClientFactory func(Profile) (ModelClient, error)

// NewFailoverClient builds a client per profile with factory (NewClient when nil).
func NewFailoverClient(profiles []Profile, factory ClientFactory) (*FailoverClient, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one provider profile is required")
	}
	if factory == nil {
		factory = NewClient
	}
	observability.EnsureRegistered()

	sorted := append([]Profile(nil), profiles...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	entries := make([]*failoverEntry, 0, len(sorted))
	for _, profile := range sorted {
		client, err := factory(profile)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", profile.ID, err)
		}
		entries = append(entries, &failoverEntry{profile: profile, client: client})
	}
	return &FailoverClient{entries: entries, now: time.Now}, nil
}

func (c *FailoverClient) Name() string { return "failover" }

// Complete returns the first successful response. Non-retryable errors stop
// the walk; when every profile is cooling down the soonest to recover is
// tried anyway.
func (c *FailoverClient) Complete(ctx context.Context, request ModelRequest) (*ModelResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "convoy.agent", "agent.model_call",
		attribute.String("model", request.Model))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var lastErr error
	for _, e := range c.candidates() {
		start := time.Now()
		response, err := e.client.Complete(ctx, request)
		observability.RecordModelCall(e.client.Name(), time.Since(start), err == nil)
		if err == nil {
			c.markSuccess(e)
			span.SetAttributes(attribute.String("profile", e.profile.ID))
			return response, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Str("profile", e.profile.ID).Err(err).Msg("Provider profile failed")
		c.markFailure(e)
		if !IsRetryableError(err) {
			tracing.FailSpan(span, err, "model call failed")
			return nil, err
		}
	}

	err := fmt.Errorf("all provider profiles failed: %w", lastErr)
	tracing.FailSpan(span, err, "model call failed")
	return nil, err
}

func (c *FailoverClient) candidates() []*failoverEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var ready []*failoverEntry
	var soonest *failoverEntry
	for _, e := range c.entries {
		if now.Before(e.cooldownUntil) {
			if soonest == nil || e.cooldownUntil.Before(soonest.cooldownUntil) {
				soonest = e
			}
			continue
		}
		ready = append(ready, e)
	}
	if len(ready) == 0 && soonest != nil {
		ready = append(ready, soonest)
	}
	return ready
}

func (c *FailoverClient) markSuccess(e *failoverEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.failures = 0
	e.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(e.profile.ID, false)
}

func (c *FailoverClient) markFailure(e *failoverEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.failures++
	cooldown := time.Duration(e.failures) * cooldownStep
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}
	e.cooldownUntil = c.now().Add(cooldown)
	observability.SetProviderCooldown(e.profile.ID, true)
}
