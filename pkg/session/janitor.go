package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/convoy/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultJanitorSchedule = "@every 1h"
	DefaultMaxIdle         = 30 * 24 * time.Hour
)

// Pruner is swept alongside sessions. The confirmation manager implements it
// to drop terminal requests older than the idle horizon.
type Pruner interface {
	Prune(olderThan time.Duration) int
}

// JanitorConfig configures idle eviction.
type JanitorConfig struct {
	// Schedule is a cron spec or descriptor such as "@every 1h".
	Schedule string
	// MaxIdle is how long a session may go without an update before eviction.
	MaxIdle time.Duration
	Pruners []Pruner
}

// Janitor evicts sessions that have been idle longer than MaxIdle. It is the
// only path besides Delete through which a session disappears.
type Janitor struct {
	manager *Manager
	cfg     JanitorConfig
	logger  zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewJanitor(manager *Manager, cfg JanitorConfig) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultJanitorSchedule
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	return &Janitor{
		manager: manager,
		cfg:     cfg,
		logger:  manager.logger.With().Str("component", "session_janitor").Logger(),
	}
}

// Start schedules periodic sweeps.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("janitor is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.Sweep(context.Background()); err != nil {
			j.logger.Error().Err(err).Msg("Session sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.cfg.Schedule, err)
	}
	c.Start()

	j.cron = c
	j.running = true
	j.logger.Info().
		Str("schedule", j.cfg.Schedule).
		Dur("max_idle", j.cfg.MaxIdle).
		Msg("Session janitor started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.running = false
	j.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep evicts idle sessions once and runs the pruners. It returns the number
// of sessions removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	keys, err := j.manager.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := j.manager.now().Add(-j.cfg.MaxIdle)
	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := j.manager.DeleteIfIdle(ctx, key, cutoff)
		if err != nil {
			j.logger.Warn().Err(err).Str("session_key", key).Msg("Failed to evict session")
			continue
		}
		if ok {
			removed++
		}
	}

	pruned := 0
	for _, p := range j.cfg.Pruners {
		pruned += p.Prune(j.cfg.MaxIdle)
	}

	if removed > 0 {
		observability.RecordSessionsEvicted(removed)
		j.manager.refreshActiveSessions(ctx)
	}
	j.logger.Debug().Int("evicted", removed).Int("pruned", pruned).Msg("Session sweep complete")
	return removed, nil
}
