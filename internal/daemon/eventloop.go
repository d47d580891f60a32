package daemon

import (
	"context"
	"time"

	"github.com/harun/convoy/internal/observability"
)

const maintenanceInterval = 30 * time.Second

// EventLoop handles periodic maintenance while the daemon runs.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop until ctx ends.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.processTasks(ctx)
	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks refreshes the gauges that nothing updates on its own.
func (e *EventLoop) processTasks(ctx context.Context) {
	keys, err := e.daemon.sessionMgr.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.daemon.logger.Warn().Err(err).Msg("Failed to list sessions")
		}
	} else {
		observability.SetActiveSessions(len(keys))
	}

	pending := e.daemon.confirmations.Pending("")
	observability.SetPendingConfirmations(len(pending))

	if lanes := e.daemon.queue.Lanes(); lanes > 0 {
		e.daemon.logger.Debug().
			Int("lanes", lanes).
			Int("sessions", len(keys)).
			Int("pending_confirmations", len(pending)).
			Msg("Maintenance tick")
	}
}
