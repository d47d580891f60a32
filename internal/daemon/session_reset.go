package daemon

import (
	"context"

	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
)

// resetSession serves the /reset chat command.
func (d *Daemon) resetSession(ctx context.Context, sessionKey string) error {
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())

	if err := d.loop.Reset(ctx, sessionKey); err != nil {
		logger.Warn().Err(err).Str("session_key", sessionKey).Msg("Session reset failed")
		return err
	}

	logger.Info().Str("session_key", sessionKey).Msg("Session reset")
	observability.GetAuditLogger().Record(ctx, observability.AuditEvent{
		Type:   "session",
		Action: "reset",
		Status: "ok",
		Metadata: map[string]interface{}{
			"session_key": sessionKey,
		},
	})
	return nil
}
