package confirmation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// idAlphabet avoids characters with meaning in chat commands and callback data.
const (
	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength   = 12
)

// Options tunes a Manager.
type Options struct {
	// DefaultTimeout sets Request.Deadline when the caller leaves it zero.
	DefaultTimeout time.Duration
	Logger         *zerolog.Logger
	Now            func() time.Time
}

type entry struct {
	req     Request
	state   State
	outcome Outcome
	// done is closed exactly once, when the request leaves Pending.
	done chan struct{}
	// stopHandler releases a handler still working on the request.
	stopHandler context.CancelFunc
	// expiry moves the request to Expired at its deadline.
	expiry *time.Timer
}

// Manager owns the confirmation state machine. All methods are safe for
// concurrent use.
type Manager struct {
	handler        Handler
	handlerKind    string
	defaultTimeout time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager returns a manager dispatching new requests to handler.
func NewManager(handler Handler, opts Options) *Manager {
	observability.EnsureRegistered()

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	kind := "none"
	if handler != nil {
		kind = string(handler.Kind())
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		handler:        handler,
		handlerKind:    kind,
		defaultTimeout: opts.DefaultTimeout,
		logger:         logger.With().Str("component", "confirmation").Str("handler", kind).Logger(),
		now:            now,
		entries:        make(map[string]*entry),
		baseCtx:        baseCtx,
		stop:           stop,
	}
}

// Request registers req as Pending, starts delivering it to the handler and
// returns its id. It does not wait for a decision.
func (m *Manager) Request(ctx context.Context, req Request) (string, error) {
	if req.Description == "" {
		return "", fmt.Errorf("confirmation request requires a description")
	}
	if m.handler == nil {
		return "", fmt.Errorf("no confirmation handler configured")
	}

	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate confirmation id: %w", err)
	}

	req.ID = id
	req.CreatedAt = m.now()
	if req.Deadline.IsZero() && m.defaultTimeout > 0 {
		req.Deadline = req.CreatedAt.Add(m.defaultTimeout)
	}
	req.Payload = clonePayload(req.Payload)

	// The handler outlives the caller's ctx; only resolution or Close stops it.
	hctx, cancel := context.WithCancel(m.baseCtx)
	hctx = tracing.WithTraceID(tracing.WithSessionKey(hctx, req.SessionKey), tracing.GetTraceID(ctx))

	e := &entry{
		req:         req,
		state:       StatePending,
		done:        make(chan struct{}),
		stopHandler: cancel,
	}

	m.mu.Lock()
	m.entries[id] = e
	if !req.Deadline.IsZero() {
		e.expiry = time.AfterFunc(req.Deadline.Sub(req.CreatedAt), func() { m.expire(id) })
	}
	pending := m.pendingCountLocked()
	m.mu.Unlock()

	observability.RecordConfirmationRequested(m.handlerKind)
	observability.SetPendingConfirmations(pending)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("confirmation_id", id).
		Str("description", req.Description).
		Msg("Confirmation requested")

	m.wg.Add(1)
	go m.dispatch(hctx, req)

	return id, nil
}

func (m *Manager) dispatch(ctx context.Context, req Request) {
	defer m.wg.Done()

	ctx, span := tracing.StartSpan(ctx, "convoy.confirmation", "confirmation.dispatch",
		attribute.String("confirmation_id", req.ID),
		attribute.String("handler", m.handlerKind),
	)
	defer span.End()

	resp, err := m.handler.RequestConfirmation(ctx, req)
	switch {
	case errors.Is(err, ErrDeferred):
		m.logger.Debug().Str("confirmation_id", req.ID).Msg("Confirmation forwarded to channel")
		return
	case err != nil:
		if ctx.Err() != nil {
			// Resolved or shut down while the handler was still busy.
			return
		}
		tracing.FailSpan(span, err, "handler failed")
		m.logger.Warn().Err(err).Str("confirmation_id", req.ID).Msg("Confirmation handler failed, denying")
		if rerr := m.resolve(ctx, req.ID, StateDenied, "handler unavailable: "+err.Error(), "system"); rerr != nil && !errors.Is(rerr, ErrNotPending) {
			m.logger.Error().Err(rerr).Str("confirmation_id", req.ID).Msg("Failed to deny after handler error")
		}
		return
	}

	resp.RequestID = req.ID
	if err := m.Respond(resp); err != nil && !errors.Is(err, ErrNotPending) {
		m.logger.Warn().Err(err).Str("confirmation_id", req.ID).Msg("Handler response rejected")
	}
}

// expire runs when a deadline passes, whether or not anyone awaits the request.
func (m *Manager) expire(id string) {
	if err := m.resolve(context.Background(), id, StateExpired, "deadline elapsed", "system"); err != nil && !errors.Is(err, ErrNotPending) {
		m.logger.Error().Err(err).Str("confirmation_id", id).Msg("Failed to expire confirmation")
	}
}

// Respond applies a decision to a pending request.
func (m *Manager) Respond(resp Response) error {
	var state State
	switch resp.Decision {
	case DecisionApprove:
		state = StateApproved
	case DecisionDeny:
		state = StateDenied
	default:
		return fmt.Errorf("invalid decision %q", resp.Decision)
	}
	return m.resolve(context.Background(), resp.RequestID, state, resp.Reason, resp.Actor)
}

// Cancel moves a pending request to Cancelled.
func (m *Manager) Cancel(id, reason string) error {
	return m.resolve(context.Background(), id, StateCancelled, reason, "system")
}

// resolve is the single transition out of Pending.
func (m *Manager) resolve(ctx context.Context, id string, state State, reason, actor string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if e.state != StatePending {
		current := e.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, current)
	}

	now := m.now()
	e.state = state
	e.outcome = Outcome{RequestID: id, State: state, Reason: reason, Actor: actor, ResolvedAt: now}
	close(e.done)
	stopHandler := e.stopHandler
	if e.expiry != nil {
		e.expiry.Stop()
	}
	createdAt := e.req.CreatedAt
	payload := clonePayload(e.req.Payload)
	pending := m.pendingCountLocked()
	m.mu.Unlock()

	stopHandler()

	observability.RecordConfirmationResolved(m.handlerKind, string(state), now.Sub(createdAt))
	observability.SetPendingConfirmations(pending)
	observability.RecordConfirmationAudit(ctx, id, actor, string(state), payload)
	m.logger.Info().
		Str("confirmation_id", id).
		Str("state", string(state)).
		Str("actor", actor).
		Str("reason", reason).
		Msg("Confirmation resolved")
	return nil
}

// Await blocks until the request is resolved, deadline passes or ctx ends.
// A zero deadline falls back to Request.Deadline; if both are zero Await
// waits without a time limit. When the deadline passes first the request is
// moved to Expired and that outcome is returned. When ctx ends first Await
// returns ctx.Err() and leaves the request Pending.
func (m *Manager) Await(ctx context.Context, id string, deadline time.Time) (Outcome, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	// The request's own deadline is armed in Request; only a caller supplied
	// deadline needs a timer here.
	var expired <-chan time.Time
	if !deadline.IsZero() && !deadline.Equal(e.req.Deadline) {
		timer := time.NewTimer(deadline.Sub(m.now()))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-e.done:
	case <-expired:
		if err := m.resolve(ctx, id, StateExpired, "deadline elapsed", "system"); err != nil && !errors.Is(err, ErrNotPending) {
			return Outcome{}, err
		}
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return e.outcome, nil
}

// Get returns the request and its current state.
func (m *Manager) Get(id string) (Request, State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Request{}, "", false
	}
	req := e.req
	req.Payload = clonePayload(req.Payload)
	return req, e.state, true
}

// Outcome returns the terminal outcome of id, if it has one.
func (m *Manager) Outcome(id string) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.state == StatePending {
		return Outcome{}, false
	}
	return e.outcome, true
}

// Pending lists pending requests, oldest first. A non-empty sessionKey
// restricts the list to that session.
func (m *Manager) Pending(sessionKey string) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Request
	for _, e := range m.entries {
		if e.state != StatePending {
			continue
		}
		if sessionKey != "" && e.req.SessionKey != sessionKey {
			continue
		}
		req := e.req
		req.Payload = clonePayload(req.Payload)
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Prune forgets terminal requests resolved more than olderThan ago and
// returns how many were removed. Pending requests are never pruned.
func (m *Manager) Prune(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries {
		if e.state != StatePending && e.outcome.ResolvedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Close cancels every pending request and waits for handler goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	var ids []string
	for id, e := range m.entries {
		if e.state == StatePending {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Cancel(id, "shutting down")
	}
	m.stop()
	m.wg.Wait()
}

func (m *Manager) pendingCountLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.state == StatePending {
			n++
		}
	}
	return n
}

func clonePayload(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
