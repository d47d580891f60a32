package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const maxKeyLength = 512

// ManagerOptions tunes a Manager.
type ManagerOptions struct {
	Logger *zerolog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager is the only component that touches session storage. It serializes
// mutations per key and hands out copies, never shared state.
type Manager struct {
	store   Store
	backend string
	logger  zerolog.Logger
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager wraps store.
func NewManager(store Store, opts ManagerOptions) *Manager {
	observability.EnsureRegistered()

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		store:   store,
		backend: backendName(store),
		logger:  logger.With().Str("component", "session").Logger(),
		now:     now,
		locks:   make(map[string]*keyLock),
	}
	m.refreshActiveSessions(context.Background())
	return m
}

// ValidateKey rejects keys no backend can hold.
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case len(key) > maxKeyLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, maxKeyLength)
	case strings.ContainsRune(key, 0):
		return fmt.Errorf("%w: contains NUL", ErrInvalidKey)
	}
	return nil
}

// lock acquires the per-key mutex and returns its release func. Entries are
// reference counted so idle keys do not accumulate.
func (m *Manager) lock(key string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.locksMu.Unlock()
	}
}

func (m *Manager) opLogger(ctx context.Context, key string) zerolog.Logger {
	return tracing.LoggerFromContext(ctx, m.logger).With().Str("session_key", key).Logger()
}

func (m *Manager) read(ctx context.Context, key string) (*Session, error) {
	start := time.Now()
	sess, err := m.store.Read(ctx, key)
	observability.RecordSessionLoad(time.Since(start))
	if err != nil && !errors.Is(err, ErrNotFound) {
		observability.RecordSessionStoreError(m.backend, "read")
	}
	return sess, err
}

func (m *Manager) write(ctx context.Context, sess *Session) error {
	start := time.Now()
	err := m.store.Write(ctx, sess)
	observability.RecordSessionSave(time.Since(start))
	if err != nil {
		observability.RecordSessionStoreError(m.backend, "write")
	}
	return err
}

func (m *Manager) newSession(key string) *Session {
	now := m.now()
	return &Session{
		Key:       key,
		Turns:     []Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{},
	}
}

// GetOrCreate returns the session for key, creating and persisting an empty
// one when none exists.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "convoy.session", "session.get_or_create", attribute.String("session_key", key))
	defer span.End()
	logger := m.opLogger(ctx, key)

	unlock := m.lock(key)
	defer unlock()

	sess, err := m.read(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		tracing.FailSpan(span, err, "read failed")
		return nil, err
	}

	sess = m.newSession(key)
	if err := m.write(ctx, sess); err != nil {
		tracing.FailSpan(span, err, "create failed")
		logger.Error().Err(err).Msg("Failed to create session")
		return nil, err
	}

	logger.Debug().Msg("Session created")
	m.refreshActiveSessions(ctx)
	return sess.Clone(), nil
}

// AppendTurn appends turn to the session for key, creating the session when
// needed, and returns the turn as persisted. When the store rejects the write
// the prior state is left untouched and the error is returned.
func (m *Manager) AppendTurn(ctx context.Context, key string, turn Message) (Message, error) {
	if err := ValidateKey(key); err != nil {
		return Message{}, err
	}
	ctx, span := tracing.StartSpan(ctx, "convoy.session", "session.append_turn",
		attribute.String("session_key", key),
		attribute.String("role", string(turn.Role)),
	)
	defer span.End()
	logger := m.opLogger(ctx, key)

	unlock := m.lock(key)
	defer unlock()

	sess, err := m.read(ctx, key)
	created := false
	switch {
	case errors.Is(err, ErrNotFound):
		sess = m.newSession(key)
		created = true
	case err != nil:
		tracing.FailSpan(span, err, "read failed")
		return Message{}, err
	}

	if err := ValidateAppend(sess.Turns, turn); err != nil {
		tracing.FailSpan(span, err, "turn rejected")
		logger.Warn().Err(err).Str("role", string(turn.Role)).Msg("Rejected turn")
		return Message{}, err
	}

	stored := turn.Clone()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = m.now()
	}

	next := sess.Clone()
	next.Turns = append(next.Turns, stored)
	next.UpdatedAt = m.now()

	if err := m.write(ctx, next); err != nil {
		tracing.FailSpan(span, err, "write failed")
		logger.Error().Err(err).Msg("Failed to append turn")
		return Message{}, err
	}

	logger.Debug().
		Str("role", string(stored.Role)).
		Int("turns", len(next.Turns)).
		Msg("Turn appended")
	if created {
		m.refreshActiveSessions(ctx)
	}
	return stored.Clone(), nil
}

// Load returns the session for key; ok is false when it does not exist.
func (m *Manager) Load(ctx context.Context, key string) (*Session, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	ctx, span := tracing.StartSpan(ctx, "convoy.session", "session.load", attribute.String("session_key", key))
	defer span.End()

	sess, err := m.read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		tracing.FailSpan(span, err, "read failed")
		return nil, false, err
	}
	return sess, true, nil
}

// SetMetadata merges values into the session metadata.
func (m *Manager) SetMetadata(ctx context.Context, key string, values map[string]string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	unlock := m.lock(key)
	defer unlock()

	sess, err := m.read(ctx, key)
	if err != nil {
		return err
	}
	next := sess.Clone()
	if next.Metadata == nil {
		next.Metadata = map[string]string{}
	}
	for k, v := range values {
		next.Metadata[k] = v
	}
	next.UpdatedAt = m.now()
	return m.write(ctx, next)
}

// Delete removes the session for key.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "convoy.session", "session.delete", attribute.String("session_key", key))
	defer span.End()

	unlock := m.lock(key)
	defer unlock()

	if err := m.store.Delete(ctx, key); err != nil {
		observability.RecordSessionStoreError(m.backend, "delete")
		tracing.FailSpan(span, err, "delete failed")
		return err
	}
	logger := m.opLogger(ctx, key)
	logger.Info().Msg("Session deleted")
	m.refreshActiveSessions(ctx)
	return nil
}

// DeleteIfIdle removes the session for key when it has not been updated
// since cutoff. It reports whether the session was removed.
func (m *Manager) DeleteIfIdle(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	unlock := m.lock(key)
	defer unlock()

	sess, err := m.read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sess.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	if err := m.store.Delete(ctx, key); err != nil {
		observability.RecordSessionStoreError(m.backend, "delete")
		return false, err
	}
	return true, nil
}

// List returns every stored session key, sorted.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	keys, err := m.store.List(ctx)
	if err != nil {
		observability.RecordSessionStoreError(m.backend, "list")
	}
	return keys, err
}

// Backend names the store in use.
func (m *Manager) Backend() string { return m.backend }

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) refreshActiveSessions(ctx context.Context) {
	keys, err := m.store.List(ctx)
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(keys))
}
