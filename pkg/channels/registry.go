package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/rs/zerolog/log"
)

type queuedMessage struct {
	ctx context.Context
	msg InboundMessage
}

// Registry stores registered channels, dispatches inbound messages and
// routes replies.
//
// Channels receive Submit as their DispatchFunc: it returns at once,
// handles chat commands immediately and hands other messages to dispatch
// one at a time per session, in arrival order. Commands never wait behind
// a running iteration, so "/approve" works while the agent is blocked on it.
type Registry struct {
	dispatch DispatchFunc
	commands *Commands

	mu       sync.RWMutex
	channels map[string]Channel
	started  map[string]bool

	inboxMu sync.Mutex
	inboxes map[string][]queuedMessage
	wg      sync.WaitGroup
}

// NewRegistry constructs a channel registry. commands may be nil.
func NewRegistry(dispatch DispatchFunc, commands *Commands) *Registry {
	observability.EnsureRegistered()
	return &Registry{
		dispatch: dispatch,
		commands: commands,
		channels: make(map[string]Channel),
		started:  make(map[string]bool),
		inboxes:  make(map[string][]queuedMessage),
	}
}

// Register adds a channel to the registry.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}

	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	r.channels[name] = ch
	return nil
}

// IsRegistered returns true when channel exists in the registry.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[strings.TrimSpace(name)]
	return ok
}

// Get returns the named channel.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[strings.TrimSpace(name)]
	return ch, ok
}

// Names returns sorted registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Submit validates msg and queues it; see Registry.
func (r *Registry) Submit(ctx context.Context, msg InboundMessage) error {
	if r.dispatch == nil {
		return fmt.Errorf("dispatch function is not configured")
	}
	msg.Channel = strings.TrimSpace(msg.Channel)
	if msg.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if !r.IsRegistered(msg.Channel) {
		return fmt.Errorf("channel %q is not registered", msg.Channel)
	}
	if msg.SessionKey == "" {
		return fmt.Errorf("session key is required")
	}
	observability.RecordChannelMessage(msg.Channel, "inbound")

	if r.commands != nil && strings.HasPrefix(strings.TrimSpace(msg.Content), "/") {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if !r.runCommand(ctx, msg) {
				r.enqueue(ctx, msg)
			}
		}()
		return nil
	}

	r.enqueue(ctx, msg)
	return nil
}

// Dispatch runs msg synchronously: a command is answered, anything else
// goes straight to the dispatch function.
func (r *Registry) Dispatch(ctx context.Context, msg InboundMessage) error {
	if r.dispatch == nil {
		return fmt.Errorf("dispatch function is not configured")
	}
	if !r.IsRegistered(msg.Channel) {
		return fmt.Errorf("channel %q is not registered", msg.Channel)
	}
	if r.commands != nil && r.runCommand(ctx, msg) {
		return nil
	}
	return r.dispatch(ctx, msg)
}

func (r *Registry) runCommand(ctx context.Context, msg InboundMessage) bool {
	reply, handled := r.commands.handle(ctx, msg)
	if !handled {
		return false
	}
	if err := r.Send(ctx, OutboundMessage{Channel: msg.Channel, SessionKey: msg.SessionKey, Content: reply}); err != nil {
		log.Warn().Err(err).Str("channel", msg.Channel).Msg("Failed to send command reply")
	}
	return true
}

func (r *Registry) enqueue(ctx context.Context, msg InboundMessage) {
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()

	queue, active := r.inboxes[msg.SessionKey]
	r.inboxes[msg.SessionKey] = append(queue, queuedMessage{ctx: ctx, msg: msg})
	if active {
		return
	}
	r.wg.Add(1)
	go r.drain(msg.SessionKey)
}

// drain delivers the inbox of key until it is empty.
func (r *Registry) drain(key string) {
	defer r.wg.Done()
	for {
		r.inboxMu.Lock()
		queue := r.inboxes[key]
		if len(queue) == 0 {
			delete(r.inboxes, key)
			r.inboxMu.Unlock()
			return
		}
		next := queue[0]
		r.inboxes[key] = queue[1:]
		r.inboxMu.Unlock()

		if next.ctx.Err() != nil {
			continue
		}
		if err := r.dispatch(next.ctx, next.msg); err != nil {
			logger := tracing.LoggerFromContext(next.ctx, log.Logger)
			logger.Warn().
				Err(err).
				Str("channel", next.msg.Channel).
				Str("session_key", key).
				Msg("Dispatch failed")
		}
	}
}

// Send routes msg to its channel, taken from msg.Channel or the session key.
func (r *Registry) Send(ctx context.Context, msg OutboundMessage) error {
	name := msg.Channel
	if name == "" {
		name, _, _ = ParseSessionKey(msg.SessionKey)
	}
	ch, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("channel %q is not registered", name)
	}
	return ch.Send(ctx, msg)
}

// Wait blocks until submitted messages are processed or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartAll starts all registered channels.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.Names() {
		if err := r.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered channels.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Stop(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start starts a registered channel by name.
func (r *Registry) Start(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Start(ctx, r.Submit); err != nil {
		return fmt.Errorf("failed to start channel %q: %w", name, err)
	}

	r.mu.Lock()
	r.started[name] = true
	r.mu.Unlock()

	log.Info().Str("channel", name).Msg("Channel started")
	return nil
}

// Stop stops a started channel by name.
func (r *Registry) Stop(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if !r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", name, err)
	}

	r.mu.Lock()
	delete(r.started, name)
	r.mu.Unlock()

	return nil
}
