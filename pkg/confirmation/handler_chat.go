package confirmation

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Forwarder delivers a pending request to a chat surface.
type Forwarder interface {
	ForwardConfirmation(ctx context.Context, req Request) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, req Request) error

func (f ForwarderFunc) ForwardConfirmation(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// ChatHandler forwards requests and defers the decision to Manager.Respond.
type ChatHandler struct {
	forwarder Forwarder
}

func NewChatHandler(forwarder Forwarder) *ChatHandler {
	return &ChatHandler{forwarder: forwarder}
}

func (h *ChatHandler) Kind() Kind { return KindChat }

func (h *ChatHandler) RequestConfirmation(ctx context.Context, req Request) (Response, error) {
	if h.forwarder == nil {
		return Response{}, fmt.Errorf("confirmation forwarder is not configured")
	}
	if err := h.forwarder.ForwardConfirmation(ctx, req); err != nil {
		return Response{}, fmt.Errorf("forward confirmation: %w", err)
	}
	return Response{}, ErrDeferred
}

// Router picks a forwarder by the channel prefix of the request's session
// key ("telegram:42" routes to "telegram").
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Forwarder
	fallback Forwarder
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]Forwarder)}
}

// Route registers f for sessions of channel.
func (r *Router) Route(channel string, f Forwarder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[channel] = f
}

// Fallback handles requests whose channel has no route.
func (r *Router) Fallback(f Forwarder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = f
}

func (r *Router) ForwardConfirmation(ctx context.Context, req Request) error {
	channel, _, _ := strings.Cut(req.SessionKey, ":")

	r.mu.RLock()
	f, ok := r.routes[channel]
	if !ok {
		f = r.fallback
	}
	r.mu.RUnlock()

	if f == nil {
		return fmt.Errorf("no confirmation route for channel %q", channel)
	}
	return f.ForwardConfirmation(ctx, req)
}
