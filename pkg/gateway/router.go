package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/convoy/internal/observability"
)

const (
	jsonRPCVersion = "2.0"
	replayTTL      = 5 * time.Minute
)

// RequestHandler serves one RPC method. Returning an *RPCError picks the
// error code; any other error is reported as InternalError.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPCRouter maps method names to handlers. A retried request with the same
// idempotency key gets the first answer back instead of running twice, so a
// client that lost its connection can resend chat.send safely.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replays *replayCache
}

func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replays: newReplayCache(replayTTL),
	}
}

// RegisterMethod adds or replaces the handler for name.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("method name is required")
	}
	if handler == nil {
		return fmt.Errorf("method %s: handler cannot be nil", name)
	}

	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Methods lists the registered method names, sorted.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *RPCRouter) lookup(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.methods[name]
	return handler, ok
}

// ParseRequest decodes one request frame. A missing jsonrpc field is read
// as 2.0; any other version is refused.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	case req.JSONRPC == "":
		req.JSONRPC = jsonRPCVersion
	case req.JSONRPC != jsonRPCVersion:
		return nil, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("Invalid request: unsupported jsonrpc version %q", req.JSONRPC)}
	}
	return &req, nil
}

// RouteRequest runs the handler for req and always returns a response.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", InvalidRequest, "invalid request")
	}

	handler, ok := r.lookup(req.Method)
	if !ok {
		observability.RecordGatewayRequest("unknown", "error")
		return errorResponse(req.ID, MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}

	var replayKey string
	if req.IdempotencyKey != "" {
		replayKey = req.Method + ":" + req.IdempotencyKey
		if resp, ok := r.replays.get(replayKey); ok {
			resp.ID = req.ID
			observability.RecordGatewayRequest(req.Method, "replayed")
			return resp
		}
	}

	resp := invoke(ctx, handler, req)
	if resp.Error != nil {
		observability.RecordGatewayRequest(req.Method, "error")
	} else {
		observability.RecordGatewayRequest(req.Method, "ok")
	}

	if replayKey != "" {
		r.replays.put(replayKey, resp)
	}
	return resp
}

// invoke turns a handler panic into an InternalError response so one bad
// method cannot take the connection down.
func invoke(ctx context.Context, handler RequestHandler, req *RPCRequest) (resp *RPCResponse) {
	defer func() {
		if p := recover(); p != nil {
			resp = errorResponse(req.ID, InternalError, fmt.Sprintf("method %s panicked: %v", req.Method, p))
		}
	}()

	result, err := handler(ctx, req.Params)
	if err == nil {
		return &RPCResponse{ID: req.ID, JSONRPC: jsonRPCVersion, Result: result}
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
	}
	return &RPCResponse{ID: req.ID, JSONRPC: jsonRPCVersion, Error: rpcErr}
}

func errorResponse(id string, code int, message string) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: jsonRPCVersion, Error: &RPCError{Code: code, Message: message}}
}

// replayCache remembers responses by method and idempotency key.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]replayEntry
}

type replayEntry struct {
	resp    RPCResponse
	expires time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{ttl: ttl, now: time.Now, entries: make(map[string]replayEntry)}
}

func (c *replayCache) get(key string) (*RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return copyResponse(entry.resp), true
}

// put stores resp and drops expired entries on the way.
func (c *replayCache) put(key string, resp *RPCResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = replayEntry{resp: *copyResponse(*resp), expires: now.Add(c.ttl)}
}

func copyResponse(resp RPCResponse) *RPCResponse {
	if resp.Error != nil {
		errCopy := *resp.Error
		resp.Error = &errCopy
	}
	return &resp
}
