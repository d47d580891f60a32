// Package gateway exposes the agent to WebSocket clients: JSON-RPC
// requests in, replies and confirmation prompts pushed back as events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/harun/convoy/pkg/channels"
	"github.com/harun/convoy/pkg/confirmation"
	"github.com/harun/convoy/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Name is the channel name used in session keys ("gateway:<session id>").
const Name = "gateway"

// SecretHeader authenticates single-shot HTTP RPC calls.
const SecretHeader = "X-Convoy-Secret"

const (
	writeTimeout    = 10 * time.Second
	maxMessageBytes = 1 << 20
)

// ErrNoSubscribers is returned by Send when no connected client follows
// the session.
var ErrNoSubscribers = errors.New("no gateway client is subscribed to the session")

// Sessions is the read side of the session manager.
type Sessions interface {
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, key string) (*session.Session, bool, error)
}

// Runtime controls running conversations.
type Runtime interface {
	Abort(sessionKey string) bool
	Reset(ctx context.Context, sessionKey string) error
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address, for example ":8787" or "127.0.0.1:0".
	Addr         string
	SharedSecret string
	// TickInterval paces keep-alive events (default 30s, negative disables).
	TickInterval time.Duration

	Sessions      Sessions
	Confirmations channels.ConfirmationService
	Runtime       Runtime

	RequestsPerMinute int
	MaxConcurrent     int
	Logger            *zerolog.Logger
}

// Server is the gateway channel. It implements channels.Channel and
// confirmation.Forwarder.
type Server struct {
	cfg         Config
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	logger      zerolog.Logger
	seq         int64
	seqMu       sync.Mutex

	mu             sync.RWMutex
	dispatch       channels.DispatchFunc
	baseCtx        context.Context
	cancel         context.CancelFunc
	httpServer     *http.Server
	listener       net.Listener
	isShuttingDown bool

	inFlightReqs sync.WaitGroup
	tickWG       sync.WaitGroup
}

var (
	_ channels.Channel       = (*Server)(nil)
	_ confirmation.Forwarder = (*Server)(nil)
)

// NewServer validates cfg and registers the built-in methods.
func NewServer(cfg Config) (*Server, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	observability.EnsureRegistered()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Server{
		cfg:         cfg,
		clients:     NewClientRegistry(),
		router:      NewRPCRouter(),
		authHandler: NewAuthHandler(cfg.SharedSecret),
		logger:      logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			// Clients authenticate with the shared secret, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

func (s *Server) Name() string { return Name }

// Handler returns the HTTP routes: /ws, /rpc, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return fmt.Errorf("gateway server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.dispatch = dispatch
	s.baseCtx, s.cancel = context.WithCancel(tracing.Detach(ctx))
	s.listener = ln
	s.isShuttingDown = false
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	s.startTickEmitter(s.baseCtx)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Gateway server started")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests, closes connections and shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.httpServer, s.cancel
	if srv == nil {
		s.mu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.httpServer = nil
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.broadcast(EventMessage{
		Event:  "server.shutdown",
		Stream: StreamTypeLifecycle,
		Data:   map[string]interface{}{"message": "Server is shutting down"},
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with requests in flight")
	}

	cancel()
	s.tickWG.Wait()
	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) startTickEmitter(ctx context.Context) {
	if s.cfg.TickInterval < 0 {
		return
	}
	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broadcast(EventMessage{
					Event:  "tick",
					Stream: StreamTypeLifecycle,
					Data:   map[string]interface{}{"status": "alive"},
				})
			}
		}
	}()
}

// Send pushes a reply to every client following msg.SessionKey.
func (s *Server) Send(_ context.Context, msg channels.OutboundMessage) error {
	subs := s.clients.Subscribers(msg.SessionKey)
	if len(subs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscribers, msg.SessionKey)
	}

	evt := s.event(EventMessage{
		Event:   "chat.message",
		Stream:  StreamTypeAssistant,
		Session: msg.SessionKey,
		RunID:   msg.Metadata["run_id"],
		Data: map[string]interface{}{
			"content":  msg.Content,
			"is_error": msg.IsError,
		},
	})
	if s.deliver(subs, evt) == 0 {
		return fmt.Errorf("failed to deliver reply to %d gateway clients", len(subs))
	}
	return nil
}

// ForwardConfirmation pushes req to clients following its session, or to
// every authenticated client when nobody follows it.
func (s *Server) ForwardConfirmation(_ context.Context, req confirmation.Request) error {
	targets := s.clients.Subscribers(req.SessionKey)
	if len(targets) == 0 {
		targets = s.clients.GetAuthenticatedClients()
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscribers, req.SessionKey)
	}

	data := map[string]interface{}{
		"id":           req.ID,
		"description":  req.Description,
		"payload":      req.Payload,
		"created_at":   req.CreatedAt.UnixMilli(),
		"instructions": "call confirmations.respond with the id and a decision",
	}
	if !req.Deadline.IsZero() {
		data["expires_at"] = req.Deadline.UnixMilli()
	}
	evt := s.event(EventMessage{
		Event:   "confirmation.request",
		Stream:  StreamTypeConfirmation,
		Session: req.SessionKey,
		Data:    data,
	})
	if s.deliver(targets, evt) == 0 {
		return fmt.Errorf("failed to deliver confirmation to %d gateway clients", len(targets))
	}
	return nil
}

// ConnectedClients describes the current connections.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

// RegisterMethod adds or replaces an RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

func (s *Server) event(evt EventMessage) EventMessage {
	s.seqMu.Lock()
	s.seq++
	evt.Seq = s.seq
	s.seqMu.Unlock()
	evt.Type = "event"
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	return evt
}

func (s *Server) broadcast(evt EventMessage) {
	s.deliver(s.clients.GetAuthenticatedClients(), s.event(evt))
}

// deliver writes evt to each client and returns how many succeeded.
func (s *Server) deliver(clients []*Client, evt EventMessage) int {
	delivered := 0
	for _, client := range clients {
		if err := client.WriteJSON(evt); err != nil {
			s.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", evt.Event).
				Int64("seq", evt.Seq).
				Msg("Failed to deliver event")
			continue
		}
		delivered++
	}
	return delivered
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	shuttingDown := s.isShuttingDown || s.httpServer == nil
	s.mu.RUnlock()
	if shuttingDown {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.cfg.RequestsPerMinute, s.cfg.MaxConcurrent),
		State:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().Str("client_id", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth challenge")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}
	s.clients.locked(func() {
		client.Challenge = challenge
		client.State = StateAuthenticating
	})
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.UpdateActivity(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage processes one frame; false closes the connection.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	if allowed, reason := client.RateLimiter.Acquire(); !allowed {
		code := RateLimitExceeded
		if reason == reasonTooManyConcurrent {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return true
	}

	s.mu.RLock()
	base := s.baseCtx
	s.mu.RUnlock()
	if base == nil {
		base = context.Background()
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.RateLimiter.Release()

		ctx := withClientID(tracing.NewRequestContext(base), client.ID)
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("client_id", client.ID).
				Str("request_id", req.ID).
				Msg("Failed to send response")
		}
	}()
	return true
}

// handleRPC serves single-shot JSON-RPC calls over HTTP POST.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse("", ParseError, err.Error()))
		return
	}

	ctx := tracing.NewRequestContext(r.Context())
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("request_id", req.ID).Str("method", req.Method).Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	var result AuthResult
	s.clients.locked(func() {
		result = s.authHandler.HandleAuthResponse(client, authResp.Signature)
	})

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return false
	}

	if result.Success {
		s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
		return true
	}
	s.logger.Warn().Str("client_id", client.ID).Str("reason", result.Message).Msg("Authentication failed")
	return client.AuthAttempts < maxAuthAttempts
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, code, message)); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send error response")
	}
}
