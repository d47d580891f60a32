package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/convoy/pkg/channels"
	"github.com/harun/convoy/pkg/confirmation"
)

func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.router.RegisterMethod("chat.subscribe", s.handleChatSubscribe)
	_ = s.router.RegisterMethod("agent.abort", s.handleAgentAbort)
	_ = s.router.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.router.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.router.RegisterMethod("sessions.reset", s.handleSessionsReset)
	_ = s.router.RegisterMethod("confirmations.pending", s.handleConfirmationsPending)
	_ = s.router.RegisterMethod("confirmations.respond", s.handleConfirmationsRespond)
	_ = s.router.RegisterMethod("gateway.clients", func(context.Context, map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"clients": s.ConnectedClients()}, nil
	})
}

func stringParam(params map[string]interface{}, name string, required bool) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s is required", name)}
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s must be a string", name)}
	}
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s is required", name)}
	}
	return value, nil
}

// sessionParam resolves "sessionId" to a gateway session key.
func sessionParam(params map[string]interface{}) (string, error) {
	id, err := stringParam(params, "sessionId", true)
	if err != nil {
		return "", err
	}
	if strings.ContainsAny(id, ":\x00") {
		return "", &RPCError{Code: InvalidParams, Message: "sessionId must not contain ':'"}
	}
	return channels.SessionKey(Name, id), nil
}

type clientIDKey struct{}

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// clientIDFromContext is empty for HTTP RPC calls.
func clientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}

func requireClient(ctx context.Context, method string) (string, error) {
	clientID := clientIDFromContext(ctx)
	if clientID == "" {
		return "", &RPCError{Code: InvalidRequest, Message: method + " requires a websocket connection"}
	}
	return clientID, nil
}

// handleChatSend subscribes the caller to the session and hands the
// message to the runtime. The reply arrives later as a chat.message event.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	clientID, err := requireClient(ctx, "chat.send")
	if err != nil {
		return nil, err
	}
	key, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	content, err := stringParam(params, "content", true)
	if err != nil {
		return nil, err
	}
	messageID, err := stringParam(params, "messageId", false)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	dispatch := s.dispatch
	s.mu.RUnlock()
	if dispatch == nil {
		return nil, fmt.Errorf("gateway is not started")
	}

	s.clients.Subscribe(clientID, key)
	err = dispatch(ctx, channels.InboundMessage{
		Channel:    Name,
		SessionKey: key,
		Content:    content,
		MessageID:  messageID,
		Sender:     clientID,
		Metadata:   map[string]string{"client_id": clientID},
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"accepted": true, "session_key": key}, nil
}

func (s *Server) handleChatSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	clientID, err := requireClient(ctx, "chat.subscribe")
	if err != nil {
		return nil, err
	}
	key, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	s.clients.Subscribe(clientID, key)
	return map[string]interface{}{"session_key": key}, nil
}

func (s *Server) handleAgentAbort(_ context.Context, params map[string]interface{}) (interface{}, error) {
	if s.cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is not configured")
	}
	key, err := stringParam(params, "sessionKey", true)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"aborted": s.cfg.Runtime.Abort(key)}, nil
}

func (s *Server) handleSessionsReset(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is not configured")
	}
	key, err := stringParam(params, "sessionKey", true)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Runtime.Reset(ctx, key); err != nil {
		return nil, err
	}
	return map[string]interface{}{"reset": true}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if s.cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions are not configured")
	}
	keys, err := s.cfg.Sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return map[string]interface{}{"sessions": keys}, nil
}

func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions are not configured")
	}
	key, err := stringParam(params, "sessionKey", true)
	if err != nil {
		return nil, err
	}
	sess, ok, err := s.cfg.Sessions.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("session %q not found", key)}
	}
	return sess, nil
}

func (s *Server) handleConfirmationsPending(_ context.Context, params map[string]interface{}) (interface{}, error) {
	if s.cfg.Confirmations == nil {
		return nil, fmt.Errorf("confirmations are not configured")
	}
	key, err := stringParam(params, "sessionKey", false)
	if err != nil {
		return nil, err
	}
	pending := s.cfg.Confirmations.Pending(key)
	if pending == nil {
		pending = []confirmation.Request{}
	}
	return map[string]interface{}{"pending": pending}, nil
}

func (s *Server) handleConfirmationsRespond(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.cfg.Confirmations == nil {
		return nil, fmt.Errorf("confirmations are not configured")
	}
	id, err := stringParam(params, "id", true)
	if err != nil {
		return nil, err
	}
	rawDecision, err := stringParam(params, "decision", true)
	if err != nil {
		return nil, err
	}
	decision, err := confirmation.ParseDecision(rawDecision)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	reason, err := stringParam(params, "reason", false)
	if err != nil {
		return nil, err
	}

	actor := Name
	if clientID := clientIDFromContext(ctx); clientID != "" {
		actor = Name + ":" + clientID
	}
	if err := s.cfg.Confirmations.Respond(confirmation.Response{
		RequestID: id,
		Decision:  decision,
		Reason:    reason,
		Actor:     actor,
	}); err != nil {
		return nil, err
	}

	result := map[string]interface{}{"id": id}
	if _, state, ok := s.cfg.Confirmations.Get(id); ok {
		result["state"] = state
	}
	return result, nil
}
