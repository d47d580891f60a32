package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Error codes. The -32xxx range below -32000 is reserved by JSON-RPC; the
// -3200x codes are gateway specific.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	AuthenticationRequired = -32001
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
)

// RPCRequest is one client call. A request that repeats an earlier
// IdempotencyKey for the same method is answered from the replay cache.
type RPCRequest struct {
	JSONRPC        string                 `json:"jsonrpc"`
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// RPCResponse carries either Result or Error.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// StreamType groups pushed events: agent replies, confirmation prompts and
// connection lifecycle (ticks, shutdown).
type StreamType string

const (
	StreamTypeAssistant    StreamType = "assistant"
	StreamTypeConfirmation StreamType = "confirmation"
	StreamTypeLifecycle    StreamType = "lifecycle"
)

// EventMessage is pushed without a request. Seq increases across the whole
// server so clients can spot gaps after a reconnect.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Stream    StreamType  `json:"stream,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Session   string      `json:"session_key,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// AuthChallenge is the first frame on every connection.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse answers the challenge with hex HMAC-SHA256(secret, challenge).
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientState tracks a connection through the handshake.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
)

// Client is one websocket connection.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	IPAddress    string
	ConnectedAt  time.Time
	LastActivity time.Time

	State         ClientState
	Authenticated bool
	Challenge     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter

	// gorilla connections allow one concurrent writer.
	writeMu sync.Mutex
}

// WriteJSON serializes writes to the connection.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteJSON(v)
}

// ClientInfo is the gateway.clients view of a connection.
type ClientInfo struct {
	ID            string    `json:"id"`
	IPAddress     string    `json:"ip_address"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	Idle          bool      `json:"idle"`
	Sessions      []string  `json:"sessions,omitempty"`
}
