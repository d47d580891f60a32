package confirmation

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a request.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateDenied    State = "denied"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s != StatePending
}

// Decision is the answer carried by a Response.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ParseDecision accepts approve/deny and the common short forms.
func ParseDecision(value string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approve", "approved", "allow", "yes", "y", "a":
		return DecisionApprove, nil
	case "deny", "denied", "reject", "no", "n", "d":
		return DecisionDeny, nil
	default:
		return "", fmt.Errorf("invalid decision %q", value)
	}
}

// Request describes an action awaiting a decision.
type Request struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	SessionKey  string                 `json:"session_key,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	// Deadline is the default expiry used by Await when none is given.
	Deadline time.Time `json:"deadline,omitempty"`
}

// Response is a decision submitted for a request.
type Response struct {
	RequestID string   `json:"request_id"`
	Decision  Decision `json:"decision"`
	Reason    string   `json:"reason,omitempty"`
	// Actor identifies who decided, for example a chat username.
	Actor string `json:"actor,omitempty"`
}

// Outcome is the terminal result of a request.
type Outcome struct {
	RequestID  string    `json:"request_id"`
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Approved reports whether the gated action may proceed.
func (o Outcome) Approved() bool {
	return o.State == StateApproved
}

// Err maps a non-approved outcome to its sentinel error.
func (o Outcome) Err() error {
	switch o.State {
	case StateApproved:
		return nil
	case StateDenied:
		return ErrDenied
	case StateExpired:
		return ErrExpired
	case StateCancelled:
		return ErrCancelled
	default:
		return ErrNotPending
	}
}
