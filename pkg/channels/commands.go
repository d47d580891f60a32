package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/convoy/pkg/confirmation"
)

// CommandReset clears the conversation of the current session.
const CommandReset = "/reset"

// ConfirmationService is the part of the confirmation manager chat commands use.
type ConfirmationService interface {
	Respond(resp confirmation.Response) error
	Get(id string) (confirmation.Request, confirmation.State, bool)
	Pending(sessionKey string) []confirmation.Request
}

// Commands handles chat commands before messages reach the agent.
type Commands struct {
	Confirmations ConfirmationService
	Reset         func(ctx context.Context, sessionKey string) error
}

// handle returns the reply for a command and whether msg was one.
func (c *Commands) handle(ctx context.Context, msg InboundMessage) (string, bool) {
	text := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	if c.Confirmations != nil {
		resp, ok, err := confirmation.ParseCommand(text)
		if ok {
			if err != nil {
				return err.Error(), true
			}
			return c.decide(msg, resp), true
		}
	}

	cmd, _, _ := strings.Cut(strings.ToLower(strings.Fields(text)[0]), "@")
	switch cmd {
	case CommandReset:
		if c.Reset == nil {
			return "", false
		}
		if err := c.Reset(ctx, msg.SessionKey); err != nil {
			return fmt.Sprintf("Could not reset the session: %v", err), true
		}
		return "Session cleared.", true
	case "/pending":
		if c.Confirmations == nil {
			return "", false
		}
		pending := c.Confirmations.Pending(msg.SessionKey)
		if len(pending) == 0 {
			return "Nothing is waiting for confirmation.", true
		}
		var b strings.Builder
		for _, req := range pending {
			fmt.Fprintf(&b, "%s: %s\n", req.ID, req.Description)
		}
		return strings.TrimRight(b.String(), "\n"), true
	}
	return "", false
}

func (c *Commands) decide(msg InboundMessage, resp confirmation.Response) string {
	// Requests are only answerable from the session that raised them.
	req, _, found := c.Confirmations.Get(resp.RequestID)
	if !found || req.SessionKey != msg.SessionKey {
		return fmt.Sprintf("Unknown confirmation %s.", resp.RequestID)
	}

	resp.Actor = msg.Sender
	if resp.Actor == "" {
		resp.Actor = msg.SessionKey
	}
	err := c.Confirmations.Respond(resp)
	switch {
	case errors.Is(err, confirmation.ErrNotPending):
		return fmt.Sprintf("Confirmation %s was already resolved.", resp.RequestID)
	case err != nil:
		return fmt.Sprintf("Could not record the decision: %v", err)
	case resp.Decision == confirmation.DecisionApprove:
		return fmt.Sprintf("Approved %s.", resp.RequestID)
	default:
		return fmt.Sprintf("Denied %s.", resp.RequestID)
	}
}
