package session

import "fmt"

// ValidateAppend checks that next may follow the existing turns. A tool turn
// must answer a tool call from the latest assistant turn that has not been
// answered yet.
func ValidateAppend(turns []Message, next Message) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTurn, err)
	}
	if next.Role != RoleTool {
		return nil
	}

	answered := map[string]bool{}
	for i := len(turns) - 1; i >= 0; i-- {
		turn := turns[i]
		if turn.Role == RoleTool {
			answered[turn.ToolCallID] = true
			continue
		}
		if turn.Role != RoleAssistant {
			break
		}
		for _, call := range turn.ToolCalls {
			if call.ID == next.ToolCallID {
				if answered[call.ID] {
					return fmt.Errorf("%w: %s already answered", ErrUnpairedToolResult, call.ID)
				}
				return nil
			}
		}
		break
	}
	return fmt.Errorf("%w: %s", ErrUnpairedToolResult, next.ToolCallID)
}

// ValidatePairing checks a complete message sequence: every assistant tool
// call is followed by exactly one result before the next non-tool turn, and
// every tool result answers such a call.
func ValidatePairing(messages []Message) error {
	pending := map[string]bool{}
	flush := func() error {
		for id := range pending {
			return fmt.Errorf("%w: %s", ErrUnpairedToolCall, id)
		}
		return nil
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			if !pending[msg.ToolCallID] {
				return fmt.Errorf("%w: %s", ErrUnpairedToolResult, msg.ToolCallID)
			}
			delete(pending, msg.ToolCallID)
		default:
			if err := flush(); err != nil {
				return err
			}
			if msg.Role == RoleAssistant {
				for _, call := range msg.ToolCalls {
					pending[call.ID] = true
				}
			}
		}
	}
	return flush()
}
