package confirmation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	CommandApprove = "/approve"
	CommandDeny    = "/deny"
)

// ParseCommand recognizes "/approve <id> [reason]" and "/deny <id> [reason]".
// ok is false when text is not a confirmation command at all; err is set
// when it is one but is malformed.
func ParseCommand(text string) (resp Response, ok bool, err error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Response{}, false, nil
	}

	// Telegram appends the bot name in groups: /approve@convoy_bot
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	switch cmd {
	case CommandApprove:
		resp.Decision = DecisionApprove
	case CommandDeny:
		resp.Decision = DecisionDeny
	default:
		return Response{}, false, nil
	}

	if len(fields) < 2 {
		return Response{}, true, fmt.Errorf("usage: %s <id> [reason]", cmd)
	}
	resp.RequestID = fields[1]
	resp.Reason = strings.Join(fields[2:], " ")
	return resp, true, nil
}

// FormatRequest renders req for humans, ending with a newline.
func FormatRequest(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  ID:       %s\n", req.ID)
	fmt.Fprintf(&b, "  Action:   %s\n", req.Description)
	if req.SessionKey != "" {
		fmt.Fprintf(&b, "  Session:  %s\n", req.SessionKey)
	}
	if !req.Deadline.IsZero() {
		fmt.Fprintf(&b, "  Expires:  %s\n", req.Deadline.Format(time.RFC3339))
	}
	if len(req.Payload) > 0 {
		keys := make([]string, 0, len(req.Payload))
		for k := range req.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("  Details:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s: %v\n", k, req.Payload[k])
		}
	}
	return b.String()
}

// Instructions tells a chat user how to answer req.
func Instructions(req Request) string {
	return fmt.Sprintf("Reply %s %s or %s %s [reason]", CommandApprove, req.ID, CommandDeny, req.ID)
}
