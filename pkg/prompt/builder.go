// Package prompt assembles the message sequence sent to the model from a
// session transcript, a system preamble and the newest inbound message.
package prompt

import (
	"encoding/json"
	"fmt"

	"github.com/harun/convoy/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CostFunc estimates the model cost of one message, in tokens or any unit
// consistent with TrimPolicy.MaxCost.
type CostFunc func(session.Message) int

// TrimPolicy bounds the history that is carried into a prompt. Zero values
// disable the corresponding limit.
type TrimPolicy struct {
	// MaxTurns caps the number of history messages, preamble and incoming excluded.
	MaxTurns int
	// MaxCost caps the summed cost of the whole prompt.
	MaxCost int
	Cost    CostFunc
}

// EstimateTokens is the default CostFunc: roughly four bytes per token.
func EstimateTokens(msg session.Message) int {
	n := len(msg.Content)
	for _, call := range msg.ToolCalls {
		n += len(call.Name)
		if data, err := json.Marshal(call.Arguments); err == nil {
			n += len(data)
		}
	}
	return (n + 3) / 4
}

// Builder is stateless apart from its policy and is safe for concurrent use.
type Builder struct {
	policy TrimPolicy
	logger zerolog.Logger
}

// NewBuilder returns a Builder applying policy.
func NewBuilder(policy TrimPolicy) *Builder {
	if policy.Cost == nil {
		policy.Cost = EstimateTokens
	}
	return &Builder{
		policy: policy,
		logger: log.Logger.With().Str("component", "prompt").Logger(),
	}
}

// unit is a run of messages that is kept or dropped as a whole: a single
// message, or an assistant tool-call message with all of its results.
type unit struct {
	messages []session.Message
	system   bool
	cost     int
}

// Build returns preamble (as a system message, when non-empty), the retained
// history of sess, then incoming. Tool-call units whose results are missing
// and tool results with no matching call are left out. When a limit is
// exceeded the oldest non-system units are dropped first. The preamble and
// incoming are always kept, even if they alone exceed MaxCost.
func (b *Builder) Build(sess *session.Session, incoming session.Message, preamble string) ([]session.Message, error) {
	if incoming.Role != session.RoleUser {
		return nil, fmt.Errorf("incoming message must have role %q, got %q", session.RoleUser, incoming.Role)
	}
	if err := incoming.Validate(); err != nil {
		return nil, fmt.Errorf("incoming message: %w", err)
	}

	var history []session.Message
	key := ""
	if sess != nil {
		history = sess.Turns
		key = sess.Key
	}

	units, dropped := b.group(history)
	if dropped > 0 {
		b.logger.Warn().
			Str("session_key", key).
			Int("dropped", dropped).
			Msg("Excluded unpaired tool messages from prompt")
	}

	var fixed int
	var pre *session.Message
	if preamble != "" {
		msg := session.Message{Role: session.RoleSystem, Content: preamble}
		pre = &msg
		fixed += b.policy.Cost(msg)
	}
	fixed += b.policy.Cost(incoming)

	units = b.trim(units, fixed)

	out := make([]session.Message, 0, len(history)+2)
	if pre != nil {
		out = append(out, *pre)
	}
	for _, u := range units {
		for _, msg := range u.messages {
			out = append(out, msg.Clone())
		}
	}
	out = append(out, incoming.Clone())
	return out, nil
}

// group splits history into atomic units and reports how many messages were
// excluded because they could not be paired.
func (b *Builder) group(history []session.Message) ([]unit, int) {
	var units []unit
	dropped := 0

	for i := 0; i < len(history); i++ {
		msg := history[i]
		if msg.ExcludedFromContext() {
			continue
		}

		switch {
		case msg.Role == session.RoleTool:
			// A result not consumed by the preceding call unit.
			dropped++

		case msg.Role == session.RoleAssistant && len(msg.ToolCalls) > 0:
			want := make(map[string]bool, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				want[call.ID] = true
			}
			u := unit{messages: []session.Message{msg}}
			j := i + 1
			for ; j < len(history) && history[j].Role == session.RoleTool; j++ {
				res := history[j]
				if want[res.ToolCallID] {
					delete(want, res.ToolCallID)
					u.messages = append(u.messages, res)
				} else {
					dropped++
				}
			}
			i = j - 1
			if len(want) > 0 {
				dropped += len(u.messages)
				continue
			}
			units = append(units, b.costed(u))

		default:
			units = append(units, b.costed(unit{
				messages: []session.Message{msg},
				system:   msg.Role == session.RoleSystem,
			}))
		}
	}
	return units, dropped
}

func (b *Builder) costed(u unit) unit {
	for _, msg := range u.messages {
		u.cost += b.policy.Cost(msg)
	}
	return u
}

func (b *Builder) trim(units []unit, fixed int) []unit {
	count, cost := 0, fixed
	for _, u := range units {
		count += len(u.messages)
		cost += u.cost
	}

	over := func() bool {
		return (b.policy.MaxTurns > 0 && count > b.policy.MaxTurns) ||
			(b.policy.MaxCost > 0 && cost > b.policy.MaxCost)
	}

	kept := units
	for over() {
		idx := -1
		for i, u := range kept {
			if !u.system {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		count -= len(kept[idx].messages)
		cost -= kept[idx].cost
		next := make([]unit, 0, len(kept)-1)
		next = append(next, kept[:idx]...)
		kept = append(next, kept[idx+1:]...)
	}
	return kept
}
