package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/harun/convoy/pkg/commandqueue"
	"github.com/harun/convoy/pkg/confirmation"
	"github.com/harun/convoy/pkg/prompt"
	"github.com/harun/convoy/pkg/session"
	"github.com/harun/convoy/pkg/skills"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrMaxIterations is recorded on the final turn of a run cut off by the iteration limit.
	ErrMaxIterations = errors.New("maximum iterations reached")
	// ErrInvalidInbound rejects messages without a usable session key or content.
	ErrInvalidInbound = errors.New("invalid inbound message")
)

const (
	defaultMaxIterations = 10
	defaultSystemPrompt  = "You are a helpful assistant."

	modelFailureReply = "Sorry, I could not get a response from the model right now. Please try again in a moment."
	internalErrReply  = "Sorry, something went wrong while handling your message."
)

// Settings are the per-deployment model and loop parameters.
type Settings struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	// MaxIterations bounds model calls per inbound message.
	MaxIterations int
	// ConfirmationTimeout sets the deadline of each gated call; zero leaves
	// it to the confirmation manager's default.
	ConfirmationTimeout time.Duration
}

// Config holds loop dependencies.
type Config struct {
	Sessions      *session.Manager
	Confirmations *confirmation.Manager
	Skills        *skills.Registry
	Client        ModelClient
	Queue         *commandqueue.CommandQueue
	// Builder defaults to an untrimmed prompt.Builder.
	Builder *prompt.Builder
	// Gate defaults to the registry's RequiresConfirmation flags.
	Gate     GatePolicy
	Settings Settings
	Logger   *zerolog.Logger
	Now      func() time.Time
}

// Inbound is a user message arriving from a channel.
type Inbound struct {
	Channel    string
	SessionKey string
	Content    string
	// MessageID, when set, makes redelivered messages return the first result.
	MessageID string
	Metadata  map[string]string
}

// Outbound is the reply for an Inbound.
type Outbound struct {
	Channel    string
	SessionKey string
	Content    string
	IsError    bool
	Metadata   map[string]string
}

// Sender delivers replies back to a channel.
type Sender interface {
	Send(ctx context.Context, out Outbound) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, out Outbound) error

func (f SenderFunc) Send(ctx context.Context, out Outbound) error { return f(ctx, out) }

// Loop drives the model/tool cycle for every session.
type Loop struct {
	sessions      *session.Manager
	confirmations *confirmation.Manager
	skills        *skills.Registry
	client        ModelClient
	queue         *commandqueue.CommandQueue
	builder       *prompt.Builder
	gate          GatePolicy
	settings      Settings
	logger        zerolog.Logger
	now           func() time.Time

	runsMu     sync.Mutex
	activeRuns map[string]context.CancelFunc
}

// NewLoop validates cfg and returns a Loop.
func NewLoop(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Confirmations == nil {
		return nil, fmt.Errorf("confirmation manager is required")
	}
	if cfg.Skills == nil {
		return nil, fmt.Errorf("skills registry is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}

	settings := cfg.Settings
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = defaultMaxIterations
	}
	if settings.SystemPrompt == "" {
		settings.SystemPrompt = defaultSystemPrompt
	}
	if settings.Temperature < 0 || settings.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if settings.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	}

	builder := cfg.Builder
	if builder == nil {
		builder = prompt.NewBuilder(prompt.TrimPolicy{})
	}
	gate := cfg.Gate
	if gate == nil {
		gate = NewStaticGatePolicy(nil, cfg.Skills)
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Loop{
		sessions:      cfg.Sessions,
		confirmations: cfg.Confirmations,
		skills:        cfg.Skills,
		client:        cfg.Client,
		queue:         cfg.Queue,
		builder:       builder,
		gate:          gate,
		settings:      settings,
		logger:        logger.With().Str("component", "agent").Logger(),
		now:           now,
		activeRuns:    make(map[string]context.CancelFunc),
	}, nil
}

func lane(sessionKey string) string { return "session:" + sessionKey }

// Handle runs one iteration for in and returns the final reply. Iterations
// for the same session run one at a time, in arrival order.
func (l *Loop) Handle(ctx context.Context, in Inbound) (Outbound, error) {
	if err := session.ValidateKey(in.SessionKey); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrInvalidInbound, err)
	}
	if strings.TrimSpace(in.Content) == "" {
		return Outbound{}, fmt.Errorf("%w: empty content", ErrInvalidInbound)
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.NewRunContext(ctx, in.Channel, in.SessionKey)
	ctx, span := tracing.StartSpan(ctx, "convoy.agent", "agent.handle",
		attribute.String("session_key", in.SessionKey),
		attribute.String("channel", in.Channel),
	)
	defer span.End()

	result, err := l.queue.EnqueueOnce(ctx, lane(in.SessionKey), in.MessageID, func(taskCtx context.Context) (interface{}, error) {
		return l.iterate(taskCtx, in)
	})
	if err != nil {
		tracing.FailSpan(span, err, "iteration failed")
		return Outbound{}, err
	}
	return result.(Outbound), nil
}

// Process handles in and delivers the reply through sender. Failures to
// deliver are recorded on the session as an error turn kept out of prompts.
func (l *Loop) Process(ctx context.Context, in Inbound, sender Sender) error {
	logger := tracing.LoggerFromContext(ctx, l.logger).With().Str("session_key", in.SessionKey).Logger()

	out, err := l.Handle(ctx, in)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("Iteration aborted")
			return nil
		}
		logger.Error().Err(err).Msg("Iteration failed")
		out = Outbound{Channel: in.Channel, SessionKey: in.SessionKey, Content: internalErrReply, IsError: true}
	}

	if sendErr := sender.Send(ctx, out); sendErr != nil {
		observability.RecordDeliveryFailure(in.Channel)
		logger.Error().Err(sendErr).Str("channel", in.Channel).Msg("Failed to deliver reply")
		l.recordDeliveryFailure(ctx, in, sendErr)
		return fmt.Errorf("deliver reply: %w", sendErr)
	}
	observability.RecordChannelMessage(in.Channel, "outbound")
	return err
}

func (l *Loop) recordDeliveryFailure(ctx context.Context, in Inbound, sendErr error) {
	if session.ValidateKey(in.SessionKey) != nil {
		return
	}
	ctx = tracing.Detach(ctx)
	_, err := l.queue.Enqueue(ctx, lane(in.SessionKey), func(taskCtx context.Context) (interface{}, error) {
		return l.sessions.AppendTurn(taskCtx, in.SessionKey, session.Message{
			Role:    session.RoleAssistant,
			Content: "Delivery of the previous reply failed.",
			Metadata: map[string]string{
				session.MetaError:              sendErr.Error(),
				session.MetaExcludeFromContext: "true",
				session.MetaChannel:            in.Channel,
			},
		})
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, l.logger)
		logger.Warn().Err(err).Msg("Failed to record delivery failure")
	}
}

// Abort cancels the in-flight iteration of sessionKey. Pending
// confirmations of that iteration are cancelled with it.
func (l *Loop) Abort(sessionKey string) bool {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()

	cancel, exists := l.activeRuns[sessionKey]
	if !exists {
		l.logger.Debug().Str("session_key", sessionKey).Msg("No active run to abort")
		return false
	}
	l.logger.Info().Str("session_key", sessionKey).Msg("Aborting agent iteration")
	cancel()
	delete(l.activeRuns, sessionKey)
	return true
}

// IsRunning reports whether an iteration is in flight for sessionKey.
func (l *Loop) IsRunning(sessionKey string) bool {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()
	_, exists := l.activeRuns[sessionKey]
	return exists
}

// Reset aborts any iteration for sessionKey and deletes its transcript.
func (l *Loop) Reset(ctx context.Context, sessionKey string) error {
	if err := session.ValidateKey(sessionKey); err != nil {
		return err
	}
	l.Abort(sessionKey)
	for _, req := range l.confirmations.Pending(sessionKey) {
		_ = l.confirmations.Cancel(req.ID, "session reset")
	}
	_, err := l.queue.Enqueue(ctx, lane(sessionKey), func(taskCtx context.Context) (interface{}, error) {
		err := l.sessions.Delete(taskCtx, sessionKey)
		if errors.Is(err, session.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	})
	return err
}

func (l *Loop) register(key string, cancel context.CancelFunc) {
	l.runsMu.Lock()
	l.activeRuns[key] = cancel
	l.runsMu.Unlock()
}

func (l *Loop) unregister(key string) {
	l.runsMu.Lock()
	delete(l.activeRuns, key)
	l.runsMu.Unlock()
}

func (l *Loop) iterate(ctx context.Context, in Inbound) (Outbound, error) {
	key := in.SessionKey
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.register(key, cancel)
	defer l.unregister(key)

	logger := tracing.LoggerFromContext(ctx, l.logger)
	start := l.now()
	logger.Debug().Msg("Iteration started")

	sess, err := l.sessions.GetOrCreate(ctx, key)
	if err != nil {
		return Outbound{}, fmt.Errorf("load session: %w", err)
	}
	if in.Channel != "" && sess.Metadata[session.MetaChannel] != in.Channel {
		if err := l.sessions.SetMetadata(ctx, key, map[string]string{session.MetaChannel: in.Channel}); err != nil {
			logger.Warn().Err(err).Msg("Failed to record session channel")
		}
	}

	userTurn := session.Message{Role: session.RoleUser, Content: in.Content, Metadata: copyMeta(in.Metadata)}
	if in.Channel != "" {
		if userTurn.Metadata == nil {
			userTurn.Metadata = map[string]string{}
		}
		userTurn.Metadata[session.MetaChannel] = in.Channel
	}

	messages, err := l.builder.Build(sess, userTurn, l.settings.SystemPrompt)
	if err != nil {
		return Outbound{}, fmt.Errorf("build prompt: %w", err)
	}
	if _, err := l.sessions.AppendTurn(ctx, key, userTurn); err != nil {
		return Outbound{}, fmt.Errorf("persist user turn: %w", err)
	}

	tools := l.skills.Specs()
	for iteration := 1; iteration <= l.settings.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return Outbound{}, err
		}

		resp, err := l.client.Complete(ctx, ModelRequest{
			Model:       l.settings.Model,
			Messages:    messages,
			Tools:       tools,
			Temperature: l.settings.Temperature,
			MaxTokens:   l.settings.MaxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Outbound{}, ctx.Err()
			}
			observability.RecordAgentIteration("error")
			logger.Error().Err(err).Int("iteration", iteration).Msg("Model call failed")
			return l.modelFailure(ctx, in, err), nil
		}

		if len(resp.ToolCalls) == 0 {
			observability.RecordAgentIteration("final")
			out, err := l.finish(ctx, in, resp.Content, nil)
			if err == nil {
				logger.Info().Int("iterations", iteration).Dur("duration", l.now().Sub(start)).Msg("Iteration completed")
			}
			return out, err
		}

		observability.RecordAgentIteration("tool_calls")
		assistant := session.Message{
			Role:      session.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: normalizeCalls(resp.ToolCalls),
		}
		if _, err := l.sessions.AppendTurn(ctx, key, assistant); err != nil {
			return Outbound{}, fmt.Errorf("persist assistant turn: %w", err)
		}
		messages = append(messages, assistant)

		for i, call := range assistant.ToolCalls {
			result, err := l.invoke(ctx, key, call)
			if err != nil {
				l.abandon(ctx, key, assistant.ToolCalls[i:])
				return Outbound{}, err
			}
			if err := ctx.Err(); err != nil {
				// The tool ran; its real result goes on record before the
				// remaining calls are closed out.
				if _, perr := l.sessions.AppendTurn(tracing.Detach(ctx), key, result); perr != nil {
					logger := tracing.LoggerFromContext(ctx, l.logger)
					logger.Warn().Err(perr).Str("tool", call.Name).Msg("Failed to record tool result after cancel")
				}
				l.abandon(ctx, key, assistant.ToolCalls[i+1:])
				return Outbound{}, err
			}
			if _, err := l.sessions.AppendTurn(ctx, key, result); err != nil {
				return Outbound{}, fmt.Errorf("persist tool result: %w", err)
			}
			messages = append(messages, result)
		}
	}

	observability.RecordAgentIteration("limit")
	logger.Warn().Int("max_iterations", l.settings.MaxIterations).Msg("Iteration limit reached")
	note := fmt.Sprintf("I stopped after %d steps without reaching an answer. Ask me to continue if you want me to keep going.", l.settings.MaxIterations)
	return l.finish(ctx, in, note, map[string]string{session.MetaError: ErrMaxIterations.Error()})
}

// invoke produces the tool result for call. The returned error is non-nil
// only when ctx ended; every other failure becomes an error result.
func (l *Loop) invoke(ctx context.Context, key string, call session.ToolCall) (session.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "convoy.agent", "agent.tool_call",
		attribute.String("tool", call.Name),
		attribute.String("tool_call_id", call.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger).With().Str("tool", call.Name).Logger()

	result := session.Message{Role: session.RoleTool, ToolCallID: call.ID, ToolName: call.Name}
	actor := "agent"

	if l.gate.IsGated(call) {
		outcome, err := l.confirm(ctx, key, call)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			logger.Error().Err(err).Msg("Confirmation request failed")
			result.Content = fmt.Sprintf("Tool %s was not executed: confirmation is unavailable (%v).", call.Name, err)
			result.IsError = true
			return result, nil
		}

		result.Metadata = map[string]string{
			session.MetaConfirmationID:    outcome.RequestID,
			session.MetaConfirmationState: string(outcome.State),
		}
		if !outcome.Approved() {
			logger.Info().Str("state", string(outcome.State)).Msg("Gated tool call refused")
			observability.RecordToolAudit(ctx, call.Name, outcome.Actor, "refused", map[string]interface{}{
				"confirmation_id": outcome.RequestID,
				"state":           string(outcome.State),
			})
			result.Content = refusal(call.Name, outcome)
			result.IsError = true
			return result, nil
		}
		if outcome.Actor != "" {
			actor = outcome.Actor
		}
	}

	res, err := l.skills.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		tracing.FailSpan(span, err, "tool failed")
		observability.RecordToolAudit(ctx, call.Name, actor, "failed", map[string]interface{}{"error": err.Error()})
		result.Content = "Error: " + err.Error()
		result.IsError = true
		return result, nil
	}

	observability.RecordToolAudit(ctx, call.Name, actor, "succeeded", map[string]interface{}{
		"duration_ms": res.Duration.Milliseconds(),
		"truncated":   res.Truncated,
	})
	result.Content = res.Output
	return result, nil
}

// confirm requests and awaits a decision for call. When ctx ends first the
// request is cancelled so no handler keeps waiting on it.
func (l *Loop) confirm(ctx context.Context, key string, call session.ToolCall) (confirmation.Outcome, error) {
	req := confirmation.Request{
		Description: describeCall(call),
		SessionKey:  key,
		Payload: map[string]interface{}{
			"tool":         call.Name,
			"tool_call_id": call.ID,
			"arguments":    call.Arguments,
		},
	}
	if l.settings.ConfirmationTimeout > 0 {
		req.Deadline = l.now().Add(l.settings.ConfirmationTimeout)
	}

	id, err := l.confirmations.Request(ctx, req)
	if err != nil {
		return confirmation.Outcome{}, err
	}
	outcome, err := l.confirmations.Await(ctx, id, time.Time{})
	if err != nil {
		if ctx.Err() != nil {
			_ = l.confirmations.Cancel(id, "run cancelled")
		}
		return confirmation.Outcome{RequestID: id}, err
	}
	return outcome, nil
}

// abandon answers calls left open by a cancelled iteration so the
// transcript keeps its call/result pairing.
func (l *Loop) abandon(ctx context.Context, key string, calls []session.ToolCall) {
	ctx = tracing.Detach(ctx)
	for _, call := range calls {
		_, err := l.sessions.AppendTurn(ctx, key, session.Message{
			Role:       session.RoleTool,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    fmt.Sprintf("Tool %s did not run to completion: the request was cancelled.", call.Name),
			IsError:    true,
			Metadata:   map[string]string{session.MetaConfirmationState: string(confirmation.StateCancelled)},
		})
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, l.logger)
			logger.Warn().Err(err).Str("tool", call.Name).Msg("Failed to record cancelled tool call")
			return
		}
	}
}

func (l *Loop) finish(ctx context.Context, in Inbound, content string, meta map[string]string) (Outbound, error) {
	if strings.TrimSpace(content) == "" {
		content = "(no response)"
	}
	if _, err := l.sessions.AppendTurn(ctx, in.SessionKey, session.Message{
		Role:     session.RoleAssistant,
		Content:  content,
		Metadata: meta,
	}); err != nil {
		return Outbound{}, fmt.Errorf("persist final turn: %w", err)
	}
	return l.outbound(ctx, in, content, false), nil
}

// modelFailure records a user-visible error turn. The turn stays out of
// later prompts; a failure to persist it is logged and the reply still goes out.
func (l *Loop) modelFailure(ctx context.Context, in Inbound, cause error) Outbound {
	_, err := l.sessions.AppendTurn(ctx, in.SessionKey, session.Message{
		Role:    session.RoleAssistant,
		Content: modelFailureReply,
		Metadata: map[string]string{
			session.MetaError:              cause.Error(),
			session.MetaExcludeFromContext: "true",
		},
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, l.logger)
		logger.Error().Err(err).Msg("Failed to persist error turn")
	}
	return l.outbound(ctx, in, modelFailureReply, true)
}

func (l *Loop) outbound(ctx context.Context, in Inbound, content string, isError bool) Outbound {
	return Outbound{
		Channel:    in.Channel,
		SessionKey: in.SessionKey,
		Content:    content,
		IsError:    isError,
		Metadata:   map[string]string{"run_id": tracing.GetRunID(ctx)},
	}
}

// normalizeCalls assigns ids to calls that arrive without one or with a
// duplicate, so every result can be paired. Nameless calls fail lookup
// and come back as error results.
func normalizeCalls(calls []session.ToolCall) []session.ToolCall {
	out := make([]session.ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, call := range calls {
		if call.ID == "" || seen[call.ID] {
			call.ID = "call_" + uuid.NewString()
		}
		seen[call.ID] = true
		if call.Name == "" {
			call.Name = "unnamed_tool"
		}
		out[i] = call
	}
	return out
}

func describeCall(call session.ToolCall) string {
	args, err := json.Marshal(call.Arguments)
	if err != nil || len(call.Arguments) == 0 {
		return fmt.Sprintf("Run tool %s", call.Name)
	}
	return fmt.Sprintf("Run tool %s with %s", call.Name, args)
}

func refusal(tool string, outcome confirmation.Outcome) string {
	var text string
	switch outcome.State {
	case confirmation.StateDenied:
		text = fmt.Sprintf("The user denied running %s.", tool)
	case confirmation.StateExpired:
		text = fmt.Sprintf("No confirmation for %s arrived before the deadline, so it was not executed.", tool)
	default:
		text = fmt.Sprintf("The request to run %s was cancelled.", tool)
	}
	if outcome.Reason != "" {
		text += " Reason: " + outcome.Reason + "."
	}
	return text
}

func copyMeta(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
