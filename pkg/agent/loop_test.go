package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/convoy/pkg/commandqueue"
	"github.com/harun/convoy/pkg/confirmation"
	"github.com/harun/convoy/pkg/session"
	"github.com/harun/convoy/pkg/skills"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient answers each call with respond, recording every request.
type scriptedClient struct {
	mu       sync.Mutex
	requests []ModelRequest
	respond  func(req ModelRequest) (*ModelResponse, error)
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.respond(req)
}

func (c *scriptedClient) calls() []ModelRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ModelRequest(nil), c.requests...)
}

// toolThenAnswer requests call on the first turn and answers with the
// content of the last tool result afterwards.
func toolThenAnswer(call session.ToolCall) func(ModelRequest) (*ModelResponse, error) {
	return func(req ModelRequest) (*ModelResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == session.RoleTool {
			return &ModelResponse{Content: "done: " + last.Content}, nil
		}
		return &ModelResponse{ToolCalls: []session.ToolCall{call}}, nil
	}
}

type harness struct {
	loop          *Loop
	sessions      *session.Manager
	confirmations *confirmation.Manager
	client        *scriptedClient
	bookings      *int32
}

func newHarness(t *testing.T, handler confirmation.Handler, settings Settings, respond func(ModelRequest) (*ModelResponse, error)) *harness {
	t.Helper()

	var bookings int32
	b := skills.NewBuilder()
	require.NoError(t, b.Register(skills.Definition{
		Name:                 "book_flight",
		Description:          "Book a flight",
		RequiresConfirmation: true,
		Parameters:           []skills.Parameter{{Name: "destination", Type: "string", Required: true}},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&bookings, 1)
			return fmt.Sprintf("booked %v ref ABC123", args["destination"]), nil
		},
	}))
	require.NoError(t, b.Register(skills.Definition{
		Name:        "lookup",
		Description: "Look something up",
		Parameters:  []skills.Parameter{{Name: "q", Type: "string"}},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if args["q"] == "fail" {
				return nil, errors.New("lookup backend down")
			}
			return "found", nil
		},
	}))
	registry, err := b.Build()
	require.NoError(t, err)

	sessions := session.NewManager(session.NewMemoryStore(), session.ManagerOptions{})
	confirmations := confirmation.NewManager(handler, confirmation.Options{})
	queue := commandqueue.New(commandqueue.Options{})
	client := &scriptedClient{respond: respond}
	t.Cleanup(func() {
		queue.Close()
		confirmations.Close()
		_ = sessions.Close()
	})

	if settings.Model == "" {
		settings.Model = "test-model"
	}
	loop, err := NewLoop(Config{
		Sessions:      sessions,
		Confirmations: confirmations,
		Skills:        registry,
		Client:        client,
		Queue:         queue,
		Settings:      settings,
	})
	require.NoError(t, err)
	return &harness{loop: loop, sessions: sessions, confirmations: confirmations, client: client, bookings: &bookings}
}

func (h *harness) transcript(t *testing.T, key string) []session.Message {
	t.Helper()
	sess, ok, err := h.sessions.Load(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	return sess.Turns
}

func roles(turns []session.Message) []session.Role {
	out := make([]session.Role, len(turns))
	for i, turn := range turns {
		out[i] = turn.Role
	}
	return out
}

var bookNYC = session.ToolCall{ID: "call_1", Name: "book_flight", Arguments: map[string]interface{}{"destination": "NYC"}}

func TestNewLoopRequiresDependencies(t *testing.T) {
	_, err := NewLoop(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session manager")
}

func TestBookFlightAutoApproved(t *testing.T) {
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{}, toolThenAnswer(bookNYC))

	out, err := h.loop.Handle(context.Background(), Inbound{Channel: "cli", SessionKey: "cli:local", Content: "book me a flight to NYC"})
	require.NoError(t, err)
	assert.Equal(t, "done: booked NYC ref ABC123", out.Content)
	assert.False(t, out.IsError)
	assert.NotEmpty(t, out.Metadata["run_id"])
	assert.Equal(t, int32(1), atomic.LoadInt32(h.bookings))

	turns := h.transcript(t, "cli:local")
	assert.Equal(t, []session.Role{session.RoleUser, session.RoleAssistant, session.RoleTool, session.RoleAssistant}, roles(turns))
	assert.Equal(t, "call_1", turns[2].ToolCallID)
	assert.False(t, turns[2].IsError)
	assert.Equal(t, string(confirmation.StateApproved), turns[2].Metadata[session.MetaConfirmationState])
	assert.NoError(t, session.ValidatePairing(turns))

	requests := h.client.calls()
	require.Len(t, requests, 2)
	assert.Equal(t, session.RoleSystem, requests[0].Messages[0].Role)
	assert.Equal(t, []session.Role{session.RoleSystem, session.RoleUser, session.RoleAssistant, session.RoleTool}, roles(requests[1].Messages))
	assert.Len(t, requests[0].Tools, 2)
}

func TestGatedCallExpires(t *testing.T) {
	forwarded := make(chan confirmation.Request, 1)
	handler := confirmation.NewChatHandler(confirmation.ForwarderFunc(func(_ context.Context, req confirmation.Request) error {
		forwarded <- req
		return nil
	}))
	h := newHarness(t, handler, Settings{ConfirmationTimeout: time.Nanosecond}, toolThenAnswer(bookNYC))

	out, err := h.loop.Handle(context.Background(), Inbound{SessionKey: "telegram:1", Content: "book NYC"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(h.bookings), "expired call must not execute")
	assert.Contains(t, out.Content, "not executed")

	turns := h.transcript(t, "telegram:1")
	require.Equal(t, []session.Role{session.RoleUser, session.RoleAssistant, session.RoleTool, session.RoleAssistant}, roles(turns))
	assert.True(t, turns[2].IsError)
	assert.Equal(t, string(confirmation.StateExpired), turns[2].Metadata[session.MetaConfirmationState])

	id := turns[2].Metadata[session.MetaConfirmationID]
	_, state, ok := h.confirmations.Get(id)
	require.True(t, ok)
	assert.Equal(t, confirmation.StateExpired, state)
	assert.ErrorIs(t, h.confirmations.Respond(confirmation.Response{RequestID: id, Decision: confirmation.DecisionApprove}), confirmation.ErrNotPending)
}

func TestGatedCallDenied(t *testing.T) {
	handler := confirmation.HandlerFunc(func(_ context.Context, req confirmation.Request) (confirmation.Response, error) {
		return confirmation.Response{RequestID: req.ID, Decision: confirmation.DecisionDeny, Reason: "too expensive", Actor: "alice"}, nil
	})
	h := newHarness(t, handler, Settings{}, toolThenAnswer(bookNYC))

	out, err := h.loop.Handle(context.Background(), Inbound{SessionKey: "cli:local", Content: "book NYC"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(h.bookings))
	assert.Contains(t, out.Content, "denied")
	assert.Contains(t, out.Content, "too expensive")

	turns := h.transcript(t, "cli:local")
	assert.Equal(t, string(confirmation.StateDenied), turns[2].Metadata[session.MetaConfirmationState])
}

func TestGatedCallApprovedFromChat(t *testing.T) {
	var h *harness
	handler := confirmation.NewChatHandler(confirmation.ForwarderFunc(func(_ context.Context, req confirmation.Request) error {
		go func() {
			_ = h.confirmations.Respond(confirmation.Response{RequestID: req.ID, Decision: confirmation.DecisionApprove, Actor: "bob"})
		}()
		return nil
	}))
	h = newHarness(t, handler, Settings{}, toolThenAnswer(bookNYC))

	out, err := h.loop.Handle(context.Background(), Inbound{SessionKey: "gateway:x", Content: "book NYC"})
	require.NoError(t, err)
	assert.Equal(t, "done: booked NYC ref ABC123", out.Content)
	assert.Equal(t, int32(1), atomic.LoadInt32(h.bookings))
}

func TestToolErrorBecomesResult(t *testing.T) {
	call := session.ToolCall{ID: "c1", Name: "lookup", Arguments: map[string]interface{}{"q": "fail"}}
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{}, toolThenAnswer(call))

	out, err := h.loop.Handle(context.Background(), Inbound{SessionKey: "cli:local", Content: "look it up"})
	require.NoError(t, err)
	assert.Contains(t, out.Content, "lookup backend down")

	turns := h.transcript(t, "cli:local")
	assert.True(t, turns[2].IsError)
	assert.Empty(t, turns[2].Metadata[session.MetaConfirmationID], "non-gated call must not request confirmation")
}

func TestUnknownToolBecomesResult(t *testing.T) {
	call := session.ToolCall{Name: "nope"}
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{}, toolThenAnswer(call))

	_, err := h.loop.Handle(context.Background(), Inbound{SessionKey: "cli:local", Content: "hi"})
	require.NoError(t, err)

	turns := h.transcript(t, "cli:local")
	require.Len(t, turns, 4)
	assert.NotEmpty(t, turns[1].ToolCalls[0].ID, "missing call ids are assigned")
	assert.Equal(t, turns[1].ToolCalls[0].ID, turns[2].ToolCallID)
	assert.Contains(t, turns[2].Content, skills.ErrToolNotFound.Error())
}

func TestModelFailureRecordsErrorTurn(t *testing.T) {
	fail := true
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{}, func(req ModelRequest) (*ModelResponse, error) {
		if fail {
			return nil, errors.New("provider returned status 503")
		}
		return &ModelResponse{Content: "hello again"}, nil
	})

	out, err := h.loop.Handle(context.Background(), Inbound{SessionKey: "cli:local", Content: "hi"})
	require.NoError(t, err)
	assert.True(t, out.IsError)

	turns := h.transcript(t, "cli:local")
	require.Equal(t, []session.Role{session.RoleUser, session.RoleAssistant}, roles(turns))
	assert.Contains(t, turns[1].Metadata[session.MetaError], "503")
	assert.True(t, turns[1].ExcludedFromContext())

	fail = false
	out, err = h.loop.Handle(context.Background(), Inbound{SessionKey: "cli:local", Content: "hi again"})
	require.NoError(t, err)
	assert.Equal(t, "hello again", out.Content)

	requests := h.client.calls()
	last := requests[len(requests)-1]
	for _, msg := range last.Messages {
		assert.NotEqual(t, modelFailureReply, msg.Content, "error turns stay out of prompts")
	}
}

func TestIterationLimit(t *testing.T) {
	n := 0
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{MaxIterations: 2}, func(req ModelRequest) (*ModelResponse, error) {
		n++
		return &ModelResponse{ToolCalls: []session.ToolCall{{ID: fmt.Sprintf("c%d", n), Name: "lookup"}}}, nil
	})

	out, err := h.loop.Handle(context.Background(), Inbound{SessionKey: "cli:local", Content: "loop forever"})
	require.NoError(t, err)
	assert.Contains(t, out.Content, "stopped after 2 steps")

	turns := h.transcript(t, "cli:local")
	assert.Len(t, turns, 1+2*2+1)
	last := turns[len(turns)-1]
	assert.Equal(t, session.RoleAssistant, last.Role)
	assert.Equal(t, ErrMaxIterations.Error(), last.Metadata[session.MetaError])
	assert.NoError(t, session.ValidatePairing(turns))
}

func TestAbortCancelsPendingConfirmation(t *testing.T) {
	handler := confirmation.NewChatHandler(confirmation.ForwarderFunc(func(context.Context, confirmation.Request) error { return nil }))
	h := newHarness(t, handler, Settings{}, toolThenAnswer(bookNYC))

	errCh := make(chan error, 1)
	go func() {
		_, err := h.loop.Handle(context.Background(), Inbound{SessionKey: "cli:local", Content: "book NYC"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(h.confirmations.Pending("cli:local")) == 1 }, 2*time.Second, 5*time.Millisecond)
	id := h.confirmations.Pending("cli:local")[0].ID
	assert.True(t, h.loop.IsRunning("cli:local"))
	assert.True(t, h.loop.Abort("cli:local"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after Abort")
	}

	_, state, ok := h.confirmations.Get(id)
	require.True(t, ok)
	assert.Equal(t, confirmation.StateCancelled, state)
	assert.Equal(t, int32(0), atomic.LoadInt32(h.bookings))
	assert.False(t, h.loop.IsRunning("cli:local"))

	turns := h.transcript(t, "cli:local")
	assert.NoError(t, session.ValidatePairing(turns))
	assert.Equal(t, session.RoleTool, turns[len(turns)-1].Role)
}

func TestAbortKeepsResultOfToolThatFinished(t *testing.T) {
	var loop *Loop
	var charges int32
	b := skills.NewBuilder()
	require.NoError(t, b.Register(skills.Definition{
		Name:        "charge_card",
		Description: "Charge the card on file",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&charges, 1)
			loop.Abort("cli:local")
			return "charged $100", nil
		},
	}))
	registry, err := b.Build()
	require.NoError(t, err)

	sessions := session.NewManager(session.NewMemoryStore(), session.ManagerOptions{})
	confirmations := confirmation.NewManager(confirmation.NewAutoHandler(), confirmation.Options{})
	queue := commandqueue.New(commandqueue.Options{})
	t.Cleanup(func() {
		queue.Close()
		confirmations.Close()
		_ = sessions.Close()
	})
	charge := session.ToolCall{ID: "call_1", Name: "charge_card"}
	second := session.ToolCall{ID: "call_2", Name: "charge_card"}
	client := &scriptedClient{respond: func(ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{ToolCalls: []session.ToolCall{charge, second}}, nil
	}}
	loop, err = NewLoop(Config{
		Sessions:      sessions,
		Confirmations: confirmations,
		Skills:        registry,
		Client:        client,
		Queue:         queue,
		Settings:      Settings{Model: "test-model"},
	})
	require.NoError(t, err)

	_, err = loop.Handle(context.Background(), Inbound{SessionKey: "cli:local", Content: "pay"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&charges))

	sess, ok, err := sessions.Load(context.Background(), "cli:local")
	require.NoError(t, err)
	require.True(t, ok)
	turns := sess.Turns
	require.NoError(t, session.ValidatePairing(turns))
	require.Len(t, turns, 4)
	assert.Equal(t, "call_1", turns[2].ToolCallID)
	assert.Equal(t, "charged $100", turns[2].Content)
	assert.False(t, turns[2].IsError)
	assert.Equal(t, "call_2", turns[3].ToolCallID)
	assert.Contains(t, turns[3].Content, "did not run to completion")
}

func TestConcurrentSessionsDoNotInterleave(t *testing.T) {
	var inFlight sync.Map
	var overlap int32
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{}, nil)
	h.client.respond = func(req ModelRequest) (*ModelResponse, error) {
		incoming := req.Messages[len(req.Messages)-1].Content
		key := incoming[:len("s0")]
		counter, _ := inFlight.LoadOrStore(key, new(int32))
		if atomic.AddInt32(counter.(*int32), 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(counter.(*int32), -1)
		return &ModelResponse{Content: "re " + incoming}, nil
	}

	const sessions, messages = 4, 5
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		for m := 0; m < messages; m++ {
			wg.Add(1)
			go func(s, m int) {
				defer wg.Done()
				_, err := h.loop.Handle(context.Background(), Inbound{
					SessionKey: fmt.Sprintf("cli:s%d", s),
					Content:    fmt.Sprintf("s%d-m%d", s, m),
				})
				assert.NoError(t, err)
			}(s, m)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&overlap), "iterations of one session overlapped")
	for s := 0; s < sessions; s++ {
		turns := h.transcript(t, fmt.Sprintf("cli:s%d", s))
		require.Len(t, turns, messages*2)
		for i := 0; i < len(turns); i += 2 {
			assert.Equal(t, session.RoleUser, turns[i].Role)
			assert.Equal(t, session.RoleAssistant, turns[i+1].Role)
			assert.Equal(t, "re "+turns[i].Content, turns[i+1].Content)
			assert.Contains(t, turns[i].Content, fmt.Sprintf("s%d-", s))
		}
	}
}

func TestProcessRecordsDeliveryFailure(t *testing.T) {
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{}, func(ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Content: "hello"}, nil
	})

	err := h.loop.Process(context.Background(), Inbound{Channel: "telegram", SessionKey: "telegram:9", Content: "hi"},
		SenderFunc(func(context.Context, Outbound) error { return errors.New("chat not found") }))
	require.Error(t, err)

	turns := h.transcript(t, "telegram:9")
	require.Len(t, turns, 3)
	assert.Equal(t, "chat not found", turns[2].Metadata[session.MetaError])
	assert.True(t, turns[2].ExcludedFromContext())
}

func TestProcessSendsApologyOnFailure(t *testing.T) {
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{}, nil)

	var sent Outbound
	err := h.loop.Process(context.Background(), Inbound{Channel: "cli", SessionKey: "", Content: "hi"},
		SenderFunc(func(_ context.Context, out Outbound) error { sent = out; return nil }))
	assert.ErrorIs(t, err, ErrInvalidInbound)
	assert.True(t, sent.IsError)
}

func TestHandleValidation(t *testing.T) {
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{}, nil)

	_, err := h.loop.Handle(context.Background(), Inbound{SessionKey: "cli:local", Content: "   "})
	assert.ErrorIs(t, err, ErrInvalidInbound)
	_, err = h.loop.Handle(context.Background(), Inbound{SessionKey: "", Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidInbound)
	assert.Empty(t, h.client.calls())
}

func TestDuplicateMessageIDRunsOnce(t *testing.T) {
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{}, func(ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Content: "once"}, nil
	})

	in := Inbound{SessionKey: "telegram:5", Content: "hi", MessageID: "update-77"}
	_, err := h.loop.Handle(context.Background(), in)
	require.NoError(t, err)
	_, err = h.loop.Handle(context.Background(), in)
	require.NoError(t, err)

	assert.Len(t, h.client.calls(), 1)
	assert.Len(t, h.transcript(t, "telegram:5"), 2)
}

func TestReset(t *testing.T) {
	h := newHarness(t, confirmation.NewAutoHandler(), Settings{}, func(ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Content: "ok"}, nil
	})
	_, err := h.loop.Handle(context.Background(), Inbound{SessionKey: "cli:local", Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, h.loop.Reset(context.Background(), "cli:local"))
	_, ok, err := h.sessions.Load(context.Background(), "cli:local")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, h.loop.Reset(context.Background(), "cli:never-seen"))
}
