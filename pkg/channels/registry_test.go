package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/convoy/pkg/confirmation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testChannel struct {
	name       string
	startCalls int
	stopCalls  int
	dispatch   DispatchFunc

	mu   sync.Mutex
	sent []OutboundMessage
}

func (c *testChannel) Name() string {
	return c.name
}

func (c *testChannel) Start(_ context.Context, dispatch DispatchFunc) error {
	if dispatch == nil {
		return assert.AnError
	}
	c.dispatch = dispatch
	c.startCalls++
	return nil
}

func (c *testChannel) Send(_ context.Context, msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *testChannel) Stop(_ context.Context) error {
	c.stopCalls++
	return nil
}

func (c *testChannel) replies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.Content
	}
	return out
}

func waitIdle(t *testing.T, reg *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Wait(ctx))
}

func TestRegistry_RegisterStartDispatchStop(t *testing.T) {
	var mu sync.Mutex
	var got []string
	reg := NewRegistry(func(_ context.Context, msg InboundMessage) error {
		mu.Lock()
		got = append(got, msg.Channel+":"+msg.Content)
		mu.Unlock()
		return nil
	}, nil)

	ch := &testChannel{name: "gateway"}
	require.NoError(t, reg.Register(ch))
	assert.True(t, reg.IsRegistered("gateway"))
	assert.Equal(t, []string{"gateway"}, reg.Names())

	require.NoError(t, reg.StartAll(context.Background()))
	require.NoError(t, reg.StartAll(context.Background()))
	assert.Equal(t, 1, ch.startCalls)

	require.NoError(t, ch.dispatch(context.Background(), InboundMessage{Channel: "gateway", SessionKey: "gateway:a", Content: "hello"}))
	waitIdle(t, reg)
	assert.Equal(t, []string{"gateway:hello"}, got)

	require.NoError(t, reg.StopAll(context.Background()))
	assert.Equal(t, 1, ch.stopCalls)
}

func TestRegistry_SubmitValidation(t *testing.T) {
	reg := NewRegistry(func(context.Context, InboundMessage) error { return nil }, nil)
	require.NoError(t, reg.Register(&testChannel{name: "gateway"}))

	err := reg.Submit(context.Background(), InboundMessage{Channel: "telegram", SessionKey: "telegram:1", Content: "ping"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")

	err = reg.Submit(context.Background(), InboundMessage{Channel: "gateway", Content: "ping"})
	assert.Error(t, err)
}

func TestRegistry_RejectsDuplicateChannel(t *testing.T) {
	reg := NewRegistry(func(context.Context, InboundMessage) error { return nil }, nil)

	require.NoError(t, reg.Register(&testChannel{name: "gateway"}))
	err := reg.Register(&testChannel{name: "gateway"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_PerSessionOrder(t *testing.T) {
	var mu sync.Mutex
	got := map[string][]string{}
	reg := NewRegistry(func(_ context.Context, msg InboundMessage) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		got[msg.SessionKey] = append(got[msg.SessionKey], msg.Content)
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, reg.Register(&testChannel{name: "cli"}))

	for _, content := range []string{"1", "2", "3", "4"} {
		require.NoError(t, reg.Submit(context.Background(), InboundMessage{Channel: "cli", SessionKey: "cli:a", Content: content}))
		require.NoError(t, reg.Submit(context.Background(), InboundMessage{Channel: "cli", SessionKey: "cli:b", Content: content}))
	}
	waitIdle(t, reg)

	assert.Equal(t, []string{"1", "2", "3", "4"}, got["cli:a"])
	assert.Equal(t, []string{"1", "2", "3", "4"}, got["cli:b"])
}

func TestRegistry_SendRoutesBySessionKey(t *testing.T) {
	reg := NewRegistry(func(context.Context, InboundMessage) error { return nil }, nil)
	tg := &testChannel{name: "telegram"}
	require.NoError(t, reg.Register(tg))

	require.NoError(t, reg.Send(context.Background(), OutboundMessage{SessionKey: "telegram:42", Content: "hi"}))
	assert.Equal(t, []string{"hi"}, tg.replies())
	assert.Error(t, reg.Send(context.Background(), OutboundMessage{SessionKey: "slack:1", Content: "hi"}))
}

func TestRegistry_ApproveWhileDispatchBlocked(t *testing.T) {
	confirmations := confirmation.NewManager(confirmation.NewChatHandler(
		confirmation.ForwarderFunc(func(context.Context, confirmation.Request) error { return nil })), confirmation.Options{})
	defer confirmations.Close()

	id, err := confirmations.Request(context.Background(), confirmation.Request{Description: "pay", SessionKey: "cli:a"})
	require.NoError(t, err)

	// The dispatch for the first message blocks until the request resolves.
	reg := NewRegistry(func(ctx context.Context, msg InboundMessage) error {
		_, err := confirmations.Await(ctx, id, time.Time{})
		return err
	}, &Commands{Confirmations: confirmations})
	ch := &testChannel{name: "cli"}
	require.NoError(t, reg.Register(ch))

	require.NoError(t, reg.Submit(context.Background(), InboundMessage{Channel: "cli", SessionKey: "cli:a", Content: "pay the bill"}))
	require.NoError(t, reg.Submit(context.Background(), InboundMessage{Channel: "cli", SessionKey: "cli:a", Content: "/approve " + id, Sender: "alice"}))
	waitIdle(t, reg)

	outcome, ok := confirmations.Outcome(id)
	require.True(t, ok)
	assert.Equal(t, confirmation.StateApproved, outcome.State)
	assert.Equal(t, "alice", outcome.Actor)
	assert.Equal(t, []string{"Approved " + id + "."}, ch.replies())
}

func TestCommands(t *testing.T) {
	confirmations := confirmation.NewManager(confirmation.NewChatHandler(
		confirmation.ForwarderFunc(func(context.Context, confirmation.Request) error { return nil })), confirmation.Options{})
	defer confirmations.Close()

	id, err := confirmations.Request(context.Background(), confirmation.Request{Description: "pay", SessionKey: "cli:a"})
	require.NoError(t, err)

	var resetKey string
	cmds := &Commands{
		Confirmations: confirmations,
		Reset: func(_ context.Context, key string) error {
			if key == "cli:broken" {
				return errors.New("disk full")
			}
			resetKey = key
			return nil
		},
	}
	handle := func(key, text string) (string, bool) {
		return cmds.handle(context.Background(), InboundMessage{Channel: "cli", SessionKey: key, Content: text})
	}

	reply, ok := handle("cli:a", "/pending")
	require.True(t, ok)
	assert.Contains(t, reply, id)

	reply, ok = handle("cli:b", "/deny "+id)
	require.True(t, ok)
	assert.Contains(t, reply, "Unknown confirmation", "other sessions cannot decide")

	reply, ok = handle("cli:a", "/deny")
	require.True(t, ok)
	assert.Contains(t, reply, "usage")

	reply, ok = handle("cli:a", "/deny "+id+" not today")
	require.True(t, ok)
	assert.Equal(t, "Denied "+id+".", reply)

	reply, _ = handle("cli:a", "/approve "+id)
	assert.Contains(t, reply, "already resolved")

	reply, ok = handle("cli:a", "/reset")
	require.True(t, ok)
	assert.Equal(t, "Session cleared.", reply)
	assert.Equal(t, "cli:a", resetKey)

	reply, _ = handle("cli:broken", "/reset")
	assert.Contains(t, reply, "disk full")

	_, ok = handle("cli:a", "/weather")
	assert.False(t, ok)
	_, ok = handle("cli:a", "hello")
	assert.False(t, ok)
}

func TestSessionKeyHelpers(t *testing.T) {
	key := SessionKey("telegram", "-100123")
	assert.Equal(t, "telegram:-100123", key)

	channel, id, ok := ParseSessionKey(key)
	require.True(t, ok)
	assert.Equal(t, "telegram", channel)
	assert.Equal(t, "-100123", id)

	_, _, ok = ParseSessionKey("nocolon")
	assert.False(t, ok)
}
