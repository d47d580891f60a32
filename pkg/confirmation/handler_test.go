package confirmation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandler(t *testing.T) {
	h, err := NewHandler(KindAuto, HandlerDeps{})
	require.NoError(t, err)
	assert.Equal(t, KindAuto, h.Kind())

	h, err = NewHandler(KindCLI, HandlerDeps{In: strings.NewReader(""), Out: io.Discard})
	require.NoError(t, err)
	assert.Equal(t, KindCLI, h.Kind())

	_, err = NewHandler(KindChat, HandlerDeps{})
	assert.Error(t, err)

	h, err = NewHandler(KindChat, HandlerDeps{Forwarder: &recordingForwarder{}})
	require.NoError(t, err)
	assert.Equal(t, KindChat, h.Kind())

	_, err = NewHandler("carrier-pigeon", HandlerDeps{})
	assert.Error(t, err)
}

func TestCLIHandlerAnswers(t *testing.T) {
	tests := []struct {
		input    string
		decision Decision
	}{
		{"y\n", DecisionApprove},
		{"YES\n", DecisionApprove},
		{"n\n", DecisionDeny},
		{"\n", DecisionDeny},
		{"maybe\n", DecisionDeny},
		{"", DecisionDeny},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			h := NewCLIHandler(strings.NewReader(tt.input), &out)

			resp, err := h.RequestConfirmation(context.Background(), Request{ID: "abc", Description: "exec ls"})
			require.NoError(t, err)
			assert.Equal(t, tt.decision, resp.Decision)
			assert.Contains(t, out.String(), "exec ls")
			assert.Contains(t, out.String(), "[y/N]")
		})
	}
}

func TestCLIHandlerSequentialPrompts(t *testing.T) {
	h := NewCLIHandler(strings.NewReader("y\nn\n"), io.Discard)

	first, err := h.RequestConfirmation(context.Background(), Request{ID: "1", Description: "a"})
	require.NoError(t, err)
	second, err := h.RequestConfirmation(context.Background(), Request{ID: "2", Description: "b"})
	require.NoError(t, err)

	assert.Equal(t, DecisionApprove, first.Decision)
	assert.Equal(t, DecisionDeny, second.Decision)
}

func TestCLIHandlerReleasedByContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	h := NewCLIHandler(pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.RequestConfirmation(ctx, Request{ID: "1", Description: "a"})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("prompt was not released")
	}
}

func TestCLIHandlerThroughManager(t *testing.T) {
	m := NewManager(NewCLIHandler(strings.NewReader("yes\n"), io.Discard), Options{})
	defer m.Close()

	id, err := m.Request(context.Background(), Request{Description: "write_file notes.txt"})
	require.NoError(t, err)

	outcome, err := m.Await(context.Background(), id, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateApproved, outcome.State)
	assert.Equal(t, "cli", outcome.Actor)
}

func TestRouter(t *testing.T) {
	tg := &recordingForwarder{}
	fallback := &recordingForwarder{}
	r := NewRouter()
	r.Route("telegram", tg)

	err := r.ForwardConfirmation(context.Background(), Request{ID: "1", SessionKey: "gateway:x"})
	assert.Error(t, err)

	require.NoError(t, r.ForwardConfirmation(context.Background(), Request{ID: "2", SessionKey: "telegram:42"}))
	assert.Equal(t, 1, tg.count())

	r.Fallback(fallback)
	require.NoError(t, r.ForwardConfirmation(context.Background(), Request{ID: "3", SessionKey: "gateway:x"}))
	assert.Equal(t, 1, fallback.count())
}

func TestForwarderFunc(t *testing.T) {
	boom := errors.New("boom")
	f := ForwarderFunc(func(context.Context, Request) error { return boom })
	_, err := NewChatHandler(f).RequestConfirmation(context.Background(), Request{ID: "1"})
	assert.ErrorIs(t, err, boom)
}
