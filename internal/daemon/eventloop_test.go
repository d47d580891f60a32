package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/harun/convoy/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopRunStopsWithContext(t *testing.T) {
	useModel(t, echoModel)
	d, _ := newTestDaemon(t, testConfig(t))

	_, err := d.GetSessionManager().AppendTurn(context.Background(), "cli:local", session.Message{
		Role:    session.RoleUser,
		Content: "hi",
	})
	require.NoError(t, err)

	loop := NewEventLoop(d)
	loop.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
}

func TestProcessTasksToleratesCancelledContext(t *testing.T) {
	useModel(t, echoModel)
	d, _ := newTestDaemon(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() { NewEventLoop(d).processTasks(ctx) })
}
