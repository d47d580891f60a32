package channels

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/convoy/pkg/confirmation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCLIChannelReadsLines(t *testing.T) {
	out := &syncBuffer{}
	ch := NewCLIChannel(strings.NewReader("hello\n\n  second  \n"), out, "")

	var mu sync.Mutex
	var got []InboundMessage
	require.NoError(t, ch.Start(context.Background(), func(_ context.Context, msg InboundMessage) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	}))

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("reader did not reach EOF")
	}

	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "second", got[1].Content)
	assert.Equal(t, "cli:local", got[0].SessionKey)
	assert.NotEqual(t, got[0].MessageID, got[1].MessageID)
	assert.Error(t, ch.Start(context.Background(), func(context.Context, InboundMessage) error { return nil }))
}

func TestCLIChannelSendAndForward(t *testing.T) {
	out := &syncBuffer{}
	ch := NewCLIChannel(strings.NewReader(""), out, "dev")
	assert.Equal(t, "cli:dev", ch.SessionKey())

	require.NoError(t, ch.Send(context.Background(), OutboundMessage{Content: "hi there"}))
	require.NoError(t, ch.Send(context.Background(), OutboundMessage{Content: "boom", IsError: true}))
	require.NoError(t, ch.ForwardConfirmation(context.Background(), confirmation.Request{ID: "abc123", Description: "Run tool pay"}))

	text := out.String()
	assert.Contains(t, text, "hi there\n")
	assert.Contains(t, text, "error: boom\n")
	assert.Contains(t, text, "Run tool pay")
	assert.Contains(t, text, "/approve abc123")
}
