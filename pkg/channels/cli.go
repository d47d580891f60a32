package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/harun/convoy/pkg/confirmation"
	"github.com/rs/zerolog/log"
)

// CLIName is the channel name of CLIChannel.
const CLIName = "cli"

// CLIChannel reads one message per line and prints replies. It also acts as
// a confirmation Forwarder, printing requests for "/approve" and "/deny".
type CLIChannel struct {
	in        io.Reader
	sessionID string

	outMu sync.Mutex
	out   io.Writer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	seq    int
}

// NewCLIChannel creates a CLI channel for the conversation sessionID
// (default "local").
func NewCLIChannel(in io.Reader, out io.Writer, sessionID string) *CLIChannel {
	if sessionID == "" {
		sessionID = "local"
	}
	return &CLIChannel{in: in, out: out, sessionID: sessionID, done: make(chan struct{})}
}

func (c *CLIChannel) Name() string { return CLIName }

// SessionKey returns the key of the channel's single conversation.
func (c *CLIChannel) SessionKey() string { return SessionKey(CLIName, c.sessionID) }

// Start begins reading input in the background.
func (c *CLIChannel) Start(ctx context.Context, dispatch DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("cli channel already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	go c.read(ctx, dispatch)
	return nil
}

func (c *CLIChannel) read(ctx context.Context, dispatch DispatchFunc) {
	defer close(c.done)
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.seq++
		err := dispatch(ctx, InboundMessage{
			Channel:    CLIName,
			SessionKey: c.SessionKey(),
			Content:    line,
			MessageID:  strconv.Itoa(c.seq),
			Sender:     "local",
		})
		if err != nil {
			c.println("error: " + err.Error())
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("CLI input closed with error")
	}
}

// Done is closed when input reaches EOF or the channel stops reading.
func (c *CLIChannel) Done() <-chan struct{} { return c.done }

// Send prints msg.
func (c *CLIChannel) Send(_ context.Context, msg OutboundMessage) error {
	if msg.IsError {
		return c.println("error: " + msg.Content)
	}
	return c.println(msg.Content)
}

// ForwardConfirmation prints req with answering instructions.
func (c *CLIChannel) ForwardConfirmation(_ context.Context, req confirmation.Request) error {
	return c.println("Confirmation required:\n" + confirmation.FormatRequest(req) + confirmation.Instructions(req))
}

// Stop stops dispatching. A read blocked on the input returns at its next line.
func (c *CLIChannel) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *CLIChannel) println(text string) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintln(c.out, text)
	return err
}
