package confirmation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// CLIHandler prompts on a terminal. Prompts are shown one at a time; a
// single reader goroutine feeds answers so no input is lost between prompts.
type CLIHandler struct {
	reader io.Reader
	writer io.Writer

	// turn serializes prompts.
	turn chan struct{}

	startOnce sync.Once
	lines     chan string
	readErr   error
}

func NewCLIHandler(reader io.Reader, writer io.Writer) *CLIHandler {
	return &CLIHandler{
		reader: reader,
		writer: writer,
		turn:   make(chan struct{}, 1),
		lines:  make(chan string),
	}
}

func (c *CLIHandler) Kind() Kind { return KindCLI }

func (c *CLIHandler) startReader() {
	c.startOnce.Do(func() {
		go func() {
			scanner := bufio.NewScanner(c.reader)
			for scanner.Scan() {
				c.lines <- scanner.Text()
			}
			c.readErr = scanner.Err()
			close(c.lines)
		}()
	})
}

// RequestConfirmation shows req and reads y/N. Empty input, EOF and anything
// unrecognized deny.
func (c *CLIHandler) RequestConfirmation(ctx context.Context, req Request) (Response, error) {
	select {
	case c.turn <- struct{}{}:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	defer func() { <-c.turn }()

	c.startReader()
	c.display(req)

	select {
	case line, ok := <-c.lines:
		if !ok {
			if c.readErr != nil {
				return Response{}, fmt.Errorf("failed to read input: %w", c.readErr)
			}
			return c.deny(req, "no input provided"), nil
		}
		return c.parse(req, line), nil
	case <-ctx.Done():
		fmt.Fprintln(c.writer, "\n  Confirmation no longer pending.")
		return Response{}, ctx.Err()
	}
}

func (c *CLIHandler) parse(req Request, line string) Response {
	input := strings.ToLower(strings.TrimSpace(line))
	switch input {
	case "y", "yes":
		fmt.Fprintln(c.writer, "  APPROVED")
		log.Info().Str("confirmation_id", req.ID).Msg("Confirmation approved via CLI")
		return Response{RequestID: req.ID, Decision: DecisionApprove, Reason: "approved by user", Actor: "cli"}
	case "n", "no", "":
		return c.deny(req, "denied by user")
	default:
		fmt.Fprintf(c.writer, "  Invalid input %q, denying\n", input)
		log.Warn().Str("confirmation_id", req.ID).Str("input", input).Msg("Invalid confirmation input")
		return c.deny(req, fmt.Sprintf("invalid input: %s", input))
	}
}

func (c *CLIHandler) deny(req Request, reason string) Response {
	fmt.Fprintln(c.writer, "  DENIED")
	log.Info().Str("confirmation_id", req.ID).Str("reason", reason).Msg("Confirmation denied via CLI")
	return Response{RequestID: req.ID, Decision: DecisionDeny, Reason: reason, Actor: "cli"}
}

func (c *CLIHandler) display(req Request) {
	fmt.Fprintln(c.writer)
	fmt.Fprintln(c.writer, "  == CONFIRMATION REQUIRED ==")
	fmt.Fprint(c.writer, FormatRequest(req))
	fmt.Fprint(c.writer, "  Approve? [y/N]: ")
}
