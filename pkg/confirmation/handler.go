package confirmation

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Kind names a handler strategy.
type Kind string

const (
	KindAuto Kind = "auto"
	KindCLI  Kind = "cli"
	KindChat Kind = "chat"
)

// Handler presents a request to whoever decides it. Implementations either
// return the decision, or return ErrDeferred after handing the request to a
// channel that will call Manager.Respond later. Any other error makes the
// manager deny the request. ctx is cancelled once the request is resolved
// by any path.
type Handler interface {
	Kind() Kind
	RequestConfirmation(ctx context.Context, req Request) (Response, error)
}

// HandlerDeps carries what the concrete handlers need.
type HandlerDeps struct {
	In        io.Reader
	Out       io.Writer
	Forwarder Forwarder
}

// NewHandler builds the handler for kind.
func NewHandler(kind Kind, deps HandlerDeps) (Handler, error) {
	switch kind {
	case KindAuto:
		return NewAutoHandler(), nil
	case KindCLI:
		in, out := deps.In, deps.Out
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		return NewCLIHandler(in, out), nil
	case KindChat:
		if deps.Forwarder == nil {
			return nil, fmt.Errorf("chat confirmation handler requires a forwarder")
		}
		return NewChatHandler(deps.Forwarder), nil
	default:
		return nil, fmt.Errorf("unknown confirmation handler %q", kind)
	}
}

// HandlerFunc adapts a function to Handler, reporting KindAuto.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

func (f HandlerFunc) Kind() Kind { return KindAuto }

func (f HandlerFunc) RequestConfirmation(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
