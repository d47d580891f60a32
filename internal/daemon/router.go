package daemon

import (
	"context"

	"github.com/harun/convoy/internal/tracing"
	"github.com/harun/convoy/pkg/agent"
	"github.com/harun/convoy/pkg/channels"
)

// Router hands channel messages to the agent loop and replies through the
// channel registry.
type Router struct {
	daemon *Daemon
}

// NewRouter creates a new message router
func NewRouter(d *Daemon) *Router {
	return &Router{
		daemon: d,
	}
}

// RouteMessage runs one iteration for msg. It is the registry's dispatch
// function, so calls for one session arrive one at a time.
func (r *Router) RouteMessage(ctx context.Context, msg channels.InboundMessage) error {
	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.WithSessionKey(ctx, msg.SessionKey)
	ctx = tracing.WithChannel(ctx, msg.Channel)

	logger := tracing.LoggerFromContext(ctx, r.daemon.logger.GetZerolog())
	logger.Debug().
		Str("sender", msg.Sender).
		Str("message_id", msg.MessageID).
		Msg("Routing message")

	in := agent.Inbound{
		Channel:    msg.Channel,
		SessionKey: msg.SessionKey,
		Content:    msg.Content,
		MessageID:  msg.MessageID,
		Metadata:   msg.Metadata,
	}
	return r.daemon.loop.Process(ctx, in, agent.SenderFunc(r.reply))
}

func (r *Router) reply(ctx context.Context, out agent.Outbound) error {
	return r.daemon.channelRegistry.Send(ctx, channels.OutboundMessage{
		Channel:    out.Channel,
		SessionKey: out.SessionKey,
		Content:    out.Content,
		IsError:    out.IsError,
		Metadata:   out.Metadata,
	})
}
