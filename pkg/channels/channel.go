// Package channels connects messaging surfaces to the agent loop.
package channels

import (
	"context"
	"strings"
)

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	Channel    string
	SessionKey string
	Content    string
	// MessageID is the channel's id for the message, used to drop redeliveries.
	MessageID string
	// Sender identifies the author, for example a Telegram username.
	Sender   string
	Metadata map[string]string
}

// OutboundMessage is a reply routed back to a channel.
type OutboundMessage struct {
	Channel    string
	SessionKey string
	Content    string
	IsError    bool
	Metadata   map[string]string
}

// DispatchFunc hands an inbound message to the runtime. Replies are
// delivered later through Channel.Send.
type DispatchFunc func(ctx context.Context, msg InboundMessage) error

// Channel is a channel runtime abstraction (cli, telegram, gateway, ...).
type Channel interface {
	Name() string
	Start(ctx context.Context, dispatch DispatchFunc) error
	Send(ctx context.Context, msg OutboundMessage) error
	Stop(ctx context.Context) error
}

// SessionKey builds the session key for a conversation id on channel.
func SessionKey(channel, id string) string {
	return channel + ":" + id
}

// ParseSessionKey splits a key built by SessionKey.
func ParseSessionKey(key string) (channel, id string, ok bool) {
	channel, id, ok = strings.Cut(key, ":")
	if !ok || channel == "" || id == "" {
		return "", "", false
	}
	return channel, id, true
}
