// Package dispatch defines the outbound message channel contract and its
// gateway implementations. The sequence engine talks only to the Dispatcher
// interface; which provider actually carries the message is wiring.
package dispatch

import (
	"context"
	"errors"
)

// Channel identifies the delivery medium.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Provider selects between the configured SMS gateways.
type Provider string

const (
	ProviderPrimary   Provider = "primary"
	ProviderSecondary Provider = "secondary"
)

// ErrChannelDisabled is returned when no gateway is configured for the
// requested channel.
var ErrChannelDisabled = errors.New("channel not configured")

// SendRequest describes a single outbound message.
type SendRequest struct {
	Channel     Channel
	Destination string // E.164 phone or email address
	Subject     string // email only
	Body        string
	// SenderIdentity is the tenant-facing origin: SMS sender ID or the
	// "Name <address>" pair for email.
	SenderName    string
	SenderAddress string
	Provider      Provider // SMS gateway selection; empty means primary
}

// SendResult reports a successful hand-off to the provider.
type SendResult struct {
	ProviderMessageID string
}

// Dispatcher sends a message over one or more channels.
type Dispatcher interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// Router fans a SendRequest out to the per-channel dispatcher.
type Router struct {
	sms   Dispatcher
	email Dispatcher
}

// NewRouter builds a channel router. Nil dispatchers mean the channel is
// disabled; sends to it fail with ErrChannelDisabled.
func NewRouter(sms, email Dispatcher) *Router {
	return &Router{sms: sms, email: email}
}

func (r *Router) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	switch req.Channel {
	case ChannelSMS:
		if r.sms == nil {
			return SendResult{}, ErrChannelDisabled
		}
		return r.sms.Send(ctx, req)
	case ChannelEmail:
		if r.email == nil {
			return SendResult{}, ErrChannelDisabled
		}
		return r.email.Send(ctx, req)
	default:
		return SendResult{}, errors.New("unknown channel: " + string(req.Channel))
	}
}
