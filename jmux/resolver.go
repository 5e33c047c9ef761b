package jmux

import (
	"context"
	"net"
	"time"
)

// Dialer is the pluggable TCP dialing capability the core consumes to
// resolve a destination URL into a connected stream. Tests substitute a fake
// implementation; production code defaults to DefaultDialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultDialer resolves destinations with the standard library's dialer.
type DefaultDialer struct {
	Timeout time.Duration
}

// DialContext dials address over network, defaulting to a 10s timeout.
func (d DefaultDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, network, address)
}

// resolvedStream is what a successful resolution hands back to the
// scheduler: the channel it was resolving for, plus the connected stream.
type resolvedStream struct {
	channel *channelCtx
	stream  net.Conn
}

// resolveStream implements the Stream Resolver Task: parse the destination
// scheme, dial it, and report back. Failures are reported directly to the
// peer as OPEN-FAILURE (never by tearing down the scheduler), successes are
// reported to the scheduler as an internal event so the channel can be
// registered and its reader/writer tasks spawned there.
func resolveStream(ctx context.Context, dialer Dialer, channel *channelCtx, dest DestinationURL, toSend chan<- Message, events chan<- internalEvent) {
	if dest.Scheme() != "tcp" {
		sendOpenFailure(toSend, channel.distantID, ReasonGeneralFailure, "unsupported scheme: "+dest.Scheme())
		reportInternalEvent(ctx, events, internalEvent{kind: eventResolveFailed, channel: channel})
		return
	}

	stream, err := dialer.DialContext(ctx, "tcp", dest.HostPort())
	if err != nil {
		sendOpenFailure(toSend, channel.distantID, reasonFromDialError(err), err.Error())
		reportInternalEvent(ctx, events, internalEvent{kind: eventResolveFailed, channel: channel})
		return
	}

	select {
	case events <- internalEvent{kind: eventStreamResolved, resolved: &resolvedStream{channel: channel, stream: stream}}:
	case <-ctx.Done():
		stream.Close()
	}
}

func sendOpenFailure(toSend chan<- Message, distant DistantChannelID, reason ReasonCode, description string) {
	toSend <- newOpenFailureMessage(distant, reason, description)
}
