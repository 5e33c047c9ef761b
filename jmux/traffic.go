package jmux

import "time"

// EventOutcome classifies how a channel's lifecycle ended, for the benefit
// of a TrafficEventObserver.
type EventOutcome int

const (
	// EventOutcomeConnectFailure means the Stream Resolver Task never
	// produced a connected stream; BytesTx and BytesRx are always zero and
	// ConnectAt equals DisconnectAt.
	EventOutcomeConnectFailure EventOutcome = iota
	// EventOutcomeNormalTermination means both sides reached Closed via the
	// ordinary EOF-then-CLOSE sequence.
	EventOutcomeNormalTermination
	// EventOutcomeAbnormalTermination means a sub-task I/O error (other than
	// a clean disconnect) forced the channel closed.
	EventOutcomeAbnormalTermination
)

func (o EventOutcome) String() string {
	switch o {
	case EventOutcomeConnectFailure:
		return "connect-failure"
	case EventOutcomeNormalTermination:
		return "normal-termination"
	case EventOutcomeAbnormalTermination:
		return "abnormal-termination"
	default:
		return "invalid"
	}
}

// TrafficEvent summarizes one channel's complete lifecycle, reported exactly
// once at unregistration (or at resolve failure, which never registers a
// channel at all).
type TrafficEvent struct {
	LocalID     LocalChannelID
	Destination DestinationURL
	Outcome     EventOutcome

	BytesTx uint64 // bytes sent from the local stream towards the peer
	BytesRx uint64 // bytes received from the peer and written to the local stream

	ConnectAt      time.Time
	DisconnectAt   time.Time
	ActiveDuration time.Duration
}

// TrafficEventObserver receives one TrafficEvent per channel. It runs
// synchronously on the Scheduler goroutine, so implementations MUST NOT
// block or perform I/O directly; hand the event off to a buffered channel or
// goroutine of the embedder's own if that's needed.
type TrafficEventObserver interface {
	ObserveTrafficEvent(TrafficEvent)
}

func (c Config) observerOrNil() TrafficEventObserver {
	return c.Observer
}
