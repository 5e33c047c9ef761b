package jmux

import (
	"sync/atomic"
	"time"
)

// channelState is one side's position in the per-direction lifecycle:
// Streaming -> Eof -> Closed. Never regresses.
type channelState int

const (
	stateStreaming channelState = iota
	stateEof
	stateClosed
)

func (s channelState) String() string {
	switch s {
	case stateStreaming:
		return "streaming"
	case stateEof:
		return "eof"
	case stateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// windowUpdateNotifier wakes a single stalled reader when the peer grants
// more send window. Implemented as a 1-slot channel, the same technique
// smux's Session uses for bucketNotify: a non-blocking send that drops the
// signal if nobody is waiting, because the next load of the window will
// observe the new value anyway.
type windowUpdateNotifier chan struct{}

func newWindowUpdateNotifier() windowUpdateNotifier {
	return make(windowUpdateNotifier, 1)
}

func (n windowUpdateNotifier) notify() {
	select {
	case n <- struct{}{}:
	default:
	}
}

// channelCtx is everything the Scheduler tracks for one open channel. It is
// owned by the Scheduler. The per-channel reader task holds the same pointer
// but only updates windowSize and bytesTx (both atomic) and waits on
// windowUpdated; the ids and maximumPacketSize it reads never change after
// construction, so unregistering the channel never requires joining that task.
type channelCtx struct {
	localID   LocalChannelID
	distantID DistantChannelID

	localState   channelState
	distantState channelState

	initialWindowSize uint32
	windowSize        *atomic.Uint64 // bytes we may still send before blocking on a WINDOW-ADJUST
	windowUpdated     windowUpdateNotifier
	remoteWindowSize  uint32 // bytes the peer may still send before we must credit more

	maximumPacketSize uint16

	destination DestinationURL

	// bytesTx is mutated by the per-channel reader task (local stream ->
	// peer) concurrently with the Scheduler reading it for a TrafficEvent,
	// hence atomic. bytesRx is Scheduler-owned (every inbound DATA is
	// handled on the Scheduler goroutine) and needs no synchronization.
	bytesTx   *atomic.Uint64
	bytesRx   uint64
	connectAt time.Time
	abnormal  bool
}

func newChannelCtx(local LocalChannelID, distant DistantChannelID, initialWindowSize uint32, maxPacketSize uint16, dest DestinationURL) *channelCtx {
	ws := new(atomic.Uint64)
	ws.Store(uint64(initialWindowSize))
	return &channelCtx{
		localID:           local,
		distantID:         distant,
		localState:        stateStreaming,
		distantState:      stateStreaming,
		initialWindowSize: initialWindowSize,
		windowSize:        ws,
		windowUpdated:     newWindowUpdateNotifier(),
		remoteWindowSize:  initialWindowSize,
		maximumPacketSize: maxPacketSize,
		destination:       dest,
		bytesTx:           new(atomic.Uint64),
	}
}

// bothClosed reports whether the channel is ready to be unregistered.
func (c *channelCtx) bothClosed() bool {
	return c.localState == stateClosed && c.distantState == stateClosed
}
