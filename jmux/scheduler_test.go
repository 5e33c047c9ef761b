package jmux

import (
	"sync"
	"testing"
)

// collectingObserver records every TrafficEvent it is handed, for assertion
// by tests exercising the close-handshake and connect-failure paths.
type collectingObserver struct {
	mu     sync.Mutex
	events []TrafficEvent
}

func (o *collectingObserver) ObserveTrafficEvent(ev TrafficEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *collectingObserver) snapshot() []TrafficEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]TrafficEvent(nil), o.events...)
}

func newTestScheduler(observer TrafficEventObserver) (*scheduler, chan Message) {
	sendCh := make(chan Message, 16)
	return &scheduler{
		cfg:                   Config{Observer: observer},
		toSend:                sendCh,
		channels:              make(map[LocalChannelID]*liveChannel),
		ids:                   newIDAllocator(),
		pendingOpens:          make(map[LocalChannelID]pendingOpen),
		needsWindowAdjustment: make(map[LocalChannelID]struct{}),
	}, sendCh
}

func TestHandleInboundDataDropsOversizedFrame(t *testing.T) {
	s, _ := newTestScheduler(nil)
	id, _ := s.ids.alloc()
	localID := LocalChannelID(id)
	ctx := newChannelCtx(localID, 99, defaultInitialWindowSize, 10, DestinationURL{})
	live := &liveChannel{ctx: ctx}
	s.channels[localID] = live

	s.handleInboundData(&DataMsg{RecipientChannelID: uint32(localID), TransferData: make([]byte, 20)})

	if len(live.pendingData) != 0 {
		t.Fatalf("oversized DATA must be dropped, got %d queued chunks", len(live.pendingData))
	}
	if ctx.remoteWindowSize != defaultInitialWindowSize {
		t.Fatalf("remoteWindowSize changed on a dropped frame: %d", ctx.remoteWindowSize)
	}
	if ctx.bytesRx != 0 {
		t.Fatalf("bytesRx changed on a dropped frame: %d", ctx.bytesRx)
	}
}

func TestHandleInboundDataClampsToWindow(t *testing.T) {
	s, _ := newTestScheduler(nil)
	id, _ := s.ids.alloc()
	localID := LocalChannelID(id)
	ctx := newChannelCtx(localID, 99, defaultInitialWindowSize, defaultMaximumPacketSize, DestinationURL{})
	ctx.remoteWindowSize = 5
	live := &liveChannel{ctx: ctx}
	s.channels[localID] = live

	s.handleInboundData(&DataMsg{RecipientChannelID: uint32(localID), TransferData: make([]byte, 20)})

	if ctx.remoteWindowSize != 0 {
		t.Fatalf("remoteWindowSize after clamp = %d, want 0", ctx.remoteWindowSize)
	}
	if ctx.bytesRx != 5 {
		t.Fatalf("bytesRx after clamp = %d, want 5 (the clamped amount)", ctx.bytesRx)
	}
	if len(live.pendingData) != 1 {
		t.Fatalf("expected the payload to still be delivered once clamped")
	}
}

func TestHandleInboundEofUpgradesWhenLocalAlreadyEof(t *testing.T) {
	observer := &collectingObserver{}
	s, sendCh := newTestScheduler(observer)
	id, _ := s.ids.alloc()
	localID := LocalChannelID(id)
	ctx := newChannelCtx(localID, 99, defaultInitialWindowSize, defaultMaximumPacketSize, DestinationURL{})
	ctx.localState = stateEof
	live := &liveChannel{ctx: ctx}
	s.channels[localID] = live

	s.handleInboundEof(&EofMsg{RecipientChannelID: uint32(localID)})

	if ctx.distantState != stateEof {
		t.Fatalf("distantState = %s, want eof", ctx.distantState)
	}
	if ctx.localState != stateClosed {
		t.Fatalf("localState = %s, want closed (upgraded from eof)", ctx.localState)
	}
	if _, ok := s.channels[localID]; !ok {
		t.Fatalf("channel must remain registered until the peer's CLOSE arrives, distant side is only eof")
	}
	select {
	case msg := <-sendCh:
		if msg.Close == nil {
			t.Fatalf("expected a CLOSE message, got %s", msg)
		}
	default:
		t.Fatalf("expected a CLOSE message to be sent")
	}

	if events := observer.snapshot(); len(events) != 0 {
		t.Fatalf("expected no TrafficEvent before unregistration, got %+v", events)
	}
}

func TestHandleInboundEofNoUpgradeWhenLocalStreaming(t *testing.T) {
	s, sendCh := newTestScheduler(nil)
	id, _ := s.ids.alloc()
	localID := LocalChannelID(id)
	ctx := newChannelCtx(localID, 99, defaultInitialWindowSize, defaultMaximumPacketSize, DestinationURL{})
	live := &liveChannel{ctx: ctx}
	s.channels[localID] = live

	s.handleInboundEof(&EofMsg{RecipientChannelID: uint32(localID)})

	if ctx.distantState != stateEof {
		t.Fatalf("distantState = %s, want eof", ctx.distantState)
	}
	if ctx.localState != stateStreaming {
		t.Fatalf("localState = %s, must stay streaming until our own side finishes", ctx.localState)
	}
	if _, ok := s.channels[localID]; !ok {
		t.Fatalf("channel must remain registered, only one side is done")
	}
	select {
	case msg := <-sendCh:
		t.Fatalf("no message should be sent yet, got %s", msg)
	default:
	}
}

func TestHandleInboundCloseUpgradesWhenLocalEof(t *testing.T) {
	observer := &collectingObserver{}
	s, sendCh := newTestScheduler(observer)
	id, _ := s.ids.alloc()
	localID := LocalChannelID(id)
	ctx := newChannelCtx(localID, 99, defaultInitialWindowSize, defaultMaximumPacketSize, DestinationURL{})
	ctx.localState = stateEof
	live := &liveChannel{ctx: ctx}
	s.channels[localID] = live

	s.handleInboundClose(&CloseMsg{RecipientChannelID: uint32(localID)})

	if ctx.localState != stateClosed || ctx.distantState != stateClosed {
		t.Fatalf("both sides should be closed, got local=%s distant=%s", ctx.localState, ctx.distantState)
	}
	if _, ok := s.channels[localID]; ok {
		t.Fatalf("channel should have been unregistered")
	}
	select {
	case msg := <-sendCh:
		if msg.Close == nil {
			t.Fatalf("expected a CLOSE message, got %s", msg)
		}
	default:
		t.Fatalf("expected the upgrade to emit a CLOSE message")
	}

	events := observer.snapshot()
	if len(events) != 1 || events[0].Outcome != EventOutcomeNormalTermination {
		t.Fatalf("expected one NormalTermination TrafficEvent, got %+v", events)
	}
}

func TestHandleInboundCloseNoUpgradeWhenLocalStreaming(t *testing.T) {
	s, sendCh := newTestScheduler(nil)
	id, _ := s.ids.alloc()
	localID := LocalChannelID(id)
	ctx := newChannelCtx(localID, 99, defaultInitialWindowSize, defaultMaximumPacketSize, DestinationURL{})
	live := &liveChannel{ctx: ctx}
	s.channels[localID] = live

	s.handleInboundClose(&CloseMsg{RecipientChannelID: uint32(localID)})

	if ctx.distantState != stateClosed {
		t.Fatalf("distantState = %s, want closed", ctx.distantState)
	}
	if ctx.localState != stateStreaming {
		t.Fatalf("localState = %s, must stay streaming", ctx.localState)
	}
	if _, ok := s.channels[localID]; !ok {
		t.Fatalf("channel must remain registered, our side hasn't finished")
	}
	select {
	case msg := <-sendCh:
		t.Fatalf("no message should be sent yet, got %s", msg)
	default:
	}
}

func TestHandleReaderEOFBranchesOnDistantState(t *testing.T) {
	t.Run("distant streaming emits EOF and stays registered", func(t *testing.T) {
		s, sendCh := newTestScheduler(nil)
		id, _ := s.ids.alloc()
		localID := LocalChannelID(id)
		ctx := newChannelCtx(localID, 99, defaultInitialWindowSize, defaultMaximumPacketSize, DestinationURL{})
		s.channels[localID] = &liveChannel{ctx: ctx}

		s.handleReaderEOF(localID, nil)

		if ctx.localState != stateEof {
			t.Fatalf("localState = %s, want eof", ctx.localState)
		}
		msg := <-sendCh
		if msg.Eof == nil {
			t.Fatalf("expected an EOF message, got %s", msg)
		}
		if _, ok := s.channels[localID]; !ok {
			t.Fatalf("channel must remain registered, distant side hasn't finished")
		}
	})

	t.Run("distant eof upgrades to closed and emits CLOSE", func(t *testing.T) {
		s, sendCh := newTestScheduler(nil)
		id, _ := s.ids.alloc()
		localID := LocalChannelID(id)
		ctx := newChannelCtx(localID, 99, defaultInitialWindowSize, defaultMaximumPacketSize, DestinationURL{})
		ctx.distantState = stateEof
		s.channels[localID] = &liveChannel{ctx: ctx}

		s.handleReaderEOF(localID, nil)

		if ctx.localState != stateClosed {
			t.Fatalf("localState = %s, want closed", ctx.localState)
		}
		msg := <-sendCh
		if msg.Close == nil {
			t.Fatalf("expected a CLOSE message, got %s", msg)
		}
		if _, ok := s.channels[localID]; !ok {
			t.Fatalf("channel must remain registered, distant side is only eof not closed")
		}
	})

	t.Run("distant already closed unregisters and emits CLOSE", func(t *testing.T) {
		observer := &collectingObserver{}
		s, sendCh := newTestScheduler(observer)
		id, _ := s.ids.alloc()
		localID := LocalChannelID(id)
		ctx := newChannelCtx(localID, 99, defaultInitialWindowSize, defaultMaximumPacketSize, DestinationURL{})
		ctx.distantState = stateClosed
		s.channels[localID] = &liveChannel{ctx: ctx}

		s.handleReaderEOF(localID, nil)

		if ctx.localState != stateClosed {
			t.Fatalf("localState = %s, want closed", ctx.localState)
		}
		msg := <-sendCh
		if msg.Close == nil {
			t.Fatalf("expected a CLOSE message, got %s", msg)
		}
		if _, ok := s.channels[localID]; ok {
			t.Fatalf("channel should have been unregistered")
		}
		events := observer.snapshot()
		if len(events) != 1 || events[0].Outcome != EventOutcomeNormalTermination {
			t.Fatalf("expected one NormalTermination TrafficEvent, got %+v", events)
		}
	})
}

func TestHandleResolveFailedFreesIDAndEmitsConnectFailure(t *testing.T) {
	observer := &collectingObserver{}
	s, _ := newTestScheduler(observer)
	id, _ := s.ids.alloc()
	localID := LocalChannelID(id)
	ctx := newChannelCtx(localID, 99, defaultInitialWindowSize, defaultMaximumPacketSize, DestinationURL{})

	s.handleResolveFailed(ctx)

	reused, ok := s.ids.alloc()
	if !ok || LocalChannelID(reused) != localID {
		t.Fatalf("id %d was not freed by handleResolveFailed", localID)
	}

	events := observer.snapshot()
	if len(events) != 1 || events[0].Outcome != EventOutcomeConnectFailure {
		t.Fatalf("expected one ConnectFailure TrafficEvent, got %+v", events)
	}
}
