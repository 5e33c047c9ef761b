package jmux

import (
	"sync/atomic"
	"testing"
)

func TestConsumeSendWindow(t *testing.T) {
	w := new(atomic.Uint64)
	w.Store(100)

	consumeSendWindow(w, 40)
	if got := w.Load(); got != 60 {
		t.Fatalf("window after consuming 40 = %d, want 60", got)
	}

	consumeSendWindow(w, 60)
	if got := w.Load(); got != 0 {
		t.Fatalf("window after consuming the rest = %d, want 0", got)
	}
}

func TestWindowUpdateNotifierDropsWhenUnread(t *testing.T) {
	n := newWindowUpdateNotifier()
	n.notify()
	n.notify() // must not block: a full 1-slot channel just drops the second signal

	select {
	case <-n:
	default:
		t.Fatalf("expected a pending notification")
	}
	select {
	case <-n:
		t.Fatalf("expected no second notification")
	default:
	}
}

func TestBothClosed(t *testing.T) {
	c := newChannelCtx(1, 2, defaultInitialWindowSize, defaultMaximumPacketSize, DestinationURL{})

	if c.bothClosed() {
		t.Fatalf("a freshly created channel must not be bothClosed")
	}

	c.localState = stateEof
	if c.bothClosed() {
		t.Fatalf("one side Eof must not be bothClosed")
	}

	c.localState = stateClosed
	if c.bothClosed() {
		t.Fatalf("only the local side Closed must not be bothClosed")
	}

	c.distantState = stateClosed
	if !c.bothClosed() {
		t.Fatalf("both sides Closed must report bothClosed")
	}
}

func TestChannelStateString(t *testing.T) {
	cases := map[channelState]string{
		stateStreaming:   "streaming",
		stateEof:         "eof",
		stateClosed:      "closed",
		channelState(99): "invalid",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
