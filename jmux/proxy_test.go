package jmux

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// fakeDialer hands back one end of an in-memory net.Pipe for every dial,
// keeping the other end reachable to the test as the simulated backend.
type fakeDialer struct {
	conn net.Conn
	err  error
}

func (d fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func waitForEvent(t *testing.T, observer *collectingObserver, n int) []TrafficEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if events := observer.snapshot(); len(events) >= n {
			return events
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d TrafficEvent(s), got %d", n, len(observer.snapshot()))
		}
	}
}

// TestProxyDataRoundTripAndCleanClose exercises the whole lifecycle: a client
// opens a channel, attaches a local stream, data flows both ways, and a
// clean EOF on the client's local stream propagates through the half-close
// handshake until both sides unregister the channel and recycle its id.
func TestProxyDataRoundTripAndCleanClose(t *testing.T) {
	clientTransport, serverTransport := net.Pipe()

	clientObserver := &collectingObserver{}
	serverObserver := &collectingObserver{}

	clientProxy := New(clientTransport, clientTransport).WithConfig(Config{Observer: clientObserver})

	backendPeer, backendStream := net.Pipe()
	serverProxy := New(serverTransport, serverTransport).WithConfig(Config{
		Observer: serverObserver,
		Dialer:   fakeDialer{conn: backendStream},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrs := make(chan error, 2)
	go func() { runErrs <- clientProxy.Run(ctx) }()
	go func() { runErrs <- serverProxy.Run(ctx) }()

	dest := NewDestinationURL("tcp", "backend.internal", 80)
	reply, err := clientProxy.Requester().OpenChannel(ctx, dest)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	result := <-reply
	if result.Err != nil {
		t.Fatalf("OpenChannel result error: %v", result.Err)
	}

	localPeer, localStream := net.Pipe()
	if err := clientProxy.Requester().Start(ctx, result.ID, localStream, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clientToBackend := []byte("hello from the client")
	serverToClient := []byte("hello from the backend")

	writeErrs := make(chan error, 1)
	go func() {
		_, err := localPeer.Write(clientToBackend)
		writeErrs <- err
	}()
	buf := make([]byte, len(clientToBackend))
	if _, err := io.ReadFull(backendPeer, buf); err != nil {
		t.Fatalf("backend read: %v", err)
	}
	if string(buf) != string(clientToBackend) {
		t.Fatalf("backend received %q, want %q", buf, clientToBackend)
	}
	if err := <-writeErrs; err != nil {
		t.Fatalf("client write: %v", err)
	}

	go func() {
		_, err := backendPeer.Write(serverToClient)
		writeErrs <- err
	}()
	buf = make([]byte, len(serverToClient))
	if _, err := io.ReadFull(localPeer, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != string(serverToClient) {
		t.Fatalf("client received %q, want %q", buf, serverToClient)
	}
	if err := <-writeErrs; err != nil {
		t.Fatalf("backend write: %v", err)
	}

	// Closing the client's local stream drives a clean half-close: EOF
	// propagates to the server, which closes the backend stream, whose own
	// clean EOF propagates CLOSE back, finishing the handshake both ways.
	localPeer.Close()

	clientEvents := waitForEvent(t, clientObserver, 1)
	serverEvents := waitForEvent(t, serverObserver, 1)

	if clientEvents[0].Outcome != EventOutcomeNormalTermination {
		t.Fatalf("client outcome = %s, want normal-termination", clientEvents[0].Outcome)
	}
	if serverEvents[0].Outcome != EventOutcomeNormalTermination {
		t.Fatalf("server outcome = %s, want normal-termination", serverEvents[0].Outcome)
	}
	if clientEvents[0].BytesTx != uint64(len(clientToBackend)) {
		t.Fatalf("client BytesTx = %d, want %d", clientEvents[0].BytesTx, len(clientToBackend))
	}
	if clientEvents[0].BytesRx != uint64(len(serverToClient)) {
		t.Fatalf("client BytesRx = %d, want %d", clientEvents[0].BytesRx, len(serverToClient))
	}
	if serverEvents[0].BytesRx != uint64(len(clientToBackend)) {
		t.Fatalf("server BytesRx = %d, want %d", serverEvents[0].BytesRx, len(clientToBackend))
	}
	if serverEvents[0].BytesTx != uint64(len(serverToClient)) {
		t.Fatalf("server BytesTx = %d, want %d", serverEvents[0].BytesTx, len(serverToClient))
	}

	// Both ids must have been recycled: opening a second channel from the
	// client reuses the same local id.
	reply2, err := clientProxy.Requester().OpenChannel(ctx, dest)
	if err != nil {
		t.Fatalf("second OpenChannel: %v", err)
	}

	select {
	case result2 := <-reply2:
		if result2.Err == nil && result2.ID != result.ID {
			t.Fatalf("second OpenChannel got id %s, want the recycled id %s", result2.ID, result.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the second OpenChannel's result")
	}

	cancel()
	<-runErrs
	<-runErrs
}

// TestProxyConnectFailureEmitsEventAndFreesID exercises a peer-initiated OPEN
// whose Stream Resolver Task fails to dial: the peer must receive
// OPEN-FAILURE, and the side that attempted the resolve must free the
// reserved id and emit a ConnectFailure TrafficEvent.
func TestProxyConnectFailureEmitsEventAndFreesID(t *testing.T) {
	clientTransport, serverTransport := net.Pipe()

	serverObserver := &collectingObserver{}
	clientProxy := New(clientTransport, clientTransport)
	serverProxy := New(serverTransport, serverTransport).WithConfig(Config{
		Observer: serverObserver,
		Dialer:   fakeDialer{err: errors.New("dial tcp: connection refused")},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrs := make(chan error, 2)
	go func() { runErrs <- clientProxy.Run(ctx) }()
	go func() { runErrs <- serverProxy.Run(ctx) }()

	dest := NewDestinationURL("tcp", "unreachable.internal", 9)
	reply, err := clientProxy.Requester().OpenChannel(ctx, dest)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	select {
	case result := <-reply:
		if result.Err == nil {
			t.Fatalf("expected OpenChannel to fail when the peer cannot resolve the destination")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OPEN-FAILURE")
	}

	events := waitForEvent(t, serverObserver, 1)
	if events[0].Outcome != EventOutcomeConnectFailure {
		t.Fatalf("outcome = %s, want connect-failure", events[0].Outcome)
	}

	cancel()
	<-runErrs
	<-runErrs
}
