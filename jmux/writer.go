package jmux

import (
	"context"
	"net"
)

// channelHalfCloser is implemented by *net.TCPConn and similar stream types
// that can shut down one direction independently of the other.
type channelHalfCloser interface {
	CloseWrite() error
}

// runChannelWriter is the per-channel Writer Task: it dequeues peer-supplied
// bytes (and EOF signals) and writes them to the local stream. A write
// failure is reported once via eventWriterFailed and ends the task; the
// scheduler decides what that means for the channel.
func runChannelWriter(ctx context.Context, channel *channelCtx, stream net.Conn, queue <-chan writerCommand, events chan<- internalEvent) {
	for {
		select {
		case cmd, ok := <-queue:
			if !ok {
				return
			}
			if cmd.eof {
				closeWriteHalf(stream)
				continue
			}
			if _, err := stream.Write(cmd.data); err != nil {
				reportInternalEvent(ctx, events, internalEvent{kind: eventWriterFailed, localID: channel.localID, err: err})
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func closeWriteHalf(stream net.Conn) {
	if hc, ok := stream.(channelHalfCloser); ok {
		hc.CloseWrite()
		return
	}
	stream.Close()
}
