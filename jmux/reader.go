package jmux

import (
	"context"
	"net"
	"sync/atomic"
)

// runChannelReader is the per-channel Reader Task: it pumps bytes out of the
// local stream and into DATA frames, never sending more than the peer's
// granted window allows. It exits (reporting eventReaderEOF) the moment the
// local stream's read side ends, whether cleanly or not; the scheduler alone
// decides what that means for the channel.
func runChannelReader(ctx context.Context, channel *channelCtx, stream net.Conn, toSend chan<- Message, events chan<- internalEvent) {
	buf := make([]byte, channel.maximumPacketSize)

	for {
		limit, err := awaitSendWindow(ctx, channel)
		if err != nil {
			return
		}

		n, readErr := stream.Read(buf[:limit])
		if n > 0 {
			consumeSendWindow(channel.windowSize, uint64(n))
			channel.bytesTx.Add(uint64(n))
			payload := make([]byte, n)
			copy(payload, buf[:n])
			select {
			case toSend <- newDataMessage(channel.distantID, payload):
			case <-ctx.Done():
				return
			}
		}

		if readErr != nil {
			reportInternalEvent(ctx, events, internalEvent{kind: eventReaderEOF, localID: channel.localID, err: readErr})
			return
		}
	}
}

// awaitSendWindow blocks until the channel has at least one byte of send
// window, returning how much may be read in one go (bounded by both the
// window and the negotiated maximum packet size).
func awaitSendWindow(ctx context.Context, channel *channelCtx) (uint32, error) {
	for {
		window := channel.windowSize.Load()
		if window > 0 {
			limit := uint64(channel.maximumPacketSize)
			if window < limit {
				limit = window
			}
			return uint32(limit), nil
		}
		select {
		case <-channel.windowUpdated:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// consumeSendWindow subtracts n from w. atomic.Uint64 has no Sub, so a
// subtraction is expressed as adding its two's-complement delta, the
// standard trick for AddUint64-style counters.
func consumeSendWindow(w *atomic.Uint64, n uint64) {
	w.Add(^(n - 1))
}

func reportInternalEvent(ctx context.Context, events chan<- internalEvent, ev internalEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
