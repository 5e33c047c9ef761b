package jmux

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// senderFlushInterval bounds how long a frame can sit buffered before it is
// actually written out, keeping a burst of small frames (a WINDOW-ADJUST
// chasing a DATA, say) to a single syscall instead of one each.
const senderFlushInterval = 10 * time.Millisecond

// runSender is the Sender Task: the only goroutine that ever writes to the
// outer transport. It owns a reused encode buffer the same way smux's
// sendLoop reuses its staging buffer across writes.
func runSender(ctx context.Context, w io.Writer, toSend <-chan Message) error {
	bw := bufio.NewWriterSize(w, 16*1024)
	buf := make([]byte, 0, MaximumPacketSize)

	ticker := time.NewTicker(senderFlushInterval)
	defer ticker.Stop()
	dirty := false

	for {
		select {
		case msg, ok := <-toSend:
			if !ok {
				if dirty {
					return bw.Flush()
				}
				return nil
			}

			var err error
			buf, err = EncodeInto(buf[:0], msg)
			if err != nil {
				return errors.Wrap(err, "encoding outbound frame")
			}
			if _, err := bw.Write(buf); err != nil {
				return err
			}
			dirty = true

		case <-ticker.C:
			if !dirty {
				continue
			}
			if err := bw.Flush(); err != nil {
				return err
			}
			dirty = false

		case <-ctx.Done():
			if dirty {
				return bw.Flush()
			}
			return nil
		}
	}
}
