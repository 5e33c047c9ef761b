// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package jmux

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
)

// Bounded inter-task queue sizes. Saturation stalls producers; this is the
// intended flow-control complement to the per-channel window.
const (
	outboundQueueSize      = 512
	channelWriterQueueSize = 256
	internalEventQueueSize = 32
	apiRequestQueueSize    = 32
)

// OpenResult is delivered on the channel returned by Requester.OpenChannel.
type OpenResult struct {
	ID         LocalChannelID
	ReasonCode ReasonCode // only meaningful when Err != nil
	Err        error
}

// apiRequest is the Requester API's internal representation of one of the
// two operations it exposes.
type apiRequest struct {
	openDestination DestinationURL
	openReply       chan OpenResult

	startID       LocalChannelID
	startStream   net.Conn
	startLeftover []byte
	isStart       bool
}

// Requester is the external control surface for a running Proxy: the only
// way to open an outbound channel and bind a resolved stream to it.
//
// The caller pattern is open, await success, then start: the core does not
// automatically attach a stream to an outbound open, which lets the caller
// perform additional handshaking (e.g. a SOCKS reply) before multiplexing
// begins.
type Requester struct {
	requests chan apiRequest
}

// OpenChannel asks the peer to open a channel to destination and returns a
// channel that receives exactly one OpenResult.
func (r *Requester) OpenChannel(ctx context.Context, destination DestinationURL) (<-chan OpenResult, error) {
	reply := make(chan OpenResult, 1)
	req := apiRequest{openDestination: destination, openReply: reply}
	select {
	case r.requests <- req:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start binds stream to a channel that was previously opened successfully.
// leftover, if non-nil, is sent to the peer as a DATA frame before the
// per-channel reader begins forwarding stream's bytes.
func (r *Requester) Start(ctx context.Context, id LocalChannelID, stream net.Conn, leftover []byte) error {
	req := apiRequest{isStart: true, startID: id, startStream: stream, startLeftover: leftover}
	select {
	case r.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Proxy orchestrates one JMUX multiplex over a pair of byte-stream halves.
// Construct with New, optionally customize with WithConfig, then call Run.
type Proxy struct {
	cfg       Config
	reader    io.Reader
	writer    io.Writer
	requests  chan apiRequest
	requester *Requester
}

// New constructs a Proxy over the given outer-transport halves. reader and
// writer are typically the two directions of the same connection (TCP, TLS,
// a WebSocket byte-stream adapter, ...); the core only requires that bytes
// written to writer eventually arrive readable from the peer's reader.
func New(reader io.Reader, writer io.Writer) *Proxy {
	requests := make(chan apiRequest, apiRequestQueueSize)
	return &Proxy{
		reader:    reader,
		writer:    writer,
		requests:  requests,
		requester: &Requester{requests: requests},
	}
}

// WithConfig overrides the default Config (no filtering, default dialer).
func (p *Proxy) WithConfig(cfg Config) *Proxy {
	p.cfg = cfg
	return p
}

// Requester returns the handle used to open channels and attach streams to
// them. Always non-nil; a Proxy with no caller ever driving it through this
// handle still serves inbound OPENs from the peer.
func (p *Proxy) Requester() *Requester {
	return p.requester
}

// Run drives both the Scheduler and the Sender task to completion. It
// returns when ctx is cancelled, when the outer transport reports a clean
// disconnect, or when an unrecoverable error occurs (the Sender task failing
// to write, or maxConsecutiveTransportErrors dirty read errors in a row on
// the outer transport). Whichever of the two tasks stops first cancels the
// other.
func (p *Proxy) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	toSend := make(chan Message, outboundQueueSize)

	senderErrCh := make(chan error, 1)
	go func() {
		err := runSender(ctx, p.writer, toSend)
		cancel()
		senderErrCh <- err
	}()

	schedulerErr := runScheduler(ctx, p.cfg, p.reader, p.requests, toSend)
	cancel()
	senderErr := <-senderErrCh

	switch {
	case schedulerErr != nil && senderErr != nil:
		return errors.Errorf("both scheduler and sender tasks failed: %v & %v", schedulerErr, senderErr)
	case schedulerErr != nil:
		return errors.Wrap(schedulerErr, "scheduler task failed")
	case senderErr != nil:
		return errors.Wrap(senderErr, "sender task failed")
	default:
		return nil
	}
}
