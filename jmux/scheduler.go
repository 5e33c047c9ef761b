package jmux

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/pkg/errors"
)

// maxConsecutiveTransportErrors bounds how many dirty (non-clean) outer
// transport read errors in a row the frame reader will tolerate before
// giving up; mirrors the consecutive-failure safety net smux's readLoop
// applies around its underlying connection.
const maxConsecutiveTransportErrors = 5

// eventKind discriminates the internal (i.e. not wire-carried) events the
// scheduler reacts to, alongside Requester API requests and inbound frames.
type eventKind int

const (
	eventStreamResolved eventKind = iota
	eventReaderEOF
	eventWriterFailed
	eventResolveFailed
)

// internalEvent is how goroutines spawned by the scheduler (the Stream
// Resolver Task, and each channel's Reader/Writer Task) report back to it.
// Exactly one payload field is meaningful, selected by kind.
type internalEvent struct {
	kind eventKind

	resolved *resolvedStream // eventStreamResolved
	channel  *channelCtx     // eventResolveFailed

	localID LocalChannelID // eventReaderEOF, eventWriterFailed
	err     error
}

// writerCommand is sent to a channel's Writer Task: either a chunk of
// peer-originated data to write to the local stream, or a request to close
// the write half once the peer has signalled EOF.
type writerCommand struct {
	data []byte
	eof  bool
}

// pendingOpen is what the scheduler remembers about a local OpenChannel
// request while awaiting the peer's OPEN-SUCCESS/OPEN-FAILURE, so the
// destination is still known once the channel is registered (and thus
// available to a TrafficEvent).
type pendingOpen struct {
	destination DestinationURL
	reply       chan OpenResult
}

// liveChannel is the scheduler's bookkeeping for one registered channel. A
// channel exists in this table from the moment its destination resolves (for
// peer-initiated opens) or the peer's OPEN-SUCCESS arrives (for
// locally-initiated opens) until both directions are closed.
type liveChannel struct {
	ctx         *channelCtx
	writerQueue chan writerCommand
	pendingData [][]byte // buffered until writerQueue exists (Start not yet called)
	cancel      context.CancelFunc
}

// scheduler is the single-threaded event loop that owns every channel's
// state. It is the only place that table is mutated, so no locking is
// needed; everything else communicates with it over channels.
type scheduler struct {
	cfg Config

	toSend   chan<- Message
	requests <-chan apiRequest
	events   chan internalEvent

	channels     map[LocalChannelID]*liveChannel
	ids          *idAllocator
	pendingOpens map[LocalChannelID]pendingOpen

	needsWindowAdjustment map[LocalChannelID]struct{}
}

// frameResult is what the background frame-reading goroutine hands to the
// scheduler for each read attempt against the outer transport.
type frameResult struct {
	msg Message

	protoErr     error
	transportErr error
	clean        bool
	fatal        bool
}

func isProtocolError(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrOversizedFrame)
}

// runFrameReader continuously decodes frames off decoder, forwarding each
// outcome to out. A protocol error does not stop the loop: the frame is
// simply dropped and decoding resumes at the next header. A clean transport
// disconnect stops the loop immediately. Dirty transport errors are retried
// until maxConsecutiveTransportErrors of them occur in a row; that last one
// is reported as fatal and ends the loop.
func runFrameReader(decoder *Decoder, out chan<- frameResult) {
	consecutiveDirty := 0
	for {
		msg, err := decoder.ReadMessage()
		if err == nil {
			consecutiveDirty = 0
			out <- frameResult{msg: msg}
			continue
		}

		if isProtocolError(err) {
			out <- frameResult{protoErr: err}
			continue
		}

		if isCleanDisconnect(err) {
			out <- frameResult{transportErr: err, clean: true}
			return
		}

		consecutiveDirty++
		fatal := consecutiveDirty >= maxConsecutiveTransportErrors
		out <- frameResult{transportErr: err, fatal: fatal}
		if fatal {
			return
		}
	}
}

// closedSignal is always ready to receive from; selecting on it (rather than
// on nil) is how the scheduler's loop expresses a conditional case, the same
// nil-or-closed-channel trick smux's shaperLoop uses to fold an "if the set
// is non-empty" guard into a select statement.
var closedSignal = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// runScheduler is the Scheduler Task: it owns the channel table and is the
// sole consumer of inbound frames, Requester API requests, and internal
// events from subtasks. It returns when the outer transport closes (nil on a
// clean disconnect) or when it cannot continue (a wrapped error).
func runScheduler(ctx context.Context, cfg Config, r io.Reader, requests <-chan apiRequest, toSend chan<- Message) error {
	s := &scheduler{
		cfg:                   cfg,
		toSend:                toSend,
		requests:              requests,
		events:                make(chan internalEvent, internalEventQueueSize),
		channels:              make(map[LocalChannelID]*liveChannel),
		ids:                   newIDAllocator(),
		pendingOpens:          make(map[LocalChannelID]pendingOpen),
		needsWindowAdjustment: make(map[LocalChannelID]struct{}),
	}

	decoder := NewDecoder(r)
	inbound := make(chan frameResult, 1)
	go runFrameReader(decoder, inbound)

	for {
		var sweep <-chan struct{}
		if len(s.needsWindowAdjustment) > 0 {
			sweep = closedSignal
		}

		select {
		case <-ctx.Done():
			return nil

		case req := <-s.requests:
			s.handleAPIRequest(ctx, req)

		case fr := <-inbound:
			if done, err := s.handleFrameResult(ctx, fr); done {
				return err
			}

		case ev := <-s.events:
			s.handleInternalEvent(ctx, ev)

		case <-sweep:
			s.sweepWindowAdjustments()
		}
	}
}

func (s *scheduler) handleFrameResult(ctx context.Context, fr frameResult) (done bool, err error) {
	if fr.protoErr != nil {
		log.Printf("jmux: dropping malformed frame: %v", fr.protoErr)
		return false, nil
	}
	if fr.transportErr != nil {
		if fr.clean {
			return true, nil
		}
		log.Printf("jmux: transport read error: %v", fr.transportErr)
		if fr.fatal {
			return true, errors.Wrap(fr.transportErr, "too many consecutive transport errors")
		}
		return false, nil
	}
	s.handleInboundMessage(ctx, fr.msg)
	return false, nil
}

func (s *scheduler) handleAPIRequest(ctx context.Context, req apiRequest) {
	if req.isStart {
		s.handleStart(ctx, req)
		return
	}
	s.handleOpenChannel(req)
}

func (s *scheduler) handleOpenChannel(req apiRequest) {
	id, ok := s.ids.alloc()
	if !ok {
		req.openReply <- OpenResult{Err: errors.New("jmux: channel id space exhausted")}
		close(req.openReply)
		return
	}
	localID := LocalChannelID(id)
	s.pendingOpens[localID] = pendingOpen{destination: req.openDestination, reply: req.openReply}
	s.toSend <- newOpenMessage(localID, defaultMaximumPacketSize, req.openDestination)
}

func (s *scheduler) handleStart(ctx context.Context, req apiRequest) {
	live, ok := s.channels[req.startID]
	if !ok {
		log.Printf("jmux: Start called for unknown channel %s", req.startID)
		req.startStream.Close()
		return
	}
	if live.writerQueue != nil {
		log.Printf("jmux: Start called twice for channel %s", req.startID)
		return
	}

	if len(req.startLeftover) > 0 {
		consumeSendWindow(live.ctx.windowSize, uint64(len(req.startLeftover)))
		s.toSend <- newDataMessage(live.ctx.distantID, req.startLeftover)
	}

	live.writerQueue = make(chan writerCommand, channelWriterQueueSize)
	taskCtx, cancel := context.WithCancel(ctx)
	live.cancel = cancel

	go runChannelReader(taskCtx, live.ctx, req.startStream, s.toSend, s.events)
	go runChannelWriter(taskCtx, live.ctx, req.startStream, live.writerQueue, s.events)

	for _, chunk := range live.pendingData {
		live.writerQueue <- writerCommand{data: chunk}
	}
	live.pendingData = nil
}

func (s *scheduler) handleInboundMessage(ctx context.Context, msg Message) {
	switch {
	case msg.Open != nil:
		s.handleInboundOpen(ctx, msg.Open)
	case msg.OpenSuccess != nil:
		s.handleInboundOpenSuccess(msg.OpenSuccess)
	case msg.OpenFailure != nil:
		s.handleInboundOpenFailure(msg.OpenFailure)
	case msg.WindowAdjust != nil:
		s.handleInboundWindowAdjust(msg.WindowAdjust)
	case msg.Data != nil:
		s.handleInboundData(msg.Data)
	case msg.Eof != nil:
		s.handleInboundEof(msg.Eof)
	case msg.Close != nil:
		s.handleInboundClose(msg.Close)
	}
}

func (s *scheduler) handleInboundOpen(ctx context.Context, m *OpenMsg) {
	distant := DistantChannelID(m.SenderChannelID)

	if err := s.cfg.filteringOrDefault().ValidateDestination(m.DestinationURL); err != nil {
		s.toSend <- newOpenFailureMessage(distant, ReasonConnectionNotAllowedByRuleset, err.Error())
		return
	}

	id, ok := s.ids.alloc()
	if !ok {
		s.toSend <- newOpenFailureMessage(distant, ReasonGeneralFailure, "channel id space exhausted")
		return
	}

	maxPacket := clampMaximumPacketSize(m.MaximumPacketSize)
	channel := newChannelCtx(LocalChannelID(id), distant, defaultInitialWindowSize, maxPacket, m.DestinationURL)
	channel.windowSize.Store(uint64(m.InitialWindowSize))

	go resolveStream(ctx, s.cfg.dialerOrDefault(), channel, m.DestinationURL, s.toSend, s.events)
}

func (s *scheduler) handleInboundOpenSuccess(m *OpenSuccessMsg) {
	localID := LocalChannelID(m.RecipientChannelID)
	pending, ok := s.pendingOpens[localID]
	if !ok {
		log.Printf("jmux: OPEN-SUCCESS for unknown pending channel %s", localID)
		return
	}
	delete(s.pendingOpens, localID)

	maxPacket := clampMaximumPacketSize(m.MaximumPacketSize)
	channel := newChannelCtx(localID, DistantChannelID(m.SenderChannelID), defaultInitialWindowSize, maxPacket, pending.destination)
	channel.windowSize.Store(uint64(m.InitialWindowSize))
	channel.connectAt = time.Now()
	s.channels[localID] = &liveChannel{ctx: channel}

	pending.reply <- OpenResult{ID: localID}
	close(pending.reply)
}

func (s *scheduler) handleInboundOpenFailure(m *OpenFailureMsg) {
	localID := LocalChannelID(m.RecipientChannelID)
	pending, ok := s.pendingOpens[localID]
	if !ok {
		log.Printf("jmux: OPEN-FAILURE for unknown pending channel %s", localID)
		return
	}
	delete(s.pendingOpens, localID)
	s.ids.free(uint32(localID))

	pending.reply <- OpenResult{ReasonCode: m.ReasonCode, Err: errors.Errorf("jmux: open failed: %s (%s)", m.ReasonCode, m.Description)}
	close(pending.reply)
}

func (s *scheduler) handleInboundWindowAdjust(m *WindowAdjustMsg) {
	live, ok := s.channels[LocalChannelID(m.RecipientChannelID)]
	if !ok {
		return
	}
	live.ctx.windowSize.Add(uint64(m.WindowAdjustment))
	live.ctx.windowUpdated.notify()
}

func (s *scheduler) handleInboundData(m *DataMsg) {
	localID := LocalChannelID(m.RecipientChannelID)
	live, ok := s.channels[localID]
	if !ok {
		log.Printf("jmux: DATA for unknown channel %s", localID)
		return
	}
	if live.ctx.localState == stateClosed {
		return
	}

	n := uint32(len(m.TransferData))
	if n > uint32(live.ctx.maximumPacketSize) {
		log.Printf("jmux: channel %s received oversized DATA (%d bytes, max %d), dropping", localID, n, live.ctx.maximumPacketSize)
		return
	}
	if n > live.ctx.remoteWindowSize {
		log.Printf("jmux: channel %s exceeded its granted window, clamping", localID)
		n = live.ctx.remoteWindowSize
	}
	live.ctx.remoteWindowSize -= n
	live.ctx.bytesRx += uint64(n)

	if live.writerQueue != nil {
		live.writerQueue <- writerCommand{data: m.TransferData}
	} else {
		live.pendingData = append(live.pendingData, m.TransferData)
	}

	if live.ctx.initialWindowSize-live.ctx.remoteWindowSize > WindowAdjustmentThreshold {
		s.needsWindowAdjustment[localID] = struct{}{}
	}
}

func (s *scheduler) handleInboundEof(m *EofMsg) {
	localID := LocalChannelID(m.RecipientChannelID)
	live, ok := s.channels[localID]
	if !ok {
		return
	}
	live.ctx.distantState = stateEof
	if live.writerQueue != nil {
		live.writerQueue <- writerCommand{eof: true}
	}
	if live.ctx.localState == stateEof {
		live.ctx.localState = stateClosed
		s.toSend <- newCloseMessage(live.ctx.distantID)
	}
	s.unregisterIfDone(localID, live)
}

func (s *scheduler) handleInboundClose(m *CloseMsg) {
	localID := LocalChannelID(m.RecipientChannelID)
	live, ok := s.channels[localID]
	if !ok {
		return
	}
	live.ctx.distantState = stateClosed
	if live.ctx.localState == stateEof {
		live.ctx.localState = stateClosed
		s.toSend <- newCloseMessage(live.ctx.distantID)
	}
	s.unregisterIfDone(localID, live)
}

func (s *scheduler) handleInternalEvent(ctx context.Context, ev internalEvent) {
	switch ev.kind {
	case eventStreamResolved:
		s.handleStreamResolved(ctx, ev.resolved)
	case eventReaderEOF:
		s.handleReaderEOF(ev.localID, ev.err)
	case eventWriterFailed:
		s.handleWriterFailed(ev.localID, ev.err)
	case eventResolveFailed:
		s.handleResolveFailed(ev.channel)
	}
}

func (s *scheduler) handleStreamResolved(ctx context.Context, resolved *resolvedStream) {
	channel := resolved.channel
	taskCtx, cancel := context.WithCancel(ctx)
	live := &liveChannel{
		ctx:         channel,
		writerQueue: make(chan writerCommand, channelWriterQueueSize),
		cancel:      cancel,
	}
	channel.connectAt = time.Now()
	s.channels[channel.localID] = live

	s.toSend <- newOpenSuccessMessage(channel.distantID, channel.localID, defaultInitialWindowSize, channel.maximumPacketSize)

	go runChannelReader(taskCtx, channel, resolved.stream, s.toSend, s.events)
	go runChannelWriter(taskCtx, channel, resolved.stream, live.writerQueue, s.events)
}

func (s *scheduler) handleReaderEOF(localID LocalChannelID, err error) {
	live, ok := s.channels[localID]
	if !ok {
		return
	}
	if live.ctx.localState == stateClosed {
		// A writer failure already closed our side and sent CLOSE.
		return
	}
	if !isCleanDisconnect(err) {
		log.Printf("jmux: channel %s local read failed: %v", localID, err)
		live.ctx.abnormal = true
	}

	switch live.ctx.distantState {
	case stateStreaming:
		live.ctx.localState = stateEof
		s.toSend <- newEofMessage(live.ctx.distantID)
	case stateEof, stateClosed:
		live.ctx.localState = stateClosed
		s.toSend <- newCloseMessage(live.ctx.distantID)
	}
	s.unregisterIfDone(localID, live)
}

func (s *scheduler) handleWriterFailed(localID LocalChannelID, err error) {
	live, ok := s.channels[localID]
	if !ok {
		return
	}
	log.Printf("jmux: channel %s local write failed: %v", localID, err)
	live.ctx.localState = stateClosed
	live.ctx.abnormal = true
	s.toSend <- newCloseMessage(live.ctx.distantID)
	if live.cancel != nil {
		live.cancel()
	}
	s.unregisterIfDone(localID, live)
}

// handleResolveFailed frees the id reserved for a peer-initiated OPEN whose
// Stream Resolver Task never produced a connected stream. OPEN-FAILURE was
// already sent directly to the peer by the resolver; this channel was never
// registered in s.channels, so there is nothing to unregister here.
func (s *scheduler) handleResolveFailed(channel *channelCtx) {
	s.ids.free(uint32(channel.localID))
	s.emitTrafficEvent(channel, EventOutcomeConnectFailure)
}

func (s *scheduler) unregisterIfDone(localID LocalChannelID, live *liveChannel) {
	if !live.ctx.bothClosed() {
		return
	}
	if live.cancel != nil {
		live.cancel()
	}
	delete(s.channels, localID)
	delete(s.needsWindowAdjustment, localID)
	s.ids.free(uint32(localID))

	outcome := EventOutcomeNormalTermination
	if live.ctx.abnormal {
		outcome = EventOutcomeAbnormalTermination
	}
	s.emitTrafficEvent(live.ctx, outcome)
}

// emitTrafficEvent dispatches a TrafficEvent to the configured observer, if
// any. Runs synchronously on the Scheduler goroutine; observers must not
// block.
func (s *scheduler) emitTrafficEvent(channel *channelCtx, outcome EventOutcome) {
	observer := s.cfg.observerOrNil()
	if observer == nil {
		return
	}

	now := time.Now()
	connectAt := channel.connectAt
	if connectAt.IsZero() {
		connectAt = now
	}
	observer.ObserveTrafficEvent(TrafficEvent{
		LocalID:        channel.localID,
		Destination:    channel.destination,
		Outcome:        outcome,
		BytesTx:        channel.bytesTx.Load(),
		BytesRx:        channel.bytesRx,
		ConnectAt:      connectAt,
		DisconnectAt:   now,
		ActiveDuration: now.Sub(connectAt),
	})
}

func (s *scheduler) sweepWindowAdjustments() {
	for localID := range s.needsWindowAdjustment {
		live, ok := s.channels[localID]
		if !ok {
			delete(s.needsWindowAdjustment, localID)
			continue
		}
		credit := live.ctx.initialWindowSize - live.ctx.remoteWindowSize
		live.ctx.remoteWindowSize += credit
		s.toSend <- newWindowAdjustMessage(live.ctx.distantID, credit)
		delete(s.needsWindowAdjustment, localID)
	}
}

func clampMaximumPacketSize(requested uint16) uint16 {
	if requested == 0 || requested > defaultMaximumPacketSize {
		return defaultMaximumPacketSize
	}
	return requested
}
