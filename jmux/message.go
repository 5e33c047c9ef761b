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

// Package jmux implements the JMUX stream-multiplexing proxy: a bidirectional,
// connection-multiplexing protocol carrying many independent byte streams over
// a single reliable transport, with per-channel flow control and an ordered
// open/eof/close handshake.
package jmux

import "fmt"

// Protocol-wide size limits, per the wire specification.
const (
	// MaximumPacketSize is the largest total frame size (header included)
	// that either side may ever emit or accept.
	MaximumPacketSize = 4096

	// WindowAdjustmentThreshold is the minimum amount of consumed window
	// the scheduler will bother crediting back in a single WINDOW-ADJUST.
	WindowAdjustmentThreshold = 4096
)

const (
	sizeOfMsgType = 1
	sizeOfFlags   = 1
	sizeOfLength  = 2
	// HeaderSize is the fixed 4-byte frame header: type, flags, length.
	HeaderSize = sizeOfMsgType + sizeOfFlags + sizeOfLength
)

// msgType identifies the kind of frame carried after the header.
type msgType byte

const (
	msgOpen msgType = iota
	msgOpenSuccess
	msgOpenFailure
	msgWindowAdjust
	msgData
	msgEof
	msgClose
)

func (t msgType) String() string {
	switch t {
	case msgOpen:
		return "OPEN"
	case msgOpenSuccess:
		return "OPEN-SUCCESS"
	case msgOpenFailure:
		return "OPEN-FAILURE"
	case msgWindowAdjust:
		return "WINDOW-ADJUST"
	case msgData:
		return "DATA"
	case msgEof:
		return "EOF"
	case msgClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// LocalChannelID is a channel identifier allocated by this peer.
type LocalChannelID uint32

func (id LocalChannelID) String() string { return fmt.Sprintf("local(%d)", uint32(id)) }

// DistantChannelID is a channel identifier allocated by the remote peer.
type DistantChannelID uint32

func (id DistantChannelID) String() string { return fmt.Sprintf("distant(%d)", uint32(id)) }

// OpenMsg requests that the peer open a channel towards destination.
type OpenMsg struct {
	SenderChannelID   uint32
	InitialWindowSize uint32
	MaximumPacketSize uint16
	DestinationURL    DestinationURL
}

// OpenSuccessMsg acknowledges a successful OpenMsg.
type OpenSuccessMsg struct {
	RecipientChannelID uint32
	SenderChannelID    uint32
	InitialWindowSize  uint32
	MaximumPacketSize  uint16
}

// OpenFailureMsg reports that an OpenMsg could not be satisfied.
type OpenFailureMsg struct {
	RecipientChannelID uint32
	ReasonCode         ReasonCode
	Description        string
}

// WindowAdjustMsg credits the recipient channel with more send window.
type WindowAdjustMsg struct {
	RecipientChannelID uint32
	WindowAdjustment   uint32
}

// DataMsg carries a chunk of channel payload.
type DataMsg struct {
	RecipientChannelID uint32
	TransferData       []byte
}

// Size returns the number of bytes the payload occupies on the wire,
// length prefix included.
func (m DataMsg) Size() int { return sizeOfLength + len(m.TransferData) }

// dataFixedPartSize is the portion of a DATA body that is not payload bytes:
// the recipient channel id plus the payload's own length prefix.
const dataFixedPartSize = 4 + sizeOfLength

// EofMsg signals that no more data will arrive in one direction.
type EofMsg struct {
	RecipientChannelID uint32
}

// CloseMsg finalizes a channel in one direction.
type CloseMsg struct {
	RecipientChannelID uint32
}

// Message is the sum type of every frame the JMUX wire protocol can carry.
// Exactly one of the embedded pointers is non-nil.
type Message struct {
	Open         *OpenMsg
	OpenSuccess  *OpenSuccessMsg
	OpenFailure  *OpenFailureMsg
	WindowAdjust *WindowAdjustMsg
	Data         *DataMsg
	Eof          *EofMsg
	Close        *CloseMsg
}

func (m Message) String() string {
	switch {
	case m.Open != nil:
		return fmt.Sprintf("OPEN(sender=%d, url=%s)", m.Open.SenderChannelID, m.Open.DestinationURL)
	case m.OpenSuccess != nil:
		return fmt.Sprintf("OPEN-SUCCESS(recipient=%d, sender=%d)", m.OpenSuccess.RecipientChannelID, m.OpenSuccess.SenderChannelID)
	case m.OpenFailure != nil:
		return fmt.Sprintf("OPEN-FAILURE(recipient=%d, reason=%s)", m.OpenFailure.RecipientChannelID, m.OpenFailure.ReasonCode)
	case m.WindowAdjust != nil:
		return fmt.Sprintf("WINDOW-ADJUST(recipient=%d, +%d)", m.WindowAdjust.RecipientChannelID, m.WindowAdjust.WindowAdjustment)
	case m.Data != nil:
		return fmt.Sprintf("DATA(recipient=%d, len=%d)", m.Data.RecipientChannelID, len(m.Data.TransferData))
	case m.Eof != nil:
		return fmt.Sprintf("EOF(recipient=%d)", m.Eof.RecipientChannelID)
	case m.Close != nil:
		return fmt.Sprintf("CLOSE(recipient=%d)", m.Close.RecipientChannelID)
	default:
		return "INVALID"
	}
}

// Constructors mirror the shape of the handlers that consume them, so call
// sites read as "send an OPEN", not "build a Message and hope it's valid".

func newOpenMessage(id LocalChannelID, maxPacketSize uint16, dest DestinationURL) Message {
	return Message{Open: &OpenMsg{
		SenderChannelID:   uint32(id),
		InitialWindowSize: defaultInitialWindowSize,
		MaximumPacketSize: maxPacketSize,
		DestinationURL:    dest,
	}}
}

func newOpenSuccessMessage(recipient DistantChannelID, sender LocalChannelID, initialWindowSize uint32, maxPacketSize uint16) Message {
	return Message{OpenSuccess: &OpenSuccessMsg{
		RecipientChannelID: uint32(recipient),
		SenderChannelID:    uint32(sender),
		InitialWindowSize:  initialWindowSize,
		MaximumPacketSize:  maxPacketSize,
	}}
}

func newOpenFailureMessage(recipient DistantChannelID, reason ReasonCode, description string) Message {
	return Message{OpenFailure: &OpenFailureMsg{
		RecipientChannelID: uint32(recipient),
		ReasonCode:         reason,
		Description:        description,
	}}
}

func newWindowAdjustMessage(recipient DistantChannelID, adjustment uint32) Message {
	return Message{WindowAdjust: &WindowAdjustMsg{
		RecipientChannelID: uint32(recipient),
		WindowAdjustment:   adjustment,
	}}
}

func newDataMessage(recipient DistantChannelID, data []byte) Message {
	return Message{Data: &DataMsg{RecipientChannelID: uint32(recipient), TransferData: data}}
}

func newEofMessage(recipient DistantChannelID) Message {
	return Message{Eof: &EofMsg{RecipientChannelID: uint32(recipient)}}
}

func newCloseMessage(recipient DistantChannelID) Message {
	return Message{Close: &CloseMsg{RecipientChannelID: uint32(recipient)}}
}
