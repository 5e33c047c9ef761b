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
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrIncomplete is returned by DecodeFrame when fewer bytes are buffered than
// the header's declared length; the caller should read more and retry.
var ErrIncomplete = errors.New("jmux: incomplete frame")

// ErrOversizedFrame is returned when a header declares a total length beyond
// MaximumPacketSize.
var ErrOversizedFrame = errors.New("jmux: frame exceeds maximum packet size")

// ErrMalformed is returned when a frame body cannot be parsed for its type.
var ErrMalformed = errors.New("jmux: malformed frame body")

// DecodeFrame attempts to decode a single message from the front of buf. It
// returns the decoded message and the number of bytes consumed. If fewer
// bytes are buffered than the header declares, it returns ErrIncomplete and
// consumed == 0; the caller must buffer more bytes before retrying.
//
// This is the pure, allocation-light decoder exercised directly by tests; the
// network-facing Decoder below wraps it around a buffered reader.
func DecodeFrame(buf []byte) (msg Message, consumed int, err error) {
	if len(buf) < HeaderSize {
		return Message{}, 0, ErrIncomplete
	}

	typ := msgType(buf[0])
	// buf[1] is the reserved flags byte.
	length := binary.BigEndian.Uint16(buf[2:4])

	if length > MaximumPacketSize {
		return Message{}, 0, ErrOversizedFrame
	}
	if int(length) < HeaderSize {
		return Message{}, 0, errors.Wrapf(ErrMalformed, "declared length %d shorter than header", length)
	}
	if len(buf) < int(length) {
		return Message{}, 0, ErrIncomplete
	}

	body := buf[HeaderSize:length]
	msg, err = decodeBody(typ, body)
	if err != nil {
		return Message{}, 0, err
	}
	return msg, int(length), nil
}

func decodeBody(typ msgType, body []byte) (Message, error) {
	switch typ {
	case msgOpen:
		if len(body) < 4+4+2+2 {
			return Message{}, errors.Wrap(ErrMalformed, "OPEN too short")
		}
		sender := binary.BigEndian.Uint32(body[0:4])
		initWin := binary.BigEndian.Uint32(body[4:8])
		maxPacket := binary.BigEndian.Uint16(body[8:10])
		urlLen := binary.BigEndian.Uint16(body[10:12])
		if len(body) < 12+int(urlLen) {
			return Message{}, errors.Wrap(ErrMalformed, "OPEN destination url truncated")
		}
		dest, err := ParseDestinationURL(string(body[12 : 12+urlLen]))
		if err != nil {
			return Message{}, errors.Wrap(err, "OPEN destination url")
		}
		return Message{Open: &OpenMsg{
			SenderChannelID:   sender,
			InitialWindowSize: initWin,
			MaximumPacketSize: maxPacket,
			DestinationURL:    dest,
		}}, nil

	case msgOpenSuccess:
		if len(body) < 4+4+4+2 {
			return Message{}, errors.Wrap(ErrMalformed, "OPEN-SUCCESS too short")
		}
		return Message{OpenSuccess: &OpenSuccessMsg{
			RecipientChannelID: binary.BigEndian.Uint32(body[0:4]),
			SenderChannelID:    binary.BigEndian.Uint32(body[4:8]),
			InitialWindowSize:  binary.BigEndian.Uint32(body[8:12]),
			MaximumPacketSize:  binary.BigEndian.Uint16(body[12:14]),
		}}, nil

	case msgOpenFailure:
		if len(body) < 4+4+2 {
			return Message{}, errors.Wrap(ErrMalformed, "OPEN-FAILURE too short")
		}
		descLen := binary.BigEndian.Uint16(body[8:10])
		if len(body) < 10+int(descLen) {
			return Message{}, errors.Wrap(ErrMalformed, "OPEN-FAILURE description truncated")
		}
		return Message{OpenFailure: &OpenFailureMsg{
			RecipientChannelID: binary.BigEndian.Uint32(body[0:4]),
			ReasonCode:         ReasonCode(binary.BigEndian.Uint32(body[4:8])),
			Description:        string(body[10 : 10+descLen]),
		}}, nil

	case msgWindowAdjust:
		if len(body) < 4+4 {
			return Message{}, errors.Wrap(ErrMalformed, "WINDOW-ADJUST too short")
		}
		return Message{WindowAdjust: &WindowAdjustMsg{
			RecipientChannelID: binary.BigEndian.Uint32(body[0:4]),
			WindowAdjustment:   binary.BigEndian.Uint32(body[4:8]),
		}}, nil

	case msgData:
		if len(body) < 4+2 {
			return Message{}, errors.Wrap(ErrMalformed, "DATA too short")
		}
		dataLen := binary.BigEndian.Uint16(body[4:6])
		if len(body) < 6+int(dataLen) {
			return Message{}, errors.Wrap(ErrMalformed, "DATA payload truncated")
		}
		payload := make([]byte, dataLen)
		copy(payload, body[6:6+dataLen])
		return Message{Data: &DataMsg{
			RecipientChannelID: binary.BigEndian.Uint32(body[0:4]),
			TransferData:       payload,
		}}, nil

	case msgEof:
		if len(body) < 4 {
			return Message{}, errors.Wrap(ErrMalformed, "EOF too short")
		}
		return Message{Eof: &EofMsg{RecipientChannelID: binary.BigEndian.Uint32(body[0:4])}}, nil

	case msgClose:
		if len(body) < 4 {
			return Message{}, errors.Wrap(ErrMalformed, "CLOSE too short")
		}
		return Message{Close: &CloseMsg{RecipientChannelID: binary.BigEndian.Uint32(body[0:4])}}, nil

	default:
		return Message{}, errors.Wrapf(ErrMalformed, "unknown message type %d", typ)
	}
}

// EncodeInto appends the wire representation of msg to buf, growing and
// returning the extended slice. Callers that reuse buf across calls (by
// slicing it back to len 0) avoid a per-frame allocation once the backing
// array is warm, matching the sender task's usage.
func EncodeInto(buf []byte, msg Message) ([]byte, error) {
	start := len(buf)
	buf = append(buf, 0, 0, 0, 0) // placeholder header, filled in below

	var typ msgType
	switch {
	case msg.Open != nil:
		typ = msgOpen
		m := msg.Open
		buf = appendU32(buf, m.SenderChannelID)
		buf = appendU32(buf, m.InitialWindowSize)
		buf = appendU16(buf, m.MaximumPacketSize)
		url := m.DestinationURL.String()
		if len(url) > 0xFFFF {
			return nil, errors.Errorf("destination url too long: %d bytes", len(url))
		}
		buf = appendU16(buf, uint16(len(url)))
		buf = append(buf, url...)

	case msg.OpenSuccess != nil:
		typ = msgOpenSuccess
		m := msg.OpenSuccess
		buf = appendU32(buf, m.RecipientChannelID)
		buf = appendU32(buf, m.SenderChannelID)
		buf = appendU32(buf, m.InitialWindowSize)
		buf = appendU16(buf, m.MaximumPacketSize)

	case msg.OpenFailure != nil:
		typ = msgOpenFailure
		m := msg.OpenFailure
		buf = appendU32(buf, m.RecipientChannelID)
		buf = appendU32(buf, uint32(m.ReasonCode))
		if len(m.Description) > 0xFFFF {
			return nil, errors.Errorf("open-failure description too long: %d bytes", len(m.Description))
		}
		buf = appendU16(buf, uint16(len(m.Description)))
		buf = append(buf, m.Description...)

	case msg.WindowAdjust != nil:
		typ = msgWindowAdjust
		m := msg.WindowAdjust
		buf = appendU32(buf, m.RecipientChannelID)
		buf = appendU32(buf, m.WindowAdjustment)

	case msg.Data != nil:
		typ = msgData
		m := msg.Data
		if len(m.TransferData) > 0xFFFF {
			return nil, errors.Errorf("data payload too long: %d bytes", len(m.TransferData))
		}
		buf = appendU32(buf, m.RecipientChannelID)
		buf = appendU16(buf, uint16(len(m.TransferData)))
		buf = append(buf, m.TransferData...)

	case msg.Eof != nil:
		typ = msgEof
		buf = appendU32(buf, msg.Eof.RecipientChannelID)

	case msg.Close != nil:
		typ = msgClose
		buf = appendU32(buf, msg.Close.RecipientChannelID)

	default:
		return nil, errors.New("jmux: empty message")
	}

	total := len(buf) - start
	if total > MaximumPacketSize {
		return nil, errors.Errorf("encoded frame of %d bytes exceeds maximum packet size", total)
	}

	buf[start] = byte(typ)
	buf[start+1] = 0 // flags, reserved
	binary.BigEndian.PutUint16(buf[start+2:start+4], uint16(total))

	return buf, nil
}

func appendU16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Decoder reads length-delimited JMUX frames off a byte stream through a
// 16 KiB buffered reader, allocating a fresh body slice for each frame. It
// mirrors the framing half of smux's recvLoop: read the fixed header first,
// then read exactly as many body bytes as it declares.
type Decoder struct {
	r   *bufio.Reader
	hdr [HeaderSize]byte
}

// NewDecoder wraps r for frame-at-a-time reading.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 16*1024)}
}

// ReadMessage reads and decodes exactly one frame, blocking until the full
// frame has arrived. Returns io.EOF when the peer closed the stream cleanly
// between frames.
func (d *Decoder) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return Message{}, err
	}

	typ := msgType(d.hdr[0])
	length := binary.BigEndian.Uint16(d.hdr[2:4])
	if length > MaximumPacketSize {
		// Skip the declared body so the next read starts at the following header.
		if _, err := d.r.Discard(int(length) - HeaderSize); err != nil {
			return Message{}, err
		}
		return Message{}, ErrOversizedFrame
	}
	if int(length) < HeaderSize {
		return Message{}, errors.Wrapf(ErrMalformed, "declared length %d shorter than header", length)
	}

	bodyLen := int(length) - HeaderSize
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(d.r, body); err != nil {
			return Message{}, err
		}
	}

	return decodeBody(typ, body)
}
