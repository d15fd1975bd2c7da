// Package harp encodes and decodes Harp binary protocol messages.
package harp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/KevinKickass/OpenInputExpander/internal/types"
)

type MessageType uint8

// Message types. ErrorFlag is or-ed into the type of a rejected reply.
const (
	MessageRead  MessageType = 0x01
	MessageWrite MessageType = 0x02
	MessageEvent MessageType = 0x03

	ErrorFlag MessageType = 0x08
)

// DefaultPort addresses the device itself.
const DefaultPort uint8 = 0xFF

const (
	headerSize    = 5 // type, length, address, port, payload type
	timestampSize = 6
	checksumSize  = 1

	// MaxMessageSize bounds a frame: the length byte counts at most 255
	// bytes after the first two.
	MaxMessageSize = 2 + 255
)

var (
	ErrShortMessage = errors.New("message too short")
	ErrLength       = errors.New("length field mismatch")
	ErrChecksum     = errors.New("checksum mismatch")
	ErrPayloadType  = errors.New("unknown payload type")
	ErrPayloadSize  = errors.New("payload not a multiple of element size")
)

// Message is one Harp frame:
//
//	[type][length][address][port][payload type][timestamp?][payload][checksum]
//
// The timestamp is present when the payload type carries the timestamp flag.
type Message struct {
	Type        MessageType
	Address     uint8
	Port        uint8
	PayloadType types.PayloadType
	Seconds     uint32
	Micros      uint16 // in units of 32 microseconds
	Payload     []byte
}

func (t MessageType) Base() MessageType {
	return t &^ ErrorFlag
}

func (t MessageType) IsError() bool {
	return t&ErrorFlag != 0
}

func (t MessageType) String() string {
	var s string
	switch t.Base() {
	case MessageRead:
		s = "READ"
	case MessageWrite:
		s = "WRITE"
	case MessageEvent:
		s = "EVENT"
	default:
		s = fmt.Sprintf("TYPE(%d)", uint8(t.Base()))
	}
	if t.IsError() {
		s += "_ERROR"
	}
	return s
}

// HasTimestamp reports whether the frame carries a timestamp.
func (m *Message) HasTimestamp() bool {
	return m.PayloadType&types.PayloadTimestampFlag != 0
}

// Elements returns the number of values in the payload.
func (m *Message) Elements() int {
	size := m.PayloadType.Size()
	if size == 0 {
		return 0
	}
	return len(m.Payload) / size
}

// Encode builds the complete frame including the checksum.
func (m *Message) Encode() []byte {
	tsLen := 0
	if m.HasTimestamp() {
		tsLen = timestampSize
	}

	frame := make([]byte, headerSize+tsLen+len(m.Payload)+checksumSize)
	frame[0] = byte(m.Type)
	frame[1] = byte(len(frame) - 2)
	frame[2] = m.Address
	frame[3] = m.Port
	frame[4] = byte(m.PayloadType)

	off := headerSize
	if tsLen > 0 {
		binary.LittleEndian.PutUint32(frame[off:], m.Seconds)
		binary.LittleEndian.PutUint16(frame[off+4:], m.Micros)
		off += tsLen
	}
	copy(frame[off:], m.Payload)

	frame[len(frame)-1] = Checksum(frame[:len(frame)-1])
	return frame
}

// DecodeMessage parses a complete frame.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < headerSize+checksumSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(data))
	}

	if int(data[1]) != len(data)-2 {
		return nil, fmt.Errorf("%w: length %d, frame %d bytes", ErrLength, data[1], len(data))
	}

	if sum := Checksum(data[:len(data)-1]); sum != data[len(data)-1] {
		return nil, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksum, sum, data[len(data)-1])
	}

	m := &Message{
		Type:        MessageType(data[0]),
		Address:     data[2],
		Port:        data[3],
		PayloadType: types.PayloadType(data[4]),
	}

	if !m.PayloadType.Valid() {
		return nil, fmt.Errorf("%w: 0x%02X", ErrPayloadType, data[4])
	}

	body := data[headerSize : len(data)-1]
	if m.HasTimestamp() {
		if len(body) < timestampSize {
			return nil, fmt.Errorf("%w: missing timestamp", ErrShortMessage)
		}
		m.Seconds = binary.LittleEndian.Uint32(body[0:4])
		m.Micros = binary.LittleEndian.Uint16(body[4:6])
		body = body[timestampSize:]
	}

	if len(body)%m.PayloadType.Size() != 0 {
		return nil, fmt.Errorf("%w: %d bytes of %s", ErrPayloadSize, len(body), m.PayloadType)
	}
	if len(body) > 0 {
		m.Payload = append([]byte(nil), body...)
	}

	return m, nil
}

// ReadMessage reads exactly one frame from r.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	frame := make([]byte, 2+int(head[1]))
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[2:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return DecodeMessage(frame)
}

// Checksum is the byte sum of data modulo 256.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// ReadRequest builds a read command for address.
func ReadRequest(address uint8, t types.PayloadType) *Message {
	return &Message{
		Type:        MessageRead,
		Address:     address,
		Port:        DefaultPort,
		PayloadType: t,
	}
}

// WriteRequest builds a write command carrying payload.
func WriteRequest(address uint8, t types.PayloadType, payload []byte) *Message {
	return &Message{
		Type:        MessageWrite,
		Address:     address,
		Port:        DefaultPort,
		PayloadType: t,
		Payload:     payload,
	}
}

// Reply answers request with payload. A non-nil err marks the reply as an
// error reply.
func Reply(request *Message, payload []byte, err error) *Message {
	t := request.Type.Base()
	if err != nil {
		t |= ErrorFlag
	}
	return &Message{
		Type:        t,
		Address:     request.Address,
		Port:        request.Port,
		PayloadType: request.PayloadType.Base(),
		Payload:     payload,
	}
}
