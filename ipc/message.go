// Package ipc carries platform-manager messages between the daemon that owns the
// Bluetooth stack and the application processes that use it.
//
// Every frame is a fixed 20 byte little-endian header followed by Length bytes of
// payload. Responses reuse the request's MessageID with the top bit set.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the encoded size of Header.
	HeaderSize = 20

	// ResponseMask marks a MessageID as the response to the request with the same low bits.
	ResponseMask uint32 = 0x80000000

	GroupMinimum uint32 = 0x00000100
	GroupMaximum uint32 = 0x0000FFFF

	// FunctionMinimum and FunctionMaximum bound the function ids owned by a group.
	// Anything below FunctionMinimum is framework control traffic.
	FunctionMinimum uint32 = 0x00001000
	FunctionMaximum uint32 = 0xFFFFFFFF

	// FunctionClientRegistration announces that a peer appeared or went away.
	FunctionClientRegistration uint32 = 0x00000001

	// ServerAddressID is the address of the daemon on every connection.
	ServerAddressID uint32 = 0x00000001

	// FirstClientAddressID is the first address the daemon hands to a client.
	FirstClientAddressID uint32 = 0x00000100

	DefaultMaxPayload = 64 * 1024
)

var errHeaderTooSmall = errors.New("buff too small")

// Header is the fixed prefix of every frame.
type Header struct {
	AddressID uint32
	MessageID uint32
	Group     uint32
	Function  uint32
	// Length is the payload size in bytes.
	Length uint32
}

// IsResponse reports whether the response bit is set.
func (h *Header) IsResponse() bool {
	return h.MessageID&ResponseMask != 0
}

// RequestID strips the response bit.
func (h *Header) RequestID() uint32 {
	return h.MessageID &^ ResponseMask
}

// EncodeHeader writes h into the first HeaderSize bytes of buf.
func EncodeHeader(buf []byte, h *Header) error {
	if len(buf) < HeaderSize {
		return errHeaderTooSmall
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.AddressID)
	binary.LittleEndian.PutUint32(buf[4:8], h.MessageID)
	binary.LittleEndian.PutUint32(buf[8:12], h.Group)
	binary.LittleEndian.PutUint32(buf[12:16], h.Function)
	binary.LittleEndian.PutUint32(buf[16:20], h.Length)
	return nil
}

// DecodeHeader reads a Header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errHeaderTooSmall
	}
	return Header{
		AddressID: binary.LittleEndian.Uint32(buf[0:4]),
		MessageID: binary.LittleEndian.Uint32(buf[4:8]),
		Group:     binary.LittleEndian.Uint32(buf[8:12]),
		Function:  binary.LittleEndian.Uint32(buf[12:16]),
		Length:    binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// Message is a header plus its payload.
type Message struct {
	Header
	Payload []byte
}

// NewMessage builds a message and fills in Length.
func NewMessage(addressID, messageID, group, function uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			AddressID: addressID,
			MessageID: messageID,
			Group:     group,
			Function:  function,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// NewResponse answers m: same address, group and function, response bit set.
func (m *Message) NewResponse(payload []byte) *Message {
	return NewMessage(m.AddressID, m.MessageID|ResponseMask, m.Group, m.Function, payload)
}

// Bytes encodes the whole frame.
func (m *Message) Bytes() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	h := m.Header
	h.Length = uint32(len(m.Payload))
	_ = EncodeHeader(buf, &h)
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

func (m *Message) String() string {
	return fmt.Sprintf("addr=0x%x id=0x%x group=0x%x func=0x%x len=%d",
		m.AddressID, m.MessageID, m.Group, m.Function, m.Length)
}

// NextID advances a 32-bit id sequence. Zero and values with ResponseMask set are
// never produced; the sequence restarts at 1 instead.
func NextID(id uint32) uint32 {
	id++
	if id == 0 || id&ResponseMask != 0 {
		return 1
	}
	return id
}

// ClientRegistrationSize is the payload size of a client registration message.
const ClientRegistrationSize = 5

// ClientRegistration is the payload of FunctionClientRegistration.
type ClientRegistration struct {
	AddressID  uint32
	Registered bool
}

func (c ClientRegistration) Encode() []byte {
	w := NewWriter(ClientRegistrationSize)
	w.Uint32(c.AddressID)
	w.Bool(c.Registered)
	return w.Bytes()
}

// DecodeClientRegistration parses a client registration payload.
func DecodeClientRegistration(payload []byte) (ClientRegistration, error) {
	r := NewReader(payload)
	c := ClientRegistration{
		AddressID:  r.Uint32(),
		Registered: r.Bool(),
	}
	return c, r.Err()
}

// NewClientRegistrationMessage builds the control message delivered to a group
// handler when a peer connects or disconnects.
func NewClientRegistrationMessage(group uint32, reg ClientRegistration) *Message {
	return NewMessage(ServerAddressID, 0, group, FunctionClientRegistration, reg.Encode())
}
