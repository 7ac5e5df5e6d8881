// Package packet implements the Packet Codec: framing of wire packets into
// type, connection id, stream id, and payload, big-endian and contiguous.
//
// Example:
//
//	wire := packet.Packet{Type: packet.Data, ConnectionID: cid, StreamID: 1, Payload: ciphertext}.Encode()
//	p, err := packet.Decode(wire)
package packet

import (
	"encoding/binary"
	"errors"
)

// Type identifies the kind of packet carried on the wire.
type Type byte

const (
	// HandshakeInit carries the initiator's first Noise IK message.
	HandshakeInit Type = 1
	// HandshakeResp carries the responder's Noise IK message.
	HandshakeResp Type = 2
	// Data carries an AEAD-sealed application payload on an established session.
	Data Type = 3
	// Ack is reserved for a per-message delivery acknowledgement; the
	// Session Manager never sends one and ignores any it receives.
	Ack Type = 4
)

// headerLen is the fixed-size prefix before payload: type(1) + connection_id(4) + stream_id(2).
const headerLen = 7

// ErrMalformedPacket is returned when a wire buffer is shorter than the
// fixed header or names an unrecognized type.
var ErrMalformedPacket = errors.New("packet: malformed")

// Packet is the decoded form of one wire datagram.
type Packet struct {
	Type         Type
	ConnectionID uint32
	StreamID     uint16
	Payload      []byte
}

// Encode serializes p into its wire representation.
//
// Wire format (all fields big-endian, contiguous, no alignment):
//
//	offset 0, 1 byte:  type
//	offset 1, 4 bytes: connection_id
//	offset 5, 2 bytes: stream_id (unused for HandshakeInit, HandshakeResp, Ack)
//	offset 7, n bytes: payload
func (p Packet) Encode() []byte {
	out := make([]byte, headerLen+len(p.Payload))
	out[0] = byte(p.Type)
	binary.BigEndian.PutUint32(out[1:5], p.ConnectionID)
	binary.BigEndian.PutUint16(out[5:7], p.StreamID)
	copy(out[headerLen:], p.Payload)
	return out
}

// Decode parses a wire datagram into a Packet. It fails with
// ErrMalformedPacket if the buffer is shorter than the fixed header or the
// type byte does not name a recognized Type.
func Decode(wire []byte) (Packet, error) {
	if len(wire) < headerLen {
		return Packet{}, ErrMalformedPacket
	}

	t := Type(wire[0])
	switch t {
	case HandshakeInit, HandshakeResp, Data, Ack:
	default:
		return Packet{}, ErrMalformedPacket
	}

	payload := make([]byte, len(wire)-headerLen)
	copy(payload, wire[headerLen:])

	return Packet{
		Type:         t,
		ConnectionID: binary.BigEndian.Uint32(wire[1:5]),
		StreamID:     binary.BigEndian.Uint16(wire[5:7]),
		Payload:      payload,
	}, nil
}
