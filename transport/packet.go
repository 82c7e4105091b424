package transport

import (
	"errors"
	"fmt"
)

// PacketType identifies the type of a supernet packet. It occupies the low
// three bits of the header byte.
type PacketType byte

const (
	PacketPing PacketType = iota
	PacketFindPeers
	PacketRoute
	// PacketConnect and PacketDisconnect are reserved.
	PacketConnect
	PacketDisconnect
)

// Header bit layout: bits[7:4] magic, bit 3 request flag, bits[2:0] type.
const (
	HeaderMagic     byte = 0x20
	HeaderMagicMask byte = 0xF0
	HeaderRequest   byte = 0x08
	HeaderTypeMask  byte = 0x07
)

var (
	// ErrMalformedPacket is returned for datagrams that are too short or
	// otherwise cannot be decoded.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrForeignPacket is returned when the header magic does not match.
	// Such datagrams are not errors on the wire and are silently ignored.
	ErrForeignPacket = errors.New("foreign packet")
)

func (t PacketType) String() string {
	switch t {
	case PacketPing:
		return "PING"
	case PacketFindPeers:
		return "FIND_PEERS"
	case PacketRoute:
		return "ROUTE"
	case PacketConnect:
		return "CONNECT"
	case PacketDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Packet represents a supernet datagram: a header byte followed by the
// type-specific body in Data.
type Packet struct {
	PacketType PacketType
	Request    bool
	Data       []byte
}

// Header returns the encoded header byte.
func (p *Packet) Header() byte {
	h := HeaderMagic | (byte(p.PacketType) & HeaderTypeMask)
	if p.Request {
		h |= HeaderRequest
	}
	return h
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if byte(p.PacketType)&^HeaderTypeMask != 0 {
		return nil, fmt.Errorf("packet type %d does not fit the header", p.PacketType)
	}

	// Format: [header (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = p.Header()
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a datagram to a Packet structure. The returned
// packet owns a copy of the body so the caller may reuse its buffer.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformedPacket)
	}

	header := data[0]
	if header&HeaderMagicMask != HeaderMagic {
		return nil, fmt.Errorf("%w: header 0x%02x", ErrForeignPacket, header)
	}

	packet := &Packet{
		PacketType: PacketType(header & HeaderTypeMask),
		Request:    header&HeaderRequest != 0,
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
