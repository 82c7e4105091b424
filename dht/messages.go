package dht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/opd-ai/supernet/transport"
)

// ErrMalformedPacket is returned for bodies that are too short or otherwise
// unparseable. It is the transport sentinel so errors.Is works across both
// packages.
var ErrMalformedPacket = transport.ErrMalformedPacket

const (
	addrSize      = 4 + 2 // IPv4 + port
	peerEntrySize = IDLength + addrSize
	// MaxFindPeersResults bounds the entries in a FIND_PEERS response.
	MaxFindPeersResults = 8
	// MaxRoutePayload is the largest payload that fits a ROUTE datagram:
	// the IPv4 UDP limit minus header, target and hop count.
	MaxRoutePayload = 65507 - 1 - IDLength - 1
)

// ErrPayloadTooLarge is returned when a payload exceeds MaxRoutePayload.
var ErrPayloadTooLarge = errors.New("payload too large")

// PeerInfo is a peer as described on the wire.
type PeerInfo struct {
	ID   ID
	Addr netip.AddrPort
}

// PingRequest is sent to probe a peer. Body: [id:20].
type PingRequest struct {
	ID ID
}

// PingResponse answers a ping with the responder's id and the address the
// request was observed from. Body: [id:20][ipv4:4][port:2].
type PingResponse struct {
	ID       ID
	Observed netip.AddrPort
}

// FindPeersRequest asks for peers near Target. Body: [target:20].
type FindPeersRequest struct {
	Target ID
}

// FindPeersResponse lists peers near the requested target.
// Body: [count:1]([id:20][ipv4:4][port:2])*count.
type FindPeersResponse struct {
	Peers []PeerInfo
}

// RouteMessage carries an opaque payload toward Target.
// Body: [target:20][hops:1][payload:N].
type RouteMessage struct {
	Target  ID
	Hops    uint8
	Payload []byte
}

// Packet encodes the request.
func (m *PingRequest) Packet() *transport.Packet {
	data := make([]byte, IDLength)
	copy(data, m.ID[:])
	return &transport.Packet{PacketType: transport.PacketPing, Request: true, Data: data}
}

// ParsePingRequest decodes a ping request body.
func ParsePingRequest(data []byte) (*PingRequest, error) {
	if len(data) < IDLength {
		return nil, fmt.Errorf("%w: ping request of %d bytes", ErrMalformedPacket, len(data))
	}
	m := &PingRequest{}
	copy(m.ID[:], data[:IDLength])
	return m, nil
}

// Packet encodes the response.
func (m *PingResponse) Packet() (*transport.Packet, error) {
	data := make([]byte, IDLength+addrSize)
	copy(data, m.ID[:])
	if err := putAddr(data[IDLength:], m.Observed); err != nil {
		return nil, err
	}
	return &transport.Packet{PacketType: transport.PacketPing, Data: data}, nil
}

// ParsePingResponse decodes a ping response body.
func ParsePingResponse(data []byte) (*PingResponse, error) {
	if len(data) < IDLength+addrSize {
		return nil, fmt.Errorf("%w: ping response of %d bytes", ErrMalformedPacket, len(data))
	}
	m := &PingResponse{}
	copy(m.ID[:], data[:IDLength])
	m.Observed = readAddr(data[IDLength:])
	return m, nil
}

// Packet encodes the request.
func (m *FindPeersRequest) Packet() *transport.Packet {
	data := make([]byte, IDLength)
	copy(data, m.Target[:])
	return &transport.Packet{PacketType: transport.PacketFindPeers, Request: true, Data: data}
}

// ParseFindPeersRequest decodes a find peers request body.
func ParseFindPeersRequest(data []byte) (*FindPeersRequest, error) {
	if len(data) < IDLength {
		return nil, fmt.Errorf("%w: find peers request of %d bytes", ErrMalformedPacket, len(data))
	}
	m := &FindPeersRequest{}
	copy(m.Target[:], data[:IDLength])
	return m, nil
}

// Packet encodes the response.
func (m *FindPeersResponse) Packet() (*transport.Packet, error) {
	if len(m.Peers) > 0xFF {
		return nil, fmt.Errorf("find peers response with %d entries", len(m.Peers))
	}

	data := make([]byte, 1+len(m.Peers)*peerEntrySize)
	data[0] = byte(len(m.Peers))
	offset := 1
	for _, p := range m.Peers {
		copy(data[offset:], p.ID[:])
		if err := putAddr(data[offset+IDLength:], p.Addr); err != nil {
			return nil, err
		}
		offset += peerEntrySize
	}

	return &transport.Packet{PacketType: transport.PacketFindPeers, Data: data}, nil
}

// ParseFindPeersResponse decodes a find peers response body.
func ParseFindPeersResponse(data []byte) (*FindPeersResponse, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty find peers response", ErrMalformedPacket)
	}

	count := int(data[0])
	if len(data) < 1+count*peerEntrySize {
		return nil, fmt.Errorf("%w: find peers response truncated (%d entries, %d bytes)",
			ErrMalformedPacket, count, len(data))
	}

	m := &FindPeersResponse{Peers: make([]PeerInfo, count)}
	offset := 1
	for i := 0; i < count; i++ {
		copy(m.Peers[i].ID[:], data[offset:offset+IDLength])
		m.Peers[i].Addr = readAddr(data[offset+IDLength:])
		offset += peerEntrySize
	}
	return m, nil
}

// Packet encodes the route message.
func (m *RouteMessage) Packet() *transport.Packet {
	data := make([]byte, IDLength+1+len(m.Payload))
	copy(data, m.Target[:])
	data[IDLength] = m.Hops
	copy(data[IDLength+1:], m.Payload)
	return &transport.Packet{PacketType: transport.PacketRoute, Request: true, Data: data}
}

// ParseRouteMessage decodes a route body. The payload aliases data.
func ParseRouteMessage(data []byte) (*RouteMessage, error) {
	if len(data) < IDLength+1 {
		return nil, fmt.Errorf("%w: route message of %d bytes", ErrMalformedPacket, len(data))
	}
	m := &RouteMessage{
		Hops:    data[IDLength],
		Payload: data[IDLength+1:],
	}
	copy(m.Target[:], data[:IDLength])
	return m, nil
}

func putAddr(buf []byte, addr netip.AddrPort) error {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return fmt.Errorf("address %s is not IPv4", addr)
	}
	a4 := ip.As4()
	copy(buf[:4], a4[:])
	binary.BigEndian.PutUint16(buf[4:6], addr.Port())
	return nil
}

func readAddr(buf []byte) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(buf[:4])), binary.BigEndian.Uint16(buf[4:6]))
}
