package transport

import (
	"errors"
	"net"
)

// ErrIOFailure wraps errors returned by the underlying socket.
var ErrIOFailure = errors.New("transport I/O failure")

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr net.Addr) error

// RawHandler receives datagrams that are not supernet packets.
type RawHandler func(data []byte, addr net.Addr)

// RawConn is implemented by transports that can exchange headerless
// datagrams on the same socket, which lets a STUN query observe the mapping
// of the socket the node actually listens on.
type RawConn interface {
	SendRaw(data []byte, addr net.Addr) error
	SetForeignHandler(handler RawHandler)
}

// Transport defines the datagram boundary used by the routing core.
// Implementations deliver whole datagrams and treat sends as
// fire-and-forget.
type Transport interface {
	// Send sends a packet to the specified address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}
