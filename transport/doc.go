// Package transport implements the datagram boundary of supernet: the
// one-byte packet header, a UDP transport with its receive loop, and
// STUN-based external address discovery.
//
// # Packet Header
//
// Every supernet datagram starts with a single header byte:
//
//	bits[7:4]  magic nibble 0x2
//	bit 3      request flag
//	bits[2:0]  packet type (PING, FIND_PEERS, ROUTE, CONNECT, DISCONNECT)
//
// ParsePacket rejects datagrams whose magic nibble does not match with
// ErrForeignPacket. The receive loop treats those as foreign traffic, not as
// errors, and hands them to the foreign handler when one is installed.
//
// # Transport Interface
//
//	type Transport interface {
//	    Send(packet *Packet, addr net.Addr) error
//	    Close() error
//	    LocalAddr() net.Addr
//	    RegisterHandler(packetType PacketType, handler PacketHandler)
//	}
//
// UDPTransport dispatches each received datagram synchronously on its
// receive goroutine, so handlers observe packets in socket order. Send
// failures are wrapped with ErrIOFailure and never retried.
//
// # External Address Discovery
//
//	resolver := transport.NewSTUNResolver()
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	addr, err := resolver.Resolve(ctx, udp)
//
// The resolver sends its binding requests through the RawConn side of the
// UDP transport so the mapping it reports belongs to the listening socket.
package transport
