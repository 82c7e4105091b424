package dht

import (
	"net"
	"net/netip"
	"sync"

	"github.com/opd-ai/supernet/transport"
)

// MockTransport implements transport.Transport for testing
type MockTransport struct {
	sendFunc      func(packet *transport.Packet, addr net.Addr) error
	localAddr     net.Addr
	handlers      map[transport.PacketType]transport.PacketHandler
	sentPackets   []*transport.Packet
	sentAddresses []net.Addr
	mu            sync.Mutex
}

func newMockTransport(localAddr string) *MockTransport {
	return &MockTransport{
		localAddr:     net.UDPAddrFromAddrPort(netip.MustParseAddrPort(localAddr)),
		handlers:      make(map[transport.PacketType]transport.PacketHandler),
		sentPackets:   make([]*transport.Packet, 0),
		sentAddresses: make([]net.Addr, 0),
		sendFunc:      func(packet *transport.Packet, addr net.Addr) error { return nil },
	}
}

func (m *MockTransport) Send(packet *transport.Packet, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentPackets = append(m.sentPackets, packet)
	m.sentAddresses = append(m.sentAddresses, addr)
	return m.sendFunc(packet, addr)
}

func (m *MockTransport) Close() error {
	return nil
}

func (m *MockTransport) LocalAddr() net.Addr {
	return m.localAddr
}

func (m *MockTransport) RegisterHandler(packetType transport.PacketType, handler transport.PacketHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[packetType] = handler
}

func (m *MockTransport) GetSentPackets() ([]*transport.Packet, []net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	packets := make([]*transport.Packet, len(m.sentPackets))
	addrs := make([]net.Addr, len(m.sentAddresses))
	copy(packets, m.sentPackets)
	copy(addrs, m.sentAddresses)
	return packets, addrs
}

func (m *MockTransport) ResetSentPackets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentPackets = m.sentPackets[:0]
	m.sentAddresses = m.sentAddresses[:0]
}

func (m *MockTransport) SetSendFunc(fn func(packet *transport.Packet, addr net.Addr) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendFunc = fn
}

// idWithPrefix returns an identifier whose leading bytes are prefix and
// whose remaining bytes are zero.
func idWithPrefix(prefix ...byte) ID {
	var id ID
	copy(id[:], prefix)
	return id
}

func udpAddr(s string) net.Addr {
	return net.UDPAddrFromAddrPort(netip.MustParseAddrPort(s))
}

func mustAddrPort(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func netip4(a, b, c, d byte, port uint16) string {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{a, b, c, d}), port).String()
}
