package dht

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/supernet/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type protocolFixture struct {
	protocol  *Protocol
	table     *RoutingTable
	transport *MockTransport
	clock     *clock.Mock
	metrics   *Metrics
}

func newProtocolFixture(t *testing.T, self ID) *protocolFixture {
	t.Helper()
	mock := clock.NewMock()
	table := NewRoutingTable(self, &RoutingTableConfig{Clock: mock})
	tr := newMockTransport("10.0.0.254:33445")
	metrics := NewMetrics(prometheus.NewRegistry(), table)
	return &protocolFixture{
		protocol:  NewProtocol(table, tr, metrics),
		table:     table,
		transport: tr,
		clock:     mock,
		metrics:   metrics,
	}
}

func (f *protocolFixture) addAlive(t *testing.T, id ID, addr string) *Peer {
	t.Helper()
	p := seenPeer(id, addr, f.clock.Now())
	_, inserted := f.table.AddOrRefresh(p)
	require.True(t, inserted)
	return p
}

func TestRegisterHandlers(t *testing.T) {
	f := newProtocolFixture(t, ID{})
	f.protocol.RegisterHandlers()

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	assert.Len(t, f.transport.handlers, 5)
}

// Node A (all zero id) receives a PING from node B (all ones id) at
// 10.0.0.1:5000.
func TestHandlePingRequestScenario(t *testing.T) {
	f := newProtocolFixture(t, ID{})
	var b ID
	for i := range b {
		b[i] = 0xFF
	}
	from := udpAddr("10.0.0.1:5000")

	var notified []*Peer
	f.protocol.OnNewPeer(func(p *Peer) { notified = append(notified, p) })

	err := f.protocol.HandlePacket(reparse(t, (&PingRequest{ID: b}).Packet()), from)
	require.NoError(t, err)

	require.Equal(t, 1, f.table.Size())
	peer := f.table.AllPeers()[0]
	assert.Equal(t, b, peer.ID)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:5000"), peer.Addr)
	assert.Equal(t, StatusAlive, peer.Status(f.clock.Now()))
	assert.True(t, peer.FirstSeen().Equal(f.clock.Now()))
	assert.Len(t, notified, 1)

	packets, addrs := f.transport.GetSentPackets()
	require.Len(t, packets, 1)
	assert.Equal(t, from.String(), addrs[0].String())

	pong := reparse(t, packets[0])
	assert.Equal(t, transport.PacketPing, pong.PacketType)
	assert.False(t, pong.Request)
	resp, err := ParsePingResponse(pong.Data)
	require.NoError(t, err)
	assert.Equal(t, ID{}, resp.ID)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:5000"), resp.Observed)
}

func TestHandlePingRequestRefreshesExisting(t *testing.T) {
	f := newProtocolFixture(t, ID{})
	peer := f.addAlive(t, idWithPrefix(0x80), "10.0.0.1:5000")

	notified := 0
	f.protocol.OnNewPeer(func(*Peer) { notified++ })

	f.clock.Add(20 * time.Second)
	assert.Equal(t, StatusDying, peer.Status(f.clock.Now()))

	err := f.protocol.HandlePacket(reparse(t, (&PingRequest{ID: peer.ID}).Packet()), udpAddr("10.0.0.1:5000"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.table.Size())
	assert.Equal(t, StatusAlive, peer.Status(f.clock.Now()))
	assert.Zero(t, notified, "refresh is not a new peer")
}

func TestHandlePingFromSelfIgnored(t *testing.T) {
	self := idWithPrefix(0x55)
	f := newProtocolFixture(t, self)

	err := f.protocol.HandlePacket(reparse(t, (&PingRequest{ID: self}).Packet()), udpAddr("10.0.0.1:5000"))
	require.NoError(t, err)

	assert.Equal(t, 0, f.table.Size())
	packets, _ := f.transport.GetSentPackets()
	assert.Empty(t, packets)
}

func TestHandlePingResponse(t *testing.T) {
	f := newProtocolFixture(t, ID{})
	observed := netip.MustParseAddrPort("198.51.100.4:40000")

	_, ok := f.protocol.ObservedAddress()
	assert.False(t, ok)

	packet, err := (&PingResponse{ID: idWithPrefix(0x40), Observed: observed}).Packet()
	require.NoError(t, err)
	require.NoError(t, f.protocol.HandlePacket(reparse(t, packet), udpAddr("10.0.0.2:5000")))

	got, ok := f.protocol.ObservedAddress()
	require.True(t, ok)
	assert.Equal(t, observed, got)

	require.Equal(t, 1, f.table.Size())
	assert.Equal(t, StatusAlive, f.table.AllPeers()[0].Status(f.clock.Now()))

	packets, _ := f.transport.GetSentPackets()
	assert.Empty(t, packets, "a pong is never answered")
}

func TestHandleFindPeersRequest(t *testing.T) {
	f := newProtocolFixture(t, ID{})
	for i := 0; i < DefaultBucketSize; i++ {
		f.addAlive(t, idWithPrefix(0x80|byte(i)), netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 1, byte(i + 1)}), 5000).String())
	}
	f.addAlive(t, idWithPrefix(0x01), "10.0.2.1:5000")

	target := idWithPrefix(0x01, 0x02)
	err := f.protocol.HandlePacket(reparse(t, (&FindPeersRequest{Target: target}).Packet()), udpAddr("10.0.0.9:7000"))
	require.NoError(t, err)

	packets, addrs := f.transport.GetSentPackets()
	require.Len(t, packets, 1)
	assert.Equal(t, "10.0.0.9:7000", addrs[0].String())
	assert.False(t, packets[0].Request)

	resp, err := ParseFindPeersResponse(reparse(t, packets[0]).Data)
	require.NoError(t, err)
	require.Len(t, resp.Peers, MaxFindPeersResults)
	assert.Equal(t, idWithPrefix(0x01), resp.Peers[0].ID, "closest bucket comes first")
}

func TestHandleFindPeersRequestIncludesSelf(t *testing.T) {
	self := idWithPrefix(0x77)
	f := newProtocolFixture(t, self)
	f.addAlive(t, idWithPrefix(0x80), "10.0.0.1:5000")
	external := netip.MustParseAddrPort("203.0.113.10:33445")
	f.protocol.SetExternalAddress(external)

	got, ok := f.protocol.ExternalAddress()
	require.True(t, ok)
	assert.Equal(t, external, got)

	err := f.protocol.HandlePacket(reparse(t, (&FindPeersRequest{Target: self}).Packet()), udpAddr("10.0.0.9:7000"))
	require.NoError(t, err)

	packets, _ := f.transport.GetSentPackets()
	require.Len(t, packets, 1)
	resp, err := ParseFindPeersResponse(packets[0].Data)
	require.NoError(t, err)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, PeerInfo{ID: self, Addr: external}, resp.Peers[1])
}

func TestHandleFindPeersResponse(t *testing.T) {
	self := idWithPrefix(0x01)
	f := newProtocolFixture(t, self)

	var notified []*Peer
	f.protocol.OnNewPeer(func(p *Peer) { notified = append(notified, p) })

	known := f.addAlive(t, idWithPrefix(0x90), "10.0.0.3:5000")
	f.clock.Add(15 * time.Second)

	resp := &FindPeersResponse{Peers: []PeerInfo{
		{ID: self, Addr: netip.MustParseAddrPort("10.0.0.1:5000")},
		{ID: idWithPrefix(0x80), Addr: netip.MustParseAddrPort("10.0.0.2:5000")},
		{ID: idWithPrefix(0x81), Addr: netip.MustParseAddrPort("10.0.0.4:0")},
		{ID: known.ID, Addr: known.Addr},
	}}
	packet, err := resp.Packet()
	require.NoError(t, err)
	require.NoError(t, f.protocol.HandlePacket(reparse(t, packet), udpAddr("10.0.0.9:7000")))

	assert.Equal(t, 2, f.table.Size())
	require.Len(t, notified, 1)
	assert.Equal(t, idWithPrefix(0x80), notified[0].ID)
	assert.Equal(t, StatusUnknown, notified[0].Status(f.clock.Now()), "gossip does not mark seen")
	assert.Equal(t, StatusDying, known.Status(f.clock.Now()), "gossip does not refresh")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PeersDiscovered))
}

func TestHandleRouteDeliversToSelf(t *testing.T) {
	self := idWithPrefix(0x42)
	f := newProtocolFixture(t, self)

	var delivered []byte
	f.protocol.OnDeliver(func(payload []byte) { delivered = payload })

	packet := reparse(t, (&RouteMessage{Target: self, Hops: 1, Payload: []byte("data")}).Packet())
	require.NoError(t, f.protocol.HandlePacket(packet, udpAddr("10.0.0.1:5000")))

	assert.Equal(t, []byte("data"), delivered)
	packet.Data[len(packet.Data)-1] = 'X'
	assert.Equal(t, []byte("data"), delivered, "delivered payload is a copy")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RoutesDelivered))
}

func TestHandleRouteForwards(t *testing.T) {
	f := newProtocolFixture(t, ID{})
	closer := f.addAlive(t, idWithPrefix(0x01), "10.0.0.2:5000")
	f.addAlive(t, idWithPrefix(0x80), "10.0.0.3:5000")

	target := idWithPrefix(0x01, 0x23)
	packet := reparse(t, (&RouteMessage{Target: target, Hops: 5, Payload: []byte("p")}).Packet())
	require.NoError(t, f.protocol.HandlePacket(packet, udpAddr("10.0.0.1:5000")))

	packets, addrs := f.transport.GetSentPackets()
	require.Len(t, packets, 1)
	assert.Equal(t, closer.UDPAddr().String(), addrs[0].String())

	msg, err := ParseRouteMessage(packets[0].Data)
	require.NoError(t, err)
	assert.Equal(t, target, msg.Target)
	assert.Equal(t, uint8(4), msg.Hops)
	assert.Equal(t, []byte("p"), msg.Payload)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RoutesForwarded))
}

func TestHandleRouteExhausted(t *testing.T) {
	f := newProtocolFixture(t, ID{})
	f.addAlive(t, idWithPrefix(0x01), "10.0.0.2:5000")
	target := idWithPrefix(0x01, 0x23)

	t.Run("hop budget spent", func(t *testing.T) {
		packet := reparse(t, (&RouteMessage{Target: target, Hops: 1}).Packet())
		err := f.protocol.HandlePacket(packet, udpAddr("10.0.0.1:5000"))
		assert.ErrorIs(t, err, ErrRouteExhausted)
	})

	t.Run("no closer peer", func(t *testing.T) {
		packet := reparse(t, (&RouteMessage{Target: idWithPrefix(0x80), Hops: 4}).Packet())
		err := f.protocol.HandlePacket(packet, udpAddr("10.0.0.1:5000"))
		assert.ErrorIs(t, err, ErrRouteExhausted)
	})

	t.Run("closer peer not alive", func(t *testing.T) {
		f.clock.Add(AliveThreshold)
		packet := reparse(t, (&RouteMessage{Target: target, Hops: 4}).Packet())
		err := f.protocol.HandlePacket(packet, udpAddr("10.0.0.1:5000"))
		assert.ErrorIs(t, err, ErrRouteExhausted)
	})

	packets, _ := f.transport.GetSentPackets()
	assert.Empty(t, packets, "nothing is sent back to the originator")
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.PacketsDropped.WithLabelValues(dropRouteExhausted)))
}

func TestNextHopPicksNearestStrictlyCloser(t *testing.T) {
	f := newProtocolFixture(t, idWithPrefix(0x10))
	f.addAlive(t, idWithPrefix(0x80), "10.0.0.1:1")
	best := f.addAlive(t, idWithPrefix(0x70), "10.0.0.2:1")
	f.addAlive(t, idWithPrefix(0x60), "10.0.0.3:1")

	assert.Same(t, best, f.protocol.NextHop(idWithPrefix(0x71)))
	assert.Nil(t, f.protocol.NextHop(idWithPrefix(0x11)), "local node is already closest")
}

func TestRouteOriginate(t *testing.T) {
	self := idWithPrefix(0x00)
	f := newProtocolFixture(t, self)
	next := f.addAlive(t, idWithPrefix(0x01), "10.0.0.2:5000")

	t.Run("self target is delivered without a hop", func(t *testing.T) {
		var got []byte
		f.protocol.OnDeliver(func(payload []byte) { got = payload })
		require.NoError(t, f.protocol.Route(self, 0, []byte("loop")))
		assert.Equal(t, []byte("loop"), got)
	})

	t.Run("originator does not decrement", func(t *testing.T) {
		require.NoError(t, f.protocol.Route(idWithPrefix(0x01, 0x01), 3, []byte("x")))
		packets, addrs := f.transport.GetSentPackets()
		require.Len(t, packets, 1)
		assert.Equal(t, next.UDPAddr().String(), addrs[0].String())
		msg, err := ParseRouteMessage(packets[0].Data)
		require.NoError(t, err)
		assert.Equal(t, uint8(3), msg.Hops)
	})

	t.Run("payload too large", func(t *testing.T) {
		err := f.protocol.Route(idWithPrefix(0x01, 0x01), 3, make([]byte, MaxRoutePayload+1))
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("zero hops", func(t *testing.T) {
		assert.ErrorIs(t, f.protocol.Route(idWithPrefix(0x01, 0x01), 0, nil), ErrRouteExhausted)
	})
}

// A chain of nodes, each knowing only the next one, which is closer to the
// target. A route with budget h makes exactly h hops.
func TestRouteTerminatesWithinHopBudget(t *testing.T) {
	ids := []ID{idWithPrefix(0x00), idWithPrefix(0x80), idWithPrefix(0xC0), idWithPrefix(0xE0), idWithPrefix(0xF0), idWithPrefix(0xF8)}
	target := idWithPrefix(0xFF, 0xFF)

	mock := clock.NewMock()
	nodes := make(map[string]*Protocol)
	addrs := make([]string, len(ids))
	var (
		mu   sync.Mutex
		hops int
	)

	for i, id := range ids {
		addrs[i] = netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}), 5000).String()
		table := NewRoutingTable(id, &RoutingTableConfig{Clock: mock})
		tr := newMockTransport(addrs[i])
		from := tr.LocalAddr()
		tr.SetSendFunc(func(packet *transport.Packet, addr net.Addr) error {
			mu.Lock()
			hops++
			dest := nodes[addr.String()]
			mu.Unlock()

			raw, err := packet.Serialize()
			if err != nil {
				return err
			}
			parsed, err := transport.ParsePacket(raw)
			if err != nil {
				return err
			}
			_ = dest.HandlePacket(parsed, from)
			return nil
		})
		nodes[addrs[i]] = NewProtocol(table, tr, nil)
	}
	for i := 0; i < len(ids)-1; i++ {
		nodes[addrs[i]].Table().AddOrRefresh(seenPeer(ids[i+1], addrs[i+1], mock.Now()))
	}

	origin := nodes[addrs[0]]
	for budget := 1; budget <= 4; budget++ {
		hops = 0
		require.NoError(t, origin.Route(target, uint8(budget), []byte("x")))
		assert.Equal(t, budget, hops, "budget %d", budget)
	}

	delivered := 0
	nodes[addrs[3]].OnDeliver(func([]byte) { delivered++ })
	hops = 0
	require.NoError(t, origin.Route(ids[3], 10, []byte("x")))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 3, hops)
}

func TestHandlePacketRejects(t *testing.T) {
	f := newProtocolFixture(t, ID{})

	t.Run("malformed body", func(t *testing.T) {
		err := f.protocol.HandlePacket(&transport.Packet{PacketType: transport.PacketPing, Request: true, Data: []byte{1}}, udpAddr("10.0.0.1:1"))
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})

	t.Run("unknown type", func(t *testing.T) {
		err := f.protocol.HandlePacket(&transport.Packet{PacketType: 7}, udpAddr("10.0.0.1:1"))
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})

	t.Run("non ipv4 source", func(t *testing.T) {
		err := f.protocol.HandlePacket((&PingRequest{ID: idWithPrefix(0x80)}).Packet(), udpAddr("[2001:db8::1]:1"))
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})

	t.Run("reserved types ignored", func(t *testing.T) {
		for _, pt := range []transport.PacketType{transport.PacketConnect, transport.PacketDisconnect} {
			err := f.protocol.HandlePacket(&transport.Packet{PacketType: pt, Request: true}, udpAddr("10.0.0.1:1"))
			assert.NoError(t, err)
		}
	})

	assert.Equal(t, 0, f.table.Size())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PacketsDropped.WithLabelValues(dropMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PacketsDropped.WithLabelValues(dropBadSource)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PacketsDropped.WithLabelValues(dropReserved)))
}

func TestSendFailureNotCounted(t *testing.T) {
	f := newProtocolFixture(t, ID{})
	f.transport.SetSendFunc(func(*transport.Packet, net.Addr) error {
		return errors.New("network unreachable")
	})

	err := f.protocol.SendPing(udpAddr("10.0.0.1:1"))
	assert.Error(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.PacketsSent.WithLabelValues("PING")))

	f.transport.SetSendFunc(func(*transport.Packet, net.Addr) error { return nil })
	require.NoError(t, f.protocol.SendFindPeers(udpAddr("10.0.0.1:1"), ID{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PacketsSent.WithLabelValues("FIND_PEERS")))
}
