package dht

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/opd-ai/supernet/transport"
	"github.com/sirupsen/logrus"
)

// ErrRouteExhausted reports a ROUTE message dropped because its hop budget
// ran out or no alive peer is closer to the target. It is never sent back
// to the originator.
var ErrRouteExhausted = errors.New("route exhausted")

// DefaultRouteHops is the hop budget used for locally originated routes.
const DefaultRouteHops uint8 = 16

// DeliverFunc receives ROUTE payloads addressed to the local node.
type DeliverFunc func(payload []byte)

// NewPeerFunc is notified when a peer is newly inserted into the table.
// Refreshes of known peers do not trigger it.
type NewPeerFunc func(peer *Peer)

// Protocol is the wire state machine: it turns received packets into
// routing table updates, replies and forwarded ROUTE traffic.
type Protocol struct {
	table     *RoutingTable
	transport transport.Transport
	metrics   *Metrics

	mu        sync.RWMutex
	onDeliver DeliverFunc
	onNewPeer []NewPeerFunc
	external  netip.AddrPort
	observed  netip.AddrPort
}

// NewProtocol creates the protocol state machine. A nil metrics value
// counts into unregistered collectors.
func NewProtocol(table *RoutingTable, tr transport.Transport, metrics *Metrics) *Protocol {
	if metrics == nil {
		metrics = NewMetrics(nil, nil)
	}
	return &Protocol{
		table:     table,
		transport: tr,
		metrics:   metrics,
	}
}

// RegisterHandlers installs HandlePacket for every packet type on the
// transport.
func (p *Protocol) RegisterHandlers() {
	for _, t := range []transport.PacketType{
		transport.PacketPing,
		transport.PacketFindPeers,
		transport.PacketRoute,
		transport.PacketConnect,
		transport.PacketDisconnect,
	} {
		p.transport.RegisterHandler(t, p.HandlePacket)
	}
}

// Table returns the routing table the protocol updates.
func (p *Protocol) Table() *RoutingTable {
	return p.table
}

// OnDeliver sets the handler for payloads routed to the local node.
func (p *Protocol) OnDeliver(fn DeliverFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDeliver = fn
}

// OnNewPeer adds a listener for newly inserted peers.
func (p *Protocol) OnNewPeer(fn NewPeerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNewPeer = append(p.onNewPeer, fn)
}

// SetExternalAddress records the externally reachable address of the local
// node, as resolved by STUN.
func (p *Protocol) SetExternalAddress(addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.external = addr
}

// ExternalAddress returns the resolved external address, if any.
func (p *Protocol) ExternalAddress() (netip.AddrPort, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.external, p.external.IsValid()
}

// ObservedAddress returns the address the last PONG reported us at.
func (p *Protocol) ObservedAddress() (netip.AddrPort, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.observed, p.observed.IsValid()
}

// HandlePacket processes one received packet. Failures are contained here:
// the returned error is for logging only and no input can corrupt the
// table or stop the receive loop.
func (p *Protocol) HandlePacket(packet *transport.Packet, from net.Addr) error {
	p.metrics.PacketsReceived.WithLabelValues(packet.PacketType.String()).Inc()

	src, err := AddrPortFromNet(from)
	if err != nil {
		p.metrics.PacketsDropped.WithLabelValues(dropBadSource).Inc()
		return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	switch packet.PacketType {
	case transport.PacketPing:
		if packet.Request {
			err = p.handlePingRequest(packet, src)
		} else {
			err = p.handlePingResponse(packet, src)
		}
	case transport.PacketFindPeers:
		if packet.Request {
			err = p.handleFindPeersRequest(packet, src)
		} else {
			err = p.handleFindPeersResponse(packet, src)
		}
	case transport.PacketRoute:
		err = p.handleRoute(packet, src)
	case transport.PacketConnect, transport.PacketDisconnect:
		p.metrics.PacketsDropped.WithLabelValues(dropReserved).Inc()
		logrus.WithFields(logrus.Fields{
			"function":    "HandlePacket",
			"packet_type": packet.PacketType.String(),
			"from":        src.String(),
		}).Trace("Ignoring reserved packet type")
		return nil
	default:
		err = fmt.Errorf("%w: unknown packet type %d", ErrMalformedPacket, packet.PacketType)
	}

	switch {
	case errors.Is(err, ErrMalformedPacket):
		p.metrics.PacketsDropped.WithLabelValues(dropMalformed).Inc()
	case errors.Is(err, ErrRouteExhausted):
		p.metrics.PacketsDropped.WithLabelValues(dropRouteExhausted).Inc()
	}
	return err
}

// seen records direct contact with a sender and returns its canonical
// instance.
func (p *Protocol) seen(id ID, addr netip.AddrPort) *Peer {
	now := p.table.Clock().Now()
	peer := p.table.LookupCanonical(NewPeer(id, addr, now))
	peer.MarkSeen(now)

	canonical, inserted := p.table.AddOrRefresh(peer)
	if inserted {
		p.notifyNewPeer(canonical)
	}
	return canonical
}

func (p *Protocol) handlePingRequest(packet *transport.Packet, src netip.AddrPort) error {
	req, err := ParsePingRequest(packet.Data)
	if err != nil {
		return err
	}
	if req.ID == p.table.SelfID() {
		return nil
	}

	peer := p.seen(req.ID, src)
	logrus.WithFields(logrus.Fields{
		"function": "handlePingRequest",
		"peer":     peer.String(),
	}).Trace("Ping received, sending pong")

	resp := &PingResponse{ID: p.table.SelfID(), Observed: src}
	out, err := resp.Packet()
	if err != nil {
		return err
	}
	return p.send(out, peer.UDPAddr())
}

func (p *Protocol) handlePingResponse(packet *transport.Packet, src netip.AddrPort) error {
	resp, err := ParsePingResponse(packet.Data)
	if err != nil {
		return err
	}
	if resp.ID == p.table.SelfID() {
		return nil
	}

	peer := p.seen(resp.ID, src)

	p.mu.Lock()
	changed := p.observed != resp.Observed
	p.observed = resp.Observed
	p.mu.Unlock()

	fields := logrus.Fields{
		"function": "handlePingResponse",
		"peer":     peer.String(),
		"observed": resp.Observed.String(),
	}
	if changed {
		logrus.WithFields(fields).Debug("Observed address updated")
	} else {
		logrus.WithFields(fields).Trace("Pong received")
	}
	return nil
}

func (p *Protocol) handleFindPeersRequest(packet *transport.Packet, src netip.AddrPort) error {
	req, err := ParseFindPeersRequest(packet.Data)
	if err != nil {
		return err
	}

	resp := &FindPeersResponse{Peers: p.closestInfo(req.Target, MaxFindPeersResults)}
	if len(resp.Peers) < MaxFindPeersResults {
		if self, ok := p.selfAddress(); ok {
			resp.Peers = append(resp.Peers, PeerInfo{ID: p.table.SelfID(), Addr: self})
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleFindPeersRequest",
		"from":     src.String(),
		"target":   req.Target.Short(),
		"results":  len(resp.Peers),
	}).Trace("Answering find peers")

	out, err := resp.Packet()
	if err != nil {
		return err
	}
	return p.send(out, net.UDPAddrFromAddrPort(src))
}

// closestInfo collects up to limit peers from ClosestPeers that can be
// described on the wire.
func (p *Protocol) closestInfo(target ID, limit int) []PeerInfo {
	result := make([]PeerInfo, 0, limit)
	for peer := range p.table.ClosestPeers(target) {
		if !peer.Addr.Addr().Is4() {
			continue
		}
		result = append(result, PeerInfo{ID: peer.ID, Addr: peer.Addr})
		if len(result) == limit {
			break
		}
	}
	return result
}

// selfAddress prefers the STUN result over the last PONG observation.
func (p *Protocol) selfAddress() (netip.AddrPort, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.external.IsValid() {
		return p.external, true
	}
	return p.observed, p.observed.IsValid()
}

func (p *Protocol) handleFindPeersResponse(packet *transport.Packet, src netip.AddrPort) error {
	resp, err := ParseFindPeersResponse(packet.Data)
	if err != nil {
		return err
	}

	now := p.table.Clock().Now()
	added := 0
	for _, info := range resp.Peers {
		if info.ID == p.table.SelfID() || !info.Addr.IsValid() || info.Addr.Port() == 0 {
			continue
		}

		canonical, inserted := p.table.AddDiscovered(NewPeer(info.ID, info.Addr, now))
		if inserted {
			added++
			logrus.WithFields(logrus.Fields{
				"function": "handleFindPeersResponse",
				"peer":     canonical.String(),
				"from":     src.String(),
			}).Trace("Discovered new peer")
			p.notifyNewPeer(canonical)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleFindPeersResponse",
		"from":     src.String(),
		"entries":  len(resp.Peers),
		"added":    added,
	}).Debug("Processed find peers response")
	return nil
}

func (p *Protocol) handleRoute(packet *transport.Packet, src netip.AddrPort) error {
	msg, err := ParseRouteMessage(packet.Data)
	if err != nil {
		return err
	}

	if msg.Target == p.table.SelfID() {
		p.deliver(msg.Payload)
		return nil
	}

	if msg.Hops <= 1 {
		logrus.WithFields(logrus.Fields{
			"function": "handleRoute",
			"from":     src.String(),
			"target":   msg.Target.Short(),
		}).Trace("Hop budget exhausted")
		return fmt.Errorf("%w: hop budget spent toward %s", ErrRouteExhausted, msg.Target.Short())
	}

	if err := p.forward(msg.Target, msg.Hops-1, msg.Payload); err != nil {
		return err
	}
	p.metrics.RoutesForwarded.Inc()
	return nil
}

// Route originates a payload toward target. A target equal to the local id
// is delivered directly.
func (p *Protocol) Route(target ID, hops uint8, payload []byte) error {
	if target == p.table.SelfID() {
		p.deliver(payload)
		return nil
	}
	if len(payload) > MaxRoutePayload {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), MaxRoutePayload)
	}
	if hops == 0 {
		return fmt.Errorf("%w: zero hop budget", ErrRouteExhausted)
	}
	return p.forward(target, hops, payload)
}

// forward sends the route message to the nearest alive peer that is
// strictly closer to target than the local node.
func (p *Protocol) forward(target ID, hops uint8, payload []byte) error {
	next := p.NextHop(target)
	if next == nil {
		logrus.WithFields(logrus.Fields{
			"function": "forward",
			"target":   target.Short(),
		}).Trace("No alive peer closer to target")
		return fmt.Errorf("%w: no next hop toward %s", ErrRouteExhausted, target.Short())
	}

	msg := &RouteMessage{Target: target, Hops: hops, Payload: payload}
	logrus.WithFields(logrus.Fields{
		"function": "forward",
		"target":   target.Short(),
		"next_hop": next.String(),
		"hops":     hops,
	}).Trace("Forwarding route message")
	return p.send(msg.Packet(), next.UDPAddr())
}

// NextHop returns the alive peer nearest to target among those strictly
// closer to it than the local node, or nil.
func (p *Protocol) NextHop(target ID) *Peer {
	self := p.table.SelfID()
	now := p.table.Clock().Now()

	var best *Peer
	for peer := range p.table.ClosestPeers(target) {
		if peer.Status(now) != StatusAlive {
			continue
		}
		if CompareDistance(peer.ID, self, target) >= 0 {
			continue
		}
		if best == nil || CompareDistance(peer.ID, best.ID, target) < 0 {
			best = peer
		}
	}
	return best
}

// SendPing sends a PING request to addr.
func (p *Protocol) SendPing(addr net.Addr) error {
	req := &PingRequest{ID: p.table.SelfID()}
	return p.send(req.Packet(), addr)
}

// SendFindPeers sends a FIND_PEERS request for target to addr.
func (p *Protocol) SendFindPeers(addr net.Addr, target ID) error {
	req := &FindPeersRequest{Target: target}
	return p.send(req.Packet(), addr)
}

func (p *Protocol) send(packet *transport.Packet, addr net.Addr) error {
	if err := p.transport.Send(packet, addr); err != nil {
		return err
	}
	p.metrics.PacketsSent.WithLabelValues(packet.PacketType.String()).Inc()
	return nil
}

func (p *Protocol) deliver(payload []byte) {
	p.mu.RLock()
	fn := p.onDeliver
	p.mu.RUnlock()

	p.metrics.RoutesDelivered.Inc()
	if fn == nil {
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"size":     len(payload),
		}).Debug("Routed payload arrived with no delivery handler")
		return
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	fn(buf)
}

func (p *Protocol) notifyNewPeer(peer *Peer) {
	p.metrics.PeersDiscovered.Inc()

	p.mu.RLock()
	listeners := p.onNewPeer
	p.mu.RUnlock()

	for _, fn := range listeners {
		fn(peer)
	}
}
