package dht

import (
	"fmt"
	"math"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// Liveness thresholds measured from a peer's last contact.
const (
	AliveThreshold = 10 * time.Second
	DyingThreshold = 30 * time.Second
)

// Status is the liveness state of a peer, derived from the time elapsed
// since it was last seen.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusAlive
	StatusDying
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusDying:
		return "dying"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// rank orders states for oldest-alive-first selection: alive peers first,
// never-seen peers last.
func (s Status) rank() int {
	switch s {
	case StatusAlive:
		return 0
	case StatusDying:
		return 1
	case StatusDead:
		return 2
	default:
		return 3
	}
}

// PeerKey is the identity of a peer: the same id reachable at a different
// address is a different peer.
type PeerKey struct {
	ID   ID
	Addr netip.AddrPort
}

// Peer is a remote node known to the routing table. Identity fields are
// immutable; MarkSeen is the only mutation after construction and is safe
// for concurrent use.
type Peer struct {
	ID   ID
	Addr netip.AddrPort

	firstSeen time.Time
	// lastSeen holds unix nanoseconds, neverSeen until the first contact.
	lastSeen atomic.Int64
}

const neverSeen = math.MinInt64

// NewPeer creates a peer first observed at now. Its status is
// StatusUnknown until MarkSeen is called.
func NewPeer(id ID, addr netip.AddrPort, now time.Time) *Peer {
	p := &Peer{
		ID:        id,
		Addr:      addr,
		firstSeen: now,
	}
	p.lastSeen.Store(neverSeen)
	return p
}

// Key returns the peer's identity key.
func (p *Peer) Key() PeerKey {
	return PeerKey{ID: p.ID, Addr: p.Addr}
}

// UDPAddr returns the peer's address as a net.Addr for the transport.
func (p *Peer) UDPAddr() net.Addr {
	return net.UDPAddrFromAddrPort(p.Addr)
}

// FirstSeen returns when the peer was first observed.
func (p *Peer) FirstSeen() time.Time {
	return p.firstSeen
}

// LastSeen returns the last contact time and whether there was one.
func (p *Peer) LastSeen() (time.Time, bool) {
	ns := p.lastSeen.Load()
	if ns == neverSeen {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// MarkSeen records contact with the peer at now. An older timestamp never
// replaces a newer one.
func (p *Peer) MarkSeen(now time.Time) {
	ns := now.UnixNano()
	for {
		old := p.lastSeen.Load()
		if old >= ns {
			return
		}
		if p.lastSeen.CompareAndSwap(old, ns) {
			return
		}
	}
}

// Status derives the liveness state at now.
func (p *Peer) Status(now time.Time) Status {
	last, ok := p.LastSeen()
	if !ok {
		return StatusUnknown
	}

	elapsed := now.Sub(last)
	switch {
	case elapsed < AliveThreshold:
		return StatusAlive
	case elapsed < DyingThreshold:
		return StatusDying
	default:
		return StatusDead
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s/%s", p.ID.Short(), p.Addr)
}

// AddrPortFromNet converts a transport address to an IPv4 AddrPort.
func AddrPortFromNet(addr net.Addr) (netip.AddrPort, error) {
	if addr == nil {
		return netip.AddrPort{}, fmt.Errorf("nil address")
	}

	var ap netip.AddrPort
	if udp, ok := addr.(*net.UDPAddr); ok {
		ap = udp.AddrPort()
	} else {
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("parse address %q: %w", addr.String(), err)
		}
		ap = parsed
	}

	ip := ap.Addr().Unmap()
	if !ip.Is4() {
		return netip.AddrPort{}, fmt.Errorf("address %s is not IPv4", ap)
	}
	return netip.AddrPortFrom(ip, ap.Port()), nil
}
