package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// ErrNoExternalAddress is returned when no STUN server produced a mapping
// before the deadline.
var ErrNoExternalAddress = errors.New("external address not resolved")

// DefaultSTUNServers are queried in order until one answers.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// STUNResolver performs the one-shot external address discovery for a node.
// It sends binding requests over the node's own socket so the reported
// mapping is the one peers will see.
type STUNResolver struct {
	servers []string
	timeout time.Duration
	// attempts is the number of request rounds per server.
	attempts int
}

// NewSTUNResolver creates a resolver with the default public STUN servers.
func NewSTUNResolver() *STUNResolver {
	return &STUNResolver{
		servers:  append([]string(nil), DefaultSTUNServers...),
		timeout:  time.Second,
		attempts: 2,
	}
}

// SetServers replaces the STUN server list.
func (r *STUNResolver) SetServers(servers []string) {
	r.servers = make([]string, len(servers))
	copy(r.servers, servers)
}

// SetTimeout sets how long a single binding request waits for its answer.
func (r *STUNResolver) SetTimeout(timeout time.Duration) {
	r.timeout = timeout
}

// Resolve queries the configured servers through conn and returns the first
// IPv4 mapping reported. It yields ErrNoExternalAddress when every server
// stays silent, or the context error when ctx ends first.
func (r *STUNResolver) Resolve(ctx context.Context, conn RawConn) (netip.AddrPort, error) {
	responses := make(chan *stun.Message, 4)
	conn.SetForeignHandler(func(data []byte, addr net.Addr) {
		if !stun.IsMessage(data) {
			return
		}
		msg := &stun.Message{Raw: data}
		if err := msg.Decode(); err != nil {
			return
		}
		select {
		case responses <- msg:
		default:
		}
	})
	defer conn.SetForeignHandler(nil)

	for _, server := range r.servers {
		serverAddr, err := net.ResolveUDPAddr("udp4", server)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Resolve",
				"server":   server,
				"error":    err.Error(),
			}).Debug("Cannot resolve STUN server")
			continue
		}

		for attempt := 0; attempt < r.attempts; attempt++ {
			addr, err := r.query(ctx, conn, serverAddr, responses)
			if err == nil {
				logrus.WithFields(logrus.Fields{
					"function": "Resolve",
					"server":   server,
					"external": addr.String(),
				}).Info("Resolved external address")
				return addr, nil
			}
			if ctx.Err() != nil {
				return netip.AddrPort{}, ctx.Err()
			}
			logrus.WithFields(logrus.Fields{
				"function": "Resolve",
				"server":   server,
				"attempt":  attempt + 1,
				"error":    err.Error(),
			}).Debug("STUN binding attempt failed")
		}
	}

	return netip.AddrPort{}, ErrNoExternalAddress
}

// query sends one binding request and waits for the matching response.
func (r *STUNResolver) query(ctx context.Context, conn RawConn, server net.Addr, responses <-chan *stun.Message) (netip.AddrPort, error) {
	request, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("build binding request: %w", err)
	}

	if err := conn.SendRaw(request.Raw, server); err != nil {
		return netip.AddrPort{}, err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return netip.AddrPort{}, ctx.Err()
		case <-timer.C:
			return netip.AddrPort{}, fmt.Errorf("binding request to %s timed out", server)
		case response := <-responses:
			if response.TransactionID != request.TransactionID {
				continue
			}
			return mappedAddress(response)
		}
	}
}

// mappedAddress extracts the reflexive address, preferring
// XOR-MAPPED-ADDRESS over the legacy MAPPED-ADDRESS attribute.
func mappedAddress(msg *stun.Message) (netip.AddrPort, error) {
	if msg.Type != stun.BindingSuccess {
		return netip.AddrPort{}, fmt.Errorf("unexpected STUN message type %s", msg.Type)
	}

	var ip net.IP
	var port int

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err == nil {
		ip, port = xorAddr.IP, xorAddr.Port
	} else {
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(msg); err != nil {
			return netip.AddrPort{}, errors.New("no mapped address in STUN response")
		}
		ip, port = mapped.IP, mapped.Port
	}

	ipv4 := ip.To4()
	if ipv4 == nil {
		return netip.AddrPort{}, fmt.Errorf("mapped address %s is not IPv4", ip)
	}
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(ipv4)), uint16(port)), nil
}
