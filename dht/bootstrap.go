package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BootstrapError reports a failure to seed from one bootstrap address.
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// BootstrapNode is a configured seed address.
type BootstrapNode struct {
	Address  string
	Resolved netip.AddrPort
	LastUsed time.Time
	Success  bool
}

// HostResolver looks up the IPv4 addresses of a host name.
type HostResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// BootstrapManager seeds the routing table from a list of host:port
// addresses by sending each a PING and a self lookup.
type BootstrapManager struct {
	nodes       []*BootstrapNode
	protocol    *Protocol
	resolver    HostResolver
	concurrency int
	mu          sync.RWMutex
}

// NewBootstrapManager creates a bootstrap manager that sends through
// protocol. It listens for new peers so replies from seed addresses mark
// them successful.
func NewBootstrapManager(protocol *Protocol) *BootstrapManager {
	bm := &BootstrapManager{
		nodes:       make([]*BootstrapNode, 0),
		protocol:    protocol,
		resolver:    net.DefaultResolver,
		concurrency: 8,
	}
	protocol.OnNewPeer(bm.markSuccess)
	return bm
}

// SetResolver replaces the DNS resolver used for seed host names.
func (bm *BootstrapManager) SetResolver(resolver HostResolver) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.resolver = resolver
}

// AddNode adds a host:port bootstrap address.
func (bm *BootstrapManager) AddNode(address string) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddNode",
			"address":  address,
			"error":    err.Error(),
		}).Error("Bootstrap address validation failed")
		return fmt.Errorf("invalid bootstrap address %q: %w", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 || host == "" {
		return fmt.Errorf("invalid bootstrap address %q: bad host or port", address)
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, node := range bm.nodes {
		if node.Address == address {
			return nil
		}
	}
	bm.nodes = append(bm.nodes, &BootstrapNode{Address: address})

	logrus.WithFields(logrus.Fields{
		"function":    "AddNode",
		"address":     address,
		"total_nodes": len(bm.nodes),
	}).Info("Bootstrap node added")
	return nil
}

// Bootstrap resolves every seed address and sends it a PING followed by a
// FIND_PEERS for the local id. It succeeds when at least one seed could be
// contacted; replies arrive asynchronously through the protocol.
func (bm *BootstrapManager) Bootstrap(ctx context.Context) error {
	bm.mu.RLock()
	nodes := append([]*BootstrapNode(nil), bm.nodes...)
	bm.mu.RUnlock()
	if len(nodes) == 0 {
		return errors.New("no bootstrap nodes available")
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Bootstrap",
		"nodes_count": len(nodes),
	}).Info("Starting bootstrap process")

	var (
		mu       sync.Mutex
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bm.concurrency)
	for _, node := range nodes {
		g.Go(func() error {
			if err := bm.contact(gctx, node); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(failures) == len(nodes) {
		logrus.WithFields(logrus.Fields{
			"function": "Bootstrap",
			"failures": len(failures),
		}).Error("Bootstrap process failed")
		return fmt.Errorf("bootstrap failed: %w", errors.Join(failures...))
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Bootstrap",
		"contacted": len(nodes) - len(failures),
	}).Info("Bootstrap requests sent")
	return nil
}

// contact resolves one seed and sends it the bootstrap requests.
func (bm *BootstrapManager) contact(ctx context.Context, node *BootstrapNode) error {
	addr, err := bm.resolve(ctx, node.Address)
	if err != nil {
		return &BootstrapError{Type: "resolution", Node: node.Address, Cause: err}
	}

	bm.mu.Lock()
	node.Resolved = addr
	bm.mu.Unlock()

	if err := bm.sendRequests(addr); err != nil {
		return &BootstrapError{Type: "connection", Node: node.Address, Cause: err}
	}

	bm.mu.Lock()
	node.LastUsed = bm.protocol.Table().Clock().Now()
	bm.mu.Unlock()
	return nil
}

func (bm *BootstrapManager) resolve(ctx context.Context, address string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		if !ip.Unmap().Is4() {
			return netip.AddrPort{}, fmt.Errorf("%s is not an IPv4 address", host)
		}
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}

	bm.mu.RLock()
	resolver := bm.resolver
	bm.mu.RUnlock()

	ips, err := resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no IPv4 address for %s", host)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(port)), nil
}

func (bm *BootstrapManager) sendRequests(addr netip.AddrPort) error {
	udp := net.UDPAddrFromAddrPort(addr)
	if err := bm.protocol.SendPing(udp); err != nil {
		return err
	}
	return bm.protocol.SendFindPeers(udp, bm.protocol.Table().SelfID())
}

// Seed re-sends bootstrap requests to every seed already resolved. Errors
// are logged; it never blocks on DNS.
func (bm *BootstrapManager) Seed() {
	for _, node := range bm.GetNodes() {
		if !node.Resolved.IsValid() {
			continue
		}
		if err := bm.sendRequests(node.Resolved); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Seed",
				"address":  node.Address,
				"error":    err.Error(),
			}).Warn("Failed to contact bootstrap node")
		}
	}
}

// markSuccess flags the seed a newly inserted peer was reached at.
func (bm *BootstrapManager) markSuccess(peer *Peer) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, node := range bm.nodes {
		if node.Resolved == peer.Addr && !node.Success {
			node.Success = true
			logrus.WithFields(logrus.Fields{
				"function": "markSuccess",
				"address":  node.Address,
				"peer":     peer.String(),
			}).Info("Bootstrap node answered")
		}
	}
}

// IsBootstrapped reports whether any seed has answered.
func (bm *BootstrapManager) IsBootstrapped() bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	for _, node := range bm.nodes {
		if node.Success {
			return true
		}
	}
	return false
}

// GetNodes returns a copy of the configured seeds.
func (bm *BootstrapManager) GetNodes() []*BootstrapNode {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	nodes := make([]*BootstrapNode, len(bm.nodes))
	for i, n := range bm.nodes {
		copied := *n
		nodes[i] = &copied
	}
	return nodes
}

// ClearNodes removes all bootstrap nodes.
func (bm *BootstrapManager) ClearNodes() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.nodes = make([]*BootstrapNode, 0)
}
