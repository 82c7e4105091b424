package supernet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/supernet/dht"
	"github.com/opd-ai/supernet/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Options contains configuration options for creating a Node.
type Options struct {
	// ID is the node identifier. A random one is generated when nil.
	ID *dht.ID
	// ListenHost is the IPv4 address to bind to.
	ListenHost string
	// StartPort and EndPort bound the UDP ports tried in order. A zero
	// StartPort binds an ephemeral port.
	StartPort uint16
	EndPort   uint16
	// BucketSize is K, the per-bucket capacity.
	BucketSize int
	// Maintenance schedules discovery and keep-alive.
	Maintenance *dht.MaintenanceConfig
	// STUNEnabled resolves the external address once at Start.
	STUNEnabled      bool
	STUNServers      []string
	STUNTimeout      time.Duration
	BootstrapTimeout time.Duration
	// Registerer receives the protocol metrics. Nil leaves them unexported.
	Registerer prometheus.Registerer
	// Clock drives liveness and timers. Defaults to the wall clock.
	Clock clock.Clock
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		ListenHost:       "0.0.0.0",
		StartPort:        33445,
		EndPort:          33545,
		BucketSize:       dht.DefaultBucketSize,
		Maintenance:      dht.DefaultMaintenanceConfig(),
		STUNEnabled:      true,
		STUNServers:      transport.DefaultSTUNServers,
		STUNTimeout:      5 * time.Second,
		BootstrapTimeout: 5 * time.Second,
	}
}

// ReceiveFunc is called with each payload routed to the local node.
type ReceiveFunc func(payload []byte)

// Node is a supernet peer: a routing table, the wire protocol on a UDP
// socket, and the maintenance jobs that keep the table fresh.
type Node struct {
	options   *Options
	id        dht.ID
	transport *transport.UDPTransport
	table     *dht.RoutingTable
	protocol  *dht.Protocol
	metrics   *dht.Metrics
	bootstrap *dht.BootstrapManager
	maintain  *dht.Maintainer
	resolver  *transport.STUNResolver

	mu      sync.Mutex
	running bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a node and binds its UDP socket. The node does not run its
// maintenance jobs until Start is called, but answers requests right away.
func New(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}

	id, err := nodeID(options)
	if err != nil {
		return nil, err
	}

	udp, err := listen(options)
	if err != nil {
		return nil, err
	}

	table := dht.NewRoutingTable(id, &dht.RoutingTableConfig{
		BucketSize: options.BucketSize,
		Clock:      options.Clock,
	})
	metrics := dht.NewMetrics(options.Registerer, table)
	protocol := dht.NewProtocol(table, udp, metrics)
	bootstrap := dht.NewBootstrapManager(protocol)
	maintain := dht.NewMaintainer(table, protocol, bootstrap, options.Maintenance)
	protocol.OnNewPeer(maintain.HandleNewPeer)
	protocol.RegisterHandlers()

	resolver := transport.NewSTUNResolver()
	if len(options.STUNServers) > 0 {
		resolver.SetServers(options.STUNServers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node := &Node{
		options:   options,
		id:        id,
		transport: udp,
		table:     table,
		protocol:  protocol,
		metrics:   metrics,
		bootstrap: bootstrap,
		maintain:  maintain,
		resolver:  resolver,
		ctx:       ctx,
		cancel:    cancel,
		group:     &errgroup.Group{},
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"id":         id.String(),
		"local_addr": udp.LocalAddr().String(),
	}).Info("Node created")

	return node, nil
}

func nodeID(options *Options) (dht.ID, error) {
	if options.ID != nil {
		return *options.ID, nil
	}
	return dht.RandomID()
}

// listen binds the first free port in [StartPort, EndPort].
func listen(options *Options) (*transport.UDPTransport, error) {
	host := options.ListenHost
	if host == "" {
		host = "0.0.0.0"
	}

	if options.StartPort == 0 {
		return transport.NewUDPTransport(net.JoinHostPort(host, "0"))
	}

	end := max(options.EndPort, options.StartPort)
	var lastErr error
	for port := int(options.StartPort); port <= int(end); port++ {
		udp, err := transport.NewUDPTransport(net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return udp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to bind to any UDP port in %d-%d: %w", options.StartPort, end, lastErr)
}

// ID returns the node identifier.
func (n *Node) ID() dht.ID {
	return n.id
}

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() net.Addr {
	return n.transport.LocalAddr()
}

// Table returns the node's routing table.
func (n *Node) Table() *dht.RoutingTable {
	return n.table
}

// Metrics returns the node's protocol counters.
func (n *Node) Metrics() *dht.Metrics {
	return n.metrics
}

// ExternalAddress returns the address other peers reach this node at, as
// resolved by STUN or reported in the last PONG.
func (n *Node) ExternalAddress() (netip.AddrPort, bool) {
	if addr, ok := n.protocol.ExternalAddress(); ok {
		return addr, true
	}
	return n.protocol.ObservedAddress()
}

// Start starts the maintenance jobs and, when enabled, resolves the external
// address in the background. Calling Start twice does nothing.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return errors.New("node is closed")
	}
	if n.running {
		return nil
	}
	n.running = true
	n.maintain.Start()

	if n.options.STUNEnabled {
		n.group.Go(n.resolveExternal)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"id":       n.id.Short(),
	}).Info("Node started")
	return nil
}

// resolveExternal runs one STUN resolution. Failure leaves the node usable;
// it then advertises the PONG-observed address instead.
func (n *Node) resolveExternal() error {
	ctx, cancel := context.WithTimeout(n.ctx, n.options.STUNTimeout)
	defer cancel()

	addr, err := n.resolver.Resolve(ctx, n.transport)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "resolveExternal",
			"error":    err.Error(),
		}).Warn("External address discovery failed")
		return nil
	}
	n.protocol.SetExternalAddress(addr)
	return nil
}

// IsRunning reports whether Start has been called and Stop has not.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Stop stops maintenance and closes the socket. It waits for background
// work to finish and is safe to call more than once.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.running = false
	n.mu.Unlock()

	n.maintain.Stop()
	n.cancel()
	_ = n.group.Wait()

	err := n.transport.Close()
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"id":       n.id.Short(),
	}).Info("Node stopped")
	return err
}

// Bootstrap adds the given host:port seeds and contacts every configured
// seed. It returns once the requests are sent; peers arrive as the seeds
// answer.
func (n *Node) Bootstrap(addresses ...string) error {
	for _, address := range addresses {
		if err := n.bootstrap.AddNode(address); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.options.BootstrapTimeout)
	defer cancel()
	return n.bootstrap.Bootstrap(ctx)
}

// IsBootstrapped reports whether any bootstrap seed has answered.
func (n *Node) IsBootstrapped() bool {
	return n.bootstrap.IsBootstrapped()
}

// OnReceive sets the handler for payloads routed to this node.
func (n *Node) OnReceive(fn ReceiveFunc) {
	n.protocol.OnDeliver(dht.DeliverFunc(fn))
}

// Send routes payload toward the node with identifier target. Delivery is
// best effort: dropping further along the path is not reported.
func (n *Node) Send(target dht.ID, payload []byte) error {
	return n.protocol.Route(target, dht.DefaultRouteHops, payload)
}

// SendToKey routes payload toward the node closest to the hash of key.
func (n *Node) SendToKey(key, payload []byte) error {
	return n.Send(dht.HashID(key), payload)
}

// Peers returns a snapshot of every peer in the routing table.
func (n *Node) Peers() []*dht.Peer {
	return n.table.AllPeers()
}
