package dht

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds the schedule of the periodic maintenance jobs.
type MaintenanceConfig struct {
	// Delay before the first discovery query.
	DiscoveryDelay time.Duration
	// Pause between the end of one discovery query and the next.
	DiscoveryInterval time.Duration
	// Delay before the first keep-alive sweep.
	KeepAliveDelay time.Duration
	// Pause between the end of one keep-alive sweep and the next.
	KeepAliveInterval time.Duration
	// Each keep-alive ping is delayed by a random duration in [0, PingJitter).
	PingJitter time.Duration
}

// DefaultMaintenanceConfig returns the standard maintenance schedule.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		DiscoveryDelay:    10 * time.Second,
		DiscoveryInterval: 40 * time.Second,
		KeepAliveDelay:    10 * time.Second,
		KeepAliveInterval: 5 * time.Second,
		PingJitter:        300 * time.Millisecond,
	}
}

// Maintainer runs the discovery and keep-alive jobs against a routing
// table. Both jobs use fixed-delay scheduling: the next run is armed only
// after the current one returns.
type Maintainer struct {
	table        *RoutingTable
	protocol     *Protocol
	bootstrapper *BootstrapManager
	config       *MaintenanceConfig
	clock        clock.Clock

	mu             sync.Mutex
	running        bool
	generation     uint64
	discoveryTimer *clock.Timer
	keepAliveTimer *clock.Timer
}

// NewMaintainer creates a maintainer. bootstrapper may be nil; when set it
// re-seeds the table whenever a keep-alive sweep finds it empty.
func NewMaintainer(table *RoutingTable, protocol *Protocol, bootstrapper *BootstrapManager,
	config *MaintenanceConfig,
) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}

	return &Maintainer{
		table:        table,
		protocol:     protocol,
		bootstrapper: bootstrapper,
		config:       config,
		clock:        table.Clock(),
	}
}

// Start arms both timers. Calling Start on a running maintainer does
// nothing.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.generation++
	gen := m.generation

	m.discoveryTimer = m.clock.AfterFunc(m.config.DiscoveryDelay, func() { m.runDiscovery(gen) })
	m.keepAliveTimer = m.clock.AfterFunc(m.config.KeepAliveDelay, func() { m.runKeepAlive(gen) })

	logrus.WithFields(logrus.Fields{
		"function":           "Start",
		"discovery_interval": m.config.DiscoveryInterval.String(),
		"keepalive_interval": m.config.KeepAliveInterval.String(),
	}).Info("Maintenance started")
}

// Stop cancels both timers. It is safe to call more than once and before
// Start. Keep-alive pings already scheduled by a sweep may still be sent.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	if m.discoveryTimer != nil {
		m.discoveryTimer.Stop()
		m.discoveryTimer = nil
	}
	if m.keepAliveTimer != nil {
		m.keepAliveTimer.Stop()
		m.keepAliveTimer = nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Maintenance stopped")
}

// IsRunning reports whether the timers are armed.
func (m *Maintainer) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Maintainer) runDiscovery(gen uint64) {
	if !m.active(gen) {
		return
	}
	m.discoveryTick()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && m.generation == gen {
		m.discoveryTimer = m.clock.AfterFunc(m.config.DiscoveryInterval, func() { m.runDiscovery(gen) })
	}
}

func (m *Maintainer) runKeepAlive(gen uint64) {
	if !m.active(gen) {
		return
	}
	m.keepAliveTick()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && m.generation == gen {
		m.keepAliveTimer = m.clock.AfterFunc(m.config.KeepAliveInterval, func() { m.runKeepAlive(gen) })
	}
}

func (m *Maintainer) active(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && m.generation == gen
}

// discoveryTick sends a self-lookup to one random peer taken from a random
// non-empty bucket. It returns the peer queried, or nil when the table is
// empty.
func (m *Maintainer) discoveryTick() *Peer {
	indices := m.table.NonEmptyBuckets()
	rand.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	for _, index := range indices {
		candidates := aliveOrAll(m.table.OldestPeers(index), m.clock.Now())
		if len(candidates) == 0 {
			continue
		}

		peer := candidates[rand.IntN(len(candidates))]
		if err := m.protocol.SendFindPeers(peer.UDPAddr(), m.table.SelfID()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "discoveryTick",
				"peer":     peer.String(),
				"error":    err.Error(),
			}).Warn("Failed to send find peers")
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "discoveryTick",
				"peer":     peer.String(),
				"bucket":   index,
			}).Trace("Sent self lookup")
		}
		return peer
	}

	return nil
}

// aliveOrAll narrows a ranked bucket snapshot to its alive prefix, or
// returns it whole when no peer is alive.
func aliveOrAll(ranked []*Peer, now time.Time) []*Peer {
	n := 0
	for n < len(ranked) && ranked[n].Status(now) == StatusAlive {
		n++
	}
	if n == 0 {
		return ranked
	}
	return ranked[:n]
}

// keepAliveTick schedules a ping to up to K peers of every bucket, each
// with its own jitter. It returns the number of pings scheduled.
func (m *Maintainer) keepAliveTick() int {
	scheduled := 0
	for _, index := range m.table.NonEmptyBuckets() {
		peers := m.table.OldestPeers(index)
		if len(peers) > m.table.BucketSize() {
			peers = peers[:m.table.BucketSize()]
		}
		for _, peer := range peers {
			m.schedulePing(peer)
			scheduled++
		}
	}

	if scheduled == 0 && m.bootstrapper != nil {
		logrus.WithFields(logrus.Fields{
			"function": "keepAliveTick",
		}).Debug("Routing table empty, re-seeding from bootstrap addresses")
		m.bootstrapper.Seed()
	}

	return scheduled
}

func (m *Maintainer) schedulePing(peer *Peer) {
	delay := m.jitter()
	if delay <= 0 {
		m.ping(peer)
		return
	}
	m.clock.AfterFunc(delay, func() { m.ping(peer) })
}

func (m *Maintainer) jitter() time.Duration {
	if m.config.PingJitter <= 0 {
		return 0
	}
	return rand.N(m.config.PingJitter)
}

func (m *Maintainer) ping(peer *Peer) {
	if err := m.protocol.SendPing(peer.UDPAddr()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ping",
			"peer":     peer.String(),
			"error":    err.Error(),
		}).Warn("Keep-alive ping failed")
	}
}

// HandleNewPeer pings a newly inserted peer that was only heard about
// second hand, so it can become alive without waiting for the next sweep.
// It is meant to be registered with Protocol.OnNewPeer.
func (m *Maintainer) HandleNewPeer(peer *Peer) {
	if !m.IsRunning() {
		return
	}
	if peer.Status(m.clock.Now()) != StatusUnknown {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleNewPeer",
		"peer":     peer.String(),
	}).Trace("Probing newly discovered peer")
	m.ping(peer)
}
