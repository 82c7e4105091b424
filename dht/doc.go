// Package dht implements a Kademlia-style peer routing layer over 160-bit
// identifiers with the XOR distance metric.
//
// # Architecture
//
// Each node keeps a RoutingTable of IDBits buckets. Bucket i holds up to K
// peers whose identifiers share exactly i leading bits with the local
// identifier (identical identifiers are clamped into the last bucket).
// Buckets are locked individually and every enumeration works on a
// snapshot, so the table can be used from the receive loop and the
// maintenance timers at the same time.
//
// Key components:
//
//   - RoutingTable / Bucket: peer storage, eviction and closest-peer
//     enumeration
//   - Peer: identity plus liveness derived from the last contact time
//   - Protocol: the wire state machine answering PING and FIND_PEERS and
//     forwarding ROUTE payloads
//   - Maintainer: periodic discovery and keep-alive
//   - BootstrapManager: seeds an empty table from configured addresses
//
// # Liveness
//
// A peer is Alive for 10 seconds after it was last seen, Dying until 30
// seconds, and Dead afterwards. Peers learned from FIND_PEERS responses are
// Unknown until they answer directly. Buckets rank peers oldest-alive-first
// and evict from the tail of that ranking when they overflow.
//
// # Routing
//
// A ROUTE message travels toward its target one hop at a time. Each node
// delivers it locally when it is the target, and otherwise forwards it to the
// nearest alive peer that is strictly closer to the target than itself,
// decrementing the hop budget:
//
//	table := dht.NewRoutingTable(selfID, nil)
//	protocol := dht.NewProtocol(table, udp, nil)
//	protocol.RegisterHandlers()
//	protocol.OnDeliver(func(payload []byte) {
//	    fmt.Printf("received %d bytes\n", len(payload))
//	})
//	err := protocol.Route(target, dht.DefaultRouteHops, []byte("hello"))
//
// A message is dropped when the budget runs out or no closer alive peer is
// known; the originator is not notified.
//
// # Maintenance
//
// The Maintainer sends a self-lookup to a random peer every 40 seconds and
// pings up to K peers per bucket every 5 seconds. Timers run on an injected
// clock.Clock, so tests drive them with clock.NewMock.
//
// # Metrics
//
// NewMetrics registers Prometheus counters for received, sent and dropped
// packets and for routed payloads, plus a gauge of the table size.
package dht
