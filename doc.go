// Package supernet implements a peer-to-peer routing overlay: nodes with
// 160-bit identifiers find each other through a Kademlia-style routing
// table and forward opaque payloads hop by hop toward a target identifier.
//
// This package provides the Node facade that wires the subsystems together:
// the UDP transport, the routing table and wire protocol, the maintenance
// jobs, bootstrap seeding and STUN external address discovery.
//
// # Getting Started
//
// Create a node, start it and join the network through a known peer:
//
//	options := supernet.NewOptions()
//	options.StartPort = 33445
//
//	node, err := supernet.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop()
//
//	node.OnReceive(func(payload []byte) {
//	    fmt.Printf("received %q\n", payload)
//	})
//
//	if err := node.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Bootstrap("seed.example.org:33445"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Routing Payloads
//
// Send forwards a payload toward a node identifier; SendToKey hashes an
// arbitrary key onto the identifier space first:
//
//	err := node.Send(targetID, []byte("hello"))
//	err = node.SendToKey([]byte("user@example.org"), payload)
//
// Delivery is best effort. A payload is dropped when its hop budget runs out
// or when no alive peer is closer to the target; the sender is not told.
//
// # Core Types
//
//   - [Node]: a running peer
//   - [Options]: configuration for creating a Node
//
// # Deterministic Testing
//
// Options.Clock accepts a clock.Clock. With clock.NewMock the liveness of
// peers and the maintenance timers advance only when the test moves the
// clock.
//
// # Thread Safety
//
// Node is safe for concurrent use. Received datagrams are processed on the
// transport's receive goroutine and maintenance runs on timer goroutines;
// the routing table locks each bucket independently.
//
// # Integration Architecture
//
//   - [dht]: identifiers, routing table, wire protocol and maintenance
//   - [transport]: packet header, UDP transport and STUN
//   - [config]: persistent identity and bootstrap configuration
package supernet
