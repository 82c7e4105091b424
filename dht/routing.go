package dht

import (
	"errors"
	"fmt"
	"iter"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// DefaultBucketSize is the default number of peers kept per bucket (K).
const DefaultBucketSize = 8

// ErrInvariantViolation reports a peer placed in a bucket whose index does
// not match its shared prefix with the local identifier.
var ErrInvariantViolation = errors.New("routing table invariant violation")

// RoutingTableConfig configures a RoutingTable.
type RoutingTableConfig struct {
	// BucketSize is K, the capacity of each bucket.
	BucketSize int
	// Clock supplies the current time. Defaults to the wall clock.
	Clock clock.Clock
}

// RoutingTable keeps the local view of the network as IDBits buckets
// indexed by shared-prefix length with the local identifier. All buckets
// are allocated up front and the bucket array never changes afterwards, so
// locking happens per bucket.
type RoutingTable struct {
	selfID     ID
	bucketSize int
	clock      clock.Clock
	buckets    [IDBits]*Bucket
}

// NewRoutingTable creates a routing table for selfID. A nil config uses
// DefaultBucketSize and the wall clock.
func NewRoutingTable(selfID ID, config *RoutingTableConfig) *RoutingTable {
	rt := &RoutingTable{
		selfID:     selfID,
		bucketSize: DefaultBucketSize,
		clock:      clock.New(),
	}
	if config != nil {
		if config.BucketSize > 0 {
			rt.bucketSize = config.BucketSize
		}
		if config.Clock != nil {
			rt.clock = config.Clock
		}
	}

	for i := range rt.buckets {
		rt.buckets[i] = newBucket(i, rt.bucketSize)
	}

	return rt
}

// SelfID returns the local identifier.
func (rt *RoutingTable) SelfID() ID {
	return rt.selfID
}

// BucketSize returns K.
func (rt *RoutingTable) BucketSize() int {
	return rt.bucketSize
}

// Clock returns the clock the table derives liveness from.
func (rt *RoutingTable) Clock() clock.Clock {
	return rt.clock
}

// BucketIndexFor returns the bucket an identifier belongs to. The identical
// identifier is clamped into the last bucket.
func (rt *RoutingTable) BucketIndexFor(id ID) int {
	return min(SharedPrefixBits(rt.selfID, id), IDBits-1)
}

// Bucket returns the bucket at index, or nil when out of range.
func (rt *RoutingTable) Bucket(index int) *Bucket {
	if index < 0 || index >= IDBits {
		return nil
	}
	return rt.buckets[index]
}

// AddOrRefresh inserts p, or marks the already stored peer with the same
// key as seen without replacing it. It returns the canonical instance and
// whether p was newly inserted and kept after trimming.
func (rt *RoutingTable) AddOrRefresh(p *Peer) (*Peer, bool) {
	return rt.add(p, true)
}

// AddDiscovered inserts a peer learned second hand. An existing entry is
// returned untouched so indirect reports never refresh liveness.
func (rt *RoutingTable) AddDiscovered(p *Peer) (*Peer, bool) {
	return rt.add(p, false)
}

func (rt *RoutingTable) add(p *Peer, refresh bool) (*Peer, bool) {
	if p.ID == rt.selfID {
		return p, false
	}

	bucket := rt.placement(rt.BucketIndexFor(p.ID), p)
	canonical, inserted, evicted := bucket.add(p, refresh, rt.clock.Now())

	if inserted {
		logrus.WithFields(logrus.Fields{
			"function": "AddOrRefresh",
			"peer":     p.String(),
			"bucket":   bucket.Index(),
		}).Debug("Peer added to routing table")
	}
	for _, e := range evicted {
		logrus.WithFields(logrus.Fields{
			"function": "AddOrRefresh",
			"peer":     e.String(),
			"bucket":   bucket.Index(),
		}).Debug("Peer evicted from full bucket")
	}

	return canonical, inserted
}

// placement returns the bucket p must be stored in. A caller-supplied index
// that disagrees with the peer's shared prefix is logged and corrected.
func (rt *RoutingTable) placement(index int, p *Peer) *Bucket {
	if err := rt.checkPlacement(index, p); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "placement",
			"peer":     p.String(),
			"error":    err.Error(),
		}).Error("Re-routing peer to its correct bucket")
		index = rt.BucketIndexFor(p.ID)
	}
	return rt.buckets[index]
}

func (rt *RoutingTable) checkPlacement(index int, p *Peer) error {
	want := rt.BucketIndexFor(p.ID)
	if index != want {
		return fmt.Errorf("%w: peer %s belongs in bucket %d, not %d", ErrInvariantViolation, p, want, index)
	}
	return nil
}

// LookupCanonical returns the stored peer with the same key as candidate,
// or candidate itself when no such peer is stored.
func (rt *RoutingTable) LookupCanonical(candidate *Peer) *Peer {
	if stored := rt.buckets[rt.BucketIndexFor(candidate.ID)].Lookup(candidate.Key()); stored != nil {
		return stored
	}
	return candidate
}

// Remove evicts the peer with the given key.
func (rt *RoutingTable) Remove(key PeerKey) bool {
	return rt.buckets[rt.BucketIndexFor(key.ID)].remove(key)
}

// ClosestPeers enumerates peers starting at the bucket target falls in and
// descending toward bucket 0. Each bucket is snapshotted when the iteration
// reaches it, so the sequence is safe under concurrent mutation and can be
// restarted.
func (rt *RoutingTable) ClosestPeers(target ID) iter.Seq[*Peer] {
	start := rt.BucketIndexFor(target)
	return func(yield func(*Peer) bool) {
		for i := start; i >= 0; i-- {
			for _, p := range rt.buckets[i].Peers() {
				if !yield(p) {
					return
				}
			}
		}
	}
}

// OldestPeers returns the peers of one bucket ranked oldest-alive-first.
func (rt *RoutingTable) OldestPeers(index int) []*Peer {
	bucket := rt.Bucket(index)
	if bucket == nil {
		return nil
	}
	return bucket.OldestPeers(rt.clock.Now())
}

// NonEmptyBuckets returns the indices of buckets holding at least one peer.
func (rt *RoutingTable) NonEmptyBuckets() []int {
	var result []int
	for i, b := range rt.buckets {
		if b.Len() > 0 {
			result = append(result, i)
		}
	}
	return result
}

// Size returns the total number of stored peers.
func (rt *RoutingTable) Size() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.Len()
	}
	return total
}

// AllPeers returns a snapshot of every stored peer.
func (rt *RoutingTable) AllPeers() []*Peer {
	var all []*Peer
	for _, b := range rt.buckets {
		all = append(all, b.Peers()...)
	}
	return all
}
