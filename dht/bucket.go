package dht

import (
	"slices"
	"sync"
	"time"
)

// Bucket holds up to capacity peers that share the same number of prefix
// bits with the local identifier. Peers are unique by PeerKey.
type Bucket struct {
	index    int
	capacity int
	peers    map[PeerKey]*Peer
	mu       sync.RWMutex
}

func newBucket(index, capacity int) *Bucket {
	return &Bucket{
		index:    index,
		capacity: capacity,
		peers:    make(map[PeerKey]*Peer, capacity+1),
	}
}

// Index returns the shared-prefix length this bucket covers.
func (b *Bucket) Index() int {
	return b.index
}

// Len returns the number of stored peers.
func (b *Bucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Peers returns a snapshot of the bucket ordered by identity key.
func (b *Bucket) Peers() []*Peer {
	b.mu.RLock()
	result := b.snapshotLocked()
	b.mu.RUnlock()

	slices.SortFunc(result, compareByKey)
	return result
}

// OldestPeers returns a snapshot ranked oldest-alive-first as of now.
func (b *Bucket) OldestPeers(now time.Time) []*Peer {
	b.mu.RLock()
	result := b.snapshotLocked()
	b.mu.RUnlock()

	sortOldestAliveFirst(result, now)
	return result
}

// Lookup returns the stored peer with the given key, or nil.
func (b *Bucket) Lookup(key PeerKey) *Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.peers[key]
}

// Trim evicts the worst-ranked peers while the bucket is over capacity and
// returns them. It never removes a peer from a bucket within capacity.
func (b *Bucket) Trim(now time.Time) []*Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trimLocked(now)
}

// add inserts p, or refreshes the stored instance with the same key when
// refresh is set, then trims. It returns the canonical instance and whether
// p was inserted and survived the trim.
func (b *Bucket) add(p *Peer, refresh bool, now time.Time) (*Peer, bool, []*Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := p.Key()
	if existing, ok := b.peers[key]; ok {
		if refresh {
			existing.MarkSeen(now)
		}
		return existing, false, nil
	}

	b.peers[key] = p
	evicted := b.trimLocked(now)
	_, kept := b.peers[key]
	return p, kept, evicted
}

func (b *Bucket) remove(key PeerKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.peers[key]; !ok {
		return false
	}
	delete(b.peers, key)
	return true
}

func (b *Bucket) trimLocked(now time.Time) []*Peer {
	if len(b.peers) <= b.capacity {
		return nil
	}

	ranked := b.snapshotLocked()
	sortOldestAliveFirst(ranked, now)

	evicted := ranked[b.capacity:]
	for _, p := range evicted {
		delete(b.peers, p.Key())
	}
	return evicted
}

func (b *Bucket) snapshotLocked() []*Peer {
	result := make([]*Peer, 0, len(b.peers))
	for _, p := range b.peers {
		result = append(result, p)
	}
	return result
}

// sortOldestAliveFirst ranks by liveness, then by first contact with older
// peers first, then by identity key so the order is total.
func sortOldestAliveFirst(peers []*Peer, now time.Time) {
	slices.SortFunc(peers, func(a, b *Peer) int {
		if ra, rb := a.Status(now).rank(), b.Status(now).rank(); ra != rb {
			return ra - rb
		}
		if c := a.firstSeen.Compare(b.firstSeen); c != 0 {
			return c
		}
		return compareByKey(a, b)
	})
}

func compareByKey(a, b *Peer) int {
	if c := a.ID.Compare(b.ID); c != 0 {
		return c
	}
	return a.Addr.Compare(b.Addr)
}
