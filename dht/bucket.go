package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/ringdht/ringdht/identity"
	"github.com/ringdht/ringdht/ring"
)

// BucketSize is K, the replication factor: the number of peers a lookup
// returns and the number of replicas a store targets.
const BucketSize = 3

// bucketCapacity bounds how many peers a single k-bucket retains. This is
// an implementation parameter, not a protocol constant; 8-20 is the usual
// range.
const bucketCapacity = 8

// bucketFreshness gates overflow eviction: a full bucket's least-recently
// connected peer is displaced only once it hasn't been connected within
// this window.
const bucketFreshness = 15 * time.Minute

// bucketCount is the number of k-buckets, one per bit position in a 256-bit
// address.
const bucketCount = ring.Size * 8

// kbucket holds up to bucketCapacity peers sharing the same bucket index.
type kbucket struct {
	peers []PeerRecord
}

func (b *kbucket) indexOf(id [32]byte) int {
	for i, p := range b.peers {
		if p.PeerID.PublicKey == id {
			return i
		}
	}
	return -1
}

// upsert inserts or refreshes a peer in the bucket, applying the overflow
// policy: when the bucket is full, the incoming peer replaces whichever
// existing entry has the oldest LastConnected, but only if that incumbent
// hasn't been connected within bucketFreshness and the incoming peer is
// itself more recently connected. A full bucket of fresh incumbents rejects
// the insert, leaving existing peers undisturbed.
func (b *kbucket) upsert(peer PeerRecord, now time.Time) (accepted bool) {
	if i := b.indexOf(peer.PeerID.PublicKey); i >= 0 {
		b.peers[i] = peer
		return true
	}

	if len(b.peers) < bucketCapacity {
		b.peers = append(b.peers, peer)
		return true
	}

	oldestIdx := 0
	for i, p := range b.peers {
		if p.LastConnected.Before(b.peers[oldestIdx].LastConnected) {
			oldestIdx = i
		}
	}
	incumbent := b.peers[oldestIdx]
	if incumbent.LastConnected.Before(now.Add(-bucketFreshness)) &&
		peer.LastConnected.After(incumbent.LastConnected) {
		b.peers[oldestIdx] = peer
		return true
	}
	return false
}

// update replaces an already-present peer's record in place, reporting
// false without modifying the bucket if the peer isn't present.
func (b *kbucket) update(peer PeerRecord) bool {
	if i := b.indexOf(peer.PeerID.PublicKey); i >= 0 {
		b.peers[i] = peer
		return true
	}
	return false
}

func (b *kbucket) remove(id [32]byte) {
	if i := b.indexOf(id); i >= 0 {
		b.peers = append(b.peers[:i], b.peers[i+1:]...)
	}
}

// RoutingTable indexes known peers into k-buckets by the position of the
// highest bit at which their address differs from the local address, and
// answers nearest-neighbor queries ordered by ring distance (package ring),
// independent of how peers are bucketed.
//
// The table is mutated from several goroutines (the session manager's call
// and RPC-handler paths, the scheduler's jobs, the facade) and read by
// lookup workers, the cache refresher, and the redistribution engine. Every
// Upsert, Update, and Remove happens in place under the write lock rather
// than through an optimistic snapshot-swap, so each single mutation is
// atomic and readers never observe a half-applied one.
type RoutingTable struct {
	mu      sync.RWMutex
	clock   identity.TimeProvider
	local   ring.Key
	self    PeerRecord
	hasSelf bool
	buckets [bucketCount]kbucket
}

// NewRoutingTable creates an empty table centered on localAddr.
func NewRoutingTable(localAddr ring.Key) *RoutingTable {
	return &RoutingTable{local: localAddr, clock: identity.GetDefaultTimeProvider()}
}

// SetClock overrides the table's time source, for tests exercising the
// bucket overflow freshness gate without real waits.
func (t *RoutingTable) SetClock(tp identity.TimeProvider) {
	t.clock = tp
}

// SetSelf registers this node's own record with the table. Exactly one
// record is self, and it is never evicted by Upsert/Remove or stale
// eviction (bucketIndex already refuses to place the local address in any
// bucket, so self never competes for bucket capacity).
func (t *RoutingTable) SetSelf(self PeerRecord) {
	self.IsSelf = true
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = self
	t.hasSelf = true
}

// Self returns the node's own record, if SetSelf has been called.
func (t *RoutingTable) Self() (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self, t.hasSelf
}

// ToList returns every record the table knows of, including self, unlike
// All, which only returns other peers (the set Nearest and the RPC handlers
// draw from).
func (t *RoutingTable) ToList() []PeerRecord {
	out := t.All()
	if self, ok := t.Self(); ok {
		out = append(out, self)
	}
	return out
}

// Contains reports whether id names a peer the table currently knows about,
// including self.
func (t *RoutingTable) Contains(id identity.PeerID) bool {
	_, ok := t.Lookup(id)
	return ok
}

// Lookup returns the record for id, if the table holds one, self included.
func (t *RoutingTable) Lookup(id identity.PeerID) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.hasSelf && t.self.PeerID.Equal(id) {
		return t.self, true
	}

	idx := bucketIndex(t.local, identity.AddressOf(id))
	if idx < 0 {
		return PeerRecord{}, false
	}
	if i := t.buckets[idx].indexOf(id.PublicKey); i >= 0 {
		return t.buckets[idx].peers[i], true
	}
	return PeerRecord{}, false
}

// LookupByAddress returns the record whose AddressKey equals key, if the
// table holds one, self included. Used by FindNodeObject's address
// resolution.
func (t *RoutingTable) LookupByAddress(key ring.Key) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.hasSelf && t.self.AddressKey == key {
		return t.self, true
	}

	idx := bucketIndex(t.local, key)
	if idx < 0 {
		return PeerRecord{}, false
	}
	for _, p := range t.buckets[idx].peers {
		if p.AddressKey == key {
			return p, true
		}
	}
	return PeerRecord{}, false
}

// Update replaces the mutable fields of an already-known peer (self
// included). It is a no-op, reporting false, if the peer isn't already
// present; unlike Upsert, Update never inserts a new record.
func (t *RoutingTable) Update(peer PeerRecord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasSelf && t.self.PeerID.Equal(peer.PeerID) {
		peer.IsSelf = true
		t.self = peer
		return true
	}

	idx := bucketIndex(t.local, peer.AddressKey)
	if idx < 0 {
		return false
	}
	return t.buckets[idx].update(peer)
}

// bucketIndex returns the index of the highest bit at which key differs
// from the table's local address, or -1 if key equals the local address
// (such a peer belongs in no bucket; it would be this node).
func bucketIndex(local, key ring.Key) int {
	for byteIdx := 0; byteIdx < ring.Size; byteIdx++ {
		diff := local[byteIdx] ^ key[byteIdx]
		if diff == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if diff&(1<<uint(bit)) != 0 {
				return (ring.Size-1-byteIdx)*8 + bit
			}
		}
	}
	return -1
}

// Upsert records a peer's presence in the table, applying bucket overflow
// policy if necessary. It reports whether the peer was accepted.
func (t *RoutingTable) Upsert(peer PeerRecord) bool {
	idx := bucketIndex(t.local, peer.AddressKey)
	if idx < 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buckets[idx].upsert(peer, t.clock.Now())
}

// Remove drops a peer from the table, if present.
func (t *RoutingTable) Remove(peer PeerRecord) {
	idx := bucketIndex(t.local, peer.AddressKey)
	if idx < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[idx].remove(peer.PeerID.PublicKey)
}

// All returns every peer currently known to the table, in no particular
// order. The returned slice is a snapshot safe to read without holding the
// table's lock.
func (t *RoutingTable) All() []PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []PeerRecord
	for i := range t.buckets {
		out = append(out, t.buckets[i].peers...)
	}
	return out
}

// Nearest returns up to n peers ordered by ascending ring distance to
// target. Ties break on the peer's address_key so that the ordering is
// deterministic across nodes observing the same peer set.
func (t *RoutingTable) Nearest(target ring.Key, n int) []PeerRecord {
	all := t.All()
	ring.SortByDistance(all, target, func(p PeerRecord) ring.Key { return p.AddressKey })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Len returns the number of peers currently known to the table.
func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].peers)
	}
	return n
}

// Prev returns every other record the table knows of (self included, plus
// record itself if it isn't already a member), ordered by ring position
// starting immediately before record and wrapping all the way around.
// Redistribution uses this to find self's ring-predecessor without
// reimplementing the ordering itself.
func (t *RoutingTable) Prev(record PeerRecord) []PeerRecord {
	return t.ringNeighbors(record, -1)
}

// Next is Prev's mirror, starting immediately after record and wrapping
// forward.
func (t *RoutingTable) Next(record PeerRecord) []PeerRecord {
	return t.ringNeighbors(record, 1)
}

func (t *RoutingTable) ringNeighbors(record PeerRecord, step int) []PeerRecord {
	order := t.ToList()

	present := false
	for _, p := range order {
		if p.sameIdentity(record) {
			present = true
			break
		}
	}
	if !present {
		order = append(order, record)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].AddressKey.Less(order[j].AddressKey) })

	n := len(order)
	if n <= 1 {
		return nil
	}
	idx := 0
	for i, p := range order {
		if p.sameIdentity(record) {
			idx = i
			break
		}
	}

	out := make([]PeerRecord, 0, n-1)
	for i := 1; i < n; i++ {
		if step < 0 {
			out = append(out, order[(idx-i+n)%n])
		} else {
			out = append(out, order[(idx+i)%n])
		}
	}
	return out
}
