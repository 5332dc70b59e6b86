package dht

import (
	"context"
	"sync"
	"time"

	"github.com/ringdht/ringdht/ring"
	"github.com/ringdht/ringdht/store"
)

// RedistributionDebounce is how long the redistributor waits, after the
// first peer arrival or departure it observes, before recomputing
// responsibility arcs. Further changes inside that window fold into the same
// pending recomputation, so churn that arrives in a burst triggers only one.
const RedistributionDebounce = 10 * time.Second

// Redistributor keeps each stored object near the peers responsible for its
// key as the ring's peer population changes. A peer's responsibility arc is
// the half-open interval between the midpoints to its immediate ring
// neighbors: arc = [mid(P, self), mid(self, Q)), where P and Q are the
// ring-predecessor and ring-successor of self among all known peers.
type Redistributor struct {
	self    PeerRecord
	table   *RoutingTable
	objects store.Store
	sender  interface {
		StoreAt(ctx context.Context, peer PeerRecord, obj store.Object) error
	}

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// NewRedistributor creates a redistributor for self, reading peers from
// table and objects from objects, handing off via sender.
func NewRedistributor(self PeerRecord, table *RoutingTable, objects store.Store, sender interface {
	StoreAt(ctx context.Context, peer PeerRecord, obj store.Object) error
}) *Redistributor {
	return &Redistributor{self: self, table: table, objects: objects, sender: sender}
}

// OnPeerChange signals that a peer arrived or departed, scheduling a
// debounced recomputation if one isn't already pending.
func (r *Redistributor) OnPeerChange() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending {
		return
	}
	r.pending = true
	r.timer = time.AfterFunc(RedistributionDebounce, func() {
		r.mu.Lock()
		r.pending = false
		r.mu.Unlock()
		r.Recompute(context.Background())
	})
}

// neighbors returns self's ring-predecessor and ring-successor among every
// peer the table knows of, delegating the ordering itself to the table's
// Prev/Next. With exactly one other peer known, that peer is both
// neighbors. With none, both neighbors are self, which collapses the
// responsibility arc to the empty arc [self, self) and leaves Recompute
// nothing to hand off.
func (r *Redistributor) neighbors() (prev, next PeerRecord) {
	prevSeq := r.table.Prev(r.self)
	nextSeq := r.table.Next(r.self)
	if len(prevSeq) == 0 || len(nextSeq) == 0 {
		return r.self, r.self
	}
	return prevSeq[0], nextSeq[0]
}

// Arc returns self's current responsibility arc [start, end).
func (r *Redistributor) Arc() (ring.Key, ring.Key) {
	prev, next := r.neighbors()
	start := ring.Midpoint(prev.AddressKey, r.self.AddressKey)
	end := ring.Midpoint(r.self.AddressKey, next.AddressKey)
	return start, end
}

// Recompute scans every locally held object and hands off any whose key has
// fallen outside self's current responsibility arc to whichever ring
// neighbor is now closer to it.
func (r *Redistributor) Recompute(ctx context.Context) {
	start, end := r.Arc()

	objs, err := r.objects.All(ctx)
	if err != nil {
		return
	}

	prev, next := r.neighbors()

	for _, obj := range objs {
		if ring.InArc(obj.Key, start, end) {
			continue
		}

		target := prev
		if ring.LessDistance(next.AddressKey, prev.AddressKey, obj.Key) {
			target = next
		}
		if target.sameIdentity(r.self) {
			continue
		}

		if err := r.sender.StoreAt(ctx, target, obj); err == nil {
			r.objects.Delete(obj.Key)
		}
	}
}
