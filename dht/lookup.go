package dht

import (
	"context"
	"sync"

	"github.com/ringdht/ringdht/ring"
	"github.com/ringdht/ringdht/store"
)

// Alpha is the lookup engine's fan-out: the number of peers queried in
// parallel at each round of an iterative search.
const Alpha = 3

// Querier issues a single RPC to a peer and waits for its response. The
// session manager implements this; the lookup engine depends only on the
// interface so it never has to reason about retries, deadlines, or backoff
// itself.
type Querier interface {
	FindNode(ctx context.Context, peer PeerRecord, target ring.Key) ([]PeerRecord, error)
	FindValue(ctx context.Context, peer PeerRecord, target ring.Key) (*store.Object, []PeerRecord, error)
}

// Lookup runs the iterative parallel search: starting from the table's
// current closest known peers, it repeatedly queries the Alpha peers
// closest to the target that haven't been queried yet, folding any peers
// they suggest back into the candidate set, until every candidate has been
// queried (FindValue also stops at the first round that finds a value).
type Lookup struct {
	table   *RoutingTable
	querier Querier
}

// NewLookup creates a lookup engine reading from table and querying peers
// through querier.
func NewLookup(table *RoutingTable, querier Querier) *Lookup {
	return &Lookup{table: table, querier: querier}
}

// lookupState tracks the iterative search's progress toward target.
// attempted records every peer a request has been sent to, whether or not
// it answered; dead records peers that errored out, so they are dropped
// from candidate and never reconsidered; responded records only the peers
// that actually answered, which is what the search's result is drawn from.
type lookupState struct {
	target ring.Key

	mu        sync.Mutex
	attempted map[[32]byte]bool
	dead      map[[32]byte]bool
	candidate []PeerRecord
	responded []PeerRecord
}

func newLookupState(target ring.Key, seeds []PeerRecord) *lookupState {
	s := &lookupState{
		target:    target,
		attempted: make(map[[32]byte]bool),
		dead:      make(map[[32]byte]bool),
	}
	s.candidate = append(s.candidate, seeds...)
	ring.SortByDistance(s.candidate, target, func(p PeerRecord) ring.Key { return p.AddressKey })
	return s
}

// newState seeds a search with the table's closest known peers and marks
// self dead up front: the seed list never contains self (it lives outside
// the buckets), but another peer's suggestions may name it, and a node must
// not issue RPCs to itself.
func (l *Lookup) newState(target ring.Key) *lookupState {
	s := newLookupState(target, l.table.Nearest(target, BucketSize*2))
	if self, ok := l.table.Self(); ok {
		s.dead[self.PeerID.PublicKey] = true
	}
	return s
}

// nextBatch returns up to Alpha not-yet-attempted, not-dead candidates
// closest to the target, marking them attempted so no peer is queried twice
// in one lookup.
func (s *lookupState) nextBatch() []PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []PeerRecord
	for _, p := range s.candidate {
		if len(batch) == Alpha {
			break
		}
		if s.attempted[p.PeerID.PublicKey] || s.dead[p.PeerID.PublicKey] {
			continue
		}
		s.attempted[p.PeerID.PublicKey] = true
		batch = append(batch, p)
	}
	return batch
}

// fail drops peer from the candidate set entirely and marks it dead so a
// later round's suggestions can't reintroduce it: an unresponsive peer
// never enters the responded set.
func (s *lookupState) fail(peer PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dead[peer.PeerID.PublicKey] = true
	for i, p := range s.candidate {
		if p.sameIdentity(peer) {
			s.candidate = append(s.candidate[:i], s.candidate[i+1:]...)
			break
		}
	}
}

// succeed records that peer responded, folds any peers it suggested into
// the candidate set (skipping ones already known dead), and reports whether
// any peer closer than the current closest candidate was added (progress).
func (s *lookupState) succeed(peer PeerRecord, found []PeerRecord) (progressed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	already := false
	for _, p := range s.responded {
		if p.sameIdentity(peer) {
			already = true
			break
		}
	}
	if !already {
		s.responded = append(s.responded, peer)
	}

	var closestBefore *ring.Key
	if len(s.candidate) > 0 {
		k := s.candidate[0].AddressKey
		closestBefore = &k
	}

	seen := make(map[[32]byte]bool, len(s.candidate))
	for _, p := range s.candidate {
		seen[p.PeerID.PublicKey] = true
	}

	for _, p := range found {
		if s.dead[p.PeerID.PublicKey] || seen[p.PeerID.PublicKey] {
			continue
		}
		seen[p.PeerID.PublicKey] = true
		s.candidate = append(s.candidate, p)
	}
	ring.SortByDistance(s.candidate, s.target, func(p PeerRecord) ring.Key { return p.AddressKey })

	if len(s.candidate) == 0 {
		return false
	}
	if closestBefore == nil {
		return true
	}
	return ring.LessDistance(s.candidate[0].AddressKey, *closestBefore, s.target)
}

// closestResponded returns the n peers closest to target among those that
// actually answered during the search, the only pool a search result draws
// from.
func (s *lookupState) closestResponded(n int) []PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerRecord, len(s.responded))
	copy(out, s.responded)
	ring.SortByDistance(out, s.target, func(p PeerRecord) ring.Key { return p.AddressKey })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// FindNodes runs an iterative FIND_NODE search for target, returning the
// BucketSize closest peers that actually answered.
func (l *Lookup) FindNodes(ctx context.Context, target ring.Key) ([]PeerRecord, error) {
	state := l.newState(target)

	for {
		batch := state.nextBatch()
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		var anyProgress bool
		var progressMu sync.Mutex

		for _, peer := range batch {
			wg.Add(1)
			go func(peer PeerRecord) {
				defer wg.Done()
				closer, err := l.querier.FindNode(ctx, peer, target)
				if err != nil {
					state.fail(peer)
					return
				}
				if state.succeed(peer, closer) {
					progressMu.Lock()
					anyProgress = true
					progressMu.Unlock()
				}
			}(peer)
		}
		wg.Wait()

		if !anyProgress && allAttempted(state) {
			break
		}
	}

	return state.closestResponded(BucketSize), nil
}

// allAttempted reports whether every current candidate has already been
// queried, meaning another round would issue no new calls.
func allAttempted(s *lookupState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.candidate {
		if !s.attempted[p.PeerID.PublicKey] {
			return false
		}
	}
	return true
}

// FindValue runs an iterative FIND_VALUE search for target. It returns the
// value if any queried peer holds it, along with every peer that answered
// during the search (peers whose call failed are left out), ordered by
// ascending ring distance to target; the read-repair
// algorithm in the facade picks its re-replication targets from that list.
func (l *Lookup) FindValue(ctx context.Context, target ring.Key) (*store.Object, []PeerRecord, error) {
	state := l.newState(target)
	var visited []PeerRecord
	var found *store.Object
	var mu sync.Mutex

	for {
		batch := state.nextBatch()
		if len(batch) == 0 {
			break
		}

		type result struct {
			peer  PeerRecord
			value *store.Object
		}
		results := make(chan result, len(batch))

		var wg sync.WaitGroup
		for _, peer := range batch {
			wg.Add(1)
			go func(peer PeerRecord) {
				defer wg.Done()
				value, closer, err := l.querier.FindValue(ctx, peer, target)
				if err != nil {
					state.fail(peer)
					return
				}
				state.succeed(peer, closer)
				results <- result{peer: peer, value: value}
			}(peer)
		}
		wg.Wait()
		close(results)

		stop := false
		for r := range results {
			mu.Lock()
			visited = append(visited, r.peer)
			if r.value != nil && found == nil {
				found = r.value
				stop = true
			}
			mu.Unlock()
		}
		if stop || allAttempted(state) {
			break
		}
	}

	ring.SortByDistance(visited, target, func(p PeerRecord) ring.Key { return p.AddressKey })
	return found, visited, nil
}
