package dht

import (
	"bytes"
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ringdht/ringdht/ring"
	"github.com/ringdht/ringdht/store"
)

// DHT is the public facade coordinating routing, lookup, caching, peer
// sessions, redistribution, and maintenance behind four operations: Store,
// FindValue, FindNodes, and FindNodeObject.
type DHT struct {
	self    PeerRecord
	table   *RoutingTable
	lookup  *Lookup
	cache   *ResultCache
	session *SessionManager
	objects store.Store
}

// New wires a DHT around self's identity, with session used for peer RPCs
// (its routing table becomes the DHT's table) and objects as the local
// object store. Callers that also want redistribution
// and scheduled maintenance construct those separately (NewRedistributor,
// NewScheduler) against the same table and session returned by Table and
// Session.
func New(self PeerRecord, session *SessionManager, objects store.Store) *DHT {
	table := session.table
	self.IsSelf = true
	table.SetSelf(self)

	d := &DHT{
		self:    self,
		table:   table,
		session: session,
		objects: objects,
	}
	d.lookup = NewLookup(table, session)
	d.cache = NewResultCache(d.refreshValue, d.refreshNodes)
	return d
}

// Table returns the DHT's routing table, for wiring into a Redistributor or
// Scheduler.
func (d *DHT) Table() *RoutingTable { return d.table }

// Session returns the DHT's session manager, for callers that need to issue
// a raw Ping/FindNode/FindValue/StoreAt outside the facade's own Store/
// FindValue/FindNodes/FindNodeObject operations.
func (d *DHT) Session() *SessionManager { return d.session }

// refreshValue is the ResultCache's ValueRefreshFunc: it re-runs a network
// lookup, bypassing the cache, to repopulate a stale entry.
func (d *DHT) refreshValue(ctx context.Context, key ring.Key) (*store.Object, error) {
	obj, _, err := d.lookup.FindValue(ctx, key)
	return obj, err
}

// refreshNodes is refreshValue's FIND_NODE counterpart.
func (d *DHT) refreshNodes(ctx context.Context, key ring.Key) ([]PeerRecord, error) {
	return d.lookup.FindNodes(ctx, key)
}

// Store replicates value under key to the K peers closest to it, per the
// replication factor BucketSize. It returns ErrPartialFanoutFailure if at
// least one but not all of the target peers accepted the write, and an
// error if none did.
func (d *DHT) Store(ctx context.Context, key ring.Key, value []byte, blockNumber uint64) error {
	obj := store.Object{Key: key, Value: value, BlockNumber: blockNumber}
	targets, err := d.lookup.FindNodes(ctx, key)
	if err != nil {
		return err
	}

	if ring.LessDistance(d.self.AddressKey, lastOrSelf(targets, d.self).AddressKey, key) || len(targets) < BucketSize {
		_ = d.objects.Put(ctx, obj)
	}

	var remotes []PeerRecord
	for _, peer := range targets {
		if !peer.sameIdentity(d.self) {
			remotes = append(remotes, peer)
		}
	}
	results := d.session.rpcAll(ctx, remotes, func(ctx context.Context, peer PeerRecord) error {
		return d.session.StoreAt(ctx, peer, obj)
	})

	d.cache.Invalidate(key)

	if len(results) == 0 {
		return nil
	}
	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		}
	}
	if succeeded == 0 {
		return ErrPeerUnreachable
	}
	if succeeded < len(results) {
		return ErrPartialFanoutFailure
	}
	return nil
}

// lastOrSelf returns the furthest of targets, or self if targets is empty,
// used by Store to decide whether this node is itself among the K closest
// to key and should keep a local copy.
func lastOrSelf(targets []PeerRecord, self PeerRecord) PeerRecord {
	if len(targets) == 0 {
		return self
	}
	return targets[len(targets)-1]
}

// FindValue resolves key to its stored value, preferring the result cache.
// On a cache miss it runs a network lookup and applies read-repair: the
// lookup's result is reconciled against any local copy by block number,
// and the winning value is opportunistically re-replicated to peers the
// lookup visited.
func (d *DHT) FindValue(ctx context.Context, key ring.Key) ([]byte, error) {
	if cached, ok := d.cache.GetValue(ctx, key); ok {
		return cached.Value, nil
	}

	remote, visited, err := d.lookup.FindValue(ctx, key)
	if err != nil {
		return nil, err
	}
	local, hasLocal, _ := d.objects.Get(ctx, key)

	switch {
	case remote != nil && hasLocal:
		winner := remote
		if local.BlockNumber > remote.BlockNumber {
			winner = &local
			d.castToNth(visited, 0, *winner)
		} else if remote.BlockNumber > local.BlockNumber {
			_ = d.objects.Put(ctx, *remote)
		} else if !bytes.Equal(local.Value, remote.Value) {
			// Same block number, different bytes: a write conflict the
			// version ordering can't resolve. The remote copy wins the
			// tie-break deterministically.
			logrus.WithField("key", key.String()).Warn("dht: store version conflict, keeping remote copy")
		}
		d.castToNth(visited, 1, *winner)
		d.cache.PutValue(key, *winner)
		return winner.Value, nil

	case remote != nil:
		d.castToNth(visited, 1, *remote)
		d.cache.PutValue(key, *remote)
		return remote.Value, nil

	case hasLocal:
		d.castToNth(visited, 0, local)
		d.castToNth(visited, 1, local)
		d.cache.PutValue(key, local)
		return local.Value, nil

	default:
		return nil, ErrNotFound
	}
}

// castToNth opportunistically re-replicates value to the n-th closest peer
// the lookup visited, as a fire-and-forget STORE cast: no acknowledgement is
// awaited, so a slow or dead target can't delay the FindValue that triggered
// it. It is a no-op if there weren't that many visited peers or the n-th one
// is self.
func (d *DHT) castToNth(visited []PeerRecord, n int, value store.Object) {
	if n >= len(visited) {
		return
	}
	peer := visited[n]
	if peer.sameIdentity(d.self) {
		return
	}
	d.session.CastStore(peer, value)
}

// FindNodes returns the peers closest to target, preferring the result
// cache: a hit is served immediately while a debounced background refresh
// keeps the entry from going permanently stale, and a miss runs the
// iterative lookup synchronously.
func (d *DHT) FindNodes(ctx context.Context, target ring.Key) ([]PeerRecord, error) {
	if peers, ok := d.cache.GetNodes(ctx, target); ok {
		return peers, nil
	}
	peers, err := d.lookup.FindNodes(ctx, target)
	if err != nil {
		return nil, err
	}
	d.cache.PutNodes(target, peers)
	return peers, nil
}

// FindNodeObject resolves address to the peer record that owns that ring
// position: self if address is self's own address, otherwise a
// routing-table entry already known at that address, otherwise whatever a
// find_value lookup of address turns up, decoded as a peer descriptor rather
// than an opaque blob (every peer seeds its own descriptor into the object
// store under its address key on registration, see SessionManager).
func (d *DHT) FindNodeObject(ctx context.Context, address ring.Key) (PeerRecord, error) {
	if d.self.AddressKey == address {
		return d.self, nil
	}
	if peer, ok := d.table.LookupByAddress(address); ok {
		return peer, nil
	}

	value, _, err := d.lookup.FindValue(ctx, address)
	if err != nil {
		return PeerRecord{}, err
	}
	if value == nil {
		return PeerRecord{}, ErrNotFound
	}
	peer, err := decodePeerDescriptor(value.Value)
	if err != nil {
		return PeerRecord{}, err
	}
	return peer, nil
}
