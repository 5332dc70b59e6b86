package dht

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ringdht/ringdht/ring"
	"github.com/ringdht/ringdht/store"
)

// CacheSize is the bounded LRU's capacity.
const CacheSize = 2048

// RefreshDebounce is how old an entry must be before a read of it triggers
// a background refresh. A successful refresh resets the entry's age; one
// that fails or finds nothing leaves it, so the next read tries again.
const RefreshDebounce = 20 * time.Second

// RefreshTimeout bounds a background refresh lookup. It runs on its own
// detached context rather than the triggering caller's, since that caller's
// ctx is typically cancelled the moment a Get returns.
const RefreshTimeout = 5 * time.Second

// cacheVerb distinguishes which lookup operation a cached result answers;
// entries are keyed by (verb, target key) so a FIND_VALUE result never
// shadows a FIND_NODE result for the same target.
type cacheVerb byte

const (
	verbFindValue cacheVerb = iota + 1
	verbFindNodes
)

type cacheKey struct {
	verb cacheVerb
	key  ring.Key
}

type cacheEntry struct {
	value       store.Object
	nodes       []PeerRecord
	lastRefresh time.Time
}

// ValueRefreshFunc performs a fresh FIND_VALUE lookup for key, used by the
// cache to repopulate a value entry in the background.
type ValueRefreshFunc func(ctx context.Context, key ring.Key) (*store.Object, error)

// NodesRefreshFunc is ValueRefreshFunc's FIND_NODE counterpart.
type NodesRefreshFunc func(ctx context.Context, key ring.Key) ([]PeerRecord, error)

// ResultCache is a bounded LRU of recent FindValue and FindNodes results. A
// read that hits a stale-ish entry returns the cached result immediately but
// kicks off a debounced background refresh so the next reader sees fresher
// data, rather than making every caller pay lookup latency.
type ResultCache struct {
	lru          *lru.Cache
	refreshValue ValueRefreshFunc
	refreshNodes NodesRefreshFunc

	mu         sync.Mutex
	refreshing map[cacheKey]bool
}

// NewResultCache creates a cache of CacheSize entries that refreshes value
// entries through refreshValue and node-list entries through refreshNodes.
func NewResultCache(refreshValue ValueRefreshFunc, refreshNodes NodesRefreshFunc) *ResultCache {
	c, err := lru.New(CacheSize)
	if err != nil {
		// lru.New only errors on a non-positive size, which CacheSize never is.
		panic(err)
	}
	return &ResultCache{
		lru:          c,
		refreshValue: refreshValue,
		refreshNodes: refreshNodes,
		refreshing:   make(map[cacheKey]bool),
	}
}

// GetValue returns the cached object for key, if present, triggering a
// debounced background refresh as a side effect. ctx governs only this call;
// the refresh it may trigger runs independently and is not cancelled when
// ctx is.
func (c *ResultCache) GetValue(_ context.Context, key ring.Key) (store.Object, bool) {
	entry, ok := c.get(cacheKey{verb: verbFindValue, key: key})
	if !ok {
		return store.Object{}, false
	}
	return entry.value, true
}

// GetNodes is GetValue's FIND_NODE counterpart.
func (c *ResultCache) GetNodes(_ context.Context, key ring.Key) ([]PeerRecord, bool) {
	entry, ok := c.get(cacheKey{verb: verbFindNodes, key: key})
	if !ok {
		return nil, false
	}
	return entry.nodes, true
}

func (c *ResultCache) get(ck cacheKey) (cacheEntry, bool) {
	raw, ok := c.lru.Get(ck)
	if !ok {
		return cacheEntry{}, false
	}
	entry := raw.(cacheEntry)

	if time.Since(entry.lastRefresh) >= RefreshDebounce {
		c.triggerRefresh(ck)
	}
	return entry, true
}

// PutValue stores or replaces the cached value for key.
func (c *ResultCache) PutValue(key ring.Key, value store.Object) {
	c.lru.Add(cacheKey{verb: verbFindValue, key: key}, cacheEntry{value: value, lastRefresh: time.Now()})
}

// PutNodes stores or replaces the cached closest-peers list for key. An
// empty list is not cached: a negative result must not be served stale.
func (c *ResultCache) PutNodes(key ring.Key, nodes []PeerRecord) {
	if len(nodes) == 0 {
		return
	}
	c.lru.Add(cacheKey{verb: verbFindNodes, key: key}, cacheEntry{nodes: nodes, lastRefresh: time.Now()})
}

// Invalidate drops both verbs' entries for key, used when a STORE changes
// its value.
func (c *ResultCache) Invalidate(key ring.Key) {
	c.lru.Remove(cacheKey{verb: verbFindValue, key: key})
	c.lru.Remove(cacheKey{verb: verbFindNodes, key: key})
}

// triggerRefresh starts a background refresh of ck unless one is already in
// flight, debouncing concurrent callers down to a single lookup. The refresh
// runs on a context detached from whichever read triggered it: that caller's
// ctx is typically cancelled via defer the instant the read returns, which
// would otherwise abort the refresh before the network round trip ever
// completed.
func (c *ResultCache) triggerRefresh(ck cacheKey) {
	c.mu.Lock()
	if c.refreshing[ck] {
		c.mu.Unlock()
		return
	}
	c.refreshing[ck] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, ck)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), RefreshTimeout)
		defer cancel()

		switch ck.verb {
		case verbFindValue:
			obj, err := c.refreshValue(ctx, ck.key)
			if err != nil || obj == nil {
				return
			}
			c.PutValue(ck.key, *obj)
		case verbFindNodes:
			nodes, err := c.refreshNodes(ctx, ck.key)
			if err != nil {
				return
			}
			c.PutNodes(ck.key, nodes)
		}
	}()
}
