// Package dht implements a Kademlia-style distributed hash table addressed
// on a 256-bit ring rather than by XOR distance. A node's routing table
// tracks the peers nearest to it on the ring (package ring), an iterative
// lookup engine walks the table to resolve FIND_NODE/FIND_VALUE queries
// against the network, and a facade ties routing, lookup, caching, peer
// sessions, redistribution, and periodic maintenance together behind four
// public operations: Store, FindValue, FindNodes, and FindNodeObject.
//
// # Components
//
//   - RoutingTable (bucket.go): 256 k-buckets keyed by the index of the
//     highest differing bit between the local address and a peer's address,
//     each holding a bounded number of peers.
//   - Lookup (lookup.go): iterative parallel FIND_NODE/FIND_VALUE search
//     with bounded concurrency (alpha) over the routing table.
//   - Cache (cache.go): a bounded LRU of recent lookup results with
//     debounced background refresh.
//   - SessionManager (session.go): per-peer call/cast RPC state machine
//     with deadline-bounded calls and exponential retry backoff.
//   - Redistributor (redistribution.go): recomputes a peer's ring
//     responsibility arc on neighbor churn and redistributes objects that
//     fall outside it.
//   - Scheduler (maintenance.go): periodic seed contact, stale-peer
//     eviction, and snapshot persistence.
//   - Facade (facade.go): the coordinator gluing the above into Store,
//     FindValue, FindNodes, and FindNodeObject.
//
// The routing table is guarded by a read-write lock held only for the span
// of a single bucket mutation; readers (lookup fan-out, redistribution's
// neighbor scan) work from snapshot copies, so no lock is ever held across
// a network call.
package dht
