// Package ring implements the 256-bit ring (modular) coordinate space that
// the DHT uses to place keys and peers and to measure distance between them.
//
// Unlike the classic Kademlia XOR metric, distance here is defined on a
// cycle: the space wraps around at 2^256, and the distance between two
// points is the shorter of the two arcs connecting them. This makes a
// peer's "responsibility arc", the portion of the ring it should hold
// objects for, fall simply between the midpoints to its two ring
// neighbors, which is what the redistribution engine in package dht
// relies on.
//
// Example:
//
//	k := ring.Hash([]byte("hello"))
//	d := ring.Distance(k, otherKey)
//	mid := ring.Midpoint(left, right)
package ring
