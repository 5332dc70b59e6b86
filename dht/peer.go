package dht

import (
	"time"

	"github.com/ringdht/ringdht/identity"
	"github.com/ringdht/ringdht/ring"
)

// PeerRecord is everything the routing table and session manager track
// about a single peer. The mutable fields (LastConnected, LastError,
// Retries) live here, on the record the table holds, rather than in a
// parallel map kept by whatever happens to be calling the peer.
type PeerRecord struct {
	// AddressKey is the peer's position on the ring, hash(PeerID).
	AddressKey ring.Key

	// PeerID is the peer's public identity.
	PeerID identity.PeerID

	// NetAddr is the peer's last known transport address, in host:port form.
	NetAddr string

	// LastConnected is the last time a call to this peer succeeded.
	LastConnected time.Time

	// LastError is the time of the peer's most recent call failure, the
	// anchor the backoff formula counts forward from. Zero if the peer has
	// never failed a call.
	LastError time.Time

	// Retries is the number of consecutive call failures since the last
	// success, used to compute the backoff deadline.
	Retries int

	// IsSelf marks the record that names this node itself. Exactly one
	// record in a running node's view of the network carries IsSelf true.
	IsSelf bool
}

// sameIdentity reports whether two records name the same peer.
func (p PeerRecord) sameIdentity(other PeerRecord) bool {
	return p.PeerID.Equal(other.PeerID)
}
