package identity

import (
	"encoding/hex"
	"errors"

	"github.com/ringdht/ringdht/ring"
)

// PeerID is a peer's public identity key. Two PeerIDs name the same peer
// exactly when their public keys are equal.
type PeerID struct {
	PublicKey [32]byte
}

// NewPeerID wraps a raw public key as a PeerID.
func NewPeerID(publicKey [32]byte) PeerID {
	return PeerID{PublicKey: publicKey}
}

// PeerIDFromHex parses a hex-encoded public key into a PeerID.
func PeerIDFromHex(s string) (PeerID, error) {
	if len(s) != 64 {
		return PeerID{}, errors.New("identity: public key must be 64 hex characters")
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	var id PeerID
	copy(id.PublicKey[:], decoded)
	return id, nil
}

// String renders the PeerID as a hex string.
func (id PeerID) String() string {
	return hex.EncodeToString(id.PublicKey[:])
}

// Equal reports whether two PeerIDs name the same peer.
func (id PeerID) Equal(other PeerID) bool {
	return id.PublicKey == other.PublicKey
}

// AddressOf derives a peer's 256-bit ring coordinate from its identity. This
// is the address_key the routing table places the peer under, computed the
// same way a stored object's key is hashed onto the ring.
func AddressOf(id PeerID) ring.Key {
	return ring.Hash(id.PublicKey[:])
}

// IsLocal reports whether id names the same peer as self.
func IsLocal(self, id PeerID) bool {
	return self.Equal(id)
}
