// Package identity implements the cryptographic identity primitives the DHT
// core consumes as an external collaborator: deriving a peer's ring address
// from its public key, and recognizing the local peer among others.
//
// The DHT never needs to decrypt or sign anything itself; it only needs a
// stable 256-bit coordinate per peer and a way to tell "is this me". Those
// two operations are kept here, separate from the wire-level handshake and
// session cryptography a full node's transport also needs.
//
// Example:
//
//	keys, err := identity.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	addr := identity.AddressOf(identity.NewPeerID(keys.Public))
package identity

import (
	"crypto/rand"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a NaCl crypto_box key pair identifying a peer on the ring.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		logrus.WithError(err).Error("identity: key pair generation failed")
		return nil, err
	}

	return &KeyPair{Public: *publicKey, Private: *privateKey}, nil
}

// FromSecretKey derives a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("identity: invalid secret key: all zeros")
	}

	var privateKey [32]byte
	copy(privateKey[:], secretKey[:])

	// curve25519 requires the scalar to be clamped before use.
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	ZeroBytes(privateKey[:])

	return &KeyPair{Public: publicKey, Private: secretKey}, nil
}

// isZeroKey reports whether a key consists entirely of zero bytes.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
