package identity

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe attempts to securely erase the contents of a byte slice
// containing sensitive data. It returns an error if the byte slice is nil.
//
// This uses subtle.XORBytes to perform a constant-time XOR operation that
// the compiler cannot optimize away. XORing data with itself (x XOR x = 0)
// zeros the data while resisting compiler optimizations that would otherwise
// drop a dead store.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	subtle.XORBytes(data, data, data)
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes erases the contents of a byte slice containing sensitive data.
// It is a convenience wrapper around SecureWipe that ignores the error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair securely erases the private key in a KeyPair. Call this once a
// KeyPair is no longer needed.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}
