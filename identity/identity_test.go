package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerIDEqual(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	a := NewPeerID(kp.Public)
	b := NewPeerID(kp.Public)
	assert.True(t, a.Equal(b))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, a.Equal(NewPeerID(other.Public)))
}

func TestPeerIDHexRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	id := NewPeerID(kp.Public)
	parsed, err := PeerIDFromHex(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))
}

func TestPeerIDFromHexInvalidLength(t *testing.T) {
	_, err := PeerIDFromHex("deadbeef")
	assert.Error(t, err)
}

func TestAddressOfIsDeterministic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	id := NewPeerID(kp.Public)
	a1 := AddressOf(id)
	a2 := AddressOf(id)
	assert.Equal(t, a1, a2)
}

func TestAddressOfDiffersForDifferentKeys(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	a1 := AddressOf(NewPeerID(kp1.Public))
	a2 := AddressOf(NewPeerID(kp2.Public))
	assert.NotEqual(t, a1, a2)
}

func TestIsLocal(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	self := NewPeerID(kp.Public)

	other, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.True(t, IsLocal(self, self))
	assert.False(t, IsLocal(self, NewPeerID(other.Public)))
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	var zero [32]byte
	_, err := FromSecretKey(zero)
	assert.Error(t, err)
}

func TestFromSecretKeyDerivesSamePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, derived.Public)
}
