package dht

import (
	"context"
	"testing"

	"github.com/ringdht/ringdht/identity"
	"github.com/ringdht/ringdht/ring"
	"github.com/ringdht/ringdht/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	stored map[ring.Key]PeerRecord
}

func (f *fakeSender) StoreAt(_ context.Context, peer PeerRecord, obj store.Object) error {
	if f.stored == nil {
		f.stored = make(map[ring.Key]PeerRecord)
	}
	f.stored[obj.Key] = peer
	return nil
}

func peerWithAddress(t *testing.T, addr ring.Key) PeerRecord {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	return PeerRecord{AddressKey: addr, PeerID: identity.NewPeerID(kp.Public)}
}

func TestRedistributorArcWithNoOtherPeersIsEmpty(t *testing.T) {
	self := peerWithAddress(t, ring.Hash([]byte("self")))
	table := NewRoutingTable(self.AddressKey)
	objects := store.NewMemoryStore("")
	sender := &fakeSender{}

	r := NewRedistributor(self, table, objects, sender)
	start, end := r.Arc()
	assert.Equal(t, self.AddressKey, start)
	assert.Equal(t, self.AddressKey, end)
}

func TestRedistributorHandsOffObjectsOutsideArc(t *testing.T) {
	var selfAddr, leftAddr, rightAddr ring.Key
	selfAddr[31] = 128
	leftAddr[31] = 0
	rightAddr[31] = 255

	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	self := PeerRecord{AddressKey: selfAddr, PeerID: identity.NewPeerID(kp.Public)}

	table := NewRoutingTable(selfAddr)
	left := peerWithAddress(t, leftAddr)
	right := peerWithAddress(t, rightAddr)
	require.True(t, table.Upsert(left))
	require.True(t, table.Upsert(right))

	objects := store.NewMemoryStore("")
	var farKey ring.Key
	farKey[31] = 250 // far outside self's arc, close to "right"
	require.NoError(t, objects.Put(context.Background(), store.Object{Key: farKey, BlockNumber: 1}))

	sender := &fakeSender{}
	r := NewRedistributor(self, table, objects, sender)
	r.Recompute(context.Background())

	assert.Contains(t, sender.stored, farKey)
	_, stillPresent, _ := objects.Get(context.Background(), farKey)
	assert.False(t, stillPresent)
}

func TestRedistributorKeepsObjectsInsideArc(t *testing.T) {
	var selfAddr ring.Key
	selfAddr[31] = 128
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	self := PeerRecord{AddressKey: selfAddr, PeerID: identity.NewPeerID(kp.Public)}

	var leftAddr, rightAddr ring.Key
	leftAddr[31] = 0
	rightAddr[31] = 255

	// With neighbors at 0 and 255, self's arc is [64, 191).
	table := NewRoutingTable(selfAddr)
	require.True(t, table.Upsert(peerWithAddress(t, leftAddr)))
	require.True(t, table.Upsert(peerWithAddress(t, rightAddr)))

	objects := store.NewMemoryStore("")
	var nearKey ring.Key
	nearKey[31] = 128
	require.NoError(t, objects.Put(context.Background(), store.Object{Key: nearKey, BlockNumber: 1}))

	sender := &fakeSender{}
	r := NewRedistributor(self, table, objects, sender)
	r.Recompute(context.Background())

	assert.NotContains(t, sender.stored, nearKey)
}
