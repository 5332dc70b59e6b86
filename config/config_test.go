package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeedURI(t *testing.T) {
	hexID := "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff"
	seed, err := ParseSeedURI(hexID + "@203.0.113.5:33445")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5:33445", seed.NetAddr)
	assert.Equal(t, hexID, seed.PeerID.String())
}

func TestParseSeedURIWithoutPeerIDGetsTransientIdentity(t *testing.T) {
	seed, err := ParseSeedURI("203.0.113.5:33445")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5:33445", seed.NetAddr)

	var zero [32]byte
	assert.NotEqual(t, zero, seed.PeerID.PublicKey, "an id-less seed URI still yields a usable identity")

	other, err := ParseSeedURI("203.0.113.5:33445")
	require.NoError(t, err)
	assert.False(t, seed.PeerID.Equal(other.PeerID), "each parse mints its own transient identity")
}

func TestParseSeedURIInvalidPeerID(t *testing.T) {
	_, err := ParseSeedURI("nothex@203.0.113.5:33445")
	assert.Error(t, err)
}

func TestParseSeedURIMissingPort(t *testing.T) {
	hexID := "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff"
	_, err := ParseSeedURI(hexID + "@203.0.113.5")
	assert.Error(t, err)
}

func TestLoadConfigFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")

	hexID := "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff"
	contents := `
listen_addr = ":33445"
snapshot_path = "/var/lib/ringdht/snapshot.gob"
seeds = ["` + hexID + `@203.0.113.5:33445"]
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":33445", cfg.ListenAddr)

	seeds, err := cfg.ParseSeeds()
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, "203.0.113.5:33445", seeds[0].NetAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/node.toml")
	assert.Error(t, err)
}
