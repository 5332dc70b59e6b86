// Package config loads a node's startup configuration: its listen address,
// persistence paths, and the seed peers it bootstraps its routing table
// from. Configuration is TOML, read with BurntSushi/toml to match the
// ecosystem's common choice for simple, comment-friendly config files.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ringdht/ringdht/identity"
)

// Seed identifies a bootstrap peer by its parsed identity and network
// address.
type Seed struct {
	PeerID  identity.PeerID
	NetAddr string
}

// Config is a node's complete startup configuration.
type Config struct {
	// ListenAddr is the local UDP address to bind, e.g. ":33445".
	ListenAddr string `toml:"listen_addr"`

	// SnapshotPath is where the object store persists its periodic
	// snapshot. Empty disables persistence.
	SnapshotPath string `toml:"snapshot_path"`

	// SecretKeyHex is this node's private key, hex-encoded. Empty means a
	// fresh key pair should be generated on startup.
	SecretKeyHex string `toml:"secret_key"`

	// Seeds lists bootstrap peers as "<peer_id_hex>@<host>:<port>" strings.
	Seeds []string `toml:"seeds"`
}

// Load reads and parses a TOML config file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return &cfg, nil
}

// ParseSeeds parses each configured seed URI into a Seed.
func (c *Config) ParseSeeds() ([]Seed, error) {
	seeds := make([]Seed, 0, len(c.Seeds))
	for _, raw := range c.Seeds {
		seed, err := ParseSeedURI(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid seed %q: %w", raw, err)
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// ParseSeedURI parses a single "<peer_id_hex>@host:port" bootstrap URI. The
// peer id is optional: a bare "host:port" is accepted, and a fresh transient
// identity stands in for the unknown remote until a real handshake or lookup
// replaces the record.
func ParseSeedURI(uri string) (Seed, error) {
	var id identity.PeerID
	addrPart := uri
	if at := strings.IndexByte(uri, '@'); at >= 0 {
		parsed, err := identity.PeerIDFromHex(uri[:at])
		if err != nil {
			return Seed{}, fmt.Errorf("invalid peer id: %w", err)
		}
		id = parsed
		addrPart = uri[at+1:]
	} else {
		kp, err := identity.GenerateKeyPair()
		if err != nil {
			return Seed{}, fmt.Errorf("generating transient seed identity: %w", err)
		}
		id = identity.NewPeerID(kp.Public)
	}

	host, portStr, err := splitHostPort(addrPart)
	if err != nil {
		return Seed{}, err
	}
	if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
		return Seed{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	return Seed{PeerID: id, NetAddr: host + ":" + portStr}, nil
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("missing ':' in address %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}
