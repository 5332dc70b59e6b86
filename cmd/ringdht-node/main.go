// Command ringdht-node runs a single DHT node: it loads configuration,
// opens a UDP transport, bootstraps its routing table from the configured
// seeds, and answers inbound FindNode/FindValue/Store/Ping requests from
// peers until interrupted. The DHT facade (dht.New) is for programs that
// embed a node as a library and issue their own Store/FindValue calls; this
// binary only runs the network-facing peer side.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ringdht/ringdht/config"
	"github.com/ringdht/ringdht/dht"
	"github.com/ringdht/ringdht/identity"
	"github.com/ringdht/ringdht/store"
	"github.com/ringdht/ringdht/transport"
)

// cliConfig holds command-line overrides layered on top of a config file.
type cliConfig struct {
	configPath string
	listenAddr string
	logLevel   string
	help       bool
}

func parseCLIFlags() *cliConfig {
	c := &cliConfig{}
	flag.StringVar(&c.configPath, "config", "", "path to a TOML config file")
	flag.StringVar(&c.listenAddr, "listen", "", "UDP listen address, overrides config")
	flag.StringVar(&c.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.BoolVar(&c.help, "help", false, "show help message")
	flag.Parse()
	return c
}

func printUsage() {
	fmt.Println("ringdht-node")
	fmt.Println("============")
	fmt.Println()
	fmt.Println("Runs a single node of the ring-distance distributed hash table.")
	fmt.Println()
	flag.PrintDefaults()
}

func main() {
	cli := parseCLIFlags()
	if cli.help {
		printUsage()
		return
	}

	level, err := logrus.ParseLevel(cli.logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if err := run(cli); err != nil {
		logrus.WithError(err).Fatal("ringdht-node: fatal error")
	}
}

func run(cli *cliConfig) error {
	var cfg config.Config
	if cli.configPath != "" {
		loaded, err := config.Load(cli.configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = *loaded
	}
	if cli.listenAddr != "" {
		cfg.ListenAddr = cli.listenAddr
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":33445"
	}

	keys, err := loadOrGenerateKeys(cfg.SecretKeyHex)
	if err != nil {
		return fmt.Errorf("loading keys: %w", err)
	}
	defer func() {
		if err := identity.WipeKeyPair(keys); err != nil {
			logrus.WithError(err).Warn("ringdht-node: failed to wipe key material")
		}
	}()
	self := identity.NewPeerID(keys.Public)
	logrus.WithField("peer_id", self.String()).Info("ringdht-node: identity loaded")

	tr, err := transport.NewUDPTransport(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("opening transport: %w", err)
	}
	defer tr.Close()

	objects := store.NewMemoryStore(cfg.SnapshotPath)
	if err := objects.LoadSnapshot(); err != nil {
		logrus.WithError(err).Warn("ringdht-node: failed to load snapshot, starting empty")
	}

	table := dht.NewRoutingTable(identity.AddressOf(self))

	// redistributor is constructed after the session manager, but the
	// handshake callbacks wired into the session manager need to reach it;
	// the indirection through this pointer breaks that construction cycle.
	var redistributor *dht.Redistributor
	handshake := dht.Handshake{
		OnPeerRegistered: func(p dht.PeerRecord) {
			logrus.WithField("peer", p.PeerID.String()).Debug("ringdht-node: peer registered")
		},
		// on_peer_stable only fires once a peer has proven itself over a
		// sustained window; markSuccess has already persisted the success
		// to the table record itself, so there's nothing left to do here
		// beyond triggering redistribution.
		OnPeerStable: func(p dht.PeerRecord) {
			redistributor.OnPeerChange()
		},
		// markFailure persists the peer's incremented retries/last_error
		// directly onto its table record; removing the peer here would erase
		// that state on every single failure and defeat both the backoff it
		// drives and the scheduler's known-peer reconnect job, which depends
		// on the peer still being in the table past its first failure.
		// Eviction of a chronically unreachable peer is stale eviction's
		// job, not this callback's.
		OnPeerFailed: func(p dht.PeerRecord) {
			redistributor.OnPeerChange()
		},
	}

	selfRecord := dht.PeerRecord{
		AddressKey: identity.AddressOf(self),
		PeerID:     self,
		NetAddr:    tr.LocalAddr().String(),
		IsSelf:     true,
	}
	table.SetSelf(selfRecord)
	session := dht.NewSessionManager(self, tr, table, objects, handshake)
	redistributor = dht.NewRedistributor(selfRecord, table, objects, session)

	seeds, err := cfg.ParseSeeds()
	if err != nil {
		return fmt.Errorf("parsing seeds: %w", err)
	}
	var seedPeers []dht.PeerRecord
	for _, s := range seeds {
		seedPeers = append(seedPeers, dht.PeerRecord{
			AddressKey: identity.AddressOf(s.PeerID),
			PeerID:     s.PeerID,
			NetAddr:    s.NetAddr,
		})
	}

	scheduler := dht.NewScheduler(table, seedPeers, session, objects)
	scheduler.OnEvict(func(p dht.PeerRecord) { redistributor.OnPeerChange() })

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	scheduler.Start(ctx)
	defer scheduler.Stop()

	bootstrap(ctx, session, table, seedPeers)

	logrus.WithFields(logrus.Fields{
		"listen_addr": tr.LocalAddr().String(),
		"known_peers": table.Len(),
	}).Info("ringdht-node: serving")
	<-ctx.Done()

	if err := objects.Snapshot(); err != nil {
		logrus.WithError(err).Warn("ringdht-node: final snapshot failed")
	}
	return nil
}

// bootstrap pings every configured seed once at startup so the routing
// table has something to work with before the first scheduled contact.
func bootstrap(ctx context.Context, session *dht.SessionManager, table *dht.RoutingTable, seeds []dht.PeerRecord) {
	for _, seed := range seeds {
		callCtx, cancel := context.WithTimeout(ctx, dht.CallTimeout)
		err := session.Ping(callCtx, seed)
		cancel()
		if err != nil {
			logrus.WithError(err).WithField("seed", seed.PeerID.String()).Warn("ringdht-node: seed unreachable at startup")
			continue
		}
		seed.LastConnected = time.Now()
		table.Upsert(seed)
	}
}

func loadOrGenerateKeys(secretHex string) (*identity.KeyPair, error) {
	if secretHex == "" {
		return identity.GenerateKeyPair()
	}
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, err
	}
	var secret [32]byte
	copy(secret[:], raw)
	return identity.FromSecretKey(secret)
}
