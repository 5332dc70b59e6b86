package dht

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ringdht/ringdht/identity"
	"github.com/ringdht/ringdht/store"
)

// SeedContactInterval is how often the scheduler re-contacts the configured
// seed peers, refreshing the routing table if it has gone quiet.
const SeedContactInterval = 60 * time.Second

// StaleEvictionInterval is how often the scheduler sweeps the routing table
// for stale peers.
const StaleEvictionInterval = 10 * time.Minute

// StaleThreshold is how long since a peer's last successful call before it
// is considered stale and evicted.
const StaleThreshold = 30 * time.Minute

// SnapshotInterval is how often the scheduler persists the object store.
const SnapshotInterval = 60 * time.Second

// Pinger issues a liveness check, used to re-contact seeds.
type Pinger interface {
	Ping(ctx context.Context, peer PeerRecord) error
}

// Snapshotter persists a store's contents, used for periodic durability.
type Snapshotter interface {
	Snapshot() error
}

// Scheduler runs the DHT's three periodic background jobs: seed contact,
// stale peer eviction, and snapshot persistence. Each job runs on
// its own ticker so a slow job never delays the others.
type Scheduler struct {
	table   *RoutingTable
	seeds   []PeerRecord
	pinger  Pinger
	objects Snapshotter
	onEvict func(PeerRecord)

	clock identity.TimeProvider

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler for table, re-contacting seeds through
// pinger and snapshotting objects.
func NewScheduler(table *RoutingTable, seeds []PeerRecord, pinger Pinger, objects Snapshotter) *Scheduler {
	return &Scheduler{
		table:   table,
		seeds:   seeds,
		pinger:  pinger,
		objects: objects,
		clock:   identity.GetDefaultTimeProvider(),
	}
}

// SetClock overrides the scheduler's time source, for tests simulating
// elapsed backoff or staleness windows without real sleeps.
func (s *Scheduler) SetClock(tp identity.TimeProvider) {
	s.clock = tp
}

// Start launches the three background jobs. Stop must be called to release
// their goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(3)
	go s.runSeedContact(ctx)
	go s.runStaleEviction(ctx)
	go s.runSnapshots(ctx)
}

// OnEvict registers a callback fired once per peer removed by stale
// eviction, after the peer has already been dropped from the table. The
// scheduler's caller wires this to the Redistributor so a peer's departure
// triggers an arc recomputation.
func (s *Scheduler) OnEvict(fn func(PeerRecord)) {
	s.onEvict = fn
}

// Stop halts all background jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runSeedContact(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(SeedContactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.contactSeeds(ctx)
		}
	}
}

func (s *Scheduler) contactSeeds(ctx context.Context) {
	for _, seed := range s.seeds {
		if err := s.pinger.Ping(ctx, seed); err != nil {
			logrus.WithError(err).WithField("seed", seed.PeerID.String()).Debug("dht: seed contact failed")
			continue
		}
		s.table.Upsert(PeerRecord{
			AddressKey:    seed.AddressKey,
			PeerID:        seed.PeerID,
			NetAddr:       seed.NetAddr,
			LastConnected: s.clock.Now(),
		})
	}

	s.reconnectDueKnownPeers(ctx)
}

// reconnectDueKnownPeers retries every table peer, configured seeds
// included, that has failed at least once and whose backoff has elapsed, so
// a peer that dropped off doesn't stay unreachable forever once it's back.
func (s *Scheduler) reconnectDueKnownPeers(ctx context.Context) {
	now := s.clock.Now()
	for _, peer := range s.table.All() {
		if peer.Retries == 0 {
			continue
		}
		if now.Before(backoffDeadline(peer)) {
			continue
		}

		if err := s.pinger.Ping(ctx, peer); err != nil {
			logrus.WithError(err).WithField("peer", peer.PeerID.String()).Debug("dht: known-peer reconnect failed")
			continue
		}
		peer.LastConnected = now
		peer.Retries = 0
		peer.LastError = time.Time{}
		s.table.Update(peer)
	}
}

func (s *Scheduler) runStaleEviction(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(StaleEvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *Scheduler) evictStale() {
	cutoff := s.clock.Now().Add(-StaleThreshold)
	for _, p := range s.table.All() {
		if p.LastConnected.Before(cutoff) {
			s.table.Remove(p)
			if s.onEvict != nil {
				s.onEvict(p)
			}
		}
	}
}

func (s *Scheduler) runSnapshots(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.objects.Snapshot(); err != nil {
				logrus.WithError(err).Warn("dht: snapshot persistence failed")
			}
		}
	}
}

var _ Snapshotter = (*store.MemoryStore)(nil)
