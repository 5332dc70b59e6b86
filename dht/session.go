package dht

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ringdht/ringdht/identity"
	"github.com/ringdht/ringdht/ring"
	"github.com/ringdht/ringdht/store"
	"github.com/ringdht/ringdht/transport"
)

// CallTimeout is the deadline applied to every outgoing call.
const CallTimeout = 2 * time.Second

// MaxBackoffExponent caps the retry backoff's exponent: once a peer has
// failed this many times in a row, its backoff stops growing.
const MaxBackoffExponent = 7

// SessionState is where a peer sits in the session manager's liveness state
// machine.
type SessionState int

const (
	// StateFresh is a peer that has never been called.
	StateFresh SessionState = iota
	// StateHealthy is a peer whose most recent call succeeded.
	StateHealthy
	// StateUnhealthy is a peer currently backing off after one or more
	// consecutive call failures.
	StateUnhealthy
)

// Handshake carries the callbacks the session manager fires as a peer moves
// through its lifecycle: OnPeerRegistered the first time it's seen,
// OnPeerStable once it's proven itself over StableWindow of sustained
// traffic, OnPeerFailed on every call failure.
type Handshake struct {
	OnPeerRegistered func(PeerRecord)
	OnPeerStable     func(PeerRecord)
	OnPeerFailed     func(PeerRecord)
}

// StableMessageCount and StableWindow define the "stable" signal that gates
// OnPeerStable and, through it, redistribution: a peer only counts as stable
// once it has exchanged at least StableMessageCount successful calls spanning
// at least StableWindow, distinguishing sustained liveness from a single
// lucky round-trip.
const (
	StableMessageCount = 10
	StableWindow       = 30 * time.Second
)

// activityWindow tracks one peer's progress toward the stable signal. fired
// latches once the signal has been raised, so OnPeerStable is delivered
// exactly once per sustained-liveness episode rather than on every
// subsequent success.
type activityWindow struct {
	count int
	start time.Time
	fired bool
}

// backoffDeadline returns the time before which peer should not be called
// again, per the formula last_error + 5^min(retries,7). Retries and
// last_error live on the PeerRecord itself: the routing table is the single
// owner of a peer's mutable state, not a parallel map kept by whichever
// caller happens to be dialing it.
func backoffDeadline(p PeerRecord) time.Time {
	exp := p.Retries
	if exp > MaxBackoffExponent {
		exp = MaxBackoffExponent
	}
	seconds := math.Pow(5, float64(exp))
	return p.LastError.Add(time.Duration(seconds) * time.Second)
}

// classify reports where peer currently sits in the liveness state machine,
// purely as a function of its table-held fields.
func classify(p PeerRecord) SessionState {
	switch {
	case p.LastConnected.IsZero() && p.Retries == 0:
		return StateFresh
	case p.Retries > 0:
		return StateUnhealthy
	default:
		return StateHealthy
	}
}

// SessionManager implements the per-peer call/cast RPC primitives and
// satisfies the Lookup engine's Querier interface. Every outgoing call is
// deadline-bounded and every failure advances that peer's retry/backoff
// state; a peer still inside its backoff window is rejected locally without
// ever touching the network. All of that state lives directly on the
// RoutingTable's PeerRecord rather than in a manager-private map.
type SessionManager struct {
	self      identity.PeerID
	transport transport.Transport
	objects   store.Store
	table     *RoutingTable
	handshake Handshake
	clock     identity.TimeProvider

	mu       sync.Mutex
	activity map[[32]byte]*activityWindow
	pending  map[requestID]chan []byte

	nextID uint64
}

// NewSessionManager wires a session manager to send over tr, identifying
// itself as self, answering incoming RPCs against table and objects.
func NewSessionManager(self identity.PeerID, tr transport.Transport, table *RoutingTable, objects store.Store, handshake Handshake) *SessionManager {
	sm := &SessionManager{
		self:      self,
		transport: tr,
		objects:   objects,
		table:     table,
		handshake: handshake,
		clock:     identity.GetDefaultTimeProvider(),
		activity:  make(map[[32]byte]*activityWindow),
		pending:   make(map[requestID]chan []byte),
	}

	tr.RegisterHandler(transport.PacketFindNodeResponse, sm.handleResponse)
	tr.RegisterHandler(transport.PacketFindValueResponse, sm.handleResponse)
	tr.RegisterHandler(transport.PacketStoreAck, sm.handleResponse)
	tr.RegisterHandler(transport.PacketPong, sm.handleResponse)

	tr.RegisterHandler(transport.PacketFindNode, sm.handleFindNode)
	tr.RegisterHandler(transport.PacketFindValue, sm.handleFindValue)
	tr.RegisterHandler(transport.PacketStore, sm.handleStore)
	tr.RegisterHandler(transport.PacketPing, sm.handlePing)

	return sm
}

// SetClock overrides the session manager's time source, for tests that need
// to simulate the stability window and backoff deadlines elapsing without
// real sleeps.
func (sm *SessionManager) SetClock(tp identity.TimeProvider) {
	sm.clock = tp
}

// State reports where peer currently sits in the liveness state machine, as
// last recorded on its table entry. It returns StateFresh for a peer the
// table doesn't know about.
func (sm *SessionManager) State(peer PeerRecord) SessionState {
	current, ok := sm.table.Lookup(peer.PeerID)
	if !ok {
		return StateFresh
	}
	return classify(current)
}

// ensurePeer returns the table's existing record for peer if one exists,
// otherwise registers peer as newly known: inserting it into the table,
// seeding its server descriptor into the object store under its address
// key, and firing OnPeerRegistered exactly once for its lifetime.
func (sm *SessionManager) ensurePeer(peer PeerRecord) PeerRecord {
	if existing, ok := sm.table.Lookup(peer.PeerID); ok {
		return existing
	}

	sm.table.Upsert(peer)
	sm.seedDescriptor(peer)
	if sm.handshake.OnPeerRegistered != nil {
		sm.handshake.OnPeerRegistered(peer)
	}
	return peer
}

// seedDescriptor stores peer's own descriptor in the object store under its
// address key, so a later FindNodeObject resolving that address via a value
// lookup can decode it back into a peer record.
func (sm *SessionManager) seedDescriptor(peer PeerRecord) {
	data, err := encodePeerDescriptor(peer)
	if err != nil {
		return
	}
	height, err := sm.objects.BlockNumber(context.Background())
	if err != nil {
		return
	}
	_ = sm.objects.Put(context.Background(), store.Object{
		Key:         peer.AddressKey,
		Value:       data,
		BlockNumber: height,
	})
}

// recordActivity counts one successful exchange with peer toward the stable
// signal, reporting true the first time the threshold (StableMessageCount
// exchanges spanning at least StableWindow) is crossed.
func (sm *SessionManager) recordActivity(peer PeerRecord) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := peer.PeerID.PublicKey
	w, ok := sm.activity[key]
	if !ok {
		w = &activityWindow{start: sm.clock.Now()}
		sm.activity[key] = w
	}
	w.count++
	if w.fired {
		return false
	}
	if w.count >= StableMessageCount && sm.clock.Since(w.start) >= StableWindow {
		w.fired = true
		return true
	}
	return false
}

// resetActivity discards any in-progress stability tracking for peer,
// called on failure since a dropped call breaks the sustained-liveness
// streak the stable signal requires.
func (sm *SessionManager) resetActivity(peer PeerRecord) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.activity, peer.PeerID.PublicKey)
}

func (sm *SessionManager) markSuccess(peer PeerRecord) {
	current, ok := sm.table.Lookup(peer.PeerID)
	if !ok {
		current = peer
	}
	current.Retries = 0
	current.LastError = time.Time{}
	current.LastConnected = sm.clock.Now()
	if !sm.table.Update(current) {
		sm.table.Upsert(current)
	}

	if sm.recordActivity(peer) && sm.handshake.OnPeerStable != nil {
		sm.handshake.OnPeerStable(current)
	}
}

func (sm *SessionManager) markFailure(peer PeerRecord) {
	current, ok := sm.table.Lookup(peer.PeerID)
	if !ok {
		current = peer
	}
	current.Retries++
	current.LastError = sm.clock.Now()
	if !sm.table.Update(current) {
		sm.table.Upsert(current)
	}
	sm.resetActivity(peer)

	if sm.handshake.OnPeerFailed != nil {
		sm.handshake.OnPeerFailed(current)
	}
}

// call sends payload to peer as packetType, waits up to CallTimeout for a
// correlated response, and decodes it into reply. It fails fast, without
// sending anything, if the peer is still inside its backoff window.
func (sm *SessionManager) call(ctx context.Context, peer PeerRecord, packetType transport.PacketType, payload, reply any) error {
	peer = sm.ensurePeer(peer)

	if peer.Retries > 0 && sm.clock.Now().Before(backoffDeadline(peer)) {
		return ErrPeerUnreachable
	}

	addr, err := net.ResolveUDPAddr("udp", peer.NetAddr)
	if err != nil {
		return err
	}

	id := requestID(atomic.AddUint64(&sm.nextID, 1))
	ch := make(chan []byte, 1)
	sm.mu.Lock()
	sm.pending[id] = ch
	sm.mu.Unlock()
	defer func() {
		sm.mu.Lock()
		delete(sm.pending, id)
		sm.mu.Unlock()
	}()

	data, err := encodeEnvelope(id, payload)
	if err != nil {
		return err
	}

	if err := sm.transport.Send(&transport.Packet{PacketType: packetType, Data: data}, addr); err != nil {
		sm.markFailure(peer)
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	select {
	case body := <-ch:
		if err := decodeBody(body, reply); err != nil {
			sm.markFailure(peer)
			return err
		}
		sm.markSuccess(peer)
		return nil
	case <-callCtx.Done():
		sm.markFailure(peer)
		return ErrPeerUnreachable
	}
}

// cast sends payload to peer as packetType without waiting for a response.
// Failures are silent beyond backoff accounting: a cast that can't even be
// sent advances the peer's retry state, but nothing is reported to the
// caller.
func (sm *SessionManager) cast(peer PeerRecord, packetType transport.PacketType, payload any) {
	addr, err := net.ResolveUDPAddr("udp", peer.NetAddr)
	if err != nil {
		sm.markFailure(peer)
		return
	}
	data, err := encodeEnvelope(0, payload)
	if err != nil {
		return
	}
	if err := sm.transport.Send(&transport.Packet{PacketType: packetType, Data: data}, addr); err != nil {
		sm.markFailure(peer)
	}
}

// CallResult pairs one peer from an rpcAll fan-out with the outcome of its
// call.
type CallResult struct {
	Peer PeerRecord
	Err  error
}

// rpcAll issues fn against every peer in parallel and gathers exactly one
// result per peer. The order of results is unspecified.
func (sm *SessionManager) rpcAll(ctx context.Context, peers []PeerRecord, fn func(context.Context, PeerRecord) error) []CallResult {
	results := make([]CallResult, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer PeerRecord) {
			defer wg.Done()
			results[i] = CallResult{Peer: peer, Err: fn(ctx, peer)}
		}(i, peer)
	}
	wg.Wait()
	return results
}

func (sm *SessionManager) handleResponse(packet *transport.Packet, _ net.Addr) error {
	if len(packet.Data) < requestIDSize {
		return errShortEnvelope
	}
	id := requestID(binary.BigEndian.Uint64(packet.Data[:requestIDSize]))

	sm.mu.Lock()
	ch, ok := sm.pending[id]
	sm.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case ch <- packet.Data[requestIDSize:]:
	default:
	}
	return nil
}

// FindNode implements Querier, issuing a FIND_NODE call to peer.
func (sm *SessionManager) FindNode(ctx context.Context, peer PeerRecord, target ring.Key) ([]PeerRecord, error) {
	var reply findNodeReply
	if err := sm.call(ctx, peer, transport.PacketFindNode, findNodeArgs{Target: target}, &reply); err != nil {
		return nil, err
	}

	out := make([]PeerRecord, len(reply.Closer))
	for i, w := range reply.Closer {
		out[i] = fromWire(w)
	}
	return out, nil
}

// FindValue implements Querier, issuing a FIND_VALUE call to peer.
func (sm *SessionManager) FindValue(ctx context.Context, peer PeerRecord, target ring.Key) (*store.Object, []PeerRecord, error) {
	var reply findValueReply
	if err := sm.call(ctx, peer, transport.PacketFindValue, findValueArgs{Target: target}, &reply); err != nil {
		return nil, nil, err
	}

	closer := make([]PeerRecord, len(reply.Closer))
	for i, w := range reply.Closer {
		closer[i] = fromWire(w)
	}
	if reply.Found {
		return &reply.Value, closer, nil
	}
	return nil, closer, nil
}

// StoreAt issues a STORE call to peer for obj.
func (sm *SessionManager) StoreAt(ctx context.Context, peer PeerRecord, obj store.Object) error {
	var reply storeReply
	if err := sm.call(ctx, peer, transport.PacketStore, storeArgs{Object: obj}, &reply); err != nil {
		return err
	}
	if !reply.Accepted {
		return ErrStoreVersionConflict
	}
	return nil
}

// CastStore fires a one-way STORE at peer without waiting for the
// acknowledgement. Read-repair's opportunistic re-replication uses this:
// losing an individual replica copy is acceptable there, so nothing blocks
// on the target answering.
func (sm *SessionManager) CastStore(peer PeerRecord, obj store.Object) {
	sm.cast(peer, transport.PacketStore, storeArgs{Object: obj})
}

// Ping issues a liveness check to peer without requiring a meaningful body.
func (sm *SessionManager) Ping(ctx context.Context, peer PeerRecord) error {
	var reply struct{}
	return sm.call(ctx, peer, transport.PacketPing, struct{}{}, &reply)
}

// respond sends a reply envelope back to addr, correlated by the request ID
// embedded in the incoming packet.
func (sm *SessionManager) respond(packetType transport.PacketType, addr net.Addr, id requestID, reply any) {
	data, err := encodeEnvelope(id, reply)
	if err != nil {
		logrus.WithError(err).Warn("dht: failed to encode rpc reply")
		return
	}
	if err := sm.transport.Send(&transport.Packet{PacketType: packetType, Data: data}, addr); err != nil {
		logrus.WithError(err).Debug("dht: failed to send rpc reply")
	}
}

// handleFindNode answers an incoming FIND_NODE with the locally known peers
// closest to the requested target.
func (sm *SessionManager) handleFindNode(packet *transport.Packet, addr net.Addr) error {
	var args findNodeArgs
	id, err := decodeEnvelope(packet.Data, &args)
	if err != nil {
		return err
	}

	closest := sm.table.Nearest(args.Target, BucketSize)
	reply := findNodeReply{Closer: make([]wirePeer, len(closest))}
	for i, p := range closest {
		reply.Closer[i] = toWire(p)
	}

	sm.respond(transport.PacketFindNodeResponse, addr, id, reply)
	return nil
}

// handleFindValue answers an incoming FIND_VALUE, returning the locally
// held object if present, otherwise the closest known peers.
func (sm *SessionManager) handleFindValue(packet *transport.Packet, addr net.Addr) error {
	var args findValueArgs
	id, err := decodeEnvelope(packet.Data, &args)
	if err != nil {
		return err
	}

	reply := findValueReply{}
	if obj, ok, err := sm.objects.Get(context.Background(), args.Target); err == nil && ok {
		reply.Found = true
		reply.Value = obj
	} else {
		closest := sm.table.Nearest(args.Target, BucketSize)
		reply.Closer = make([]wirePeer, len(closest))
		for i, p := range closest {
			reply.Closer[i] = toWire(p)
		}
	}

	sm.respond(transport.PacketFindValueResponse, addr, id, reply)
	return nil
}

// handleStore answers an incoming STORE by attempting to persist the
// offered object locally.
func (sm *SessionManager) handleStore(packet *transport.Packet, addr net.Addr) error {
	var args storeArgs
	id, err := decodeEnvelope(packet.Data, &args)
	if err != nil {
		return err
	}

	err = sm.objects.Put(context.Background(), args.Object)
	sm.respond(transport.PacketStoreAck, addr, id, storeReply{Accepted: err == nil})
	return nil
}

// handlePing answers an incoming liveness check with an empty pong.
func (sm *SessionManager) handlePing(packet *transport.Packet, addr net.Addr) error {
	var args struct{}
	id, err := decodeEnvelope(packet.Data, &args)
	if err != nil {
		return err
	}
	sm.respond(transport.PacketPong, addr, id, struct{}{})
	return nil
}
