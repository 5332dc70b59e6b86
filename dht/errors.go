package dht

import "errors"

// None of these errors are fatal to the coordinator: every operation that
// can return one is expected to degrade gracefully rather than crash the
// node.
var (
	// ErrPeerUnreachable is returned when a call to a peer gets no answer
	// within CallTimeout or is refused locally because the peer is still
	// inside its backoff window, and by Store when none of its targets
	// accepted the write.
	ErrPeerUnreachable = errors.New("dht: peer unreachable")

	// ErrPartialFanoutFailure is returned by Store when some, but not all,
	// of the target peers accepted the write. The replicas that did accept
	// it are kept.
	ErrPartialFanoutFailure = errors.New("dht: partial fanout failure")

	// ErrNotFound is returned when a value could not be located anywhere in
	// the queried neighborhood.
	ErrNotFound = errors.New("dht: value not found")

	// ErrStoreVersionConflict is returned when a STORE targets a key whose
	// locally held version is newer (by block_number) than the one offered.
	ErrStoreVersionConflict = errors.New("dht: store version conflict")
)
