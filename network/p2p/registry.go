package p2p

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// connectionFactory builds a Connection handle around a just-handshaked
// stream. The registry owns construction so that it can wire each
// connection's teardown callback back to itself (spec §4.1: "the disposed
// connection is expected to call back remove when its service task
// terminates").
type connectionFactory func(stream Stream, remotePeerId PeerId, remoteEndpoint Endpoint) *connImpl

// Registry is the deduplicating connection registry of spec §4.1. All
// admission, eviction, lookup and enumeration operations serialize on a
// single mutex; it is never held across blocking I/O.
type Registry struct {
	mu sync.Mutex
	// byEndpoint and byPeerId are keyed on the Connection interface, not
	// the concrete *connImpl, so tests in this package can seed the
	// registry with a lightweight Connection double to exercise call paths
	// (e.g. the virtual-connect coordinator's parallel poll) that only
	// need RemoteEndpoint/RemotePeerId/RequestPeerStatus, not a real
	// handshaked stream.
	byEndpoint  map[Endpoint]Connection
	byPeerId    map[PeerId]Connection
	localPeerId PeerId

	newConnection connectionFactory
	wg            *sync.WaitGroup
	log           *logrus.Entry

	listenersMu sync.Mutex
	listeners   []func()
}

// NewRegistry builds an empty registry for a host identified by localPeerId.
func NewRegistry(localPeerId PeerId, factory connectionFactory, wg *sync.WaitGroup, log *logrus.Entry) *Registry {
	return &Registry{
		byEndpoint:    make(map[Endpoint]Connection),
		byPeerId:      make(map[PeerId]Connection),
		localPeerId:   localPeerId,
		newConnection: factory,
		wg:            wg,
		log:           log,
	}
}

// OnChange registers a callback invoked (outside the registry mutex) after
// every admission or eviction.
func (r *Registry) OnChange(fn func()) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

func (r *Registry) notify() {
	r.listenersMu.Lock()
	listeners := append([]func(){}, r.listeners...)
	r.listenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// admitDecision is the pure function over (existing?, incoming) spec §9
// asks for: a small, exhaustive table rather than nested conditionals
// scattered through Add.
type admitDecision int

const (
	decisionReject admitDecision = iota
	decisionAdmit
	decisionAdmitEvicting
)

// decideEndpointCollision implements spec §4.1 case 2: both records share
// remote_endpoint.
func decideEndpointCollision(existingVirtual, incomingVirtual bool) admitDecision {
	switch {
	case existingVirtual && !incomingVirtual:
		return decisionAdmitEvicting
	case incomingVirtual:
		return decisionReject
	default:
		return decisionAdmitEvicting
	}
}

// Add resolves spec §4.1's admission cases in order and, if admitted,
// starts the connection's background channel service before returning its
// handle.
func (r *Registry) Add(stream Stream, remotePeerId PeerId, remoteEndpoint Endpoint) (Connection, error) {
	incomingVirtual := isVirtualStream(stream)

	r.mu.Lock()

	// Case 1: self.
	if remotePeerId.Equal(r.localPeerId) {
		r.mu.Unlock()
		return nil, nil
	}

	var toEvict []Connection

	byEP, hasEP := r.byEndpoint[remoteEndpoint]
	byID, hasID := r.byPeerId[remotePeerId]

	switch {
	case hasEP:
		// Case 2: collision on endpoint (regardless of whether the peer id
		// also collides — resolving the endpoint collision subsumes it).
		decision := decideEndpointCollision(byEP.IsVirtual(), incomingVirtual)
		if decision == decisionReject {
			r.mu.Unlock()
			return nil, nil
		}
		toEvict = append(toEvict, byEP)
		if hasID && byID != byEP {
			toEvict = append(toEvict, byID)
		}
	case hasID:
		// Case 3: collision on peer id only, different endpoint.
		decision := decideEndpointCollision(byID.IsVirtual(), incomingVirtual)
		if decision == decisionReject {
			r.mu.Unlock()
			return nil, nil
		}
		if !allowNewConnection(byID.RemoteEndpoint(), remoteEndpoint) {
			r.mu.Unlock()
			return nil, nil
		}
		toEvict = append(toEvict, byID)
	}
	// Case 4 (no collision): toEvict stays empty, fall through to admission.

	for _, victim := range toEvict {
		delete(r.byEndpoint, victim.RemoteEndpoint())
		delete(r.byPeerId, victim.RemotePeerId())
	}

	conn := r.newConnection(stream, remotePeerId, remoteEndpoint)
	conn.removeFromRegistry = func(c Connection) { r.Remove(c) }
	conn.wg = r.wg

	r.byEndpoint[remoteEndpoint] = conn
	r.byPeerId[remotePeerId] = conn
	r.mu.Unlock()

	for _, victim := range toEvict {
		victim.Dispose()
	}

	conn.Start()
	r.notify()
	return conn, nil
}

// Get returns the live connection to endpoint, if any.
func (r *Registry) Get(endpoint Endpoint) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byEndpoint[endpoint]
	return c, ok
}

// GetByPeerId returns the live connection to a peer id, if any.
func (r *Registry) GetByPeerId(id PeerId) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byPeerId[id]
	return c, ok
}

// Contains reports whether the registry currently holds a connection to
// endpoint. Used by the multiplexer to answer peer-status probes.
func (r *Registry) Contains(endpoint Endpoint) bool {
	_, ok := r.Get(endpoint)
	return ok
}

// Remove drops conn from both indexes if present. It is idempotent: a
// connection whose keys are already absent (e.g. evicted by a concurrent
// Add) is a silent no-op, per spec §4.1.
func (r *Registry) Remove(conn Connection) {
	r.mu.Lock()
	removed := false
	if existing, ok := r.byEndpoint[conn.RemoteEndpoint()]; ok && existing == conn {
		delete(r.byEndpoint, conn.RemoteEndpoint())
		removed = true
	}
	if existing, ok := r.byPeerId[conn.RemotePeerId()]; ok && existing == conn {
		delete(r.byPeerId, conn.RemotePeerId())
		removed = true
	}
	r.mu.Unlock()
	if removed {
		r.notify()
	}
}

// Snapshot returns every live connection, for the virtual-connect
// coordinator's parallel poll (spec §4.5 step 1).
func (r *Registry) Snapshot() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[Connection]bool, len(r.byPeerId))
	out := make([]Connection, 0, len(r.byPeerId))
	for _, c := range r.byPeerId {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of distinct live connections.
func (r *Registry) Count() int {
	return len(r.Snapshot())
}

// DisposeAll evicts and disposes every live connection, leaving both
// indexes empty synchronously — invariant 8.4 ("after dispose, both
// indexes are empty") must hold the instant this call returns, not only
// once each connection's teardown goroutine eventually calls back Remove.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	all := make([]Connection, 0, len(r.byPeerId))
	seen := make(map[Connection]bool, len(r.byPeerId))
	for _, c := range r.byPeerId {
		if !seen[c] {
			seen[c] = true
			all = append(all, c)
		}
	}
	r.byEndpoint = make(map[Endpoint]Connection)
	r.byPeerId = make(map[PeerId]Connection)
	r.mu.Unlock()

	for _, c := range all {
		c.Dispose()
	}
}
