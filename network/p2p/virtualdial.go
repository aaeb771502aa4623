package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// virtualConnectTimeout bounds the coordinator's parallel peer-status poll
// of spec §4.5, from dispatch to a winning relay (or timeout).
const virtualConnectTimeout = 20 * time.Second

// virtualConnector implements both spec §4.5 (the coordinator invoked
// internally when a direct connect fails) and the public
// make_virtual_connection operation of spec §4.4/§6, which takes an
// explicit relay connection rather than polling the registry.
type virtualConnector struct {
	registry        *Registry
	localPeerId     PeerId
	externalEndpoint func() Endpoint
	getExternalPort func() uint16
	log             *logrus.Entry

	inFlightMu sync.Mutex
	inFlight   map[Endpoint]bool
}

func newVirtualConnector(registry *Registry, localPeerId PeerId, externalEndpoint func() Endpoint, getExternalPort func() uint16, log *logrus.Entry) *virtualConnector {
	return &virtualConnector{
		registry:         registry,
		localPeerId:      localPeerId,
		externalEndpoint: externalEndpoint,
		getExternalPort:  getExternalPort,
		log:              log,
		inFlight:         make(map[Endpoint]bool),
	}
}

// firstTrueResult is the single-slot "wait/pulse" object spec §4.5 asks
// for: the first relay that reports target as reachable wins, and every
// later result is silently discarded.
type firstTrueResult struct {
	once sync.Once
	ch   chan Connection
}

func newFirstTrueResult() *firstTrueResult {
	return &firstTrueResult{ch: make(chan Connection, 1)}
}

func (f *firstTrueResult) offer(relay Connection) {
	f.once.Do(func() {
		f.ch <- relay
	})
}

// MakeVirtualConnection is the public operation of spec §4.4: given an
// explicit relay connection, open a tunnel to target through it and run
// the initiator-side handshake. It shares the virtual in-flight set with
// the coordinator fallback below, so a caller-directed attempt and an
// automatic fallback to the same target never race each other.
func (v *virtualConnector) MakeVirtualConnection(ctx context.Context, via Connection, target Endpoint) (Connection, error) {
	if !v.claim(target) {
		return nil, errAlreadyInProgress
	}
	defer v.release(target)

	if self := v.externalEndpoint(); !self.IsZero() && self.Equal(target) {
		return nil, errSelfConnection
	}
	if existing, ok := v.registry.Get(target); ok {
		return existing, nil
	}

	return v.tunnelAndHandshake(ctx, via, target)
}

// coordinate implements spec §4.5 proper: poll every live connection in
// parallel for whether it can already see target, and relay through the
// first one that answers yes. Used internally by the outbound connector
// as the fallback when a direct TCP dial fails.
func (v *virtualConnector) coordinate(ctx context.Context, target Endpoint) (Connection, error) {
	if !v.claim(target) {
		return nil, errAlreadyInProgress
	}
	defer v.release(target)

	if existing, ok := v.registry.Get(target); ok {
		return existing, nil
	}

	candidates := v.registry.Snapshot()
	if len(candidates) == 0 {
		return nil, errNoPeerAvailable
	}

	pollCtx, cancel := context.WithTimeout(ctx, virtualConnectTimeout)
	defer cancel()

	result := newFirstTrueResult()
	var wg sync.WaitGroup
	for _, relay := range candidates {
		relay := relay
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := relay.RequestPeerStatus(pollCtx, target)
			if err != nil || !ok {
				return
			}
			result.offer(relay)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var winner Connection
	select {
	case winner = <-result.ch:
	case <-done:
		select {
		case winner = <-result.ch:
		default:
		}
	case <-pollCtx.Done():
	}

	if winner == nil {
		return nil, errVirtualConnectTimedOut
	}

	return v.tunnelAndHandshake(pollCtx, winner, target)
}

func (v *virtualConnector) tunnelAndHandshake(ctx context.Context, via Connection, target Endpoint) (Connection, error) {
	tunnel, err := via.RequestProxyTunnelChannel(ctx, target)
	if err != nil {
		return nil, err
	}
	return initiatorHandshake(tunnel, target, v.registry, v.localPeerId, v.getExternalPort)
}

func (v *virtualConnector) claim(target Endpoint) bool {
	v.inFlightMu.Lock()
	defer v.inFlightMu.Unlock()
	if v.inFlight[target] {
		return false
	}
	v.inFlight[target] = true
	return true
}

func (v *virtualConnector) release(target Endpoint) {
	v.inFlightMu.Lock()
	delete(v.inFlight, target)
	v.inFlightMu.Unlock()
}
