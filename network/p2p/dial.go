package p2p

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// directDialTimeout bounds a single TCP connect attempt (spec §4.4).
const directDialTimeout = 8 * time.Second

// connector implements spec §4.4's outbound make_connection: direct TCP
// dial with fallback to a virtual connection, deduplicated against
// in-flight attempts to the same endpoint.
type connector struct {
	registry        *Registry
	localPeerId     PeerId
	externalEndpoint func() Endpoint
	getExternalPort func() uint16
	log             *logrus.Entry

	coordinator *virtualConnector

	inFlightMu sync.Mutex
	inFlight   map[Endpoint]bool
}

func newConnector(registry *Registry, localPeerId PeerId, externalEndpoint func() Endpoint, getExternalPort func() uint16, coordinator *virtualConnector, log *logrus.Entry) *connector {
	return &connector{
		registry:         registry,
		localPeerId:      localPeerId,
		externalEndpoint: externalEndpoint,
		getExternalPort:  getExternalPort,
		coordinator:      coordinator,
		log:              log,
		inFlight:         make(map[Endpoint]bool),
	}
}

// MakeConnection implements spec §4.4: return an existing connection if one
// is already live, otherwise attempt a direct TCP connection, falling back
// to a virtual (relayed) connection if the direct attempt fails.
func (c *connector) MakeConnection(ctx context.Context, target Endpoint) (Connection, error) {
	if !c.claim(target) {
		return nil, errAlreadyInProgress
	}
	defer c.release(target)

	if self := c.externalEndpoint(); !self.IsZero() && self.Equal(target) {
		return nil, errSelfConnection
	}

	if existing, ok := c.registry.Get(target); ok {
		return existing, nil
	}

	conn, err := c.dialDirect(ctx, target)
	if err == nil {
		return conn, nil
	}
	c.log.WithError(err).WithField("target", target).Debug("p2p: direct dial failed, falling back to virtual connect")

	if c.coordinator == nil {
		return nil, err
	}
	return c.coordinator.coordinate(ctx, target)
}

func (c *connector) claim(target Endpoint) bool {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	if c.inFlight[target] {
		return false
	}
	c.inFlight[target] = true
	return true
}

func (c *connector) release(target Endpoint) {
	c.inFlightMu.Lock()
	delete(c.inFlight, target)
	c.inFlightMu.Unlock()
}

func (c *connector) dialDirect(ctx context.Context, target Endpoint) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, directDialTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(dialCtx, "tcp", target.String())
	if err != nil {
		return nil, err
	}

	stream := newRealStream(raw)
	return initiatorHandshake(stream, target, c.registry, c.localPeerId, c.getExternalPort)
}
