package p2p

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	peerStatusTimeout     = 10 * time.Second
	proxyTunnelTimeout    = 20 * time.Second
	channelRequestTimeout = 20 * time.Second
)

// Connection is the collaborator interface the registry, acceptor,
// connector and virtual-connect coordinator all program against. It is the
// only thing those components know about the underlying transport; the
// actual channel framing that rides on top of a live connection is an
// external collaborator (spec §1) except for the two channel kinds this
// package must originate itself (peer-status probes, proxy tunnels).
type Connection interface {
	IsVirtual() bool
	RemoteEndpoint() Endpoint
	RemotePeerId() PeerId
	Start()
	Dispose()
	RequestPeerStatus(ctx context.Context, target Endpoint) (bool, error)
	RequestProxyTunnelChannel(ctx context.Context, target Endpoint) (Stream, error)
}

// connImpl is the concrete Connection used throughout this module, backed
// either directly by a TCP socket (real) or by a virtualStream multiplexed
// inside another connImpl (virtual).
type connImpl struct {
	stream         Stream
	mux            *multiplexer
	isVirtual      bool
	remoteEndpoint Endpoint
	remotePeerId   PeerId
	startedAt      time.Time

	log *logrus.Entry

	mu      sync.Mutex
	started bool
	removeFromRegistry func(Connection)
	wg      *sync.WaitGroup
}

// newConnImpl wraps a just-handshaked Stream into a Connection. registry is
// consulted by the multiplexer to answer peer-status probes and to locate
// relay targets for proxy tunnel requests; onAccept is invoked whenever a
// peer relays a brand-new virtual inbound connection to us (it should run
// the acceptor-side handshake, exactly like a freshly accepted socket).
// onChannelRequest and onProxyPeers are the manager's two capability-object
// callbacks (spec.md §3/§9): the former fires when the remote opens an
// application channel on this connection, the latter when it advertises
// relay candidates.
func newConnImpl(stream Stream, remoteEndpoint Endpoint, remotePeerId PeerId, registry *Registry, log *logrus.Entry, onAccept func(Stream), onChannelRequest func(Connection, Stream), onProxyPeers func([]PeerId)) *connImpl {
	c := &connImpl{
		stream:         stream,
		isVirtual:      isVirtualStream(stream),
		remoteEndpoint: remoteEndpoint,
		remotePeerId:   remotePeerId,
		startedAt:      time.Now(),
		log:            log,
	}
	c.mux = newMultiplexer(stream, registry, log)
	c.mux.owner = c
	c.mux.onChannelRequest = onChannelRequest
	c.mux.onProxyPeers = onProxyPeers
	if onAccept != nil {
		c.mux.onAccept = func(s Stream, _ PeerId, _ Endpoint) { onAccept(s) }
	}
	return c
}

func (c *connImpl) IsVirtual() bool          { return c.isVirtual }
func (c *connImpl) RemoteEndpoint() Endpoint { return c.remoteEndpoint }
func (c *connImpl) RemotePeerId() PeerId     { return c.remotePeerId }

// Start begins background channel service (the multiplexer's read loop).
// Per spec §4.1 this must be non-blocking: it only launches a goroutine.
func (c *connImpl) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	if c.wg != nil {
		c.wg.Add(1)
	}
	go func() {
		if c.wg != nil {
			defer c.wg.Done()
		}
		c.mux.run()
		if c.removeFromRegistry != nil {
			c.removeFromRegistry(c)
		}
	}()
}

// Dispose releases the underlying stream. It is idempotent.
func (c *connImpl) Dispose() {
	c.mux.Close()
}

func (c *connImpl) RequestPeerStatus(ctx context.Context, target Endpoint) (bool, error) {
	timeout := peerStatusTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	return c.mux.requestStatus(target, timeout)
}

func (c *connImpl) RequestProxyTunnelChannel(ctx context.Context, target Endpoint) (Stream, error) {
	timeout := proxyTunnelTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	return c.mux.requestProxyTunnel(target, timeout)
}

// OpenChannel opens an application-level channel on this connection, the
// outbound half of spec.md §9's channel-request capability.
func (c *connImpl) OpenChannel(ctx context.Context) (Stream, error) {
	timeout := channelRequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	return c.mux.requestChannel(timeout)
}

// AdvertiseProxyPeers tells the remote end about candidate relay peers it
// did not dial itself, the outbound half of spec.md §9's proxy-peers
// capability.
func (c *connImpl) AdvertiseProxyPeers(peers []PeerId) error {
	return c.mux.advertiseProxyPeers(peers)
}

// setSocketOptions applies the socket option common to both accepted and
// dialed connections (spec §4.3): TCP no-delay. The generous but finite
// read/write deadlines are applied per I/O call by deadlineConn, which
// newRealStream wraps around the same socket.
func setSocketOptions(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}

const (
	connSendTimeout    = 30 * time.Second
	connReceiveTimeout = 90 * time.Second
)

// deadlineConn wraps a net.Conn so that every Read/Write call refreshes
// the connection's deadline, matching the "per-operation timeout" model
// spec §4.3 and §5 call for rather than one deadline for the connection's
// entire lifetime.
type deadlineConn struct {
	net.Conn
}

func (d deadlineConn) Read(p []byte) (int, error) {
	_ = d.Conn.SetReadDeadline(time.Now().Add(connReceiveTimeout))
	return d.Conn.Read(p)
}

func (d deadlineConn) Write(p []byte) (int, error) {
	_ = d.Conn.SetWriteDeadline(time.Now().Add(connSendTimeout))
	return d.Conn.Write(p)
}

func newRealStream(conn net.Conn) Stream {
	setSocketOptions(conn)
	return realStream{Conn: deadlineConn{conn}}
}
