package p2p

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Callbacks groups the two capability objects a Manager is constructed
// with (spec §9's "accept them as capability objects, not free
// functions"): one to hand an application handler the channel a peer just
// opened on an existing connection, one to let the application learn about
// candidate relay peers it did not dial itself.
type Callbacks struct {
	OnChannelRequest func(conn Connection, stream Stream)
	OnProxyPeers     func(peers []PeerId)
}

// Config is the Manager's construction parameter, mirroring the teacher's
// plain Config-struct-plus-constructor pattern (p2p.Config in the
// teacher's server.go) rather than a functional-options API.
type Config struct {
	LocalPeerId PeerId
	ListenPort  uint16
	EchoURL     string
	Callbacks   Callbacks
	Logger      *logrus.Entry `json:"-"`
}

// Manager is the public facade of this package: it owns the listener, the
// connection registry, the acceptor, the outbound connector, the virtual
// connect coordinator and the connectivity probe, wiring them together the
// way the teacher's Server wires dial scheduling, the listen loop and peer
// bookkeeping around one shared run loop.
type Manager struct {
	log *logrus.Entry

	localPeerId PeerId
	listener    net.Listener
	localPort   uint16
	callbacks   Callbacks

	registry   *Registry
	acceptor   *acceptor
	connector  *connector
	virtual    *virtualConnector
	probe      *connectivityProbe

	liveInbound *boolFlag

	wg sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewManager implements spec §6's construct operation: bind a TCP
// listener on the requested port (falling back to an ephemeral port on
// bind failure), then start the acceptor and connectivity probe.
func NewManager(cfg Config) (*Manager, error) {
	log := cfg.Logger
	if log == nil {
		log = NewLog()
	}

	listener, boundPort, err := bindListener(cfg.ListenPort)
	if err != nil {
		return nil, fmt.Errorf("p2p: failed to bind listener: %w", err)
	}

	m := &Manager{
		log:         log,
		localPeerId: cfg.LocalPeerId,
		listener:    listener,
		localPort:   boundPort,
		callbacks:   cfg.Callbacks,
		liveInbound: newBoolFlag(),
	}

	m.registry = NewRegistry(cfg.LocalPeerId, m.newConnImpl, &m.wg, log)

	m.virtual = newVirtualConnector(m.registry, cfg.LocalPeerId, m.GetExternalEndpoint, m.GetExternalPort, log)
	m.connector = newConnector(m.registry, cfg.LocalPeerId, m.GetExternalEndpoint, m.GetExternalPort, m.virtual, log)

	var echo *echoClient
	if cfg.EchoURL != "" {
		echo = newEchoClient(cfg.EchoURL)
	}
	m.probe = newConnectivityProbe(boundPort, discoverGateway, echo, m.liveInbound, log)

	m.acceptor = newAcceptor(listener, m.registry, cfg.LocalPeerId, log, m.liveInbound, nil)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptor.run()
	}()
	m.probe.Start()

	return m, nil
}

// bindListener tries the requested port first, then falls back to an
// OS-assigned ephemeral port if that bind fails.
func bindListener(requested uint16) (net.Listener, uint16, error) {
	addr := fmt.Sprintf(":%d", requested)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		l, err = net.Listen("tcp", ":0")
		if err != nil {
			return nil, 0, err
		}
	}
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	return l, port, nil
}

// newConnImpl is the registry's connectionFactory: it builds a connImpl
// wired to relay inbound virtual-channel opens back through the acceptor
// handshake, so a freshly-tunneled inbound connection is admitted exactly
// like a freshly-accepted socket, and wires the two capability-object
// callbacks (spec.md §3/§9) so a peer opening an application channel or
// advertising relay candidates reaches the application instead of being
// silently dropped.
func (m *Manager) newConnImpl(stream Stream, remotePeerId PeerId, remoteEndpoint Endpoint) *connImpl {
	return newConnImpl(stream, remoteEndpoint, remotePeerId, m.registry, m.log, func(s Stream) {
		ep, _ := EndpointFromAddr(s.RemoteAddr())
		if _, err := acceptorHandshake(s, ep, m.registry, m.localPeerId); err != nil {
			m.log.WithError(err).Debug("p2p: relayed inbound handshake failed")
		}
	}, m.callbacks.OnChannelRequest, m.callbacks.OnProxyPeers)
}

// Dispose implements spec §6's dispose operation: stop accepting new
// connections, cancel the probe, dispose every registry connection, and
// wait for every background task this manager started to finish.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	_ = m.listener.Close()
	m.probe.Stop()
	m.registry.DisposeAll()
	m.wg.Wait()
}

func (m *Manager) checkStopped() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errServerStopped
	}
	return nil
}

// MakeConnection implements spec §6's make_connection.
func (m *Manager) MakeConnection(ctx context.Context, target Endpoint) (Connection, error) {
	if err := m.checkStopped(); err != nil {
		return nil, err
	}
	return m.connector.MakeConnection(ctx, target)
}

// MakeVirtualConnection implements spec §6's make_virtual_connection.
func (m *Manager) MakeVirtualConnection(ctx context.Context, via Connection, target Endpoint) (Connection, error) {
	if err := m.checkStopped(); err != nil {
		return nil, err
	}
	return m.virtual.MakeVirtualConnection(ctx, via, target)
}

// GetExistingConnection implements spec §6's get_existing_connection.
func (m *Manager) GetExistingConnection(target Endpoint) (Connection, bool) {
	return m.registry.Get(target)
}

// IsPeerConnectionAvailable implements spec §6's is_peer_connection_available.
func (m *Manager) IsPeerConnectionAvailable(target Endpoint) bool {
	return m.registry.Contains(target)
}

// GetExternalEndpoint implements spec §4.8's priority order.
func (m *Manager) GetExternalEndpoint() Endpoint {
	state := m.probe.Snapshot()

	if state.WebCheckSuccess && !state.EchoEndpoint.IsZero() {
		return state.EchoEndpoint
	}
	if state.InternetStatus == DirectInternetConnection && state.LocalLiveIP != "" {
		return NewEndpoint(net.ParseIP(state.LocalLiveIP), state.LocalPort)
	}
	if state.InternetStatus == NatInternetConnectionViaUPnPRouter &&
		state.UPnPStatus == PortForwarded &&
		state.WebCheckAttempted &&
		state.UPnPExternalPort > 0 {
		return NewEndpoint(net.ParseIP(state.UPnPExternalIP), uint16(state.UPnPExternalPort))
	}
	return Endpoint{}
}

// GetExternalPort implements spec §6's get_external_port: the external
// endpoint's port if known, else the local listen port.
func (m *Manager) GetExternalPort() uint16 {
	if ep := m.GetExternalEndpoint(); !ep.IsZero() {
		return ep.Port
	}
	return m.localPort
}

// LocalPeerId exposes the manager's own identifier.
func (m *Manager) LocalPeerId() PeerId { return m.localPeerId }

// LocalPort exposes the bound listen port (spec §3's read-only properties).
func (m *Manager) LocalPort() uint16 { return m.localPort }

// InternetStatus exposes spec §6's read-only internet_status property.
func (m *Manager) InternetStatus() InternetStatus {
	return m.probe.Snapshot().InternetStatus
}

// UPnPStatus exposes spec §6's read-only upnp_status property.
func (m *Manager) UPnPStatus() UPnPStatus {
	return m.probe.Snapshot().UPnPStatus
}

// UPnPExternalEndpoint exposes spec §6's read-only upnp_external_endpoint
// property. When there is no mapping (UPnPExternalPort <= 0) it returns the
// zero Endpoint rather than an endpoint with port 0.
func (m *Manager) UPnPExternalEndpoint() Endpoint {
	state := m.probe.Snapshot()
	if state.UPnPExternalPort <= 0 {
		return Endpoint{}
	}
	return NewEndpoint(net.ParseIP(state.UPnPExternalIP), uint16(state.UPnPExternalPort))
}

// OpenChannel implements the outbound half of spec.md §9's channel-request
// capability: open an application channel on an existing connection.
func (m *Manager) OpenChannel(ctx context.Context, conn Connection) (Stream, error) {
	impl, ok := conn.(*connImpl)
	if !ok {
		return nil, fmt.Errorf("p2p: OpenChannel requires a connection handle from this manager")
	}
	return impl.OpenChannel(ctx)
}

// AdvertiseProxyPeers implements the outbound half of spec.md §9's
// proxy-peers capability: tell a connected peer about relay candidates it
// did not dial itself.
func (m *Manager) AdvertiseProxyPeers(conn Connection, peers []PeerId) error {
	impl, ok := conn.(*connImpl)
	if !ok {
		return fmt.Errorf("p2p: AdvertiseProxyPeers requires a connection handle from this manager")
	}
	return impl.AdvertiseProxyPeers(peers)
}

// OnConnectivityChange subscribes to spec §6's InternetConnectivityStatusChanged
// event, firing on every (internet_status, upnp_status) pair change.
func (m *Manager) OnConnectivityChange(fn func(ConnectivityState)) {
	m.probe.OnChange(fn)
}

// Connections returns a snapshot of every live connection.
func (m *Manager) Connections() []Connection {
	return m.registry.Snapshot()
}
