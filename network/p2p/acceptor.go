package p2p

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// acceptor runs the inbound accept loop of spec §4.3: every accepted TCP
// socket is handed straight to the acceptor-side handshake, and whatever
// that produces (an admitted connection, a rejection, or a dead socket
// handed back to an existing connection) is handled without ever blocking
// the accept loop itself.
type acceptor struct {
	listener    net.Listener
	registry    *Registry
	localPeerId PeerId
	log         *logrus.Entry

	onAdmitted func(Connection)

	// receivedLiveInbound latches true the first time an inbound TCP
	// connection arrives from a non-private IPv4 address, per spec §4.6 —
	// it is evidence the host is reachable from the public internet and,
	// once set, is only ever cleared by a failed echo check.
	receivedLiveInbound *boolFlag
}

// boolFlag is a tiny concurrency-safe sticky flag, shared between the
// acceptor and the connectivity probe.
type boolFlag struct {
	ch chan struct{}
}

func newBoolFlag() *boolFlag {
	return &boolFlag{ch: make(chan struct{}, 1)}
}

func (f *boolFlag) Set() {
	select {
	case f.ch <- struct{}{}:
	default:
	}
}

func (f *boolFlag) Clear() {
	select {
	case <-f.ch:
	default:
	}
}

func (f *boolFlag) Get() bool {
	select {
	case v := <-f.ch:
		f.ch <- v
		return true
	default:
		return false
	}
}

func newAcceptor(listener net.Listener, registry *Registry, localPeerId PeerId, log *logrus.Entry, flag *boolFlag, onAdmitted func(Connection)) *acceptor {
	return &acceptor{
		listener:            listener,
		registry:            registry,
		localPeerId:         localPeerId,
		log:                 log,
		onAdmitted:          onAdmitted,
		receivedLiveInbound: flag,
	}
}

// run accepts connections until the listener is closed. It is meant to be
// launched in its own goroutine; its only exit path is the listener being
// closed by Manager.Dispose.
func (a *acceptor) run() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.log.WithError(err).Debug("p2p: accept loop terminating")
				return
			}
			a.log.WithError(err).Debug("p2p: accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go a.handle(conn)
	}
}

func (a *acceptor) handle(conn net.Conn) {
	remoteEndpoint, ok := EndpointFromAddr(conn.RemoteAddr())
	if !ok {
		_ = conn.Close()
		return
	}

	if remoteEndpoint.Family() == FamilyIPv4 && IsPublicIPv4(remoteEndpoint.IP) {
		a.receivedLiveInbound.Set()
	}

	stream := newRealStream(conn)
	admitted, err := acceptorHandshake(stream, remoteEndpoint, a.registry, a.localPeerId)
	if err != nil {
		a.log.WithError(err).WithField("remote", remoteEndpoint).Debug("p2p: inbound handshake failed")
		return
	}
	if a.onAdmitted != nil {
		a.onAdmitted(admitted)
	}
}
