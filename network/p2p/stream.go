package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Stream is the black-box byte stream a Connection is built on. The full
// channel framing and encryption that rides on top of it belongs to the
// channel multiplexer, an external collaborator; this module only needs
// enough of a multiplexer to originate the two channel kinds spec.md names:
// peer-status probes and proxy tunnel relays.
type Stream interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// realStream adapts a net.Conn (a direct TCP socket) to Stream.
type realStream struct {
	net.Conn
}

// virtualStream is a logical channel multiplexed inside another
// connection's real (or, recursively, virtual) stream. Writing to it
// frames the payload as tunnelData and sends it over the parent
// multiplexer; reading drains frames the parent's read loop delivered to
// this channel's inbox.
type virtualStream struct {
	mux       *multiplexer
	channelID uint32

	mu     sync.Mutex
	buf    []byte
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	localAddr, remoteAddr net.Addr
}

func (v *virtualStream) Read(p []byte) (int, error) {
	for len(v.buf) == 0 {
		select {
		case chunk, ok := <-v.inbox:
			if !ok {
				return 0, io.EOF
			}
			v.buf = chunk
		case <-v.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, v.buf)
	v.buf = v.buf[n:]
	return n, nil
}

func (v *virtualStream) Write(p []byte) (int, error) {
	select {
	case <-v.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	if err := v.mux.sendFrame(frameTunnelData, v.channelID, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (v *virtualStream) Close() error {
	v.once.Do(func() {
		_ = v.mux.sendFrame(frameTunnelClose, v.channelID, nil)
		v.mux.unregisterChannel(v.channelID)
		close(v.closed)
	})
	return nil
}

func (v *virtualStream) LocalAddr() net.Addr  { return v.localAddr }
func (v *virtualStream) RemoteAddr() net.Addr { return v.remoteAddr }

// deliver is called by the owning multiplexer's read loop when a
// tunnelData frame for this channel arrives.
func (v *virtualStream) deliver(payload []byte) {
	select {
	case v.inbox <- payload:
	case <-v.closed:
	}
}

func (v *virtualStream) closeFromPeer() {
	v.once.Do(func() {
		v.mux.unregisterChannel(v.channelID)
		close(v.closed)
	})
}

// isVirtualStream answers spec §3's "the stream itself answers
// is_virtual_connection(stream)".
func isVirtualStream(s Stream) bool {
	_, ok := s.(*virtualStream)
	return ok
}

// --- wire framing ---------------------------------------------------------

type frameType byte

const (
	frameStatusRequest frameType = iota + 1
	frameStatusResponse
	frameProxyTunnelRequest
	frameProxyTunnelAck
	frameOpenVirtualInbound
	frameOpenVirtualInboundAck
	frameTunnelData
	frameTunnelClose
	frameChannelRequest
	frameChannelRequestAck
	frameProxyPeersAdvertise
	frameNoop
)

// frame header: 1 byte type, 4 bytes channel id, 4 bytes payload length,
// all big-endian, followed by the payload.
const frameHeaderLen = 1 + 4 + 4

func writeFrame(w io.Writer, typ frameType, channelID uint32, payload []byte) error {
	hdr := make([]byte, frameHeaderLen)
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint32(hdr[1:5], channelID)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

const maxFramePayload = 1 << 20 // 1 MiB, generous cap against malformed peers

func readFrame(r io.Reader) (frameType, uint32, []byte, error) {
	hdr := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, 0, nil, err
	}
	typ := frameType(hdr[0])
	channelID := binary.BigEndian.Uint32(hdr[1:5])
	length := binary.BigEndian.Uint32(hdr[5:9])
	if length > maxFramePayload {
		return 0, 0, nil, fmt.Errorf("p2p: frame payload too large: %d", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, 0, nil, err
		}
	}
	return typ, channelID, payload, nil
}

func encodeEndpoint(ep Endpoint) []byte {
	var familyByte byte
	var ipBytes []byte
	switch ep.Family() {
	case FamilyIPv4:
		familyByte = 1
		ipBytes = ep.IP.To4()
	case FamilyIPv6:
		familyByte = 2
		ipBytes = ep.IP.To16()
	default:
		familyByte = 0
	}
	buf := make([]byte, 1+len(ipBytes)+2)
	buf[0] = familyByte
	copy(buf[1:], ipBytes)
	binary.BigEndian.PutUint16(buf[1+len(ipBytes):], ep.Port)
	return buf
}

func decodeEndpoint(b []byte) (Endpoint, error) {
	if len(b) < 3 {
		return Endpoint{}, fmt.Errorf("p2p: truncated endpoint frame")
	}
	family := b[0]
	var ipLen int
	switch family {
	case 1:
		ipLen = 4
	case 2:
		ipLen = 16
	default:
		return Endpoint{}, fmt.Errorf("p2p: unknown address family tag %d", family)
	}
	if len(b) != 1+ipLen+2 {
		return Endpoint{}, fmt.Errorf("p2p: malformed endpoint frame")
	}
	ip := net.IP(append([]byte(nil), b[1:1+ipLen]...))
	port := binary.BigEndian.Uint16(b[1+ipLen:])
	return NewEndpoint(ip, port), nil
}

// encodePeerList frames a list of peer ids as flat 20-byte records, for the
// proxy-peers advertisement frame.
func encodePeerList(peers []PeerId) []byte {
	buf := make([]byte, 0, len(peers)*PeerIdLength)
	for _, p := range peers {
		buf = append(buf, p.Bytes()...)
	}
	return buf
}

func decodePeerList(b []byte) ([]PeerId, error) {
	if len(b)%PeerIdLength != 0 {
		return nil, fmt.Errorf("p2p: malformed proxy-peers frame")
	}
	peers := make([]PeerId, 0, len(b)/PeerIdLength)
	for i := 0; i < len(b); i += PeerIdLength {
		id, err := PeerIdFromBytes(b[i : i+PeerIdLength])
		if err != nil {
			return nil, err
		}
		peers = append(peers, id)
	}
	return peers, nil
}

// multiplexer runs the minimal channel protocol described in SPEC_FULL.md
// §4.10 over a single underlying Stream (a real socket, or recursively
// another virtualStream). One multiplexer backs exactly one connImpl.
type multiplexer struct {
	stream Stream
	log    *logrus.Entry

	registry *Registry // for status lookups and proxy relay target lookup
	onAccept func(Stream, PeerId, Endpoint)

	// owner is the Connection this multiplexer backs, handed to
	// onChannelRequest so the application receives a single, typed handle
	// back into the manager (spec.md §9's capability-object note) instead
	// of a bare stream.
	owner Connection

	// onChannelRequest and onProxyPeers are the two capability-object
	// callbacks named in spec.md §3's lifecycle ("two callback closures")
	// and §9 ("callbacks for channel requests and proxy-peers
	// availability"), invoked when the remote side opens an application
	// channel or advertises relay candidates.
	onChannelRequest func(conn Connection, stream Stream)
	onProxyPeers     func(peers []PeerId)

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint32]chan frameResult
	channels map[uint32]*virtualStream
	nextID   uint32

	closeOnce sync.Once
	closed    chan struct{}
}

type frameResult struct {
	payload []byte
}

func newMultiplexer(stream Stream, registry *Registry, log *logrus.Entry) *multiplexer {
	return &multiplexer{
		stream:   stream,
		log:      log,
		registry: registry,
		pending:  make(map[uint32]chan frameResult),
		channels: make(map[uint32]*virtualStream),
		closed:   make(chan struct{}),
	}
}

func (m *multiplexer) nextChannelID() uint32 {
	return atomic.AddUint32(&m.nextID, 1)
}

func (m *multiplexer) sendFrame(typ frameType, channelID uint32, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return writeFrame(m.stream, typ, channelID, payload)
}

func (m *multiplexer) registerChannel(id uint32) *virtualStream {
	vs := &virtualStream{
		mux:         m,
		channelID:   id,
		inbox:       make(chan []byte, 16),
		closed:      make(chan struct{}),
		localAddr:   m.stream.LocalAddr(),
		remoteAddr:  m.stream.RemoteAddr(),
	}
	m.mu.Lock()
	m.channels[id] = vs
	m.mu.Unlock()
	return vs
}

func (m *multiplexer) unregisterChannel(id uint32) {
	m.mu.Lock()
	delete(m.channels, id)
	m.mu.Unlock()
}

func (m *multiplexer) registerPending(id uint32) chan frameResult {
	ch := make(chan frameResult, 1)
	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()
	return ch
}

func (m *multiplexer) resolvePending(id uint32, payload []byte) {
	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if ok {
		ch <- frameResult{payload: payload}
	}
}

// requestStatus sends a peer-status probe and waits (bounded by ctx/timeout)
// for the remote's answer.
func (m *multiplexer) requestStatus(target Endpoint, timeout time.Duration) (bool, error) {
	id := m.nextChannelID()
	wait := m.registerPending(id)
	if err := m.sendFrame(frameStatusRequest, id, encodeEndpoint(target)); err != nil {
		return false, err
	}
	select {
	case res := <-wait:
		return len(res.payload) == 1 && res.payload[0] == 1, nil
	case <-time.After(timeout):
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return false, fmt.Errorf("p2p: peer status probe timed out")
	case <-m.closed:
		return false, io.ErrClosedPipe
	}
}

// requestProxyTunnel asks the remote end (a connection we hold to some
// relay peer R) to open a channel that, on R's side, forwards to R's own
// existing connection to target. Returns a Stream usable for the
// initiator-side handshake with target.
func (m *multiplexer) requestProxyTunnel(target Endpoint, timeout time.Duration) (Stream, error) {
	id := m.nextChannelID()
	wait := m.registerPending(id)
	vs := m.registerChannel(id)
	if err := m.sendFrame(frameProxyTunnelRequest, id, encodeEndpoint(target)); err != nil {
		m.unregisterChannel(id)
		return nil, err
	}
	select {
	case res := <-wait:
		if len(res.payload) != 1 || res.payload[0] != 1 {
			m.unregisterChannel(id)
			return nil, fmt.Errorf("p2p: relay declined proxy tunnel to %s", target)
		}
		return vs, nil
	case <-time.After(timeout):
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		m.unregisterChannel(id)
		return nil, fmt.Errorf("p2p: proxy tunnel request timed out")
	case <-m.closed:
		return nil, io.ErrClosedPipe
	}
}

// requestChannel opens an application channel on this connection — the
// outbound half of the channel-request capability (spec.md §9): the remote
// side's onChannelRequest callback fires when this arrives.
func (m *multiplexer) requestChannel(timeout time.Duration) (Stream, error) {
	id := m.nextChannelID()
	wait := m.registerPending(id)
	vs := m.registerChannel(id)
	if err := m.sendFrame(frameChannelRequest, id, nil); err != nil {
		m.unregisterChannel(id)
		return nil, err
	}
	select {
	case res := <-wait:
		if len(res.payload) != 1 || res.payload[0] != 1 {
			m.unregisterChannel(id)
			return nil, fmt.Errorf("p2p: remote declined channel request")
		}
		return vs, nil
	case <-time.After(timeout):
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		m.unregisterChannel(id)
		return nil, fmt.Errorf("p2p: channel request timed out")
	case <-m.closed:
		return nil, io.ErrClosedPipe
	}
}

// advertiseProxyPeers sends the remote side a list of candidate relay
// peers — the outbound half of the proxy-peers capability (spec.md §9).
func (m *multiplexer) advertiseProxyPeers(peers []PeerId) error {
	return m.sendFrame(frameProxyPeersAdvertise, 0, encodePeerList(peers))
}

// run is the multiplexer's single read loop. It must be started exactly
// once per connImpl and exits when the underlying stream errors or closes.
func (m *multiplexer) run() {
	defer m.Close()
	for {
		typ, channelID, payload, err := readFrame(m.stream)
		if err != nil {
			return
		}
		switch typ {
		case frameNoop:
			// liveness only.
		case frameStatusRequest:
			target, err := decodeEndpoint(payload)
			if err != nil {
				continue
			}
			ok := m.registry != nil && m.registry.Contains(target)
			answer := byte(0)
			if ok {
				answer = 1
			}
			_ = m.sendFrame(frameStatusResponse, channelID, []byte{answer})
		case frameStatusResponse:
			m.resolvePending(channelID, payload)
		case frameProxyTunnelRequest:
			m.handleProxyTunnelRequest(channelID, payload)
		case frameProxyTunnelAck:
			m.resolvePending(channelID, payload)
		case frameOpenVirtualInbound:
			vs := m.registerChannel(channelID)
			_ = m.sendFrame(frameOpenVirtualInboundAck, channelID, []byte{1})
			if m.onAccept != nil {
				go m.onAccept(vs, ZeroPeerId, Endpoint{})
			}
		case frameOpenVirtualInboundAck:
			m.resolvePending(channelID, payload)
		case frameTunnelData:
			m.mu.Lock()
			vs, ok := m.channels[channelID]
			m.mu.Unlock()
			if ok {
				vs.deliver(payload)
			}
		case frameTunnelClose:
			m.mu.Lock()
			vs, ok := m.channels[channelID]
			m.mu.Unlock()
			if ok {
				vs.closeFromPeer()
			}
		case frameChannelRequest:
			vs := m.registerChannel(channelID)
			_ = m.sendFrame(frameChannelRequestAck, channelID, []byte{1})
			if m.onChannelRequest != nil {
				go m.onChannelRequest(m.owner, vs)
			}
		case frameChannelRequestAck:
			m.resolvePending(channelID, payload)
		case frameProxyPeersAdvertise:
			peers, err := decodePeerList(payload)
			if err == nil && m.onProxyPeers != nil {
				go m.onProxyPeers(peers)
			}
		}
	}
}

// handleProxyTunnelRequest implements the relay hop of spec §4.5/§4.6: the
// requester wants a byte pipe to target; this multiplexer's owner (R) must
// already hold a live connection to target.
func (m *multiplexer) handleProxyTunnelRequest(requesterChannel uint32, payload []byte) {
	target, err := decodeEndpoint(payload)
	fail := func() { _ = m.sendFrame(frameProxyTunnelAck, requesterChannel, []byte{0}) }
	if err != nil || m.registry == nil {
		fail()
		return
	}
	targetConn, ok := m.registry.Get(target)
	if !ok {
		fail()
		return
	}
	impl, ok := targetConn.(*connImpl)
	if !ok {
		fail()
		return
	}
	relayChannel := impl.mux.nextChannelID()
	wait := impl.mux.registerPending(relayChannel)
	farSide := impl.mux.registerChannel(relayChannel)
	if err := impl.mux.sendFrame(frameOpenVirtualInbound, relayChannel, nil); err != nil {
		fail()
		impl.mux.unregisterChannel(relayChannel)
		return
	}
	select {
	case <-wait:
	case <-time.After(10 * time.Second):
		fail()
		impl.mux.unregisterChannel(relayChannel)
		return
	}
	nearSide := m.registerChannel(requesterChannel)
	_ = m.sendFrame(frameProxyTunnelAck, requesterChannel, []byte{1})
	go pumpBytes(nearSide, farSide)
	go pumpBytes(farSide, nearSide)
}

func pumpBytes(dst, src *virtualStream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *multiplexer) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		_ = m.stream.Close()
	})
}
