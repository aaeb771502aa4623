package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// handshakeVersion is the only wire version this implementation speaks.
const handshakeVersion = 1

// handshakeFrameLen is the 23-byte request frame of spec §4.2: 1 byte
// version, 2 bytes service port, 20 bytes peer id.
const handshakeFrameLen = 1 + 2 + PeerIdLength

const (
	handshakeAccepted byte = 0x00
	handshakeRejected byte = 0x01
)

// raceGracePeriod is how long the initiator waits, after seeing a
// rejection, before re-querying the registry for the connection the other
// side may have just won (spec §4.2 "rejection-lose race").
const raceGracePeriod = 500 * time.Millisecond

type handshakeRequest struct {
	Version     byte
	ServicePort uint16
	PeerId      PeerId
}

func encodeHandshakeRequest(req handshakeRequest) []byte {
	buf := make([]byte, handshakeFrameLen)
	buf[0] = req.Version
	binary.LittleEndian.PutUint16(buf[1:3], req.ServicePort)
	copy(buf[3:], req.PeerId[:])
	return buf
}

func decodeHandshakeRequest(buf []byte) (handshakeRequest, error) {
	if len(buf) != handshakeFrameLen {
		return handshakeRequest{}, fmt.Errorf("p2p: malformed handshake frame")
	}
	id, err := PeerIdFromBytes(buf[3:])
	if err != nil {
		return handshakeRequest{}, err
	}
	return handshakeRequest{
		Version:     buf[0],
		ServicePort: binary.LittleEndian.Uint16(buf[1:3]),
		PeerId:      id,
	}, nil
}

func writeHandshakeRequest(w io.Writer, req handshakeRequest) error {
	_, err := w.Write(encodeHandshakeRequest(req))
	return err
}

func readHandshakeRequest(r io.Reader) (handshakeRequest, error) {
	buf := make([]byte, handshakeFrameLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return handshakeRequest{}, err
	}
	return decodeHandshakeRequest(buf)
}

// acceptorHandshake is spec §4.2's acceptor role, run both by the TCP
// accept loop and by a peer relaying a brand-new virtual inbound channel to
// us. remoteEndpoint is the connecting socket's address; its port is
// rewritten to the peer's advertised service port before admission, since
// the socket's port is ephemeral and not what other peers would dial.
func acceptorHandshake(stream Stream, remoteEndpoint Endpoint, registry *Registry, localPeerId PeerId) (Connection, error) {
	req, err := readHandshakeRequest(stream)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	if req.Version != handshakeVersion {
		_ = stream.Close()
		return nil, errHandshakeVersion
	}

	advertisedEndpoint := remoteEndpoint.WithPort(req.ServicePort)

	conn, _ := registry.Add(stream, req.PeerId, advertisedEndpoint)
	if conn == nil {
		_, _ = stream.Write([]byte{handshakeRejected})
		_ = stream.Close()
		if existing, ok := registry.Get(advertisedEndpoint); ok {
			return existing, nil
		}
		return nil, errRejected
	}

	reply := make([]byte, 1+PeerIdLength)
	reply[0] = handshakeAccepted
	copy(reply[1:], localPeerId.Bytes())
	if _, err := stream.Write(reply); err != nil {
		conn.Dispose()
		return nil, err
	}
	return conn, nil
}

// initiatorHandshake is spec §4.2's initiator role, run by the outbound
// connector and by the virtual-connect coordinator once a relay channel is
// open. getExternalPort supplies the service-port advertisement (spec
// §4.8's get_external_port).
func initiatorHandshake(stream Stream, remoteEndpoint Endpoint, registry *Registry, localPeerId PeerId, getExternalPort func() uint16) (Connection, error) {
	req := handshakeRequest{
		Version:     handshakeVersion,
		ServicePort: getExternalPort(),
		PeerId:      localPeerId,
	}
	if err := writeHandshakeRequest(stream, req); err != nil {
		return nil, err
	}

	var status [1]byte
	if _, err := io.ReadFull(stream, status[:]); err != nil {
		return nil, err
	}

	if status[0] == handshakeAccepted {
		idBuf := make([]byte, PeerIdLength)
		if _, err := io.ReadFull(stream, idBuf); err != nil {
			return nil, err
		}
		remotePeerId, err := PeerIdFromBytes(idBuf)
		if err != nil {
			return nil, err
		}
		conn, _ := registry.Add(stream, remotePeerId, remoteEndpoint)
		if conn != nil {
			return conn, nil
		}
		// Admitted on the wire but lost the local race against a
		// concurrent admission for the same endpoint/peer id.
		time.Sleep(raceGracePeriod)
		if existing, ok := registry.Get(remoteEndpoint); ok {
			_ = stream.Close()
			return existing, nil
		}
		_ = stream.Close()
		return nil, errRejected
	}

	// Rejected by the remote. The other side may have won a concurrent
	// race and already admitted a connection to this endpoint; give it a
	// moment to finish, then look again before giving up.
	time.Sleep(raceGracePeriod)
	if existing, ok := registry.Get(remoteEndpoint); ok {
		_ = stream.Close()
		return existing, nil
	}
	_ = stream.Close()
	return nil, errRejected
}
