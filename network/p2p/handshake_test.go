package p2p

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRequestRoundTrip(t *testing.T) {
	req := handshakeRequest{Version: handshakeVersion, ServicePort: 4455, PeerId: MustNewPeerId()}
	buf := encodeHandshakeRequest(req)
	assert.Len(t, buf, handshakeFrameLen)

	decoded, err := decodeHandshakeRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestHandshakeAdmitsBothSides(t *testing.T) {
	reg, localId := testRegistry(t)
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	remoteId := MustNewPeerId()
	remotePort := uint16(9000)

	var wg sync.WaitGroup
	wg.Add(2)

	var acceptResult, initResult Connection
	var acceptErr, initErr error

	go func() {
		defer wg.Done()
		ep, _ := EndpointFromAddr(&net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 55555})
		acceptResult, acceptErr = acceptorHandshake(realStream{Conn: serverConn}, ep, reg, localId)
	}()
	go func() {
		defer wg.Done()
		ep := testEndpoint("1.2.3.4", remotePort)
		initResult, initErr = initiatorHandshake(realStream{Conn: clientConn}, ep, reg, remoteId, func() uint16 { return remotePort })
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}

	require.NoError(t, acceptErr)
	require.NoError(t, initErr)
	require.NotNil(t, acceptResult)
	require.NotNil(t, initResult)
	assert.Equal(t, remoteId, acceptResult.RemotePeerId())
}

func TestHandshakeRejectsSelfConnection(t *testing.T) {
	reg, localId := testRegistry(t)
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	var wg sync.WaitGroup
	wg.Add(2)

	var initErr error
	go func() {
		defer wg.Done()
		ep, _ := EndpointFromAddr(&net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 55555})
		_, _ = acceptorHandshake(realStream{Conn: serverConn}, ep, reg, localId)
	}()
	go func() {
		defer wg.Done()
		ep := testEndpoint("1.2.3.4", 7000)
		// The initiator claims the acceptor's own peer id: the acceptor's
		// registry.Add will hit the self-connection case and return nil.
		_, initErr = initiatorHandshake(realStream{Conn: clientConn}, ep, reg, localId, func() uint16 { return 7000 })
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}

	assert.ErrorIs(t, initErr, errRejected)
}
