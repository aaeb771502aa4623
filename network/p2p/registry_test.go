package p2p

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) (*Registry, PeerId) {
	t.Helper()
	local := MustNewPeerId()
	var wg sync.WaitGroup
	log := NewLog()
	reg := NewRegistry(local, func(stream Stream, remotePeerId PeerId, remoteEndpoint Endpoint) *connImpl {
		return newConnImpl(stream, remoteEndpoint, remotePeerId, nil, log, nil, nil, nil)
	}, &wg, log)
	t.Cleanup(func() {
		reg.DisposeAll()
		wg.Wait()
	})
	return reg, local
}

// newTestRealStream returns a Stream backed by an in-memory net.Pipe, good
// enough to exercise admission logic (the multiplexer's read loop will
// simply block on it until Dispose closes the pipe).
func newTestRealStream(t *testing.T) Stream {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	return realStream{Conn: server}
}

// newTestVirtualStream returns a genuine *virtualStream (so isVirtualStream
// classifies it correctly) backed by a throwaway multiplexer. The far end of
// the underlying pipe is drained so that the tunnel-close frame the channel
// writes when it is disposed does not block on the unbuffered pipe.
func newTestVirtualStream(t *testing.T) Stream {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	go func() { _, _ = io.Copy(io.Discard, client) }()
	mux := newMultiplexer(realStream{Conn: server}, nil, NewLog())
	return mux.registerChannel(mux.nextChannelID())
}

func testEndpoint(host string, port uint16) Endpoint {
	return NewEndpoint(net.ParseIP(host), port)
}

func TestRegistryAddRejectsSelf(t *testing.T) {
	reg, local := testRegistry(t)
	conn, err := reg.Add(newTestRealStream(t), local, testEndpoint("1.2.3.4", 1))
	require.NoError(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistryAddNoCollision(t *testing.T) {
	reg, _ := testRegistry(t)
	remote := MustNewPeerId()
	conn, err := reg.Add(newTestRealStream(t), remote, testEndpoint("1.2.3.4", 1))
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 1, reg.Count())

	got, ok := reg.Get(testEndpoint("1.2.3.4", 1))
	assert.True(t, ok)
	assert.Same(t, conn, got)
}

func TestRegistryRealEvictsVirtualOnEndpointCollision(t *testing.T) {
	reg, _ := testRegistry(t)
	ep := testEndpoint("5.6.7.8", 2)
	remote := MustNewPeerId()

	virtualConn, err := reg.Add(newTestVirtualStream(t), remote, ep)
	require.NoError(t, err)
	require.NotNil(t, virtualConn)
	assert.True(t, virtualConn.IsVirtual())

	realConn, err := reg.Add(newTestRealStream(t), remote, ep)
	require.NoError(t, err)
	require.NotNil(t, realConn)
	assert.False(t, realConn.IsVirtual())

	got, ok := reg.Get(ep)
	require.True(t, ok)
	assert.Same(t, realConn, got)
}

func TestRegistryVirtualRejectedOnEndpointCollisionWithReal(t *testing.T) {
	reg, _ := testRegistry(t)
	ep := testEndpoint("5.6.7.9", 2)
	remote := MustNewPeerId()

	realConn, err := reg.Add(newTestRealStream(t), remote, ep)
	require.NoError(t, err)
	require.NotNil(t, realConn)

	virtualConn, err := reg.Add(newTestVirtualStream(t), remote, ep)
	require.NoError(t, err)
	assert.Nil(t, virtualConn)

	got, ok := reg.Get(ep)
	require.True(t, ok)
	assert.Same(t, realConn, got)
}

// Per spec §4.1's literal endpoint-swap policy, once a peer id's existing
// record sits at a private IPv4 endpoint, a competing endpoint for the
// same peer id is rejected outright — the private record is kept rather
// than replaced. This is intentional, not a bug: see allowNewConnection's
// doc comment and spec §9's open question.
func TestRegistryPeerIdCollisionKeepsExistingPrivateEndpoint(t *testing.T) {
	reg, _ := testRegistry(t)
	remote := MustNewPeerId()

	privateEp := testEndpoint("192.168.1.5", 1)
	first, err := reg.Add(newTestRealStream(t), remote, privateEp)
	require.NoError(t, err)
	require.NotNil(t, first)

	publicEp := testEndpoint("8.8.8.8", 1)
	second, err := reg.Add(newTestRealStream(t), remote, publicEp)
	require.NoError(t, err)
	assert.Nil(t, second)

	got, ok := reg.GetByPeerId(remote)
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestRegistryPeerIdCollisionAllowsSwapBetweenPublicEndpoints(t *testing.T) {
	reg, _ := testRegistry(t)
	remote := MustNewPeerId()

	firstEp := testEndpoint("8.8.8.8", 1)
	first, err := reg.Add(newTestRealStream(t), remote, firstEp)
	require.NoError(t, err)
	require.NotNil(t, first)

	secondEp := testEndpoint("9.9.9.9", 1)
	second, err := reg.Add(newTestRealStream(t), remote, secondEp)
	require.NoError(t, err)
	require.NotNil(t, second)

	got, ok := reg.GetByPeerId(remote)
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	reg, _ := testRegistry(t)
	remote := MustNewPeerId()
	conn, err := reg.Add(newTestRealStream(t), remote, testEndpoint("1.1.1.1", 1))
	require.NoError(t, err)

	reg.Remove(conn)
	assert.Equal(t, 0, reg.Count())

	// Second removal of an already-absent connection is a silent no-op.
	reg.Remove(conn)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistryDisposeAllEmptiesIndexesSynchronously(t *testing.T) {
	reg, _ := testRegistry(t)
	for i := 0; i < 3; i++ {
		_, err := reg.Add(newTestRealStream(t), MustNewPeerId(), testEndpoint("1.1.1.1", uint16(i+1)))
		require.NoError(t, err)
	}
	require.Equal(t, 3, reg.Count())

	reg.DisposeAll()
	assert.Equal(t, 0, reg.Count())
	assert.Empty(t, reg.Snapshot())
}

func TestRegistryOnChangeFiresOutsideLock(t *testing.T) {
	reg, _ := testRegistry(t)
	fired := make(chan struct{}, 1)
	reg.OnChange(func() {
		// If this were invoked under the registry mutex, calling Count
		// (which also locks) would deadlock.
		reg.Count()
		fired <- struct{}{}
	})

	_, err := reg.Add(newTestRealStream(t), MustNewPeerId(), testEndpoint("2.2.2.2", 1))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnChange listener was not invoked")
	}
}
