package p2p

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerBindsEphemeralPortOnZero(t *testing.T) {
	mgr, err := NewManager(Config{LocalPeerId: MustNewPeerId(), ListenPort: 0})
	require.NoError(t, err)
	defer mgr.Dispose()

	assert.NotZero(t, mgr.LocalPort())
}

func TestManagerGetExternalPortFallsBackToLocalPort(t *testing.T) {
	mgr, err := NewManager(Config{LocalPeerId: MustNewPeerId(), ListenPort: 0})
	require.NoError(t, err)
	defer mgr.Dispose()

	// With no connectivity data yet, get_external_port must still return a
	// value in [1, 65535] — the local listen port (invariant 8.5).
	port := mgr.GetExternalPort()
	assert.NotZero(t, port)
	assert.Equal(t, mgr.LocalPort(), port)
}

func TestManagerDisposeIsIdempotent(t *testing.T) {
	mgr, err := NewManager(Config{LocalPeerId: MustNewPeerId(), ListenPort: 0})
	require.NoError(t, err)

	mgr.Dispose()
	mgr.Dispose() // must not panic or block

	assert.Equal(t, 0, mgr.registry.Count())
}

func TestManagerMakeConnectionFailsAfterDispose(t *testing.T) {
	mgr, err := NewManager(Config{LocalPeerId: MustNewPeerId(), ListenPort: 0})
	require.NoError(t, err)
	mgr.Dispose()

	_, err = mgr.MakeConnection(context.Background(), testEndpoint("1.2.3.4", 1))
	assert.ErrorIs(t, err, errServerStopped)
}

func TestManagerGetExistingConnectionNoneByDefault(t *testing.T) {
	mgr, err := NewManager(Config{LocalPeerId: MustNewPeerId(), ListenPort: 0})
	require.NoError(t, err)
	defer mgr.Dispose()

	_, ok := mgr.GetExistingConnection(testEndpoint("1.2.3.4", 1))
	assert.False(t, ok)
	assert.False(t, mgr.IsPeerConnectionAvailable(testEndpoint("1.2.3.4", 1)))
}
