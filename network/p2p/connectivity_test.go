package p2p

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is a test double for upnpGateway. mapped records ports that
// GetSpecificPortMappingEntry should report as already in use, keyed by
// external port, each pointing at whoever holds it (internalPort,
// internalClient). addFailOnce marks ports where AddPortMapping should fail
// once (simulating a router-side race), deleteCalls/addCalls count retries.
type fakeGateway struct {
	externalIP string
	extIPErr   error

	mapped map[uint16]struct {
		internalPort uint16
		client       string
	}

	addFailOnce map[uint16]bool
	addCalls    int
	deleteCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		mapped: make(map[uint16]struct {
			internalPort uint16
			client       string
		}),
		addFailOnce: make(map[uint16]bool),
	}
}

func (f *fakeGateway) GetExternalIPAddress() (string, error) {
	return f.externalIP, f.extIPErr
}

func (f *fakeGateway) GetSpecificPortMappingEntry(externalPort uint16) (uint16, string, bool, error) {
	entry, ok := f.mapped[externalPort]
	if !ok {
		return 0, "", false, nil
	}
	return entry.internalPort, entry.client, true, nil
}

func (f *fakeGateway) AddPortMapping(externalPort, internalPort uint16, internalClient string) error {
	f.addCalls++
	if f.addFailOnce[externalPort] {
		delete(f.addFailOnce, externalPort)
		return fmt.Errorf("port %d rejected", externalPort)
	}
	f.mapped[externalPort] = struct {
		internalPort uint16
		client       string
	}{internalPort, internalClient}
	return nil
}

func (f *fakeGateway) DeletePortMapping(externalPort uint16) error {
	f.deleteCalls++
	delete(f.mapped, externalPort)
	return nil
}

func TestEnsureMappingFindsFreePort(t *testing.T) {
	p := newConnectivityProbe(6000, nil, nil, newBoolFlag(), NewLog())
	gw := newFakeGateway()
	gw.mapped[6000] = struct {
		internalPort uint16
		client       string
	}{9999, "10.0.0.9"} // held by someone else
	p.igd = gw

	port, err := p.ensureMapping()
	require.NoError(t, err)
	assert.Equal(t, uint16(6001), port)
	assert.Equal(t, 1, gw.addCalls)
}

func TestEnsureMappingReusesOwnExistingMapping(t *testing.T) {
	p := newConnectivityProbe(6000, nil, nil, newBoolFlag(), NewLog())
	gw := newFakeGateway()
	gw.mapped[6000] = struct {
		internalPort uint16
		client       string
	}{6000, localOutboundIP()}
	p.igd = gw

	port, err := p.ensureMapping()
	require.NoError(t, err)
	assert.Equal(t, uint16(6000), port)
	assert.Zero(t, gw.addCalls, "a reused mapping must not call AddPortMapping")
}

func TestEnsureMappingIsDeterministicAcrossCalls(t *testing.T) {
	p := newConnectivityProbe(6000, nil, nil, newBoolFlag(), NewLog())
	gw := newFakeGateway()
	p.igd = gw

	port, err := p.ensureMapping()
	require.NoError(t, err)
	require.Equal(t, uint16(6000), port)

	port2, err := p.ensureMapping()
	require.NoError(t, err)
	assert.Equal(t, port, port2)
}

func TestEnsureMappingRetriesAfterDeleteOnAddFailure(t *testing.T) {
	p := newConnectivityProbe(6000, nil, nil, newBoolFlag(), NewLog())
	gw := newFakeGateway()
	gw.addFailOnce[6000] = true
	p.igd = gw

	port, err := p.ensureMapping()
	require.NoError(t, err)
	assert.Equal(t, uint16(6000), port)
	assert.Equal(t, 1, gw.deleteCalls)
	assert.Equal(t, 2, gw.addCalls)
}

func TestInternetStatusString(t *testing.T) {
	assert.Equal(t, "DirectInternetConnection", DirectInternetConnection.String())
	assert.Equal(t, "NoInternetConnection", NoInternetConnection.String())
}

func TestBoolFlagStickyUntilCleared(t *testing.T) {
	f := newBoolFlag()
	assert.False(t, f.Get())
	f.Set()
	assert.True(t, f.Get())
	assert.True(t, f.Get(), "Get must not consume the flag")
	f.Clear()
	assert.False(t, f.Get())
}
