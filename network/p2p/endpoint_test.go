package p2p

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointEqual(t *testing.T) {
	a := NewEndpoint(net.ParseIP("192.168.1.1"), 8080)
	b := NewEndpoint(net.ParseIP("192.168.1.1"), 8080)
	c := NewEndpoint(net.ParseIP("192.168.1.2"), 8080)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestEndpointFamily(t *testing.T) {
	v4 := NewEndpoint(net.ParseIP("10.0.0.1"), 1)
	v6 := NewEndpoint(net.ParseIP("::1"), 1)

	assert.Equal(t, FamilyIPv4, v4.Family())
	assert.Equal(t, FamilyIPv6, v6.Family())
}

func TestIsPrivateIPv4(t *testing.T) {
	cases := []struct {
		ip      string
		private bool
	}{
		{"10.1.2.3", true},
		{"172.16.0.5", true},
		{"192.168.0.5", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"100.64.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
	}
	for _, c := range cases {
		got := IsPrivateIPv4(net.ParseIP(c.ip))
		assert.Equalf(t, c.private, got, "ip %s", c.ip)
		assert.Equal(t, !c.private, IsPublicIPv4(net.ParseIP(c.ip)))
	}
}

func TestAllowNewConnectionFamilyMismatchIsAsymmetric(t *testing.T) {
	existingV4 := NewEndpoint(net.ParseIP("8.8.8.8"), 1)
	incomingV6 := NewEndpoint(net.ParseIP("2001:db8::1"), 1)

	// Existing IPv4, incoming different family: rejected.
	assert.False(t, allowNewConnection(existingV4, incomingV6))

	// Existing IPv6, incoming IPv4: allowed — the check is deliberately
	// asymmetric (see allowNewConnection's doc comment).
	existingV6 := NewEndpoint(net.ParseIP("2001:db8::1"), 1)
	incomingV4 := NewEndpoint(net.ParseIP("8.8.8.8"), 1)
	assert.True(t, allowNewConnection(existingV6, incomingV4))
}

func TestAllowNewConnectionRejectsPrivateExistingIPv4(t *testing.T) {
	existing := NewEndpoint(net.ParseIP("192.168.1.1"), 1)
	incoming := NewEndpoint(net.ParseIP("8.8.8.8"), 1)
	assert.False(t, allowNewConnection(existing, incoming))
}

func TestAllowNewConnectionAllowsPublicExistingIPv4(t *testing.T) {
	existing := NewEndpoint(net.ParseIP("8.8.8.8"), 1)
	incoming := NewEndpoint(net.ParseIP("1.1.1.1"), 1)
	assert.True(t, allowNewConnection(existing, incoming))
}
