package p2p

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEchoEndpointIPv4(t *testing.T) {
	body := make([]byte, 1+4+2)
	body[0] = echoFamilyIPv4
	copy(body[1:5], net.ParseIP("203.0.113.9").To4())
	binary.BigEndian.PutUint16(body[5:7], 4242)

	ep, err := parseEchoEndpoint(body)
	require.NoError(t, err)
	assert.Equal(t, uint16(4242), ep.Port)
	assert.True(t, ep.IP.Equal(net.ParseIP("203.0.113.9")))
}

func TestParseEchoEndpointIPv6(t *testing.T) {
	body := make([]byte, 1+16+2)
	body[0] = echoFamilyIPv6
	copy(body[1:17], net.ParseIP("2001:db8::1").To16())
	binary.BigEndian.PutUint16(body[17:19], 51820)

	ep, err := parseEchoEndpoint(body)
	require.NoError(t, err)
	assert.Equal(t, uint16(51820), ep.Port)
	assert.True(t, ep.IP.Equal(net.ParseIP("2001:db8::1")))
}

func TestParseEchoEndpointNoneTag(t *testing.T) {
	_, err := parseEchoEndpoint([]byte{0})
	assert.Error(t, err)
}

func TestParseEchoEndpointTruncated(t *testing.T) {
	_, err := parseEchoEndpoint([]byte{echoFamilyIPv4, 1, 2, 3})
	assert.Error(t, err)
}
