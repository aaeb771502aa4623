package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeerIdIsNotZero(t *testing.T) {
	id, err := NewPeerId()
	require.NoError(t, err)
	assert.False(t, id.IsZero())
}

func TestPeerIdFromBytesRoundTrip(t *testing.T) {
	id := MustNewPeerId()
	parsed, err := PeerIdFromBytes(id.Bytes())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))
	assert.Equal(t, id.Hex(), parsed.Hex())
}

func TestPeerIdFromBytesRejectsWrongLength(t *testing.T) {
	_, err := PeerIdFromBytes(make([]byte, 19))
	assert.ErrorIs(t, err, errInvalidPeerIdLength)
}

func TestPeerIdEqual(t *testing.T) {
	a := MustNewPeerId()
	b := a
	assert.True(t, a.Equal(b))

	c := MustNewPeerId()
	assert.False(t, a.Equal(c))
}
