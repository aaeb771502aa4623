package p2p

import (
	"crypto/rand"
	"encoding/hex"
)

// PeerIdLength is the length in bytes of a PeerId (160 bits).
const PeerIdLength = 20

// PeerId is an opaque, randomly generated identifier for a running
// instance. It carries no cryptographic binding to the identity of the
// process that generated it; trust and authentication are out of scope.
type PeerId [PeerIdLength]byte

// ZeroPeerId is the all-zero PeerId, never issued by NewPeerId.
var ZeroPeerId PeerId

// NewPeerId generates a new random PeerId.
func NewPeerId() (PeerId, error) {
	var id PeerId
	if _, err := rand.Read(id[:]); err != nil {
		return ZeroPeerId, err
	}
	return id, nil
}

// MustNewPeerId generates a new random PeerId, panicking on entropy failure.
func MustNewPeerId() PeerId {
	id, err := NewPeerId()
	if err != nil {
		panic(err)
	}
	return id
}

// Bytes returns the raw 20 bytes of the id.
func (id PeerId) Bytes() []byte {
	return id[:]
}

// Hex returns the lowercase hex encoding of the id.
func (id PeerId) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id PeerId) String() string {
	return id.Hex()
}

// Equal reports whether two PeerIds carry the same bytes.
func (id PeerId) Equal(other PeerId) bool {
	return id == other
}

// IsZero reports whether id is the zero value.
func (id PeerId) IsZero() bool {
	return id == ZeroPeerId
}

// PeerIdFromBytes copies b into a PeerId. b must be exactly PeerIdLength
// bytes long.
func PeerIdFromBytes(b []byte) (PeerId, error) {
	var id PeerId
	if len(b) != PeerIdLength {
		return ZeroPeerId, errInvalidPeerIdLength
	}
	copy(id[:], b)
	return id, nil
}
