// Package peer implements the self-identifying cryptographic peer
// identity used throughout the dial and upgrade pipelines.
package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/minio/sha256-simd"
	"github.com/mr-tron/base58"
)

// ErrEmptyPublicKey is returned when deriving an ID from a nil/empty key.
var ErrEmptyPublicKey = errors.New("peer: empty public key")

// ErrInvalidID is returned by Decode when the textual form does not
// base58-decode.
var ErrInvalidID = errors.New("peer: invalid id")

// ID is an opaque, self-identifying cryptographic peer identifier: the
// base58 text form of the raw SHA-256 digest of the peer's public key (no
// multihash prefix).
type ID string

// Empty is the zero value, meaning "no peer identity known".
const Empty ID = ""

// FromPublicKey derives an ID from an Ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) (ID, error) {
	if len(pub) == 0 {
		return Empty, ErrEmptyPublicKey
	}
	sum := sha256.Sum256(pub)
	return ID(base58.Encode(sum[:])), nil
}

// Decode parses a base58 textual peer id, validating that it is
// well-formed (32-byte sha256 digest).
func Decode(s string) (ID, error) {
	if s == "" {
		return Empty, ErrInvalidID
	}
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != sha256.Size {
		return Empty, ErrInvalidID
	}
	return ID(s), nil
}

// String returns the textual form.
func (id ID) String() string {
	return string(id)
}

// Equal reports whether two ids denote the same peer.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Valid reports whether id is non-empty.
func (id ID) Valid() bool {
	return id != Empty
}

// KeyPair is a generated Ed25519 identity, used by tests and by callers
// that need a local identity for the Upgrader.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	ID      ID
}

// GenerateKeyPair creates a fresh random Ed25519 identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	id, err := FromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv, ID: id}, nil
}
