// Package addr implements the structured, multi-layer network address
// used by the dial pipeline: a self-describing sequence of protocol/value
// segments (in the manner of a multiaddr) with an optional embedded peer
// identity and a certification flag.
package addr

import (
	"bytes"
	"errors"
	"strings"

	"github.com/multiformats/go-varint"

	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// ErrMalformed is returned when a string or byte form cannot be parsed.
var ErrMalformed = errors.New("addr: malformed address")

// segment is one "/name/value" pair. A value-less protocol (rare in this
// reduced model) has an empty value.
type segment struct {
	name  string
	value string
}

// Address is a structured network address: an ordered list of
// protocol/value segments, an optional embedded peer.ID (conventionally
// carried in a trailing "/p2p/<id>" segment), and a certification flag
// that is OR-combined on deduplication.
type Address struct {
	segments    []segment
	peerID      peer.ID
	isCertified bool
}

// Parse builds an Address from its canonical string form, e.g.
// "/dns4/example.org/tcp/4001/p2p/<peerid>".
func Parse(s string) (Address, error) {
	if s == "" || s[0] != '/' {
		return Address{}, ErrMalformed
	}
	parts := strings.Split(s[1:], "/")
	if len(parts) == 0 || len(parts)%2 != 0 {
		return Address{}, ErrMalformed
	}
	a := Address{}
	for i := 0; i < len(parts); i += 2 {
		name, value := parts[i], parts[i+1]
		if name == "" {
			return Address{}, ErrMalformed
		}
		if name == "p2p" {
			id, err := peer.Decode(value)
			if err != nil {
				return Address{}, ErrMalformed
			}
			a.peerID = id
			continue
		}
		a.segments = append(a.segments, segment{name: name, value: value})
	}
	return a, nil
}

// New builds an Address directly from a scheme name and value, e.g.
// New("dns4", "example.org:4001").
func New(scheme, value string) Address {
	return Address{segments: []segment{{name: scheme, value: value}}}
}

// String returns the canonical textual form. Two addresses are equal iff
// their String forms are equal.
func (a Address) String() string {
	var b strings.Builder
	for _, s := range a.segments {
		b.WriteByte('/')
		b.WriteString(s.name)
		b.WriteByte('/')
		b.WriteString(s.value)
	}
	if a.peerID.Valid() {
		b.WriteString("/p2p/")
		b.WriteString(a.peerID.String())
	}
	return b.String()
}

// Bytes returns a self-describing binary encoding: each segment is
// length-prefixed (unsigned varint) name then length-prefixed value.
func (a Address) Bytes() []byte {
	var buf bytes.Buffer
	writeLP := func(s string) {
		buf.Write(varint.ToUvarint(uint64(len(s))))
		buf.WriteString(s)
	}
	for _, s := range a.segments {
		writeLP(s.name)
		writeLP(s.value)
	}
	if a.peerID.Valid() {
		writeLP("p2p")
		writeLP(a.peerID.String())
	}
	return buf.Bytes()
}

// Equal reports whether two addresses have the same string form.
func (a Address) Equal(other Address) bool {
	return a.String() == other.String()
}

// IsZero reports whether a carries no segments and no peer id.
func (a Address) IsZero() bool {
	return len(a.segments) == 0 && !a.peerID.Valid()
}

// Scheme returns the name of the first segment (e.g. "dns4", "tcp4",
// "ip4"), used to select a resolver. Empty if the address has no
// segments (a bare "/p2p/<id>" address).
func (a Address) Scheme() string {
	if len(a.segments) == 0 {
		return ""
	}
	return a.segments[0].name
}

// Value returns the value of the first segment named name, if present.
func (a Address) Value(name string) (string, bool) {
	for _, s := range a.segments {
		if s.name == name {
			return s.value, true
		}
	}
	return "", false
}

// IsPathStyle reports whether this address has no transport segments at
// all — a pure "/p2p/<id>" identity reference, which never gets a peer
// id appended because it already is one.
func (a Address) IsPathStyle() bool {
	return len(a.segments) == 0
}

// PeerID returns the embedded peer identity, if any.
func (a Address) PeerID() (peer.ID, bool) {
	return a.peerID, a.peerID.Valid()
}

// WithPeerID returns a copy of a with id embedded, unless a already
// carries a (matching or differing) peer id or is path-style.
func (a Address) WithPeerID(id peer.ID) Address {
	if a.peerID.Valid() || a.IsPathStyle() {
		return a
	}
	b := a
	b.peerID = id
	return b
}

// IsCertified reports whether this address was signed by the peer it
// names.
func (a Address) IsCertified() bool {
	return a.isCertified
}

// Certified returns a copy of a with the certification flag set.
func (a Address) Certified(v bool) Address {
	b := a
	b.isCertified = v
	return b
}

// Dedup collapses a slice of addresses by string form, OR-combining
// isCertified across duplicates and preserving first-seen order.
func Dedup(addrs []Address) []Address {
	order := make([]string, 0, len(addrs))
	byKey := make(map[string]Address, len(addrs))
	for _, a := range addrs {
		key := a.String()
		if existing, ok := byKey[key]; ok {
			if a.isCertified && !existing.isCertified {
				existing.isCertified = true
				byKey[key] = existing
			}
			continue
		}
		byKey[key] = a
		order = append(order, key)
	}
	out := make([]Address, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}
