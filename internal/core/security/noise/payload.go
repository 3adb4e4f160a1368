package noise

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	corepeer "github.com/nodalcore/p2pcore/internal/core/peer"
)

var (
	errPayloadMalformed = errors.New("noise: malformed identity payload")
	errSignatureInvalid = errors.New("noise: identity binding signature invalid")
)

// identityPayload carries the peer's long-term Ed25519 public key and its
// signature over payloadSigPrefix + the connection's ephemeral Noise
// static public key, binding the two together for the lifetime of the
// handshake.
type identityPayload struct {
	pubKey ed25519.PublicKey
	sig    []byte
}

func encodeIdentityPayload(kp *corepeer.KeyPair, noiseStaticPub []byte) []byte {
	sig := ed25519.Sign(kp.Private, append([]byte(payloadSigPrefix), noiseStaticPub...))
	buf := make([]byte, 0, 4+len(kp.Public)+4+len(sig))
	buf = appendLP(buf, kp.Public)
	buf = appendLP(buf, sig)
	return buf
}

func appendLP(buf, v []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(v)))
	buf = append(buf, l[:]...)
	return append(buf, v...)
}

func readLP(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errPayloadMalformed
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, errPayloadMalformed
	}
	return b[:n], b[n:], nil
}

func decodeIdentityPayload(b []byte) (*identityPayload, error) {
	pub, rest, err := readLP(b)
	if err != nil {
		return nil, err
	}
	sig, _, err := readLP(rest)
	if err != nil {
		return nil, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, errPayloadMalformed
	}
	return &identityPayload{pubKey: ed25519.PublicKey(pub), sig: sig}, nil
}

func (p *identityPayload) verify(noiseStaticPub []byte) (corepeer.ID, error) {
	if !ed25519.Verify(p.pubKey, append([]byte(payloadSigPrefix), noiseStaticPub...), p.sig) {
		return corepeer.Empty, errSignatureInvalid
	}
	return corepeer.FromPublicKey(p.pubKey)
}
