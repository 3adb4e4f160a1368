// Package noise implements the ConnectionEncrypter contract with a Noise
// XX handshake (github.com/flynn/noise), binding each connection's
// ephemeral Noise static key to the peer's long-term Ed25519 identity via
// a signed payload — the same identity-binding idea as libp2p-noise, with
// a simplified (non-protobuf) wire encoding, since defining handshake
// wire formats is explicitly out of scope here.
package noise

import (
	"context"

	"github.com/flynn/noise"

	"github.com/nodalcore/p2pcore/internal/core/iface"
	corelog "github.com/nodalcore/p2pcore/internal/core/log"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

var log = corelog.Logger("core/security/noise")

// ProtocolID is the capability string this encrypter negotiates under.
const ProtocolID = "/noise/1.0.0"

// payloadSigPrefix is domain-separation for the identity-binding
// signature, matching the convention libp2p-noise uses.
const payloadSigPrefix = "noise-static-key-binding:"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Transport is a ConnectionEncrypter backed by Noise XX.
type Transport struct {
	identity *peer.KeyPair
}

var _ iface.ConnectionEncrypter = (*Transport)(nil)

// New builds a Transport that signs its identity binding with id.
func New(id *peer.KeyPair) *Transport {
	return &Transport{identity: id}
}

// Protocol returns the capability string.
func (t *Transport) Protocol() string { return ProtocolID }

// SecureInbound runs the responder side of the XX handshake.
func (t *Transport) SecureInbound(ctx context.Context, localID peer.ID, c iface.RawConn) (iface.SecureConn, error) {
	return t.handshake(ctx, c, false, peer.Empty)
}

// SecureOutbound runs the initiator side of the XX handshake. If expected
// is non-empty, the observed remote identity must match it or the
// handshake fails.
func (t *Transport) SecureOutbound(ctx context.Context, localID peer.ID, c iface.RawConn, expected peer.ID) (iface.SecureConn, error) {
	return t.handshake(ctx, c, true, expected)
}
