package upgrader

import (
	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// nativeProtocol is the pseudo security-protocol id reported when a call
// sets Options.SkipEncryption: the transport already authenticated and
// encrypted the byte stream, so no handshake runs here.
const nativeProtocol = "native"

// nativeSecureConn adapts a RawConn whose remote identity is already
// known from its address, rather than from a handshake, to SecureConn.
type nativeSecureConn struct {
	iface.RawConn
	remote peer.ID
}

func (c *nativeSecureConn) RemotePeer() peer.ID { return c.remote }
