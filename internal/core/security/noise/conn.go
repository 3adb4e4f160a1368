package noise

import (
	"github.com/flynn/noise"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// maxPlaintext is the largest plaintext chunk that still fits, once
// ChaChaPoly's 16-byte tag is added, within one maxFrameLen wire frame.
const maxPlaintext = maxFrameLen - 16

// secureConn is an iface.SecureConn: an established Noise session wrapped
// around the underlying raw connection, encrypting every Write and
// decrypting every Read with the negotiated per-direction cipher states.
type secureConn struct {
	iface.RawConn
	remote peer.ID
	send   *noise.CipherState
	recv   *noise.CipherState

	readBuf []byte
}

var _ iface.SecureConn = (*secureConn)(nil)

func (c *secureConn) RemotePeer() peer.ID { return c.remote }

func (c *secureConn) RemoteAddr() addr.Address {
	return c.RawConn.RemoteAddr().WithPeerID(c.remote)
}

func (c *secureConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		ct, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, err
		}
		if err := writeFrame(c.RawConn, ct); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (c *secureConn) Read(p []byte) (int, error) {
	if len(c.readBuf) == 0 {
		ct, err := readFrame(c.RawConn)
		if err != nil {
			return 0, err
		}
		pt, err := c.recv.Decrypt(nil, nil, ct)
		if err != nil {
			return 0, err
		}
		c.readBuf = pt
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}
