package yamux

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

type fakeSecureConn struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	tl     iface.Timeline
	remote peer.ID
}

func (c *fakeSecureConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *fakeSecureConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *fakeSecureConn) RemoteAddr() addr.Address    { return addr.Address{} }
func (c *fakeSecureConn) Timeline() *iface.Timeline   { return &c.tl }
func (c *fakeSecureConn) Close() error                { c.r.Close(); return c.w.Close() }
func (c *fakeSecureConn) Abort(err error) error       { return c.Close() }
func (c *fakeSecureConn) RemotePeer() peer.ID         { return c.remote }

func newFakeSecurePair() (iface.SecureConn, iface.SecureConn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &fakeSecureConn{r: r1, w: w2}, &fakeSecureConn{r: r2, w: w1}
}

func TestNewMuxerOpenAndAcceptStream(t *testing.T) {
	clientRaw, serverRaw := newFakeSecurePair()
	factory := New()

	var accepted chan iface.MuxedStream = make(chan iface.MuxedStream, 1)
	serverMux, err := factory.NewMuxer(serverRaw, iface.DirInbound, func(s iface.MuxedStream) {
		accepted <- s
	})
	require.NoError(t, err)
	defer serverMux.Close()

	clientMux, err := factory.NewMuxer(clientRaw, iface.DirOutbound, nil)
	require.NoError(t, err)
	defer clientMux.Close()

	clientStream, err := clientMux.OpenStream(context.Background())
	require.NoError(t, err)

	msg := []byte("ping")
	_, err = clientStream.Write(msg)
	require.NoError(t, err)

	var serverStream iface.MuxedStream
	select {
	case serverStream = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see incoming stream")
	}

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(serverStream, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)
}

func TestProtocolID(t *testing.T) {
	f := New()
	assert.Equal(t, "/yamux/1.0.0", f.Protocol())
}
