package noise

import (
	"bytes"
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

type pipeConn struct {
	r  *io.PipeReader
	w  *io.PipeWriter
	tl iface.Timeline
}

func newPipePair() (*pipeConn, *pipeConn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeConn{r: r1, w: w2}, &pipeConn{r: r2, w: w1}
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *pipeConn) RemoteAddr() addr.Address    { return addr.Address{} }
func (c *pipeConn) Timeline() *iface.Timeline   { return &c.tl }
func (c *pipeConn) Close() error                { c.r.Close(); return c.w.Close() }
func (c *pipeConn) Abort(err error) error       { return c.Close() }

func TestHandshakeEstablishesSecureConnBothDirections(t *testing.T) {
	clientKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)
	serverKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	clientConn, serverConn := newPipePair()
	clientT, serverT := New(clientKP), New(serverKP)

	type result struct {
		sc  iface.SecureConn
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		sc, err := clientT.SecureOutbound(context.Background(), clientKP.ID, clientConn, serverKP.ID)
		clientCh <- result{sc, err}
	}()
	go func() {
		sc, err := serverT.SecureInbound(context.Background(), serverKP.ID, serverConn)
		serverCh <- result{sc, err}
	}()

	var clientRes, serverRes result
	select {
	case clientRes = <-clientCh:
	case <-time.After(3 * time.Second):
		t.Fatal("client handshake timed out")
	}
	select {
	case serverRes = <-serverCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server handshake timed out")
	}
	require.NoError(t, clientRes.err)
	require.NoError(t, serverRes.err)

	assert.True(t, serverKP.ID.Equal(clientRes.sc.RemotePeer()))
	assert.True(t, clientKP.ID.Equal(serverRes.sc.RemotePeer()))

	msg := []byte("application data flowing over the noise session")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = clientRes.sc.Write(msg)
	}()

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(serverRes.sc, buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(msg, buf))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write did not complete")
	}
}

func TestSecureOutboundRejectsIdentityMismatch(t *testing.T) {
	clientKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)
	serverKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)
	wrongExpected, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	clientConn, serverConn := newPipePair()
	clientT, serverT := New(clientKP), New(serverKP)

	clientErrCh := make(chan error, 1)
	go func() {
		_, err := clientT.SecureOutbound(context.Background(), clientKP.ID, clientConn, wrongExpected.ID)
		clientErrCh <- err
	}()
	go func() {
		_, _ = serverT.SecureInbound(context.Background(), serverKP.ID, serverConn)
	}()

	select {
	case err := <-clientErrCh:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("client handshake timed out")
	}
}
