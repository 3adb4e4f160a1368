package upgrader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/coreerr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/iface/inmem"
	yamuxmux "github.com/nodalcore/p2pcore/internal/core/muxer/yamux"
	"github.com/nodalcore/p2pcore/internal/core/negotiate"
	"github.com/nodalcore/p2pcore/internal/core/peer"
	"github.com/nodalcore/p2pcore/internal/core/security/noise"
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

func newTestUpgrader(t *testing.T, kp *peer.KeyPair) *Upgrader {
	cfg := DefaultConfig()
	cfg.LocalID = kp.ID
	cfg.SecurityTransports = []iface.ConnectionEncrypter{noise.New(kp)}
	cfg.Muxers = []iface.StreamMuxerFactory{yamuxmux.New()}
	cfg.Negotiator = negotiate.Multistream{}
	cfg.Registrar = inmem.NewRegistrar()
	cfg.EventBus = inmem.NewEventBus()
	u, err := New(cfg)
	require.NoError(t, err)
	return u
}

func TestUpgradeInboundAndOutboundEstablishLiveConnection(t *testing.T) {
	clientKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)
	serverKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	clientRaw, serverRaw := newPipePair()
	clientUp := newTestUpgrader(t, clientKP)
	serverUp := newTestUpgrader(t, serverKP)

	var echoHandlerCalled = make(chan struct{}, 1)
	serverUp.cfg.Registrar.(*inmem.Registrar).Register("/echo/1.0.0", func(s iface.MuxedStream, protocol string, remote peer.ID) {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(s, buf)
		_, _ = s.Write(buf)
		echoHandlerCalled <- struct{}{}
	}, iface.HandlerOptions{})

	type result struct {
		conn *Connection
		err  error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		conn, err := clientUp.UpgradeOutbound(context.Background(), clientRaw, serverKP.ID, Options{})
		clientCh <- result{conn, err}
	}()
	go func() {
		conn, err := serverUp.UpgradeInbound(context.Background(), serverRaw, Options{})
		serverCh <- result{conn, err}
	}()

	var clientRes, serverRes result
	select {
	case clientRes = <-clientCh:
	case <-time.After(3 * time.Second):
		t.Fatal("outbound upgrade timed out")
	}
	select {
	case serverRes = <-serverCh:
	case <-time.After(3 * time.Second):
		t.Fatal("inbound upgrade timed out")
	}
	require.NoError(t, clientRes.err)
	require.NoError(t, serverRes.err)

	assert.True(t, serverKP.ID.Equal(clientRes.conn.RemotePeer()))
	assert.True(t, clientKP.ID.Equal(serverRes.conn.RemotePeer()))

	_, closed := clientRes.conn.Timeline().CloseTime()
	assert.False(t, closed)

	stream, err := clientRes.conn.OpenStream(context.Background(), []string{"/echo/1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "/echo/1.0.0", stream.Protocol())

	_, err = stream.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("hello"), buf))

	select {
	case <-echoHandlerCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler never ran")
	}
}

func TestUpgradeOutboundDeniedByGaterPre(t *testing.T) {
	clientKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)
	serverKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	clientRaw, _ := newPipePair()
	cfg := DefaultConfig()
	cfg.LocalID = clientKP.ID
	cfg.SecurityTransports = []iface.ConnectionEncrypter{noise.New(clientKP)}
	cfg.Muxers = []iface.StreamMuxerFactory{yamuxmux.New()}
	cfg.Negotiator = negotiate.Multistream{}
	cfg.Registrar = inmem.NewRegistrar()
	cfg.Gater = &inmem.Gater{DenyOutboundConnectionFn: func(a addr.Address) bool { return true }}

	u, err := New(cfg)
	require.NoError(t, err)

	_, err = u.UpgradeOutbound(context.Background(), clientRaw, serverKP.ID, Options{})
	require.Error(t, err)
}

func TestUpgradeInboundSkipEncryptionRequiresEmbeddedPeerID(t *testing.T) {
	serverKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.LocalID = serverKP.ID
	cfg.Negotiator = negotiate.Multistream{}
	cfg.Registrar = inmem.NewRegistrar()
	u, err := New(cfg)
	require.NoError(t, err)

	raw := &inmem.RawConn{
		ReadFn:  func(p []byte) (int, error) { return 0, io.EOF },
		WriteFn: func(p []byte) (int, error) { return len(p), nil },
		Addr:    addr.New("tcp", "127.0.0.1:4001"),
	}

	_, err = u.UpgradeInbound(context.Background(), raw, Options{SkipEncryption: true})
	require.Error(t, err)
	var coreErr *coreerr.Error
	require.True(t, errors.As(err, &coreErr))
	assert.Equal(t, coreerr.InvalidMultiaddr, coreErr.Kind)
}

func TestUpgradeInboundSkipEncryptionUsesEmbeddedPeerID(t *testing.T) {
	serverKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)
	clientKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.LocalID = serverKP.ID
	cfg.Negotiator = negotiate.Multistream{}
	cfg.Registrar = inmem.NewRegistrar()
	u, err := New(cfg)
	require.NoError(t, err)

	raw := &inmem.RawConn{
		ReadFn:  func(p []byte) (int, error) { return 0, io.EOF },
		WriteFn: func(p []byte) (int, error) { return len(p), nil },
		Addr:    addr.New("tcp", "127.0.0.1:4001").WithPeerID(clientKP.ID),
	}

	conn, err := u.UpgradeInbound(context.Background(), raw, Options{SkipEncryption: true})
	require.NoError(t, err)
	assert.True(t, clientKP.ID.Equal(conn.RemotePeer()))
	assert.Equal(t, nativeProtocol, conn.Security())
	assert.Nil(t, conn.muxer)

	_, err = conn.OpenStream(context.Background(), []string{"/echo/1.0.0"})
	require.Error(t, err)
	var coreErr *coreerr.Error
	require.True(t, errors.As(err, &coreErr))
	assert.Equal(t, coreerr.ConnectionNotMultiplexed, coreErr.Kind)
}

func TestUpgradeOutboundSkipEncryptionRequiresEmbeddedPeerID(t *testing.T) {
	clientKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)
	serverKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.LocalID = clientKP.ID
	cfg.Negotiator = negotiate.Multistream{}
	cfg.Registrar = inmem.NewRegistrar()
	u, err := New(cfg)
	require.NoError(t, err)

	raw := &inmem.RawConn{
		ReadFn:  func(p []byte) (int, error) { return 0, io.EOF },
		WriteFn: func(p []byte) (int, error) { return len(p), nil },
		Addr:    addr.New("tcp", "127.0.0.1:4001"),
	}

	_, err = u.UpgradeOutbound(context.Background(), raw, serverKP.ID, Options{SkipEncryption: true})
	require.Error(t, err)
	var coreErr *coreerr.Error
	require.True(t, errors.As(err, &coreErr))
	assert.Equal(t, coreerr.InvalidPeer, coreErr.Kind)
}

func TestUpgradePostEncryptionGaterDenialIsIntercepted(t *testing.T) {
	clientKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)
	serverKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	clientRaw, serverRaw := newPipePair()
	serverCfg := DefaultConfig()
	serverCfg.LocalID = serverKP.ID
	serverCfg.SecurityTransports = []iface.ConnectionEncrypter{noise.New(serverKP)}
	serverCfg.Muxers = []iface.StreamMuxerFactory{yamuxmux.New()}
	serverCfg.Negotiator = negotiate.Multistream{}
	serverCfg.Registrar = inmem.NewRegistrar()
	serverCfg.Gater = &inmem.Gater{DenyInboundEncryptedConnectionFn: func(peer.ID) bool { return true }}
	serverUp, err := New(serverCfg)
	require.NoError(t, err)

	clientUp := newTestUpgrader(t, clientKP)

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := serverUp.UpgradeInbound(context.Background(), serverRaw, Options{})
		serverErrCh <- err
	}()
	go func() {
		clientUp.UpgradeOutbound(context.Background(), clientRaw, serverKP.ID, Options{})
	}()

	var serverErr error
	select {
	case serverErr = <-serverErrCh:
	case <-time.After(3 * time.Second):
		t.Fatal("inbound upgrade timed out")
	}
	require.Error(t, serverErr)
	var coreErr *coreerr.Error
	require.True(t, errors.As(serverErr, &coreErr))
	assert.Equal(t, coreerr.ConnectionIntercepted, coreErr.Kind)
}

func TestConnectionPerProtocolInboundStreamCap(t *testing.T) {
	clientKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)
	serverKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	clientRaw, serverRaw := newPipePair()
	clientUp := newTestUpgrader(t, clientKP)
	serverUp := newTestUpgrader(t, serverKP)

	var mu sync.Mutex
	held := make([]iface.MuxedStream, 0, 2)
	release := make(chan struct{})
	serverUp.cfg.Registrar.(*inmem.Registrar).Register("/hold/1.0.0", func(s iface.MuxedStream, protocol string, remote peer.ID) {
		mu.Lock()
		held = append(held, s)
		mu.Unlock()
		<-release
	}, iface.HandlerOptions{MaxInboundStreams: 1})

	clientCh := make(chan *Connection, 1)
	serverCh := make(chan *Connection, 1)
	go func() {
		conn, _ := clientUp.UpgradeOutbound(context.Background(), clientRaw, serverKP.ID, Options{})
		clientCh <- conn
	}()
	go func() {
		conn, _ := serverUp.UpgradeInbound(context.Background(), serverRaw, Options{})
		serverCh <- conn
	}()
	clientConn := <-clientCh
	<-serverCh
	require.NotNil(t, clientConn)

	s1, err := clientConn.OpenStream(context.Background(), []string{"/hold/1.0.0"})
	require.NoError(t, err)
	_, _ = s1.Write([]byte("x"))

	time.Sleep(50 * time.Millisecond)

	s2, err := clientConn.OpenStream(context.Background(), []string{"/hold/1.0.0"})
	require.NoError(t, err)
	_, err = s2.Write([]byte("y"))
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = s2.Read(buf)
	require.Error(t, err)

	close(release)
}

func TestConnectionTransientRefusesStreamsWithoutOptIn(t *testing.T) {
	clientKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)
	serverKP, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	clientRaw, serverRaw := newPipePair()
	clientUp := newTestUpgrader(t, clientKP)
	serverUp := newTestUpgrader(t, serverKP)

	called := make(chan struct{}, 1)
	serverUp.cfg.Registrar.(*inmem.Registrar).Register("/echo/1.0.0", func(s iface.MuxedStream, protocol string, remote peer.ID) {
		called <- struct{}{}
	}, iface.HandlerOptions{})

	clientCh := make(chan *Connection, 1)
	serverCh := make(chan *Connection, 1)
	go func() {
		conn, _ := clientUp.UpgradeOutbound(context.Background(), clientRaw, serverKP.ID, Options{})
		clientCh <- conn
	}()
	go func() {
		conn, _ := serverUp.UpgradeInbound(context.Background(), serverRaw, Options{Transient: true})
		serverCh <- conn
	}()
	clientConn := <-clientCh
	<-serverCh
	require.NotNil(t, clientConn)

	s, err := clientConn.OpenStream(context.Background(), []string{"/echo/1.0.0"})
	require.NoError(t, err)
	_, _ = s.Write([]byte("hi"))

	select {
	case <-called:
		t.Fatal("handler ran on transient connection without opt-in")
	case <-time.After(200 * time.Millisecond):
	}
}
