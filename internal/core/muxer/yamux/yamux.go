// Package yamux implements the StreamMuxerFactory contract on top of
// github.com/libp2p/go-yamux/v5.
package yamux

import (
	"context"
	"io"
	"math"
	"net"
	"time"

	"github.com/libp2p/go-yamux/v5"

	"github.com/nodalcore/p2pcore/internal/core/iface"
	corelog "github.com/nodalcore/p2pcore/internal/core/log"
)

var log = corelog.Logger("core/muxer/yamux")

// ProtocolID is the capability string this muxer negotiates under.
const ProtocolID = "/yamux/1.0.0"

func defaultConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.MaxStreamWindowSize = 16 * 1024 * 1024
	cfg.LogOutput = io.Discard
	cfg.ReadBufSize = 0
	cfg.MaxIncomingStreams = math.MaxUint32
	return cfg
}

// Factory is a StreamMuxerFactory backed by yamux.
type Factory struct {
	config *yamux.Config
}

var _ iface.StreamMuxerFactory = (*Factory)(nil)

// New builds a Factory with the teacher's tuned defaults (16MiB window,
// buffering left to the secured transport below, uncapped incoming
// streams since per-protocol caps are enforced by the upgrader).
func New() *Factory {
	return &Factory{config: defaultConfig()}
}

func (f *Factory) Protocol() string { return ProtocolID }

// NewMuxer opens a yamux session over c and starts a background goroutine
// that accepts incoming streams and hands each to onIncomingStream.
func (f *Factory) NewMuxer(c iface.SecureConn, dir iface.Direction, onIncomingStream func(iface.MuxedStream)) (iface.Muxer, error) {
	conn := netConnAdapter{SecureConn: c}

	var sess *yamux.Session
	var err error
	if dir == iface.DirInbound {
		sess, err = yamux.Server(conn, f.config, nil)
	} else {
		sess, err = yamux.Client(conn, f.config, nil)
	}
	if err != nil {
		return nil, err
	}

	m := &muxer{session: sess}
	if onIncomingStream != nil {
		go m.acceptLoop(onIncomingStream)
	}
	return m, nil
}

// netConnAdapter satisfies net.Conn so a SecureConn can be handed to
// go-yamux/v5, which requires net.Conn rather than a plain byte stream.
// Deadlines and addressing are not meaningful at this layer, so those
// methods are no-ops / zero values.
type netConnAdapter struct{ iface.SecureConn }

func (a netConnAdapter) LocalAddr() net.Addr                { return nil }
func (a netConnAdapter) RemoteAddr() net.Addr               { return nil }
func (a netConnAdapter) SetDeadline(t time.Time) error      { return nil }
func (a netConnAdapter) SetReadDeadline(t time.Time) error  { return nil }
func (a netConnAdapter) SetWriteDeadline(t time.Time) error { return nil }

type muxer struct {
	session *yamux.Session
}

var _ iface.Muxer = (*muxer)(nil)

func (m *muxer) Protocol() string { return ProtocolID }

func (m *muxer) OpenStream(ctx context.Context) (iface.MuxedStream, error) {
	s, err := m.session.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{s: s}, nil
}

func (m *muxer) Close() error {
	return m.session.Close()
}

func (m *muxer) Abort(err error) error {
	log.Warnw("aborting muxer session", "error", err)
	return m.session.Close()
}

func (m *muxer) acceptLoop(onIncomingStream func(iface.MuxedStream)) {
	for {
		s, err := m.session.AcceptStream()
		if err != nil {
			if !m.session.IsClosed() {
				log.Debugw("muxer accept loop exiting", "error", err)
			}
			return
		}
		onIncomingStream(&stream{s: s})
	}
}

type stream struct {
	s *yamux.Stream
}

var _ iface.MuxedStream = (*stream)(nil)

func (s *stream) Read(p []byte) (int, error)    { return s.s.Read(p) }
func (s *stream) Write(p []byte) (int, error)   { return s.s.Write(p) }
func (s *stream) Close() error                  { return s.s.Close() }
func (s *stream) CloseWrite() error             { return s.s.CloseWrite() }
func (s *stream) CloseRead() error              { return s.s.CloseRead() }
func (s *stream) Reset() error                  { return s.s.Reset() }
func (s *stream) SetDeadline(t time.Time) error { return s.s.SetDeadline(t) }
