package upgrader

import (
	"sync"

	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// Stream is a negotiated application stream over a Connection's muxer. Its
// lifecycle accounting (the connection's inbound/outbound stream counters)
// is released exactly once, on whichever of Close/Reset happens first;
// CloseWrite and CloseRead half-close the stream without releasing it.
type Stream struct {
	iface.MuxedStream

	protocol string
	conn     *Connection
	dir      iface.Direction

	releaseOnce sync.Once
}

// Protocol returns the negotiated application protocol id.
func (s *Stream) Protocol() string { return s.protocol }

// Direction reports whether this stream was opened locally or accepted
// from the remote side.
func (s *Stream) Direction() iface.Direction { return s.dir }

// RemotePeer returns the identity of the connection's remote peer.
func (s *Stream) RemotePeer() peer.ID { return s.conn.RemotePeer() }

func (s *Stream) release() {
	s.releaseOnce.Do(func() {
		if s.dir == iface.DirInbound {
			s.conn.decrementInbound(s.protocol)
		} else {
			s.conn.decrementOutbound(s.protocol)
		}
	})
}

// Close closes the stream and releases its slot in the connection's stream
// count.
func (s *Stream) Close() error {
	s.release()
	return s.MuxedStream.Close()
}

// Reset aborts the stream and releases its slot in the connection's stream
// count.
func (s *Stream) Reset() error {
	s.release()
	return s.MuxedStream.Reset()
}
