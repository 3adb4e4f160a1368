package upgrader

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/coreerr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// defaultNewStreamTimeout bounds OpenStream when the caller's context
// carries no deadline of its own.
const defaultNewStreamTimeout = 30 * time.Second

// Connection is a fully upgraded connection: streams can be opened
// locally or accepted from the remote side, each negotiated against the
// shared Registrar, with per-(protocol, direction) stream caps. A
// Connection built with no stream multiplexer (muxer nil) is a legitimate
// state — an Upgrader with no Muxers configured, called without
// Options.MuxerFactory, produces one — and every OpenStream call on it
// fails with CONNECTION_NOT_MULTIPLEXED.
type Connection struct {
	mu sync.Mutex

	secure iface.SecureConn
	muxer  iface.Muxer
	dir    iface.Direction

	securityProtocol string
	muxerProtocol    string

	registrar  iface.Registrar
	negotiator iface.Negotiator
	eventBus   iface.EventBus
	peerStore  iface.PeerStore

	// transient marks this Connection as limited-privilege: inbound
	// streams are refused unless their handler opted in.
	transient bool

	defaultMaxInbound  int
	defaultMaxOutbound int
	inboundCounts      map[string]int
	outboundCounts     map[string]int

	closeOnce sync.Once
	closeErr  error
}

// RemotePeer returns the identity established during the security
// handshake (or, for a SkipEncryption connection, embedded in its
// address).
func (c *Connection) RemotePeer() peer.ID { return c.secure.RemotePeer() }

// RemoteAddr returns the remote address, peer-id-tagged.
func (c *Connection) RemoteAddr() addr.Address { return c.secure.RemoteAddr() }

// Direction reports whether this connection was dialed or accepted.
func (c *Connection) Direction() iface.Direction { return c.dir }

// Security returns the negotiated encryption protocol id ("native" for a
// SkipEncryption connection).
func (c *Connection) Security() string { return c.securityProtocol }

// MuxerProtocol returns the negotiated stream multiplexer protocol id,
// empty if this Connection has no muxer.
func (c *Connection) MuxerProtocol() string { return c.muxerProtocol }

// Transient reports whether this Connection was marked limited-privilege
// at upgrade time.
func (c *Connection) Transient() bool { return c.transient }

// Timeline exposes the connection's open/upgraded/close timestamps.
func (c *Connection) Timeline() *iface.Timeline { return c.secure.Timeline() }

// negotiatedStream replaces a muxed stream's byte source/sink with the
// negotiator's return value, which may still carry early data the peer
// wrote during protocol negotiation.
type negotiatedStream struct {
	iface.MuxedStream
	rw io.ReadWriter
}

func (n *negotiatedStream) Read(p []byte) (int, error)  { return n.rw.Read(p) }
func (n *negotiatedStream) Write(p []byte) (int, error) { return n.rw.Write(p) }

// OpenStream opens a new outbound stream and negotiates it against one of
// protocols, returning the stream tagged with the winning protocol.
//
// Order of operations: require a muxer, apply a default 30s timeout when
// ctx carries no deadline of its own, open a muxed stream, negotiate the
// protocol, then look up and enforce that protocol's outbound cap — the
// cap check happens after negotiation because the cap is per-protocol
// and the protocol isn't known until negotiation completes.
func (c *Connection) OpenStream(ctx context.Context, protocols []string) (*Stream, error) {
	if c.muxer == nil {
		return nil, coreerr.New(coreerr.ConnectionNotMultiplexed, nil)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultNewStreamTimeout)
		defer cancel()
	}

	ms, err := c.muxer.OpenStream(ctx)
	if err != nil {
		return nil, err
	}

	rw, proto, err := c.negotiator.Select(ctx, ms, protocols)
	if err != nil {
		ms.Reset()
		return nil, coreerr.New(coreerr.UnsupportedProtocol, err)
	}

	limit := c.outboundLimitFor(proto)
	c.mu.Lock()
	if c.outboundCounts[proto] >= limit {
		c.mu.Unlock()
		ms.Reset()
		return nil, coreerr.New(coreerr.TooManyOutboundProtocolStreams, nil)
	}
	c.outboundCounts[proto]++
	c.mu.Unlock()

	c.mergeProtocol(proto)

	wrapped := &negotiatedStream{MuxedStream: ms, rw: rw}
	return &Stream{MuxedStream: wrapped, protocol: proto, conn: c, dir: iface.DirOutbound}, nil
}

// onIncomingStream is invoked by the muxer for every stream the remote
// opens. Negotiation, the per-protocol inbound cap check, the
// transient-connection check, and the peer-store protocol record all
// happen before the handler runs.
func (c *Connection) onIncomingStream(ms iface.MuxedStream) {
	go func() {
		var protocols []string
		if c.registrar != nil {
			protocols = c.registrar.GetProtocols()
		}

		rw, proto, err := c.negotiator.Handle(context.Background(), ms, protocols)
		if err != nil {
			ms.Reset()
			return
		}

		var handler iface.StreamHandler
		var opts iface.HandlerOptions
		var ok bool
		if c.registrar != nil {
			handler, opts, ok = c.registrar.GetHandler(proto)
		}
		if !ok {
			ms.Reset()
			return
		}

		if c.transient && !opts.RunOnTransientConnection {
			log.Debugw("refusing inbound stream", "protocol", proto, "error", coreerr.New(coreerr.TransientConnection, nil))
			ms.Reset()
			return
		}

		limit := c.defaultMaxInbound
		if opts.MaxInboundStreams > 0 {
			limit = opts.MaxInboundStreams
		}
		c.mu.Lock()
		// Strict equality: the new stream has not yet been added to the
		// count, so the (limit+1)-th stream observes count == limit and
		// is refused.
		if c.inboundCounts[proto] == limit {
			c.mu.Unlock()
			ms.Reset()
			return
		}
		c.inboundCounts[proto]++
		c.mu.Unlock()

		c.mergeProtocol(proto)

		wrapped := &negotiatedStream{MuxedStream: ms, rw: rw}
		s := &Stream{MuxedStream: wrapped, protocol: proto, conn: c, dir: iface.DirInbound}
		handler(s, proto, c.RemotePeer())
	}()
}

// outboundLimitFor consults the Registrar entry for proto, falling back
// to this Connection's configured default when no handler is registered
// or the handler leaves its cap at zero.
func (c *Connection) outboundLimitFor(proto string) int {
	if c.registrar != nil {
		if _, opts, ok := c.registrar.GetHandler(proto); ok && opts.MaxOutboundStreams > 0 {
			return opts.MaxOutboundStreams
		}
	}
	return c.defaultMaxOutbound
}

// mergeProtocol best-effort records the negotiated protocol against the
// remote peer's peer-store entry; failures are logged, never surfaced.
func (c *Connection) mergeProtocol(proto string) {
	if c.peerStore == nil {
		return
	}
	if err := c.peerStore.Merge(c.RemotePeer(), iface.PeerMetadata{"protocols": []string{proto}}); err != nil {
		log.Debugw("best-effort protocol merge failed", "peer", c.RemotePeer().String(), "protocol", proto, "error", err)
	}
}

func (c *Connection) decrementOutbound(proto string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outboundCounts[proto]--
	if c.outboundCounts[proto] <= 0 {
		delete(c.outboundCounts, proto)
	}
}

func (c *Connection) decrementInbound(proto string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inboundCounts[proto]--
	if c.inboundCounts[proto] <= 0 {
		delete(c.inboundCounts, proto)
	}
}

// Close tears down the muxer (or, for a Connection with none, the secure
// conn directly) exactly once, emitting the connection-close event.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if c.muxer != nil {
			c.closeErr = c.muxer.Close()
		} else {
			c.closeErr = c.secure.Close()
		}
		if c.eventBus != nil {
			c.eventBus.Emit(iface.TopicConnectionClose, c)
		}
	})
	return c.closeErr
}

// Abort tears down the connection immediately, without waiting for
// graceful stream shutdown.
func (c *Connection) Abort(err error) error {
	c.closeOnce.Do(func() {
		if c.muxer != nil {
			c.closeErr = c.muxer.Abort(err)
		} else {
			c.closeErr = c.secure.Abort(err)
		}
		if c.eventBus != nil {
			c.eventBus.Emit(iface.TopicConnectionClose, c)
		}
	})
	return c.closeErr
}
