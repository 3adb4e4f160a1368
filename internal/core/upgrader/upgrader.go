package upgrader

import (
	"context"

	"github.com/benbjohnson/clock"

	"github.com/nodalcore/p2pcore/internal/core/coreerr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
	corelog "github.com/nodalcore/p2pcore/internal/core/log"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

var log = corelog.Logger("core/upgrader")

// Upgrader runs the inbound and outbound connection-upgrade pipelines:
// private network protection, a negotiated security handshake, gater
// checks at each checkpoint, and negotiated stream multiplexer setup.
type Upgrader struct {
	cfg Config

	secIDs []string
	muxIDs []string

	clock clock.Clock
}

// New builds an Upgrader. cfg.Negotiator must be set; SecurityTransports
// and Muxers may be empty — callers relying on an empty list must pass
// Options.SkipEncryption / Options.MuxerFactory (or accept a muxerless
// Connection) on every call, since there is nothing to negotiate against.
func New(cfg Config) (*Upgrader, error) {
	if cfg.Negotiator == nil {
		return nil, coreerr.New(coreerr.InvalidParameters, nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	secIDs := make([]string, len(cfg.SecurityTransports))
	for i, t := range cfg.SecurityTransports {
		secIDs[i] = t.Protocol()
	}
	muxIDs := make([]string, len(cfg.Muxers))
	for i, m := range cfg.Muxers {
		muxIDs[i] = m.Protocol()
	}

	return &Upgrader{cfg: cfg, secIDs: secIDs, muxIDs: muxIDs, clock: cfg.Clock}, nil
}

// UpgradeInbound runs the accepted-connection state machine: Accepted ->
// GaterInbound -> Protected -> Encrypted -> GaterPostEncryption -> Muxed ->
// GaterPostUpgrade -> Live, all bounded by one inboundUpgradeTimeout.
func (u *Upgrader) UpgradeInbound(ctx context.Context, raw iface.RawConn, opts Options) (*Connection, error) {
	if u.cfg.InboundUpgradeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.InboundUpgradeTimeout)
		defer cancel()
		// Negotiation and handshakes block on raw I/O, so expiry aborts raw
		// to unblock whichever step is still running.
		stop := context.AfterFunc(ctx, func() {
			if ctx.Err() == context.DeadlineExceeded {
				raw.Abort(coreerr.New(coreerr.Timeout, nil))
			}
		})
		defer stop()
	}

	if u.cfg.Gater != nil && u.cfg.Gater.DenyInboundConnection(raw) {
		raw.Close()
		return nil, coreerr.New(coreerr.ConnectionDenied, nil)
	}

	protected, err := u.protect(raw, opts)
	if err != nil {
		raw.Close()
		return nil, err
	}

	secure, secProto, err := u.encryptInbound(ctx, protected, opts)
	if err != nil {
		protected.Close()
		return nil, err
	}

	if u.cfg.Gater != nil && u.cfg.Gater.DenyInboundEncryptedConnection(secure.RemotePeer()) {
		secure.Close()
		return nil, coreerr.New(coreerr.ConnectionIntercepted, nil)
	}

	conn, proto, err := u.multiplex(ctx, secure, iface.DirInbound, secProto, opts)
	if err != nil {
		secure.Close()
		return nil, err
	}

	if u.cfg.Gater != nil && u.cfg.Gater.DenyInboundUpgradedConnection(secure.RemotePeer()) {
		conn.Abort(coreerr.New(coreerr.ConnectionIntercepted, nil))
		return nil, coreerr.New(coreerr.ConnectionIntercepted, nil)
	}

	conn.muxerProtocol = proto
	u.finish(conn)
	log.Debugw("inbound connection upgraded", "remote", secure.RemotePeer().String(), "security", conn.securityProtocol, "muxer", proto)
	return conn, nil
}

// UpgradeOutbound runs the dialed-connection state machine: GaterPre (when
// expected is known) -> Protected -> Encrypted -> GaterPostEncryption ->
// Muxed -> GaterPostUpgrade -> Live. There is no separate outbound
// timeout; ctx is expected to already carry the dial pipeline's deadline.
func (u *Upgrader) UpgradeOutbound(ctx context.Context, raw iface.RawConn, expected peer.ID, opts Options) (*Connection, error) {
	if expected.Valid() && u.cfg.Gater != nil && u.cfg.Gater.DenyOutboundConnection(raw.RemoteAddr()) {
		raw.Close()
		return nil, coreerr.New(coreerr.ConnectionDenied, nil)
	}

	protected, err := u.protect(raw, opts)
	if err != nil {
		raw.Close()
		return nil, err
	}

	secure, secProto, err := u.encryptOutbound(ctx, protected, expected, opts)
	if err != nil {
		protected.Close()
		return nil, err
	}

	if u.cfg.Gater != nil && u.cfg.Gater.DenyOutboundEncryptedConnection(secure.RemotePeer()) {
		secure.Close()
		return nil, coreerr.New(coreerr.ConnectionIntercepted, nil)
	}

	conn, proto, err := u.multiplex(ctx, secure, iface.DirOutbound, secProto, opts)
	if err != nil {
		secure.Close()
		return nil, err
	}

	if u.cfg.Gater != nil && u.cfg.Gater.DenyOutboundUpgradedConnection(secure.RemotePeer()) {
		conn.Abort(coreerr.New(coreerr.ConnectionIntercepted, nil))
		return nil, coreerr.New(coreerr.ConnectionIntercepted, nil)
	}

	conn.muxerProtocol = proto
	u.finish(conn)
	log.Debugw("outbound connection upgraded", "remote", secure.RemotePeer().String(), "security", conn.securityProtocol, "muxer", proto)
	return conn, nil
}

func (u *Upgrader) protect(raw iface.RawConn, opts Options) (iface.RawConn, error) {
	if opts.SkipProtection || u.cfg.Protector == nil {
		return raw, nil
	}
	protected, err := u.cfg.Protector.Protect(raw)
	if err != nil {
		return nil, coreerr.New(coreerr.ConnectionDenied, err)
	}
	return protected, nil
}

// encryptInbound runs the responder side of the security handshake, or,
// when opts.SkipEncryption is set, treats raw as already secured by the
// transport and pulls the remote identity from its address instead —
// failing with InvalidMultiaddr if the address carries no peer id.
func (u *Upgrader) encryptInbound(ctx context.Context, c iface.RawConn, opts Options) (iface.SecureConn, string, error) {
	if opts.SkipEncryption {
		id, ok := c.RemoteAddr().PeerID()
		if !ok {
			return nil, "", coreerr.New(coreerr.InvalidMultiaddr, nil)
		}
		return &nativeSecureConn{RawConn: c, remote: id}, nativeProtocol, nil
	}

	_, proto, err := u.cfg.Negotiator.Handle(ctx, c, u.secIDs)
	if err != nil {
		return nil, "", coreerr.New(coreerr.EncryptionFailed, err)
	}
	t, ok := u.findSecurity(proto)
	if !ok {
		return nil, "", coreerr.New(coreerr.EncryptionFailed, nil)
	}
	secure, err := t.SecureInbound(ctx, u.cfg.LocalID, c)
	if err != nil {
		return nil, "", coreerr.New(coreerr.EncryptionFailed, err)
	}
	return secure, proto, nil
}

// encryptOutbound runs the initiator side of the security handshake, or,
// when opts.SkipEncryption is set, treats c as already secured by the
// transport and pulls the remote identity from its address instead —
// failing with InvalidPeer if the address carries no peer id.
func (u *Upgrader) encryptOutbound(ctx context.Context, c iface.RawConn, expected peer.ID, opts Options) (iface.SecureConn, string, error) {
	if opts.SkipEncryption {
		id, ok := c.RemoteAddr().PeerID()
		if !ok {
			return nil, "", coreerr.New(coreerr.InvalidPeer, nil)
		}
		return &nativeSecureConn{RawConn: c, remote: id}, nativeProtocol, nil
	}

	_, proto, err := u.cfg.Negotiator.Select(ctx, c, u.secIDs)
	if err != nil {
		return nil, "", coreerr.New(coreerr.EncryptionFailed, err)
	}
	t, ok := u.findSecurity(proto)
	if !ok {
		return nil, "", coreerr.New(coreerr.EncryptionFailed, nil)
	}
	secure, err := t.SecureOutbound(ctx, u.cfg.LocalID, c, expected)
	if err != nil {
		return nil, "", coreerr.New(coreerr.EncryptionFailed, err)
	}
	return secure, proto, nil
}

// multiplex builds the Connection, choosing among three paths: a forced
// muxer via opts.MuxerFactory (bypassing negotiation entirely), no muxer
// at all when none is configured and none is forced (a muxerless
// Connection whose newStream calls always fail), or the negotiated muxer
// this Upgrader was configured with. It resolves the cyclic
// Connection<->Muxer reference through a wiring indirection: the muxer
// needs onIncomingStream before the Connection it belongs to exists, so
// the callback closes over a pointer that is only filled in once the
// Connection is built.
func (u *Upgrader) multiplex(ctx context.Context, secure iface.SecureConn, dir iface.Direction, secProto string, opts Options) (*Connection, string, error) {
	factory := opts.MuxerFactory

	var proto string
	if factory != nil {
		proto = factory.Protocol()
	} else if len(u.muxIDs) == 0 {
		return u.newConnection(secure, nil, dir, secProto, "", opts), "", nil
	} else {
		var negotiateErr error
		if dir == iface.DirInbound {
			_, proto, negotiateErr = u.cfg.Negotiator.Handle(ctx, secure, u.muxIDs)
		} else {
			_, proto, negotiateErr = u.cfg.Negotiator.Select(ctx, secure, u.muxIDs)
		}
		if negotiateErr != nil {
			return nil, "", coreerr.New(coreerr.MuxerUnavailable, negotiateErr)
		}
		var ok bool
		factory, ok = u.findMuxer(proto)
		if !ok {
			return nil, "", coreerr.New(coreerr.MuxerUnavailable, nil)
		}
	}

	wiring := &connWiring{}
	muxer, err := factory.NewMuxer(secure, dir, wiring.onIncomingStream)
	if err != nil {
		return nil, "", coreerr.New(coreerr.MuxerUnavailable, err)
	}

	conn := u.newConnection(secure, muxer, dir, secProto, proto, opts)
	wiring.conn = conn
	return conn, proto, nil
}

func (u *Upgrader) newConnection(secure iface.SecureConn, muxer iface.Muxer, dir iface.Direction, secProto, muxProto string, opts Options) *Connection {
	return &Connection{
		secure:             secure,
		muxer:              muxer,
		dir:                dir,
		securityProtocol:   secProto,
		muxerProtocol:      muxProto,
		registrar:          u.cfg.Registrar,
		negotiator:         u.cfg.Negotiator,
		eventBus:           u.cfg.EventBus,
		peerStore:          u.cfg.PeerStore,
		transient:          opts.Transient,
		defaultMaxInbound:  u.cfg.MaxInboundStreams,
		defaultMaxOutbound: u.cfg.MaxOutboundStreams,
		inboundCounts:      make(map[string]int),
		outboundCounts:     make(map[string]int),
	}
}

func (u *Upgrader) finish(conn *Connection) {
	conn.Timeline().SetUpgraded(u.clock.Now())
	if u.cfg.EventBus != nil {
		u.cfg.EventBus.Emit(iface.TopicConnectionOpen, conn)
	}
}

func (u *Upgrader) findSecurity(protocol string) (iface.ConnectionEncrypter, bool) {
	for _, t := range u.cfg.SecurityTransports {
		if t.Protocol() == protocol {
			return t, true
		}
	}
	return nil, false
}

func (u *Upgrader) findMuxer(protocol string) (iface.StreamMuxerFactory, bool) {
	for _, m := range u.cfg.Muxers {
		if m.Protocol() == protocol {
			return m, true
		}
	}
	return nil, false
}

// connWiring defers binding a muxer's onIncomingStream callback to its
// owning Connection until that Connection has actually been constructed.
type connWiring struct {
	conn *Connection
}

func (w *connWiring) onIncomingStream(s iface.MuxedStream) {
	w.conn.onIncomingStream(s)
}
