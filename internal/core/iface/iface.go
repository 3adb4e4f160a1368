// Package iface declares the external collaborator contracts the dial
// and upgrade pipelines are built against: transport drivers, the
// connection gater, the connection protector, encrypters, stream muxer
// factories, capability negotiation, the protocol registrar, the peer
// store, and the event bus. None of these are implemented here except as
// test fixtures under iface/inmem.
package iface

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// Direction distinguishes an inbound (accepted) from an outbound
// (dialed) connection or stream.
type Direction int

const (
	DirUnknown Direction = iota
	DirInbound
	DirOutbound
)

func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Timeline holds the open/upgraded/close timestamps of a raw or upgraded
// connection. Close is set at most once; setting it invokes any
// registered OnClose callback exactly once. This replaces the
// property-interceptor pattern with an explicit callback, per the
// cleaner redesign spec allows in place of a timeline proxy.
type Timeline struct {
	mu       sync.Mutex
	Open     time.Time
	Upgraded time.Time
	close    time.Time
	onClose  func(time.Time)
	fired    bool
}

// SetOnClose registers the callback invoked the first time Close is set.
func (t *Timeline) SetOnClose(fn func(time.Time)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// SetUpgraded records the upgrade timestamp. Callers must call this at
// most once, before the owning connection becomes observable.
func (t *Timeline) SetUpgraded(when time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Upgraded.IsZero() {
		t.Upgraded = when
	}
}

// SetClose records the close timestamp and fires OnClose exactly once.
func (t *Timeline) SetClose(when time.Time) {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.close = when
	cb := t.onClose
	t.mu.Unlock()
	if cb != nil {
		cb(when)
	}
}

// CloseTime returns the recorded close time and whether it was set.
func (t *Timeline) CloseTime() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.close, t.fired
}

// RawConn is a bidirectional byte stream produced by a transport driver,
// not yet protected, encrypted, or multiplexed.
type RawConn interface {
	io.Reader
	io.Writer
	RemoteAddr() addr.Address
	Timeline() *Timeline
	Close() error
	Abort(err error) error
}

// TransportDriver dials a raw connection for a given address.
type TransportDriver interface {
	Dial(ctx context.Context, a addr.Address) (RawConn, error)
	// CanDial reports whether this driver claims support for a.
	CanDial(a addr.Address) bool
}

// TransportRegistry resolves the driver responsible for an address.
type TransportRegistry interface {
	TransportForAddress(a addr.Address) (TransportDriver, bool)
}

// ConnectionGater exposes optional deny-predicates at well-defined
// lifecycle points. A nil ConnectionGater denies nothing.
type ConnectionGater interface {
	DenyDialPeer(p peer.ID) bool
	DenyDialMultiaddr(a addr.Address) bool
	DenyInboundConnection(c RawConn) bool
	DenyOutboundConnection(a addr.Address) bool
	DenyInboundEncryptedConnection(p peer.ID) bool
	DenyOutboundEncryptedConnection(p peer.ID) bool
	DenyInboundUpgradedConnection(p peer.ID) bool
	DenyOutboundUpgradedConnection(p peer.ID) bool
}

// ConnectionProtector implements private-network protection by wrapping
// a raw connection before any handshake runs.
type ConnectionProtector interface {
	Protect(c RawConn) (RawConn, error)
}

// SecureConn is a RawConn plus the remote identity established during
// the encryption handshake.
type SecureConn interface {
	RawConn
	RemotePeer() peer.ID
}

// ConnectionEncrypter negotiates and runs a cryptographic handshake over
// a byte stream, identified by a capability string.
type ConnectionEncrypter interface {
	Protocol() string
	SecureInbound(ctx context.Context, localID peer.ID, c RawConn) (SecureConn, error)
	SecureOutbound(ctx context.Context, localID peer.ID, c RawConn, expected peer.ID) (SecureConn, error)
}

// MuxedStream is one bidirectional stream of a Muxer.
type MuxedStream interface {
	io.Reader
	io.Writer
	Close() error
	CloseWrite() error
	CloseRead() error
	Reset() error
	SetDeadline(time.Time) error
}

// Muxer overlays independent bidirectional streams on one secured byte
// connection.
type Muxer interface {
	Protocol() string
	OpenStream(ctx context.Context) (MuxedStream, error)
	Close() error
	Abort(err error) error
}

// StreamMuxerFactory builds a Muxer over a secured connection, identified
// by a capability string. onIncomingStream is invoked for every stream
// the remote opens.
type StreamMuxerFactory interface {
	Protocol() string
	NewMuxer(c SecureConn, dir Direction, onIncomingStream func(MuxedStream)) (Muxer, error)
}

// Negotiator implements capability negotiation (multi-codec
// multistream-select style): handle is the responder side, select is the
// initiator side. Both must leave a stream whose source may still carry
// early data written by the peer during negotiation.
type Negotiator interface {
	Handle(ctx context.Context, rw io.ReadWriter, protocols []string) (io.ReadWriter, string, error)
	Select(ctx context.Context, rw io.ReadWriter, protocols []string) (io.ReadWriter, string, error)
}

// HandlerOptions carries per-protocol policy from the Registrar.
type HandlerOptions struct {
	MaxInboundStreams      int
	MaxOutboundStreams     int
	RunOnTransientConnection bool
}

// StreamHandler is invoked for every accepted, negotiated inbound stream.
type StreamHandler func(s MuxedStream, protocol string, remote peer.ID)

// Registrar is the catalogue of application protocol handlers.
type Registrar interface {
	GetHandler(protocol string) (StreamHandler, HandlerOptions, bool)
	GetProtocols() []string
}

// PeerMetadata is an opaque bag of best-effort peer-store fields.
type PeerMetadata map[string]interface{}

// PeerStore is the persistent mapping of peer identity to known addresses
// and metadata. Only the operations the core pipelines need are exposed
// here; persistence and address bookkeeping are out of scope.
type PeerStore interface {
	Addrs(p peer.ID) []addr.Address
	Get(p peer.ID) (PeerMetadata, bool)
	Patch(p peer.ID, fields PeerMetadata) error
	Merge(p peer.ID, fields PeerMetadata) error
}

// Resolver expands one address into zero or more concrete addresses
// (e.g. DNS resolution).
type Resolver func(ctx context.Context, a addr.Address) ([]addr.Address, error)

// EventBus fans out connection lifecycle notifications. Payloads carried
// are whatever concrete Connection type the upgrader package produces;
// iface stays decoupled from it to avoid an import cycle.
type EventBus interface {
	Emit(topic string, payload interface{})
	Subscribe(topic string) (ch <-chan interface{}, cancel func())
}

const (
	TopicConnectionOpen  = "connection:open"
	TopicConnectionClose = "connection:close"
)
