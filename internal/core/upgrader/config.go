// Package upgrader turns a raw, unauthenticated byte connection into a
// Connection capable of opening and accepting multiplexed streams: private
// network protection, then a security handshake, then gater checks at each
// checkpoint, then stream multiplexer setup.
package upgrader

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// Config carries everything an Upgrader needs beyond the raw connection
// itself. SecurityTransports and Muxers may be empty (see New); when they
// are not, the first entry is preferred when both sides support it.
type Config struct {
	LocalID peer.ID

	SecurityTransports []iface.ConnectionEncrypter
	Muxers             []iface.StreamMuxerFactory

	Protector iface.ConnectionProtector
	Gater     iface.ConnectionGater
	Registrar iface.Registrar
	EventBus  iface.EventBus
	PeerStore iface.PeerStore

	Negotiator iface.Negotiator

	// InboundUpgradeTimeout bounds the entire inbound upgrade pipeline.
	// Outbound upgrades have no separate timeout here: they are bounded
	// by whatever deadline the dial pipeline already put on ctx.
	InboundUpgradeTimeout time.Duration

	// MaxInboundStreams and MaxOutboundStreams are the default
	// per-protocol stream caps, applied to a protocol whose Registrar
	// handler is missing or sets no cap of its own. A handler's non-zero
	// cap replaces the default, whether it is higher or lower.
	MaxInboundStreams  int
	MaxOutboundStreams int

	Clock clock.Clock
}

// DefaultConfig returns empty security/muxer lists with reasonable
// timeouts and stream caps; the caller adds the encrypters and muxers it
// wants negotiated.
func DefaultConfig() Config {
	return Config{
		InboundUpgradeTimeout: 30 * time.Second,
		MaxInboundStreams:     2048,
		MaxOutboundStreams:    2048,
	}
}
