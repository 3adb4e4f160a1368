package upgrader

import "github.com/nodalcore/p2pcore/internal/core/iface"

// Options carries the per-call deviations from the Upgrader's default
// protect -> encrypt -> multiplex pipeline. The zero value runs the full
// pipeline: protection if configured, a negotiated handshake, and a
// negotiated multiplexer.
type Options struct {
	// SkipProtection bypasses the private-network protector for this
	// call even if one is configured.
	SkipProtection bool
	// SkipEncryption treats raw as already authenticated and encrypted
	// by the transport itself. The remote peer identity must then come
	// from an embedded peer id on the connection's address rather than
	// from a handshake; the resulting Connection reports encryption
	// protocol "native".
	SkipEncryption bool
	// MuxerFactory forces a specific stream multiplexer, bypassing
	// negotiation entirely.
	MuxerFactory iface.StreamMuxerFactory
	// Transient marks the resulting Connection as limited-privilege:
	// inbound streams are refused with TRANSIENT_CONNECTION (logged, and
	// the stream is reset before its handler runs) unless their handler
	// opts in via HandlerOptions.RunOnTransientConnection.
	Transient bool
}
