package dialqueue

import (
	"time"

	"github.com/nodalcore/p2pcore/internal/core/addr"
)

// AddressSorter imposes the dial-attempt priority order over a candidate
// set. It is an external collaborator, not a fixed policy: callers inject
// whatever ranking suits their network (e.g. direct addresses before
// relayed ones, lower-latency transports first).
type AddressSorter func([]addr.Address) []addr.Address

// Config tunes concurrency and limits for a Queue.
type Config struct {
	// MaxParallelDials bounds the number of dial attempts in flight across
	// all peers at once.
	MaxParallelDials int
	// MaxParallelDialsPerPeer bounds the number of candidate addresses
	// raced concurrently for a single peer.
	MaxParallelDialsPerPeer int
	// MaxAddresses is the most candidate addresses calculateMultiaddrs
	// will carry forward for one dial; beyond this TooManyAddresses is
	// returned instead of dialing.
	MaxAddresses int
	// DialTimeout bounds a single performDial call end to end.
	DialTimeout time.Duration
	// BackoffCacheSize bounds the number of peers tracked for dial-failure
	// backoff at once.
	BackoffCacheSize int
	// AddressSorter orders calculateMultiaddrs' surviving candidates. Nil
	// falls back to the direct-before-relayed default ranking.
	AddressSorter AddressSorter
}

// DefaultConfig mirrors the concurrency shape of a typical dial scheduler:
// a modest global fan-out with a tighter per-peer cap so one unreachable
// peer with many addresses cannot starve dials to everyone else.
func DefaultConfig() Config {
	return Config{
		MaxParallelDials:        160,
		MaxParallelDialsPerPeer: 8,
		MaxAddresses:            32,
		DialTimeout:             30 * time.Second,
		BackoffCacheSize:        1024,
		AddressSorter:           defaultAddressSorter,
	}
}
