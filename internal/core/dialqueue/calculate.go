package dialqueue

import (
	"context"
	"sort"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/coreerr"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// calculateMultiaddrs expands known into the final, deduplicated,
// gater-filtered, transport-supported candidate address set for p, or
// returns a coreerr.Error describing why dialing cannot proceed.
func (q *Queue) calculateMultiaddrs(ctx context.Context, p peer.ID, known []addr.Address) ([]addr.Address, error) {
	if q.deps.LocalID.Valid() && p.Equal(q.deps.LocalID) {
		return nil, coreerr.New(coreerr.DialedSelf, nil)
	}
	if q.deps.Gater != nil && q.deps.Gater.DenyDialPeer(p) {
		return nil, coreerr.New(coreerr.PeerDialIntercepted, nil)
	}

	candidates := append([]addr.Address{}, known...)
	if len(candidates) == 0 && q.deps.PeerStore != nil {
		candidates = append(candidates, q.deps.PeerStore.Addrs(p)...)
	}

	if len(q.deps.Resolvers) > 0 {
		resolved := make([]addr.Address, 0, len(candidates))
		for _, a := range candidates {
			resolver, ok := q.deps.Resolvers[a.Scheme()]
			if !ok {
				resolved = append(resolved, a)
				continue
			}
			expanded, err := resolver(ctx, a)
			if err != nil || len(expanded) == 0 {
				resolved = append(resolved, a)
				continue
			}
			resolved = append(resolved, expanded...)
		}
		candidates = resolved
	}

	supported := candidates[:0:0]
	for _, a := range candidates {
		if q.deps.Transports == nil {
			supported = append(supported, a)
			continue
		}
		if _, ok := q.deps.Transports.TransportForAddress(a); ok {
			supported = append(supported, a)
		}
	}
	candidates = supported

	// Drop addresses whose embedded peer id disagrees with the peer we
	// are actually trying to reach; an address with no embedded id is
	// always kept and has p appended below.
	agreeing := candidates[:0:0]
	for _, a := range candidates {
		if id, ok := a.PeerID(); ok && !id.Equal(p) {
			continue
		}
		agreeing = append(agreeing, a)
	}
	candidates = addr.Dedup(agreeing)

	if len(candidates) == 0 {
		return nil, coreerr.New(coreerr.NoValidAddresses, nil)
	}
	if q.cfg.MaxAddresses > 0 && len(candidates) > q.cfg.MaxAddresses {
		return nil, coreerr.New(coreerr.TooManyAddresses, nil)
	}

	withPeerID := make([]addr.Address, 0, len(candidates))
	for _, a := range candidates {
		withPeerID = append(withPeerID, a.WithPeerID(p))
	}
	candidates = withPeerID

	if q.deps.Gater != nil {
		allowed := candidates[:0:0]
		for _, a := range candidates {
			if !q.deps.Gater.DenyDialMultiaddr(a) {
				allowed = append(allowed, a)
			}
		}
		candidates = allowed
		if len(candidates) == 0 {
			return nil, coreerr.New(coreerr.NoValidAddresses, nil)
		}
	}

	sorter := q.cfg.AddressSorter
	if sorter == nil {
		sorter = defaultAddressSorter
	}
	return sorter(candidates), nil
}

// defaultAddressSorter orders candidates direct/low-latency transports
// first and relay hops last, stable otherwise so ties keep discovery
// order. Used when no AddressSorter is configured.
func defaultAddressSorter(addrs []addr.Address) []addr.Address {
	out := append([]addr.Address{}, addrs...)
	sort.SliceStable(out, func(i, j int) bool {
		return addressRank(out[i]) < addressRank(out[j])
	})
	return out
}

func addressRank(a addr.Address) int {
	if _, ok := a.Value("p2p-circuit"); ok {
		return 2
	}
	switch a.Scheme() {
	case "dns4", "dns6", "dnsaddr":
		return 1
	default:
		return 0
	}
}
