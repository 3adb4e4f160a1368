// Package gater implements iface.ConnectionGater as a mutable blocklist:
// peers, IPs, and subnets can be blocked and unblocked at runtime, and the
// gater is consulted at every deny point the dial and upgrade pipelines
// expose.
package gater

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// Gater is a blocklist-backed iface.ConnectionGater.
type Gater struct {
	mu             sync.RWMutex
	blockedPeers   map[peer.ID]struct{}
	blockedIPs     map[string]struct{}
	blockedSubnets map[string]*net.IPNet

	deniedDials   int64
	deniedAccepts int64
}

var _ iface.ConnectionGater = (*Gater)(nil)

// New builds an empty Gater; nothing is blocked until Block* is called.
func New() *Gater {
	return &Gater{
		blockedPeers:   make(map[peer.ID]struct{}),
		blockedIPs:     make(map[string]struct{}),
		blockedSubnets: make(map[string]*net.IPNet),
	}
}

// BlockPeer adds p to the peer blocklist.
func (g *Gater) BlockPeer(p peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedPeers[p] = struct{}{}
}

// UnblockPeer removes p from the peer blocklist.
func (g *Gater) UnblockPeer(p peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blockedPeers, p)
}

func (g *Gater) isPeerBlocked(p peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, blocked := g.blockedPeers[p]
	return blocked
}

// BlockIP adds ip to the IP blocklist.
func (g *Gater) BlockIP(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedIPs[ip] = struct{}{}
}

// UnblockIP removes ip from the IP blocklist.
func (g *Gater) UnblockIP(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blockedIPs, ip)
}

// BlockSubnet adds cidr to the subnet blocklist.
func (g *Gater) BlockSubnet(cidr string) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedSubnets[cidr] = ipnet
	return nil
}

// UnblockSubnet removes cidr from the subnet blocklist.
func (g *Gater) UnblockSubnet(cidr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blockedSubnets, cidr)
}

func (g *Gater) isIPBlocked(ip string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, blocked := g.blockedIPs[ip]; blocked {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipnet := range g.blockedSubnets {
		if ipnet.Contains(parsed) {
			return true
		}
	}
	return false
}

func (g *Gater) addressBlocked(a addr.Address) bool {
	if ip, ok := a.Value("ip4"); ok && g.isIPBlocked(ip) {
		return true
	}
	if ip, ok := a.Value("ip6"); ok && g.isIPBlocked(ip) {
		return true
	}
	return false
}

// DenyDialPeer reports whether p is on the peer blocklist.
func (g *Gater) DenyDialPeer(p peer.ID) bool {
	if g.isPeerBlocked(p) {
		atomic.AddInt64(&g.deniedDials, 1)
		return true
	}
	return false
}

// DenyDialMultiaddr reports whether a resolves to a blocked peer or IP.
func (g *Gater) DenyDialMultiaddr(a addr.Address) bool {
	if id, ok := a.PeerID(); ok && g.isPeerBlocked(id) {
		atomic.AddInt64(&g.deniedDials, 1)
		return true
	}
	if g.addressBlocked(a) {
		atomic.AddInt64(&g.deniedDials, 1)
		return true
	}
	return false
}

// DenyInboundConnection reports whether c's remote address is blocked.
func (g *Gater) DenyInboundConnection(c iface.RawConn) bool {
	if g.addressBlocked(c.RemoteAddr()) {
		atomic.AddInt64(&g.deniedAccepts, 1)
		return true
	}
	return false
}

// DenyOutboundConnection reports whether a is blocked at the raw-connection
// stage, after a candidate address has been chosen but before dialing it.
func (g *Gater) DenyOutboundConnection(a addr.Address) bool {
	return g.addressBlocked(a)
}

// DenyInboundEncryptedConnection reports whether p is blocked once its
// identity is known, post-handshake, on an inbound connection.
func (g *Gater) DenyInboundEncryptedConnection(p peer.ID) bool {
	if g.isPeerBlocked(p) {
		atomic.AddInt64(&g.deniedAccepts, 1)
		return true
	}
	return false
}

// DenyOutboundEncryptedConnection mirrors DenyInboundEncryptedConnection
// for the outbound direction.
func (g *Gater) DenyOutboundEncryptedConnection(p peer.ID) bool {
	return g.isPeerBlocked(p)
}

// DenyInboundUpgradedConnection is the final inbound checkpoint, run after
// multiplexing is established.
func (g *Gater) DenyInboundUpgradedConnection(p peer.ID) bool {
	return g.isPeerBlocked(p)
}

// DenyOutboundUpgradedConnection mirrors DenyInboundUpgradedConnection for
// the outbound direction.
func (g *Gater) DenyOutboundUpgradedConnection(p peer.ID) bool {
	return g.isPeerBlocked(p)
}

// Stats reports current blocklist sizes and lifetime deny counts.
type Stats struct {
	BlockedPeers   int
	BlockedIPs     int
	BlockedSubnets int
	DeniedDials    int64
	DeniedAccepts  int64
}

// Stats returns a snapshot of the gater's blocklists and counters.
func (g *Gater) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		BlockedPeers:   len(g.blockedPeers),
		BlockedIPs:     len(g.blockedIPs),
		BlockedSubnets: len(g.blockedSubnets),
		DeniedDials:    atomic.LoadInt64(&g.deniedDials),
		DeniedAccepts:  atomic.LoadInt64(&g.deniedAccepts),
	}
}
