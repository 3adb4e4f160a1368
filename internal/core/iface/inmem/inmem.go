// Package inmem provides minimal in-memory fixtures of the iface
// contracts, used to exercise the dial and upgrade pipelines in
// isolation. These are test doubles, not a product surface.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// Gater is a mutable in-memory ConnectionGater: each Deny* field, when
// non-nil, is consulted; a nil predicate denies nothing.
type Gater struct {
	mu sync.Mutex

	DenyDialPeerFn                     func(peer.ID) bool
	DenyDialMultiaddrFn                func(addr.Address) bool
	DenyInboundConnectionFn            func(iface.RawConn) bool
	DenyOutboundConnectionFn           func(addr.Address) bool
	DenyInboundEncryptedConnectionFn   func(peer.ID) bool
	DenyOutboundEncryptedConnectionFn  func(peer.ID) bool
	DenyInboundUpgradedConnectionFn    func(peer.ID) bool
	DenyOutboundUpgradedConnectionFn   func(peer.ID) bool
}

var _ iface.ConnectionGater = (*Gater)(nil)

func (g *Gater) DenyDialPeer(p peer.ID) bool {
	g.mu.Lock()
	fn := g.DenyDialPeerFn
	g.mu.Unlock()
	return fn != nil && fn(p)
}

func (g *Gater) DenyDialMultiaddr(a addr.Address) bool {
	g.mu.Lock()
	fn := g.DenyDialMultiaddrFn
	g.mu.Unlock()
	return fn != nil && fn(a)
}

func (g *Gater) DenyInboundConnection(c iface.RawConn) bool {
	g.mu.Lock()
	fn := g.DenyInboundConnectionFn
	g.mu.Unlock()
	return fn != nil && fn(c)
}

func (g *Gater) DenyOutboundConnection(a addr.Address) bool {
	g.mu.Lock()
	fn := g.DenyOutboundConnectionFn
	g.mu.Unlock()
	return fn != nil && fn(a)
}

func (g *Gater) DenyInboundEncryptedConnection(p peer.ID) bool {
	g.mu.Lock()
	fn := g.DenyInboundEncryptedConnectionFn
	g.mu.Unlock()
	return fn != nil && fn(p)
}

func (g *Gater) DenyOutboundEncryptedConnection(p peer.ID) bool {
	g.mu.Lock()
	fn := g.DenyOutboundEncryptedConnectionFn
	g.mu.Unlock()
	return fn != nil && fn(p)
}

func (g *Gater) DenyInboundUpgradedConnection(p peer.ID) bool {
	g.mu.Lock()
	fn := g.DenyInboundUpgradedConnectionFn
	g.mu.Unlock()
	return fn != nil && fn(p)
}

func (g *Gater) DenyOutboundUpgradedConnection(p peer.ID) bool {
	g.mu.Lock()
	fn := g.DenyOutboundUpgradedConnectionFn
	g.mu.Unlock()
	return fn != nil && fn(p)
}

// PeerStore is a mutable in-memory PeerStore.
type PeerStore struct {
	mu    sync.Mutex
	addrs map[peer.ID][]addr.Address
	meta  map[peer.ID]iface.PeerMetadata
}

var _ iface.PeerStore = (*PeerStore)(nil)

func NewPeerStore() *PeerStore {
	return &PeerStore{
		addrs: make(map[peer.ID][]addr.Address),
		meta:  make(map[peer.ID]iface.PeerMetadata),
	}
}

func (s *PeerStore) SetAddrs(p peer.ID, addrs []addr.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[p] = addrs
}

func (s *PeerStore) Addrs(p peer.ID) []addr.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]addr.Address(nil), s.addrs[p]...)
}

func (s *PeerStore) Get(p peer.ID) (iface.PeerMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[p]
	return m, ok
}

func (s *PeerStore) Patch(p peer.ID, fields iface.PeerMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[p]
	if !ok {
		m = iface.PeerMetadata{}
	}
	for k, v := range fields {
		m[k] = v
	}
	s.meta[p] = m
	return nil
}

func (s *PeerStore) Merge(p peer.ID, fields iface.PeerMetadata) error {
	return s.Patch(p, fields)
}

// Registrar is a mutable in-memory Registrar.
type Registrar struct {
	mu       sync.Mutex
	handlers map[string]registration
}

type registration struct {
	handler iface.StreamHandler
	opts    iface.HandlerOptions
}

var _ iface.Registrar = (*Registrar)(nil)

func NewRegistrar() *Registrar {
	return &Registrar{handlers: make(map[string]registration)}
}

func (r *Registrar) Register(protocol string, h iface.StreamHandler, opts iface.HandlerOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[protocol] = registration{handler: h, opts: opts}
}

func (r *Registrar) GetHandler(protocol string) (iface.StreamHandler, iface.HandlerOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.handlers[protocol]
	if !ok {
		return nil, iface.HandlerOptions{}, false
	}
	return reg.handler, reg.opts, true
}

func (r *Registrar) GetProtocols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	return out
}

// EventBus is a simple in-memory fan-out bus, grounded on the teacher's
// subscription-list pattern but reduced to string topics rather than a
// reflect.Type registry.
type EventBus struct {
	mu   sync.Mutex
	subs map[string][]chan interface{}
}

var _ iface.EventBus = (*EventBus)(nil)

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan interface{})}
}

func (b *EventBus) Emit(topic string, payload interface{}) {
	b.mu.Lock()
	chans := append([]chan interface{}(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (b *EventBus) Subscribe(topic string) (<-chan interface{}, func()) {
	ch := make(chan interface{}, 16)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, c := range list {
			if c == ch {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// RawConn is an in-memory RawConn whose Read and Write delegate to the
// caller-supplied ReadFn and WriteFn, used by transport test doubles.
type RawConn struct {
	ReadFn  func([]byte) (int, error)
	WriteFn func([]byte) (int, error)
	Addr    addr.Address
	tl      iface.Timeline
	mu      sync.Mutex
	closed  bool
	AbortFn func(error) error
}

var _ iface.RawConn = (*RawConn)(nil)

func (c *RawConn) Read(p []byte) (int, error)  { return c.ReadFn(p) }
func (c *RawConn) Write(p []byte) (int, error) { return c.WriteFn(p) }
func (c *RawConn) RemoteAddr() addr.Address    { return c.Addr }
func (c *RawConn) Timeline() *iface.Timeline   { return &c.tl }

func (c *RawConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.tl.SetClose(time.Now())
	return nil
}

func (c *RawConn) Abort(err error) error {
	if c.AbortFn != nil {
		c.AbortFn(err)
	}
	return c.Close()
}

// Resolver returns an iface.Resolver that always yields fixed.
func Resolver(fixed ...addr.Address) iface.Resolver {
	return func(ctx context.Context, a addr.Address) ([]addr.Address, error) {
		return fixed, nil
	}
}

// TransportDriver is a function-backed iface.TransportDriver.
type TransportDriver struct {
	DialFn    func(ctx context.Context, a addr.Address) (iface.RawConn, error)
	CanDialFn func(a addr.Address) bool
}

var _ iface.TransportDriver = (*TransportDriver)(nil)

func (d *TransportDriver) Dial(ctx context.Context, a addr.Address) (iface.RawConn, error) {
	return d.DialFn(ctx, a)
}

func (d *TransportDriver) CanDial(a addr.Address) bool {
	return d.CanDialFn == nil || d.CanDialFn(a)
}

// TransportRegistry is a scheme-keyed in-memory TransportRegistry.
type TransportRegistry struct {
	mu       sync.Mutex
	drivers  map[string]iface.TransportDriver
}

var _ iface.TransportRegistry = (*TransportRegistry)(nil)

func NewTransportRegistry() *TransportRegistry {
	return &TransportRegistry{drivers: make(map[string]iface.TransportDriver)}
}

func (r *TransportRegistry) Register(scheme string, d iface.TransportDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[scheme] = d
}

func (r *TransportRegistry) TransportForAddress(a addr.Address) (iface.TransportDriver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[a.Scheme()]
	if !ok || !d.CanDial(a) {
		return nil, false
	}
	return d, true
}
