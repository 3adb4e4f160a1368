// Package dialqueue implements the dial pipeline: given a peer and
// whatever addresses are already known for it, expand to the full
// candidate address set, filter it through the connection gater and
// transport registry, then race bounded-concurrency dials across the
// survivors until one wins or all fail.
package dialqueue

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/coreerr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
	corelog "github.com/nodalcore/p2pcore/internal/core/log"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

var log = corelog.Logger("core/dialqueue")

// lastDialFailureKey is the peer-store metadata field written, best
// effort, after every failed dial: the decimal-digit UTF-8 byte string of
// the Unix timestamp the failure was recorded at.
const lastDialFailureKey = "last-dial-failure"

// Deps are the Queue's external collaborators. All but Transports may be
// nil; a nil Gater denies nothing, a nil PeerStore means only addresses
// passed directly to Dial are considered, a nil/empty Resolvers map
// leaves every address unexpanded.
type Deps struct {
	LocalID    peer.ID
	Transports iface.TransportRegistry
	Gater      iface.ConnectionGater
	PeerStore  iface.PeerStore
	// Resolvers maps an address scheme name (e.g. "dns4", "dns6",
	// "dnsaddr") to the resolver responsible for expanding addresses of
	// that scheme. An address whose scheme has no entry passes through
	// unresolved.
	Resolvers map[string]iface.Resolver
	Clock     clock.Clock
}

type inFlight struct {
	peer    peer.ID
	addrKey string
	done    chan struct{}
	conn    iface.RawConn
	err     error
}

// Queue is the dial pipeline's entry point. One Queue is shared by every
// caller wanting to dial out; in-flight dials that match an existing one
// by peer identity or by an identical ordered candidate-address set are
// deduplicated rather than duplicated.
type Queue struct {
	cfg  Config
	deps Deps

	globalSem chan struct{}

	mu       sync.Mutex
	pending  map[uint64]*inFlight
	nextID   uint64
	perPeer  map[peer.ID]chan struct{}
	backoffs *backoffTracker
}

// New builds a Queue. A non-positive cfg.MaxParallelDials or
// cfg.MaxParallelDialsPerPeer is treated as 1; use DefaultConfig as a
// starting point.
func New(cfg Config, deps Deps) *Queue {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.MaxParallelDials <= 0 {
		cfg.MaxParallelDials = 1
	}
	if cfg.MaxParallelDialsPerPeer <= 0 {
		cfg.MaxParallelDialsPerPeer = 1
	}
	return &Queue{
		cfg:       cfg,
		deps:      deps,
		globalSem: make(chan struct{}, cfg.MaxParallelDials),
		pending:   make(map[uint64]*inFlight),
		perPeer:   make(map[peer.ID]chan struct{}),
		backoffs:  newBackoffTracker(cfg.BackoffCacheSize),
	}
}

// Dial establishes a raw connection to p, reusing an in-flight dial that
// matches by peer identity or by an identical ordered candidate-address
// set if one is already running. known seeds the candidate address set;
// the peer store is consulted only when known is empty, and resolvers
// then expand whichever set was chosen.
func (q *Queue) Dial(ctx context.Context, p peer.ID, known ...addr.Address) (iface.RawConn, error) {
	if p.Valid() && q.backoffs.inBackoff(p, q.deps.Clock.Now()) {
		return nil, coreerr.New(coreerr.TransportDialFailed, nil)
	}

	candidates, err := q.calculateMultiaddrs(ctx, p, known)
	if err != nil {
		return nil, err
	}
	addrKey := addrSetKey(candidates)

	q.mu.Lock()
	if fl := q.findPending(p, addrKey); fl != nil {
		q.mu.Unlock()
		return joinDial(ctx, fl)
	}
	fl := &inFlight{peer: p, addrKey: addrKey, done: make(chan struct{})}
	id := q.nextID
	q.nextID++
	q.pending[id] = fl
	q.mu.Unlock()

	conn, err := q.runDial(ctx, p, candidates)

	fl.conn, fl.err = conn, err
	close(fl.done)

	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()

	return conn, err
}

// findPending scans the in-flight table for a dial matching p by peer
// identity (when both sides have a valid one) or matching by an
// identical ordered candidate-address set. Must be called with q.mu held.
func (q *Queue) findPending(p peer.ID, addrKey string) *inFlight {
	for _, fl := range q.pending {
		if p.Valid() && fl.peer.Valid() && p.Equal(fl.peer) {
			return fl
		}
		if fl.addrKey == addrKey {
			return fl
		}
	}
	return nil
}

// addrSetKey joins the ordered candidate address strings into a single
// comparison key for in-flight dial deduplication.
func addrSetKey(addrs []addr.Address) string {
	var b strings.Builder
	for i, a := range addrs {
		if i > 0 {
			b.WriteByte('\x00')
		}
		b.WriteString(a.String())
	}
	return b.String()
}

func joinDial(ctx context.Context, fl *inFlight) (iface.RawConn, error) {
	select {
	case <-fl.done:
		return fl.conn, fl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) runDial(ctx context.Context, p peer.ID, candidates []addr.Address) (iface.RawConn, error) {
	if q.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := q.performDial(ctx, p, candidates)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = coreerr.New(coreerr.Timeout, err)
		}
		if p.Valid() {
			q.backoffs.recordFailure(p, q.deps.Clock.Now())
			q.recordLastDialFailure(p)
		}
		return nil, err
	}
	if p.Valid() {
		q.backoffs.clear(p)
	}
	return conn, nil
}

func (q *Queue) recordLastDialFailure(p peer.ID) {
	if q.deps.PeerStore == nil {
		return
	}
	ts := strconv.FormatInt(q.deps.Clock.Now().Unix(), 10)
	if err := q.deps.PeerStore.Merge(p, iface.PeerMetadata{lastDialFailureKey: []byte(ts)}); err != nil {
		log.Debugw("best-effort last-dial-failure write failed", "peer", p.String(), "error", err)
	}
}

// perPeerSem returns (creating if necessary) the bounded semaphore
// limiting concurrent dials to p.
func (q *Queue) perPeerSem(p peer.ID) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	sem, ok := q.perPeer[p]
	if !ok {
		sem = make(chan struct{}, q.cfg.MaxParallelDialsPerPeer)
		q.perPeer[p] = sem
	}
	return sem
}

// Stats reports the current queue occupancy.
type Stats struct {
	PendingDialCount    int
	InProgressDialCount int
}

// Stats returns a snapshot of in-flight dial bookkeeping.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	inProgress := 0
	for _, sem := range q.perPeer {
		inProgress += len(sem)
	}
	return Stats{
		PendingDialCount:    len(q.pending),
		InProgressDialCount: inProgress,
	}
}
