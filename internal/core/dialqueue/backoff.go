package dialqueue

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nodalcore/p2pcore/internal/core/peer"
)

// backoffEntry tracks consecutive dial failures for one peer, the same
// doubling shape the teacher uses for relay-address backoff, generalized
// here to every peer rather than only relay hops.
type backoffEntry struct {
	failures  int
	nextRetry time.Time
}

const (
	backoffBase = 5 * time.Second
	backoffMax  = 5 * time.Minute
)

// backoffTracker is a bounded, LRU-evicted record of recent dial failures,
// consulted by the queue to decide whether a peer is still in its retry
// cooldown before a fresh dial is attempted.
type backoffTracker struct {
	mu    sync.Mutex
	cache *lru.Cache[peer.ID, *backoffEntry]
}

func newBackoffTracker(size int) *backoffTracker {
	if size <= 0 {
		size = 1
	}
	c, _ := lru.New[peer.ID, *backoffEntry](size)
	return &backoffTracker{cache: c}
}

func (b *backoffTracker) inBackoff(p peer.ID, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.cache.Get(p)
	if !ok {
		return false
	}
	return now.Before(e.nextRetry)
}

func (b *backoffTracker) recordFailure(p peer.ID, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.cache.Get(p)
	if !ok {
		e = &backoffEntry{}
	}
	e.failures++
	delay := backoffBase * time.Duration(1<<min(e.failures-1, 6))
	if delay > backoffMax {
		delay = backoffMax
	}
	e.nextRetry = now.Add(delay)
	b.cache.Add(p, e)
}

func (b *backoffTracker) clear(p peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Remove(p)
}
