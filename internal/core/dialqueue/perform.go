package dialqueue

import (
	"context"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/coreerr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

type dialResult struct {
	index int
	conn  iface.RawConn
	err   error
}

// performDial races a dial attempt per candidate address, bounded by a
// per-peer semaphore nested inside the queue's global semaphore, and
// returns the first success. Every other attempt's controller is canceled
// as soon as one wins; a sibling that already completed its transport
// dial by the time it observes that cancellation is a redundant winner —
// its connection is closed rather than returned, and the attempt is
// failed with ABORT. Failures are aggregated: a single candidate's error
// surfaces unwrapped, more than one is combined.
func (q *Queue) performDial(ctx context.Context, p peer.ID, candidates []addr.Address) (iface.RawConn, error) {
	perPeer := q.perPeerSem(p)
	results := make(chan dialResult, len(candidates))

	cancels := make([]context.CancelFunc, len(candidates))
	for i, a := range candidates {
		cctx, cancel := context.WithCancel(ctx)
		cancels[i] = cancel
		i, a, cctx := i, a, cctx
		go func() {
			select {
			case perPeer <- struct{}{}:
			case <-cctx.Done():
				results <- dialResult{index: i, err: cctx.Err()}
				return
			}
			defer func() { <-perPeer }()

			select {
			case q.globalSem <- struct{}{}:
			case <-cctx.Done():
				results <- dialResult{index: i, err: cctx.Err()}
				return
			}
			defer func() { <-q.globalSem }()

			conn, err := q.dialOne(cctx, a)
			if err != nil {
				results <- dialResult{index: i, err: err}
				return
			}
			if cctx.Err() != nil {
				// A sibling already won while this dial was in flight.
				conn.Close()
				results <- dialResult{index: i, err: coreerr.New(coreerr.Abort, cctx.Err())}
				return
			}
			results <- dialResult{index: i, conn: conn}
		}()
	}

	var errs []error
	received := 0
	for received < len(candidates) {
		res := <-results
		received++
		if res.err == nil {
			for j, cancel := range cancels {
				if j != res.index {
					cancel()
				}
			}
			if remaining := len(candidates) - received; remaining > 0 {
				go drainRedundantWinners(results, remaining)
			}
			return res.conn, nil
		}
		errs = append(errs, res.err)
	}
	return nil, coreerr.Aggregate(errs)
}

// drainRedundantWinners consumes the remaining results after one
// candidate has already won, closing any connection a sibling managed to
// establish before observing its own cancellation.
func drainRedundantWinners(results <-chan dialResult, remaining int) {
	for i := 0; i < remaining; i++ {
		res := <-results
		if res.conn != nil {
			res.conn.Close()
		}
	}
}

func (q *Queue) dialOne(ctx context.Context, a addr.Address) (iface.RawConn, error) {
	if q.deps.Gater != nil && q.deps.Gater.DenyOutboundConnection(a) {
		return nil, coreerr.New(coreerr.ConnectionDenied, nil)
	}
	driver, ok := q.deps.Transports.TransportForAddress(a)
	if !ok {
		return nil, coreerr.New(coreerr.NoValidAddresses, nil)
	}
	conn, err := driver.Dial(ctx, a)
	if err != nil {
		return nil, coreerr.New(coreerr.TransportDialFailed, err)
	}
	return conn, nil
}
