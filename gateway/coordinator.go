package gateway

import (
	"context"
	"sync"
	"time"

	serrors "github.com/ecostock/storefront-core/internal/errors"
	"github.com/ecostock/storefront-core/internal/metrics"
	"github.com/ecostock/storefront-core/pkg/logger"
	"github.com/ecostock/storefront-core/session"
)

// pendingRequest is a call that hit an expired credential while a refresh
// was already in flight. It is settled exactly once, when the refresh does.
//
// claimed and abandoned are guarded by Coordinator.mu and never both true:
// once the drain claims an entry its waiter can no longer give up on it.
type pendingRequest struct {
	ctx       context.Context
	req       *Request
	queuedAt  time.Time
	done      chan struct{}
	resp      *Response
	err       error
	claimed   bool
	abandoned bool
}

func newPendingRequest(ctx context.Context, req *Request) *pendingRequest {
	return &pendingRequest{
		ctx:      ctx,
		req:      req,
		queuedAt: time.Now(),
		done:     make(chan struct{}),
	}
}

func (p *pendingRequest) settle(resp *Response, err error) {
	p.resp, p.err = resp, err
	close(p.done)
}

// waitQueue is the FIFO of pending requests. It is only non-empty while the
// coordinator's refreshing flag is set; both are guarded by Coordinator.mu.
type waitQueue struct {
	items []*pendingRequest
}

func (q *waitQueue) enqueue(p *pendingRequest) {
	q.items = append(q.items, p)
}

func (q *waitQueue) dequeue() (*pendingRequest, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, true
}

func (q *waitQueue) len() int {
	return len(q.items)
}

type (
	refreshFunc  func(ctx context.Context) error
	replayFunc   func(ctx context.Context, req *Request) (*Response, error)
	teardownFunc func(reason session.Reason)
)

// Coordinator guarantees at most one credential refresh in flight. The first
// caller to need a refresh performs it; later callers queue behind it and are
// replayed in arrival order once it settles.
type Coordinator struct {
	mu         sync.Mutex
	refreshing bool
	queue      waitQueue

	limit   int
	maxWait time.Duration

	refresh  refreshFunc
	replay   replayFunc
	teardown teardownFunc

	log     *logger.Logger
	metrics *metrics.Collector
}

func newCoordinator(limit int, maxWait time.Duration, refresh refreshFunc, replay replayFunc, teardown teardownFunc, log *logger.Logger, m *metrics.Collector) *Coordinator {
	return &Coordinator{
		limit:    limit,
		maxWait:  maxWait,
		refresh:  refresh,
		replay:   replay,
		teardown: teardown,
		log:      log,
		metrics:  m,
	}
}

// Refreshing reports whether a refresh is in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

// Pending returns the number of queued requests.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// Refresh obtains a new credential for req and replays it, or joins the
// refresh already in flight.
func (c *Coordinator) Refresh(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	if c.refreshing {
		if c.queue.len() >= c.limit {
			c.mu.Unlock()
			return nil, serrors.Authentication(serrors.CodeRefreshQueueFull, "too many requests waiting for credential refresh")
		}
		p := newPendingRequest(ctx, req)
		c.queue.enqueue(p)
		depth := c.queue.len()
		c.mu.Unlock()

		c.metrics.SetRefreshQueueDepth(depth)
		return c.await(p)
	}
	// The flag is set before the refresh call is issued so a concurrent 401
	// can never observe false while this refresh is outstanding.
	c.refreshing = true
	c.mu.Unlock()

	c.log.WithField("path", req.Path).Info("access credential rejected, refreshing")

	// The refresh outlives the triggering caller: queued requests depend on it.
	err := c.refresh(context.WithoutCancel(ctx))
	return c.finish(ctx, req, err)
}

func (c *Coordinator) await(p *pendingRequest) (*Response, error) {
	var timeout <-chan time.Time
	if c.maxWait > 0 {
		timer := time.NewTimer(c.maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-p.done:
	case <-p.ctx.Done():
		if c.abandon(p) {
			return nil, p.ctx.Err()
		}
		<-p.done
	case <-timeout:
		if c.abandon(p) {
			return nil, serrors.Authentication(serrors.CodeRefreshWaitTimeout, "timed out waiting for credential refresh")
		}
		<-p.done
	}
	c.metrics.ObserveRefreshWait(time.Since(p.queuedAt))
	return p.resp, p.err
}

// abandon marks p as given up unless the drain already claimed it. A claimed
// entry is being replayed, so its waiter must take the replay's outcome.
func (c *Coordinator) abandon(p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.claimed {
		return false
	}
	p.abandoned = true
	return true
}

// finish settles the trigger and drains the queue in FIFO order. Entries
// queued before the refresh settled are claimed before the trigger is
// replayed, so none of them can time out once the credential is known.
func (c *Coordinator) finish(ctx context.Context, trigger *Request, refreshErr error) (*Response, error) {
	var rejection error
	if refreshErr != nil {
		rejection = refreshRejection(refreshErr)
		c.metrics.RecordRefresh("failure")
		c.log.WithError(refreshErr).Warn("credential refresh failed, ending session")
		c.teardown(session.ReasonSessionExpired)
	} else {
		c.metrics.RecordRefresh("success")
	}

	batch := c.claim()
	c.metrics.SetRefreshQueueDepth(0)

	var (
		resp *Response
		err  error
	)
	if rejection != nil {
		err = rejection
	} else {
		resp, err = c.replay(ctx, trigger)
	}

	drained := 0
	for batch != nil {
		for _, p := range batch {
			drained++
			switch {
			case rejection != nil:
				p.settle(nil, rejection)
			case p.abandoned:
				p.settle(nil, serrors.Authentication(serrors.CodeRefreshWaitTimeout, "abandoned while waiting for credential refresh"))
			case p.ctx.Err() != nil:
				p.settle(nil, p.ctx.Err())
			default:
				p.settle(c.replay(p.ctx, p.req))
			}
		}
		batch = c.claim()
		c.metrics.SetRefreshQueueDepth(0)
	}

	c.log.WithField("drained", drained).WithField("ok", refreshErr == nil).Info("credential refresh settled")
	return resp, err
}

// claim takes every queued entry in FIFO order and marks the live ones as
// claimed, so their waiters stop timing out and take the replay's outcome.
// Entries queued while a batch is replayed form the next batch. When the
// queue is empty the refreshing flag is cleared under the same lock.
func (c *Coordinator) claim() []*pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch []*pendingRequest
	for {
		p, ok := c.queue.dequeue()
		if !ok {
			break
		}
		if !p.abandoned {
			p.claimed = true
		}
		batch = append(batch, p)
	}
	if batch == nil {
		c.refreshing = false
	}
	return batch
}

func refreshRejection(err error) error {
	if serrors.IsKind(err, serrors.KindAuthentication) {
		return err
	}
	return &serrors.ServiceError{
		Kind:    serrors.KindAuthentication,
		Code:    serrors.CodeRefreshFailed,
		Message: "credential refresh failed",
		Err:     err,
	}
}
