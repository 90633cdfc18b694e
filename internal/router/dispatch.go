package router

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/meshctl/internal/protocol"
	"golang.org/x/sync/errgroup"
)

var ErrDispatcherClosed = errors.New("router: dispatcher closed")

const (
	DefaultWorkers    = 4
	DefaultQueueDepth = 256
)

// Dispatcher runs a fixed set of serial workers in front of a Router. Envelopes
// from the same source node always land on the same worker, so per-source
// delivery order matches arrival order.
type Dispatcher struct {
	router *Router
	queues []chan protocol.Envelope

	mu      sync.Mutex
	closed  bool
	stopped chan struct{}
}

func NewDispatcher(r *Router, workers, depth int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	queues := make([]chan protocol.Envelope, workers)
	for i := range queues {
		queues[i] = make(chan protocol.Envelope, depth)
	}
	return &Dispatcher{router: r, queues: queues, stopped: make(chan struct{})}
}

func (d *Dispatcher) shard(from uint32) int {
	return int(from % uint32(len(d.queues)))
}

// Submit queues env for its source's worker, blocking while that queue is full.
func (d *Dispatcher) Submit(ctx context.Context, env protocol.Envelope) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queues[d.shard(env.From)] <- env:
		return nil
	case <-d.stopped:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains every queue until ctx ends. Queued envelopes not yet routed when
// ctx ends are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range d.queues {
		q := d.queues[i]
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case env := <-q:
					d.router.Route(gctx, env)
				}
			}
		})
	}
	err := g.Wait()
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stopped)
	}
	d.mu.Unlock()
	return err
}
