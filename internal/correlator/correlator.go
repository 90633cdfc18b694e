// Package correlator matches responses to outstanding requests by request id.
//
// Ownership boundary:
// - request id allocation (never reused while pending)
// - pending request table and single-sweep timeouts
// - completion handles for callers
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/rs/zerolog/log"
)

var (
	ErrTimeout     = errors.New("correlator: request timed out")
	ErrCancelled   = errors.New("correlator: request cancelled")
	ErrIDExhausted = errors.New("correlator: no free request id")
)

// RoutingError is a delivery failure reported by the radio for a pending request.
type RoutingError struct {
	Reason protocol.RoutingReason
}

func (e RoutingError) Error() string {
	return fmt.Sprintf("correlator: routing error %s", e.Reason)
}

// Result is the terminal outcome of one request.
type Result struct {
	Response protocol.Envelope
	Err      error
	At       time.Time
}

// Handle is the caller's view of one pending request. It completes exactly once.
type Handle struct {
	id     uint32
	done   chan struct{}
	once   sync.Once
	result Result
}

func newHandle(id uint32) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

func (h *Handle) ID() uint32 { return h.id }

// Done is closed once the request resolves, fails, times out or is cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until completion or ctx ends. A ctx error does not cancel the request.
func (h *Handle) Wait(ctx context.Context) (protocol.Envelope, error) {
	select {
	case <-h.done:
		return h.result.Response, h.result.Err
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Result returns the outcome if the handle has completed.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

func (h *Handle) complete(r Result) bool {
	completed := false
	h.once.Do(func() {
		h.result = r
		close(h.done)
		completed = true
	})
	return completed
}

// Pending is one outstanding request.
type Pending struct {
	RequestID uint32
	Port      portnum.Number
	Payload   []byte
	IssuedAt  time.Time
	Timeout   time.Duration
	Deadline  time.Time
	handle    *Handle
}

// Observer is told about every request that leaves the table.
type Observer func(p Pending, r Result)

// Correlator owns the pending table. One mutex guards the whole structure.
type Correlator struct {
	mu       sync.Mutex
	nextID   func() uint32
	now      func() time.Time
	items    map[uint32]*Pending
	observer Observer
}

// New builds a correlator drawing ids from nextID, normally the client's packet id
// source so request ids and packet ids share one sequence.
func New(nextID func() uint32) *Correlator {
	if nextID == nil {
		var n uint32
		nextID = func() uint32 {
			n++
			if n == 0 {
				n++
			}
			return n
		}
	}
	return &Correlator{
		nextID: nextID,
		now:    time.Now,
		items:  make(map[uint32]*Pending),
	}
}

func (c *Correlator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Correlator) SetObserver(fn Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

const maxIDProbes = 64

// Issue registers a request and returns its id and completion handle. The caller
// sends the request packet with that id after Issue returns.
func (c *Correlator) Issue(port portnum.Number, payload []byte, timeout time.Duration) (uint32, *Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var id uint32
	for i := 0; i < maxIDProbes; i++ {
		cand := c.nextID()
		if _, busy := c.items[cand]; cand != 0 && !busy {
			id = cand
			break
		}
	}
	if id == 0 {
		return 0, nil, fmt.Errorf("%w: pending=%d", ErrIDExhausted, len(c.items))
	}
	now := c.now()
	p := &Pending{
		RequestID: id,
		Port:      port,
		Payload:   append([]byte(nil), payload...),
		IssuedAt:  now,
		Timeout:   timeout,
		Deadline:  now.Add(timeout),
		handle:    newHandle(id),
	}
	c.items[id] = p
	log.Debug().
		Uint32("request_id", id).
		Stringer("port", port).
		Dur("timeout", timeout).
		Msg("correlator issue")
	return id, p.handle, nil
}

// Resolve completes a pending request with response. Unknown or already completed
// ids return false and the response is discarded.
func (c *Correlator) Resolve(requestID uint32, response protocol.Envelope) bool {
	p, obs, ok := c.take(requestID)
	if !ok {
		log.Debug().Uint32("request_id", requestID).Uint32("from", response.From).Msg("correlator unmatched response")
		return false
	}
	c.finish(p, obs, Result{Response: response, At: c.clock()})
	return true
}

// Fail completes a pending request with err.
func (c *Correlator) Fail(requestID uint32, err error) bool {
	p, obs, ok := c.take(requestID)
	if !ok {
		return false
	}
	c.finish(p, obs, Result{Err: err, At: c.clock()})
	return true
}

// Tick fails every request whose deadline is at or before now with ErrTimeout.
func (c *Correlator) Tick(now time.Time) int {
	c.mu.Lock()
	var expired []*Pending
	for id, p := range c.items {
		if !p.Deadline.After(now) {
			expired = append(expired, p)
			delete(c.items, id)
		}
	}
	obs := c.observer
	c.mu.Unlock()
	sort.Slice(expired, func(i, j int) bool { return expired[i].RequestID < expired[j].RequestID })
	for _, p := range expired {
		c.finish(p, obs, Result{
			Err: fmt.Errorf("%w: request_id=%d port=%s after %s", ErrTimeout, p.RequestID, p.Port, p.Timeout),
			At:  now,
		})
	}
	return len(expired)
}

// CancelAll fails every pending request. A nil cause becomes ErrCancelled.
func (c *Correlator) CancelAll(cause error) int {
	c.mu.Lock()
	all := make([]*Pending, 0, len(c.items))
	for _, p := range c.items {
		all = append(all, p)
	}
	c.items = make(map[uint32]*Pending)
	obs := c.observer
	now := c.now()
	c.mu.Unlock()
	err := ErrCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrCancelled, cause)
	}
	for _, p := range all {
		c.finish(p, obs, Result{Err: err, At: now})
	}
	return len(all)
}

// Pending returns a copy of the table sorted by request id.
func (c *Correlator) Pending() []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Pending, 0, len(c.items))
	for _, p := range c.items {
		cp := *p
		cp.Payload = append([]byte(nil), p.Payload...)
		cp.handle = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// Lookup returns a copy of one pending request.
func (c *Correlator) Lookup(requestID uint32) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.items[requestID]
	if !ok {
		return Pending{}, false
	}
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	cp.handle = nil
	return cp, true
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Run drives Tick from one ticker until ctx ends.
func (c *Correlator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick(c.clock())
		}
	}
}

func (c *Correlator) take(id uint32) (*Pending, Observer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.items[id]
	if ok {
		delete(c.items, id)
	}
	return p, c.observer, ok
}

func (c *Correlator) clock() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

func (c *Correlator) finish(p *Pending, obs Observer, r Result) {
	if !p.handle.complete(r) {
		return
	}
	ev := log.Debug().Uint32("request_id", p.RequestID).Stringer("port", p.Port)
	if r.Err != nil {
		ev = ev.Err(r.Err)
	}
	ev.Msg("correlator complete")
	if obs != nil {
		obs(*p, r)
	}
}
