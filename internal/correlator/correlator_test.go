package correlator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func fixedClock(t0 time.Time) (func() time.Time, func(time.Duration)) {
	now := t0
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestResolveBeforeTimeoutSucceedsOnce(t *testing.T) {
	testlog.Start(t)
	c := New(nil)
	clock, advance := fixedClock(time.Unix(1_700_000_000, 0))
	c.SetClock(clock)

	id, h, err := c.Issue(portnum.AdminApp, []byte{0x18, 0x01}, 10*time.Second)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	advance(3 * time.Second)
	resp := protocol.Envelope{From: 5, RequestID: id}
	if !c.Resolve(id, resp) {
		t.Fatalf("first resolve should match")
	}
	if c.Resolve(id, resp) {
		t.Fatalf("second resolve must not match")
	}
	got, err := h.Wait(context.Background())
	if err != nil || got.From != 5 {
		t.Fatalf("wait got=%+v err=%v", got, err)
	}
	if c.Tick(clock().Add(time.Hour)) != 0 {
		t.Fatalf("resolved request should not time out")
	}
}

func TestTelemetryRequestTimesOutAfterTenSeconds(t *testing.T) {
	testlog.Start(t)
	c := New(nil)
	t0 := time.Unix(1_700_000_000, 0)
	clock, _ := fixedClock(t0)
	c.SetClock(clock)

	id, h, err := c.Issue(portnum.TelemetryApp, nil, 10*time.Second)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if n := c.Tick(t0.Add(9 * time.Second)); n != 0 {
		t.Fatalf("expired early: %d", n)
	}
	if n := c.Tick(t0.Add(10 * time.Second)); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	res, ok := h.Result()
	if !ok || !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %+v ok=%v", res, ok)
	}
	if c.Resolve(id, protocol.Envelope{From: 1}) {
		t.Fatalf("late response must have no effect")
	}
	if c.Len() != 0 {
		t.Fatalf("pending=%d", c.Len())
	}
}

func TestFailWithRoutingError(t *testing.T) {
	testlog.Start(t)
	c := New(nil)
	id, h, _ := c.Issue(portnum.TracerouteApp, nil, time.Minute)
	if !c.Fail(id, RoutingError{Reason: protocol.RoutingNoRoute}) {
		t.Fatalf("fail should match pending request")
	}
	_, err := h.Wait(context.Background())
	var re RoutingError
	if !errors.As(err, &re) || re.Reason != protocol.RoutingNoRoute {
		t.Fatalf("expected RoutingError NO_ROUTE, got %v", err)
	}
}

func TestCancelAllCompletesEveryHandle(t *testing.T) {
	testlog.Start(t)
	c := New(nil)
	var handles []*Handle
	for i := 0; i < 5; i++ {
		_, h, err := c.Issue(portnum.AdminApp, nil, time.Minute)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		handles = append(handles, h)
	}
	var observed int
	c.SetObserver(func(p Pending, r Result) { observed++ })
	if n := c.CancelAll(errors.New("session reset")); n != 5 {
		t.Fatalf("cancelled=%d", n)
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatalf("handle %d not done", h.ID())
		}
		if _, err := h.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	}
	if observed != 5 {
		t.Fatalf("observer saw %d completions", observed)
	}
}

func TestIssueNeverReusesPendingID(t *testing.T) {
	testlog.Start(t)
	seq := []uint32{7, 7, 0, 7, 8}
	i := 0
	c := New(func() uint32 {
		v := seq[i%len(seq)]
		i++
		return v
	})
	a, _, err := c.Issue(portnum.AdminApp, nil, time.Minute)
	if err != nil || a != 7 {
		t.Fatalf("first id=%d err=%v", a, err)
	}
	b, _, err := c.Issue(portnum.AdminApp, nil, time.Minute)
	if err != nil || b != 8 {
		t.Fatalf("second id=%d err=%v", b, err)
	}
	pending := c.Pending()
	if len(pending) != 2 || pending[0].RequestID != 7 || pending[1].RequestID != 8 {
		t.Fatalf("unexpected pending: %+v", pending)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	c := New(nil)
	_, h, _ := c.Issue(portnum.AdminApp, nil, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("ctx expiry must not drop the pending request")
	}
}

func TestRunSweepsWithTicker(t *testing.T) {
	testlog.Start(t)
	c := New(nil)
	_, h, _ := c.Issue(portnum.TelemetryApp, nil, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, 5*time.Millisecond) }()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("ticker never expired the request")
	}
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
