// Package client is the protocol engine: it owns one radio session and wires the
// transport through framing, the session gate and the router into the node
// database, the request correlator and the mesh log.
//
// Ownership boundary:
// - link lifecycle (dial, handshake timer, heartbeat, reconnect)
// - per-port handlers feeding nodedb, correlator and meshlog
// - the command surface used by the CLI and diagnostics server
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/correlator"
	"github.com/danmuck/meshctl/internal/meshlog"
	"github.com/danmuck/meshctl/internal/nodedb"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/danmuck/meshctl/internal/protocol/session"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/danmuck/meshctl/internal/store"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDeviceAddressRequired = errors.New("client: device address required")
	ErrDialerRequired        = errors.New("client: dialer required")
	ErrNotRunning            = errors.New("client: not running")
	ErrTextTooLong           = errors.New("client: text exceeds payload limit")
)

// MaxTextBytes is the largest text payload the firmware accepts in one packet.
const MaxTextBytes = 233

type Config struct {
	DeviceAddress   string
	Session         session.Config
	Limits          frame.Limits
	DispatchWorkers int
	DispatchDepth   int
	PrivatePorts    map[portnum.Number]string
	LogEntries      int
	HopLimit        uint32
}

func DefaultConfig() Config {
	return Config{
		Session:         session.DefaultConfig(),
		Limits:          frame.DefaultLimits(),
		DispatchWorkers: router.DefaultWorkers,
		DispatchDepth:   router.DefaultQueueDepth,
		LogEntries:      meshlog.DefaultMaxEntries,
		HopLimit:        3,
	}
}

// Deps are the collaborators a Client does not build itself. Only Dialer is required.
type Deps struct {
	Dialer  transport.Dialer
	Store   store.Store
	LogSink meshlog.Sink
	Metrics *observability.Metrics
	Rand    *rand.Rand
}

type Client struct {
	cfg     Config
	dialer  transport.Dialer
	metrics *observability.Metrics

	machine    *session.Machine
	ids        *session.IDSource
	registry   *portnum.Registry
	router     *router.Router
	dispatcher *router.Dispatcher
	nodes      *nodedb.DB
	corr       *correlator.Correlator
	meshlog    *meshlog.Log

	ready     chan struct{}
	readyOnce sync.Once
	reconnect chan struct{}

	mu           sync.Mutex
	runCtx       context.Context
	group        *errgroup.Group
	link         *link
	ackOnly      map[uint32]struct{}
	stateChanged chan struct{}
}

func New(cfg Config, deps Deps) (*Client, error) {
	if strings.TrimSpace(cfg.DeviceAddress) == "" {
		return nil, ErrDeviceAddressRequired
	}
	if deps.Dialer == nil {
		return nil, ErrDialerRequired
	}
	if cfg.Limits.MaxPayloadBytes <= 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.HopLimit == 0 {
		cfg.HopLimit = 3
	}
	if len(cfg.Session.RequiredFragments) == 0 {
		cfg.Session.RequiredFragments = session.DefaultRequiredFragments()
	}

	reg := portnum.NewRegistry()
	for n, name := range cfg.PrivatePorts {
		if err := reg.EnablePrivate(n, name); err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
	}

	ids := session.NewIDSource()
	c := &Client{
		cfg:          cfg,
		dialer:       deps.Dialer,
		metrics:      deps.Metrics,
		machine:      session.NewMachine(cfg.Session, deps.Rand),
		ids:          ids,
		registry:     reg,
		router:       router.New(reg),
		nodes:        nodedb.New(deps.Store),
		corr:         correlator.New(ids.Next),
		meshlog:      meshlog.New(cfg.LogEntries, deps.LogSink),
		ready:        make(chan struct{}),
		reconnect:    make(chan struct{}, 1),
		ackOnly:      make(map[uint32]struct{}),
		stateChanged: make(chan struct{}),
	}
	c.dispatcher = router.NewDispatcher(c.router, cfg.DispatchWorkers, cfg.DispatchDepth)
	c.machine.Observe(c.onStateChange)
	c.corr.SetObserver(c.onRequestDone)
	c.router.SetObserver(func(env protocol.Envelope, port portnum.Kind, outcome router.Outcome, _ error) {
		c.metrics.RecordRoute(port.String(), outcome.String())
	})
	if err := c.registerHandlers(); err != nil {
		return nil, err
	}
	return c, nil
}

// Run owns every background goroutine until ctx ends. Connect may be called once
// Run has started.
func (c *Client) Run(ctx context.Context) error {
	if _, err := c.nodes.Load(ctx); err != nil {
		return err
	}
	c.metrics.SetKnownNodes(c.nodes.Len())

	g, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	c.runCtx = gctx
	c.group = g
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })

	g.Go(func() error { return c.dispatcher.Run(gctx) })
	g.Go(func() error { return c.corr.Run(gctx, c.cfg.Session.TickInterval) })
	g.Go(func() error { return c.supervise(gctx) })
	g.Go(func() error { return c.statsLoop(gctx) })

	<-gctx.Done()
	c.Disconnect()
	return g.Wait()
}

// Connect dials the device and starts the handshake. It returns once want_config
// has been sent; use WaitState to wait for synchronization. A session already in
// progress is ended first and its pending requests fail with ErrCancelled.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.runErr(); err != nil {
		return err
	}
	replaced := c.machine.State() != session.Disconnected
	if err := c.machine.Connect(c.cfg.DeviceAddress); err != nil {
		return err
	}
	if replaced {
		c.closeLink()
		if n := c.corr.CancelAll(session.ErrSessionReplaced); n > 0 {
			log.Info().Int("cancelled", n).Msg("client session replaced")
		}
	}
	conn, err := c.dial(ctx)
	if err != nil {
		c.machine.TransportLost(err)
		return err
	}
	return c.establish(conn)
}

// Disconnect ends the session from any state. Pending requests fail with
// correlator.ErrCancelled.
func (c *Client) Disconnect() {
	if l := c.currentLink(); l != nil {
		_ = c.send(protocol.ToRadio{Disconnect: true})
	}
	c.closeLink()
	c.machine.Disconnect()
	c.corr.CancelAll(errors.New("disconnected"))
}

// WaitState blocks until the session reaches want or ctx ends.
func (c *Client) WaitState(ctx context.Context, want session.State) error {
	for {
		c.mu.Lock()
		ch := c.stateChanged
		c.mu.Unlock()
		if c.machine.State() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("client: waiting for %s (state=%s): %w", want, c.machine.State(), ctx.Err())
		case <-ch:
		}
	}
}

func (c *Client) State() session.State { return c.machine.State() }
func (c *Client) Session() session.Session { return c.machine.Snapshot() }
func (c *Client) Nodes() []nodedb.Record { return c.nodes.Snapshot() }
func (c *Client) NodeDB() *nodedb.DB { return c.nodes }
func (c *Client) Log() *meshlog.Log { return c.meshlog }
func (c *Client) Pending() []correlator.Pending { return c.corr.Pending() }

func (c *Client) Node(id uint32) (nodedb.Record, bool) { return c.nodes.Get(id) }

// Router exposes handler registration for ports the client does not handle itself.
func (c *Client) Router() *router.Router { return c.router }

func (c *Client) runErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil || c.runCtx.Err() != nil {
		return ErrNotRunning
	}
	return nil
}

func (c *Client) onStateChange(change session.StateChange) {
	c.metrics.RecordTransition(change.From.String(), change.To.String())
	entry := meshlog.Entry{Kind: meshlog.KindState, Text: fmt.Sprintf("%s -> %s", change.From, change.To)}
	if change.Err != nil {
		entry.Reason = change.Err.Error()
		entry.Text += " (" + change.Err.Error() + ")"
	}
	c.meshlog.Append(entry)

	c.mu.Lock()
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
	c.mu.Unlock()
}

func (c *Client) onRequestDone(p correlator.Pending, r correlator.Result) {
	c.mu.Lock()
	delete(c.ackOnly, p.RequestID)
	c.mu.Unlock()

	outcome := "ok"
	var re correlator.RoutingError
	switch {
	case r.Err == nil:
	case errors.Is(r.Err, correlator.ErrTimeout):
		outcome = "timeout"
	case errors.Is(r.Err, correlator.ErrCancelled):
		outcome = "cancelled"
	case errors.As(r.Err, &re):
		outcome = "routing_error"
	default:
		outcome = "error"
	}
	c.metrics.RecordRequest(p.Port.String(), outcome)
	c.metrics.SetPendingRequests(c.corr.Len())
	if p.Port == portnum.TextMessageApp && errors.Is(r.Err, correlator.ErrTimeout) {
		c.meshlog.UpdateStatus(p.RequestID, meshlog.StatusFailed, "timeout")
	}
}

// statsLoop publishes gauges and subscriber drop counts on the sweep cadence.
func (c *Client) statsLoop(ctx context.Context) error {
	interval := c.cfg.Session.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var nodeDrops, logDrops uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.metrics.SetPendingRequests(c.corr.Len())
			c.metrics.SetKnownNodes(c.nodes.Len())
			if d := c.nodes.Dropped(); d > nodeDrops {
				c.metrics.AddSubscriberDrops("nodes", d-nodeDrops)
				nodeDrops = d
			}
			if d := c.meshlog.Dropped(); d > logDrops {
				c.metrics.AddSubscriberDrops("log", d-logDrops)
				logDrops = d
			}
		}
	}
}

func logRequestFailure(op string, id uint32, err error) {
	log.Warn().Err(err).Str("op", op).Uint32("request_id", id).Msg("client request send failed")
}
