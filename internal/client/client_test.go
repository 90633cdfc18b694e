package client

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/correlator"
	"github.com/danmuck/meshctl/internal/meshlog"
	"github.com/danmuck/meshctl/internal/nodedb"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/danmuck/meshctl/internal/protocol/session"
	"github.com/danmuck/meshctl/internal/store"
	"github.com/danmuck/meshctl/internal/testutil/radiotest"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
)

const myNode uint32 = 0xabcd

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DeviceAddress = "pipe://radio"
	cfg.Session.HandshakeTimeout = 2 * time.Second
	cfg.Session.RequestTimeout = 2 * time.Second
	cfg.Session.TickInterval = 10 * time.Millisecond
	cfg.Session.HeartbeatInterval = 0
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	return cfg
}

type harness struct {
	client *Client
	radio  *radiotest.Radio
	cancel context.CancelFunc
	done   chan error
}

// startClient runs a client against radio and leaves it disconnected.
func startClient(t *testing.T, radio *radiotest.Radio, cfg Config) *harness {
	t.Helper()
	return startClientWithMetrics(t, radio, cfg, nil)
}

func startClientWithMetrics(t *testing.T, radio *radiotest.Radio, cfg Config, metrics *observability.Metrics) *harness {
	t.Helper()
	c, err := New(cfg, Deps{
		Dialer:  radio.Dialer(),
		Store:   store.NewMemoryStore(),
		Metrics: metrics,
		Rand:    rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{client: c, radio: radio, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("client did not stop")
		}
	})
	return h
}

// connect starts a client and waits for the handshake to finish.
func connect(t *testing.T, radio *radiotest.Radio, cfg Config) *harness {
	t.Helper()
	return connectWithMetrics(t, radio, cfg, nil)
}

func connectWithMetrics(t *testing.T, radio *radiotest.Radio, cfg Config, metrics *observability.Metrics) *harness {
	t.Helper()
	h := startClientWithMetrics(t, radio, cfg, metrics)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := h.client.WaitState(ctx, session.Synchronized); err != nil {
		t.Fatalf("wait synchronized: %v", err)
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wait(t *testing.T, h *correlator.Handle) (protocol.Envelope, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("request %d never completed", h.ID())
	}
	return env, err
}

func TestNewRequiresAddressAndDialer(t *testing.T) {
	testlog.Start(t)
	if _, err := New(DefaultConfig(), Deps{Dialer: radiotest.New(1).Dialer()}); !errors.Is(err, ErrDeviceAddressRequired) {
		t.Fatalf("expected address error, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.DeviceAddress = "radio"
	if _, err := New(cfg, Deps{}); !errors.Is(err, ErrDialerRequired) {
		t.Fatalf("expected dialer error, got %v", err)
	}
}

func TestHandshakeSynchronizesAndLoadsNodes(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	radio.ShuffleSeed = 42
	radio.ConsoleNoise = true
	h := connect(t, radio, testConfig())

	sess := h.client.Session()
	if sess.MyNodeNum != myNode {
		t.Fatalf("my node=%#x", sess.MyNodeNum)
	}
	if len(sess.Channels) != 1 || sess.Channels[0].Name != "LongFast" {
		t.Fatalf("channels=%+v", sess.Channels)
	}
	if sess.Metadata == nil || sess.Metadata.FirmwareVersion != "2.3.15" {
		t.Fatalf("metadata=%+v", sess.Metadata)
	}
	waitFor(t, "node db", func() bool { return len(h.client.Nodes()) == 3 })
	rec, ok := h.client.Node(0x1002)
	if !ok || rec.LongName != "Valley Sensor" || rec.Position == nil {
		t.Fatalf("peer record=%+v ok=%v", rec, ok)
	}
	if got := radio.Received(); len(got) == 0 || got[0].WantConfigID != sess.WantConfigID {
		t.Fatalf("first message should be want_config, got %+v", got)
	}
}

func TestPacketsDuringHandshakeAreDeliveredAfterSync(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	radio.HandshakePackets = []protocol.Envelope{{
		From:    0x1002,
		To:      protocol.BroadcastNum,
		ID:      0x77,
		Port:    portnum.Classify(int64(portnum.TextMessageApp)),
		Payload: []byte("early bird"),
	}}
	h := connect(t, radio, testConfig())

	waitFor(t, "buffered text", func() bool {
		for _, e := range h.client.Log().Entries() {
			if e.Kind == meshlog.KindText && e.Text == "early bird" && e.Status == meshlog.StatusReceived {
				return true
			}
		}
		return false
	})
}

func TestCommandsRequireSynchronizedSession(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, radiotest.New(myNode), testConfig())
	waitFor(t, "run", func() bool { return h.client.runErr() == nil })

	if _, err := h.client.IssueAdminCommand(context.Background(), 0, protocol.AdminGetOwner()); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestAdminGetOwnerResolves(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	radio.Owner.LongName = "Renamed Base"
	h := connect(t, radio, testConfig())

	handle, err := h.client.IssueAdminCommand(context.Background(), 0, protocol.AdminGetOwner())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env, err := wait(t, handle)
	if err != nil {
		t.Fatalf("get owner: %v", err)
	}
	if env.RequestID != handle.ID() || env.Port.Number() != portnum.AdminApp {
		t.Fatalf("unexpected reply %+v", env)
	}
	admin, err := protocol.UnmarshalAdmin(env.Payload)
	if err != nil || admin.Owner == nil || admin.Owner.LongName != "Renamed Base" {
		t.Fatalf("owner=%+v err=%v", admin.Owner, err)
	}
	if len(h.client.Pending()) != 0 {
		t.Fatalf("pending table not empty: %+v", h.client.Pending())
	}
}

func TestAdminWithoutReplyResolvesOnAck(t *testing.T) {
	testlog.Start(t)
	h := connect(t, radiotest.New(myNode), testConfig())

	handle, err := h.client.IssueAdminCommand(context.Background(), 0, protocol.AdminReboot(5))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env, err := wait(t, handle)
	if err != nil {
		t.Fatalf("reboot ack: %v", err)
	}
	if env.Port.Number() != portnum.RoutingApp {
		t.Fatalf("expected routing ack, got %s", env.Port)
	}
}

func TestTelemetryRequestUpdatesNodeDB(t *testing.T) {
	testlog.Start(t)
	h := connect(t, radiotest.New(myNode), testConfig())

	handle, err := h.client.RequestTelemetry(context.Background(), 0x1001)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	env, err := wait(t, handle)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if env.From != 0x1001 {
		t.Fatalf("reply from %#x", env.From)
	}
	waitFor(t, "telemetry applied", func() bool {
		rec, ok := h.client.Node(0x1001)
		return ok && rec.Telemetry != nil && rec.Telemetry.BatteryLevel == 87
	})

	if _, err := h.client.RequestTelemetry(context.Background(), protocol.BroadcastNum); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("broadcast telemetry request should fail, got %v", err)
	}
}

func TestTracerouteReportsRoute(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	radio.Route = []uint32{0x1001, 0x2002}
	h := connect(t, radio, testConfig())

	handle, err := h.client.StartTraceroute(context.Background(), 0x1002)
	if err != nil {
		t.Fatalf("traceroute: %v", err)
	}
	env, err := wait(t, handle)
	if err != nil {
		t.Fatalf("traceroute wait: %v", err)
	}
	rd, err := protocol.UnmarshalRouteDiscovery(env.Payload)
	if err != nil || len(rd.Route) != 2 || rd.Route[1] != 0x2002 {
		t.Fatalf("route=%+v err=%v", rd, err)
	}
	waitFor(t, "traceroute log entry", func() bool {
		for _, e := range h.client.Log().Entries() {
			if e.Kind == meshlog.KindEvent && strings.Contains(e.Text, "!00001001 -> !00002002") {
				return true
			}
		}
		return false
	})
	if _, err := h.client.StartTraceroute(context.Background(), 0); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("traceroute to zero should fail, got %v", err)
	}
}

func textEntry(c *Client, id uint32) (meshlog.Entry, bool) {
	for _, e := range c.Log().Entries() {
		if e.Kind == meshlog.KindText && e.PacketID == id {
			return e, true
		}
	}
	return meshlog.Entry{}, false
}

func TestSendTextTracksDeliveryStatus(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	h := connect(t, radio, testConfig())

	handle, err := h.client.SendText(context.Background(), 0, 0, "hello mesh")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := wait(t, handle); err != nil {
		t.Fatalf("ack: %v", err)
	}
	waitFor(t, "acked status", func() bool {
		e, ok := textEntry(h.client, handle.ID())
		return ok && e.Status == meshlog.StatusAcked && e.To == protocol.BroadcastNum
	})

	if _, err := h.client.SendText(context.Background(), 0, 0, strings.Repeat("x", MaxTextBytes+1)); !errors.Is(err, ErrTextTooLong) {
		t.Fatalf("expected too long, got %v", err)
	}
}

func TestSendTextNakFailsRequest(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	radio.TextReason = protocol.RoutingMaxRetransmit
	h := connect(t, radio, testConfig())

	handle, err := h.client.SendText(context.Background(), 0x1002, 0, "anyone there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err = wait(t, handle)
	var re correlator.RoutingError
	if !errors.As(err, &re) || re.Reason != protocol.RoutingMaxRetransmit {
		t.Fatalf("expected routing error, got %v", err)
	}
	waitFor(t, "failed status", func() bool {
		e, ok := textEntry(h.client, handle.ID())
		return ok && e.Status == meshlog.StatusFailed && e.Reason == "MAX_RETRANSMIT"
	})
}

func TestSilentPortTimesOut(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	radio.Silent = map[portnum.Number]bool{portnum.TelemetryApp: true}
	cfg := testConfig()
	cfg.Session.RequestTimeout = 50 * time.Millisecond
	h := connect(t, radio, cfg)

	start := time.Now()
	handle, err := h.client.RequestTelemetry(context.Background(), 0x1001)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := wait(t, handle); !errors.Is(err, correlator.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("timed out early after %s", elapsed)
	}
	if h.client.State() != session.Synchronized {
		t.Fatalf("timeout must not drop the session, state=%s", h.client.State())
	}
}

func TestLinkLossReconnectsAndCancelsPending(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	radio.Silent = map[portnum.Number]bool{portnum.TelemetryApp: true}
	h := connect(t, radio, testConfig())
	firstID := h.client.Session().WantConfigID

	handle, err := h.client.RequestTelemetry(context.Background(), 0x1001)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	radio.DropConnections()

	if _, err := wait(t, handle); !errors.Is(err, correlator.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	waitFor(t, "re-handshake", func() bool {
		s := h.client.Session()
		return s.State == session.Synchronized && s.WantConfigID != firstID
	})
	handle, err = h.client.IssueAdminCommand(context.Background(), 0, protocol.AdminGetOwner())
	if err != nil {
		t.Fatalf("issue after reconnect: %v", err)
	}
	if _, err := wait(t, handle); err != nil {
		t.Fatalf("owner after reconnect: %v", err)
	}
}

func TestConnectWhileSynchronizedRestartsSession(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	radio.Silent = map[portnum.Number]bool{portnum.TelemetryApp: true}
	cfg := testConfig()
	cfg.Session.RequestTimeout = 10 * time.Second
	h := connect(t, radio, cfg)
	first := h.client.Session()

	handle, err := h.client.RequestTelemetry(context.Background(), 0x1001)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if _, err := wait(t, handle); !errors.Is(err, correlator.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if n := len(h.client.Pending()); n != 0 {
		t.Fatalf("pending=%d after new connect", n)
	}
	if err := h.client.WaitState(ctx, session.Synchronized); err != nil {
		t.Fatalf("wait synchronized: %v", err)
	}
	second := h.client.Session()
	if second.ID == first.ID || second.WantConfigID == first.WantConfigID {
		t.Fatalf("expected a fresh session, first=%+v second=%+v", first, second)
	}
	handle, err = h.client.IssueAdminCommand(context.Background(), 0, protocol.AdminGetOwner())
	if err != nil {
		t.Fatalf("issue after restart: %v", err)
	}
	if _, err := wait(t, handle); err != nil {
		t.Fatalf("owner after restart: %v", err)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func textFrame(t *testing.T, id uint32, text string) []byte {
	t.Helper()
	b, err := protocol.EncodeFromRadio(protocol.FromRadio{Packet: &protocol.Envelope{
		From:    0x1001,
		To:      protocol.BroadcastNum,
		ID:      id,
		Port:    portnum.Classify(int64(portnum.TextMessageApp)),
		Payload: []byte(text),
	}}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func receivedText(c *Client, text string) bool {
	for _, e := range c.Log().Entries() {
		if e.Kind == meshlog.KindText && e.Text == text && e.Status == meshlog.StatusReceived {
			return true
		}
	}
	return false
}

func TestMalformedFrameIsDroppedAndCounted(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	reg := prometheus.NewRegistry()
	h := connectWithMetrics(t, radio, testConfig(), observability.NewMetrics(reg))

	stream := []byte{frame.Start1, frame.Start2, 0x00, 0x03, 0xff, 0xff, 0xff}
	stream = append(stream, textFrame(t, 0x901, "after garbage")...)
	if err := radio.InjectRaw(stream); err != nil {
		t.Fatalf("inject: %v", err)
	}
	waitFor(t, "text after malformed frame", func() bool { return receivedText(h.client, "after garbage") })
	if got := counterValue(t, reg, "meshctl_frame_errors_total", "kind", "malformed"); got != 1 {
		t.Fatalf("malformed frames=%v", got)
	}
	if h.client.State() != session.Synchronized {
		t.Fatalf("state=%s", h.client.State())
	}
}

func TestFalseStartMarkerDoesNotSwallowFrame(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	h := connect(t, radio, testConfig())

	stream := []byte{frame.Start1, frame.Start2, 0x00, 0x06}
	stream = append(stream, textFrame(t, 0x902, "behind false start")...)
	if err := radio.InjectRaw(stream); err != nil {
		t.Fatalf("inject: %v", err)
	}
	waitFor(t, "text behind false start", func() bool { return receivedText(h.client, "behind false start") })
}

func TestHandshakeTimeoutDisconnects(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	radio.SkipConfigComplete = true
	cfg := testConfig()
	cfg.Session.HandshakeTimeout = 50 * time.Millisecond
	h := startClient(t, radio, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "handshake timeout", func() bool {
		s := h.client.Session()
		return s.State == session.Disconnected && strings.Contains(s.LastError, "handshake timeout")
	})
}

func TestDisconnectCancelsPending(t *testing.T) {
	testlog.Start(t)
	radio := radiotest.New(myNode)
	radio.Silent = map[portnum.Number]bool{portnum.TracerouteApp: true}
	h := connect(t, radio, testConfig())

	handle, err := h.client.StartTraceroute(context.Background(), 0x1001)
	if err != nil {
		t.Fatalf("traceroute: %v", err)
	}
	h.client.Disconnect()
	if _, err := wait(t, handle); !errors.Is(err, correlator.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if h.client.State() != session.Disconnected {
		t.Fatalf("state=%s", h.client.State())
	}
	waitFor(t, "disconnect frame", func() bool {
		for _, m := range radio.Received() {
			if m.Disconnect {
				return true
			}
		}
		return false
	})
}

func TestFavoriteAndRemoveNode(t *testing.T) {
	testlog.Start(t)
	h := connect(t, radiotest.New(myNode), testConfig())
	waitFor(t, "peer", func() bool { _, ok := h.client.Node(0x1001); return ok })

	handle, err := h.client.SetFavorite(context.Background(), 0x1001, true)
	if err != nil {
		t.Fatalf("favorite: %v", err)
	}
	if _, err := wait(t, handle); err != nil {
		t.Fatalf("favorite ack: %v", err)
	}
	if rec, _ := h.client.Node(0x1001); !rec.IsFavorite {
		t.Fatalf("favorite not recorded: %+v", rec)
	}
	if _, err := h.client.SetFavorite(context.Background(), 0x9999, true); !errors.Is(err, nodedb.ErrUnknownNode) {
		t.Fatalf("expected unknown node, got %v", err)
	}

	handle, err = h.client.RemoveNode(context.Background(), 0x1001)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := wait(t, handle); err != nil {
		t.Fatalf("remove ack: %v", err)
	}
	if _, ok := h.client.Node(0x1001); ok {
		t.Fatalf("node 0x1001 still present")
	}
}

func TestFormatRoute(t *testing.T) {
	testlog.Start(t)
	got := FormatRoute(0xabcd, 0x1002, []uint32{0x1001})
	if got != "!0000abcd -> !00001001 -> !00001002" {
		t.Fatalf("route=%q", got)
	}
}
