// Package radiotest is a simulated radio speaking the stream protocol over an
// in-memory connection.
package radiotest

import (
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/danmuck/meshctl/internal/protocol/schema"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// Radio answers want_config with the configured fragments and replies to admin,
// telemetry, traceroute and acked text packets.
type Radio struct {
	MyNodeNum uint32
	Owner     protocol.User
	Nodes     []protocol.NodeInfo
	Channels  []protocol.Channel
	Metadata  protocol.DeviceMetadata
	Telemetry protocol.Telemetry
	Route     []uint32

	// ShuffleSeed shuffles handshake fragments when non-zero.
	ShuffleSeed int64
	// HandshakePackets are interleaved with the handshake fragments.
	HandshakePackets []protocol.Envelope
	// SkipConfigComplete leaves every handshake unfinished.
	SkipConfigComplete bool
	// ConsoleNoise writes device log text ahead of the first frame.
	ConsoleNoise bool
	// TextReason is the routing outcome sent for acked text. Zero is an ACK.
	TextReason protocol.RoutingReason
	// Silent lists ports the radio never answers.
	Silent map[portnum.Number]bool

	mu         sync.Mutex
	conns      []*radioConn
	received   []protocol.ToRadio
	heartbeats int
	nextID     uint32
}

type radioConn struct {
	net.Conn
	writeMu sync.Mutex
}

// New builds a radio with one primary channel, its own node entry and two peers.
func New(myNodeNum uint32) *Radio {
	owner := protocol.User{ID: protocol.NodeIDString(myNodeNum), LongName: "Base Station", ShortName: "BASE", HWModel: 9}
	return &Radio{
		MyNodeNum: myNodeNum,
		Owner:     owner,
		Nodes: []protocol.NodeInfo{
			{Num: myNodeNum, User: &owner, LastHeard: 1_700_000_000},
			{Num: 0x1001, User: &protocol.User{ID: "!00001001", LongName: "Ridge Relay", ShortName: "RDG"}, LastHeard: 1_700_000_100, HopsAway: 1, SNR: 7.25},
			{Num: 0x1002, User: &protocol.User{ID: "!00001002", LongName: "Valley Sensor", ShortName: "VAL"}, LastHeard: 1_700_000_200, HopsAway: 2,
				Position: &protocol.Position{LatitudeI: 377749000, LongitudeI: -1224194000, Time: 1_700_000_200}},
		},
		Channels: []protocol.Channel{{Index: 0, Name: "LongFast", Role: protocol.ChannelPrimary}},
		Metadata: protocol.DeviceMetadata{FirmwareVersion: "2.3.15", HWModel: 9},
		Telemetry: protocol.Telemetry{
			Time:   1_700_000_300,
			Device: &protocol.DeviceMetrics{BatteryLevel: 87, Voltage: 4.02, ChannelUtilization: 12.5},
		},
		Route:  []uint32{0x1001},
		nextID: 0x5000,
	}
}

// Dialer returns a dialer whose connections are served by r.
func (r *Radio) Dialer() *transport.PipeDialer {
	return &transport.PipeDialer{Accept: r.Serve}
}

// Serve speaks the protocol on conn until it closes.
func (r *Radio) Serve(conn net.Conn) {
	rc := &radioConn{Conn: conn}
	r.mu.Lock()
	r.conns = append(r.conns, rc)
	r.mu.Unlock()
	defer conn.Close()

	if r.ConsoleNoise {
		rc.writeMu.Lock()
		_, _ = conn.Write([]byte("INFO  | ??:??:?? 0 Booting radio\r\n"))
		rc.writeMu.Unlock()
	}

	dec := frame.NewDecoder(frame.DefaultLimits())
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			for {
				payload, err := dec.Next()
				if errors.Is(err, frame.ErrNeedMore) {
					break
				}
				if err != nil {
					continue
				}
				msg, err := protocol.UnmarshalToRadio(payload)
				if err != nil {
					log.Debug().Err(err).Msg("radiotest dropped malformed to_radio")
					continue
				}
				if !r.handle(rc, msg) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug().Err(err).Msg("radiotest read ended")
			}
			return
		}
	}
}

func (r *Radio) handle(rc *radioConn, msg protocol.ToRadio) bool {
	r.mu.Lock()
	r.received = append(r.received, msg)
	if msg.Heartbeat {
		r.heartbeats++
	}
	r.mu.Unlock()

	switch {
	case msg.Disconnect:
		return false
	case msg.WantConfigID != 0:
		r.sendHandshake(rc, msg.WantConfigID)
	case msg.Packet != nil:
		r.answer(rc, *msg.Packet)
	}
	return true
}

func (r *Radio) sendHandshake(rc *radioConn, wantID uint32) {
	var steps []protocol.FromRadio
	steps = append(steps, protocol.FromRadio{MyInfo: &protocol.MyNodeInfo{MyNodeNum: r.MyNodeNum}})
	for i := range r.Nodes {
		n := r.Nodes[i]
		steps = append(steps, protocol.FromRadio{NodeInfo: &n})
	}
	for i := range r.Channels {
		c := r.Channels[i]
		steps = append(steps, protocol.FromRadio{Channel: &c})
	}
	steps = append(steps, protocol.FromRadio{Config: []byte{0x0a, 0x02, 0x08, 0x01}})
	md := r.Metadata
	steps = append(steps, protocol.FromRadio{Metadata: &md})
	for i := range r.HandshakePackets {
		p := r.HandshakePackets[i]
		steps = append(steps, protocol.FromRadio{Packet: &p})
	}
	if r.ShuffleSeed != 0 {
		rng := rand.New(rand.NewSource(r.ShuffleSeed))
		rng.Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })
	}
	if !r.SkipConfigComplete {
		steps = append(steps, protocol.FromRadio{ConfigCompleteID: wantID})
	}
	for _, m := range steps {
		if err := r.write(rc, m); err != nil {
			return
		}
	}
}

func (r *Radio) answer(rc *radioConn, req protocol.Envelope) {
	port := req.Port.Number()
	if r.Silent[port] {
		return
	}
	reply := protocol.Envelope{
		From:      req.To,
		To:        r.MyNodeNum,
		HopLimit:  3,
		HopStart:  3,
		RequestID: req.ID,
		Port:      req.Port,
	}
	if req.To == 0 || req.To == protocol.BroadcastNum {
		reply.From = r.MyNodeNum
	}

	switch port {
	case portnum.AdminApp:
		admin, err := protocol.UnmarshalAdmin(req.Payload)
		if err != nil {
			r.routing(rc, req, protocol.RoutingBadRequest)
			return
		}
		var resp protocol.AdminMessage
		switch admin.Variant {
		case schema.AdminGetOwnerRequest:
			owner := r.Owner
			resp = protocol.AdminMessage{Variant: schema.AdminGetOwnerResponse, Owner: &owner}
		case schema.AdminGetDeviceMetadataRequest:
			md := r.Metadata
			resp = protocol.AdminMessage{Variant: schema.AdminGetDeviceMetadataResp, Metadata: &md}
		default:
			r.routing(rc, req, protocol.RoutingNone)
			return
		}
		payload, err := protocol.MarshalAdmin(resp)
		if err != nil {
			return
		}
		reply.Payload = payload
	case portnum.TelemetryApp:
		if !req.WantResponse {
			return
		}
		reply.Payload = protocol.MarshalTelemetry(r.Telemetry)
	case portnum.TracerouteApp:
		if !req.WantResponse {
			return
		}
		back := make([]uint32, 0, len(r.Route))
		for i := len(r.Route) - 1; i >= 0; i-- {
			back = append(back, r.Route[i])
		}
		reply.Payload = protocol.MarshalRouteDiscovery(protocol.RouteDiscovery{Route: r.Route, RouteBack: back})
	case portnum.TextMessageApp:
		if req.WantAck {
			r.routing(rc, req, r.TextReason)
		}
		return
	default:
		if req.WantAck {
			r.routing(rc, req, protocol.RoutingNone)
		}
		return
	}
	reply.ID = r.allocID()
	_ = r.write(rc, protocol.FromRadio{Packet: &reply})
}

func (r *Radio) routing(rc *radioConn, req protocol.Envelope, reason protocol.RoutingReason) {
	from := req.To
	if from == 0 || from == protocol.BroadcastNum {
		from = r.MyNodeNum
	}
	ack := protocol.Envelope{
		From:      from,
		To:        r.MyNodeNum,
		ID:        r.allocID(),
		RequestID: req.ID,
		Port:      portnum.Classify(int64(portnum.RoutingApp)),
		Payload:   protocol.MarshalRouting(protocol.Routing{ErrorReason: reason}),
	}
	_ = r.write(rc, protocol.FromRadio{Packet: &ack})
}

func (r *Radio) allocID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func (r *Radio) write(rc *radioConn, m protocol.FromRadio) error {
	b, err := protocol.EncodeFromRadio(m, frame.DefaultLimits())
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	_ = rc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = rc.Write(b)
	return err
}

// Inject sends m on the newest connection.
func (r *Radio) Inject(m protocol.FromRadio) error {
	r.mu.Lock()
	if len(r.conns) == 0 {
		r.mu.Unlock()
		return errors.New("radiotest: no connection")
	}
	rc := r.conns[len(r.conns)-1]
	r.mu.Unlock()
	return r.write(rc, m)
}

// InjectRaw writes b unframed on the newest connection.
func (r *Radio) InjectRaw(b []byte) error {
	r.mu.Lock()
	if len(r.conns) == 0 {
		r.mu.Unlock()
		return errors.New("radiotest: no connection")
	}
	rc := r.conns[len(r.conns)-1]
	r.mu.Unlock()
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	_ = rc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := rc.Write(b)
	return err
}

// InjectPacket sends env as a received mesh packet.
func (r *Radio) InjectPacket(env protocol.Envelope) error {
	if env.ID == 0 {
		env.ID = r.allocID()
	}
	return r.Inject(protocol.FromRadio{Packet: &env})
}

// DropConnections closes every open connection, as if the link went away.
func (r *Radio) DropConnections() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Received returns every ToRadio message seen so far.
func (r *Radio) Received() []protocol.ToRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ToRadio(nil), r.received...)
}

func (r *Radio) Heartbeats() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeats
}

// Connections counts connections opened since the last DropConnections.
func (r *Radio) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
