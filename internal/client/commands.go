package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/meshctl/internal/correlator"
	"github.com/danmuck/meshctl/internal/meshlog"
	"github.com/danmuck/meshctl/internal/nodedb"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
)

var ErrInvalidDestination = errors.New("client: invalid destination")

// tracerouteHopLimit lets a traceroute cross the largest mesh the firmware allows.
const tracerouteHopLimit = 7

type request struct {
	op           string
	to           uint32
	channel      uint32
	port         portnum.Number
	payload      []byte
	wantResponse bool
	// ackOnly requests complete on the routing ACK instead of a reply payload.
	ackOnly  bool
	hopLimit uint32
	// issued runs after the id is allocated and before the packet is written.
	issued func(id uint32)
}

func (c *Client) issue(ctx context.Context, req request) (*correlator.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.machine.RequireSynchronized(); err != nil {
		return nil, err
	}
	id, h, err := c.corr.Issue(req.port, req.payload, c.cfg.Session.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if req.ackOnly {
		c.mu.Lock()
		c.ackOnly[id] = struct{}{}
		c.mu.Unlock()
	}
	if req.issued != nil {
		req.issued(id)
	}
	hopLimit := req.hopLimit
	if hopLimit == 0 {
		hopLimit = c.cfg.HopLimit
	}
	env := protocol.Envelope{
		To:           req.to,
		ID:           id,
		Channel:      req.channel,
		HopLimit:     hopLimit,
		WantAck:      true,
		Port:         c.registry.Classify(int64(req.port)),
		Payload:      req.payload,
		WantResponse: req.wantResponse,
	}
	c.metrics.SetPendingRequests(c.corr.Len())
	if err := c.send(protocol.ToRadio{Packet: &env}); err != nil {
		logRequestFailure(req.op, id, err)
		c.corr.Fail(id, err)
		return nil, err
	}
	return h, nil
}

func (c *Client) localNode() uint32 {
	return c.machine.Snapshot().MyNodeNum
}

// IssueAdminCommand sends an admin message to dest, or to the local radio when
// dest is zero. Commands without an admin reply complete on the routing ACK.
func (c *Client) IssueAdminCommand(ctx context.Context, dest uint32, msg protocol.AdminMessage) (*correlator.Handle, error) {
	payload, err := protocol.MarshalAdmin(msg)
	if err != nil {
		return nil, err
	}
	if dest == 0 {
		dest = c.localNode()
	}
	return c.issue(ctx, request{
		op:           "admin." + msg.String(),
		to:           dest,
		port:         portnum.AdminApp,
		payload:      payload,
		wantResponse: msg.ExpectsResponse(),
		ackOnly:      !msg.ExpectsResponse(),
	})
}

// RequestTelemetry asks dest for its device metrics.
func (c *Client) RequestTelemetry(ctx context.Context, dest uint32) (*correlator.Handle, error) {
	if dest == 0 || dest == protocol.BroadcastNum {
		return nil, fmt.Errorf("%w: telemetry request to %s", ErrInvalidDestination, protocol.NodeIDString(dest))
	}
	return c.issue(ctx, request{
		op:           "telemetry",
		to:           dest,
		port:         portnum.TelemetryApp,
		payload:      protocol.MarshalTelemetry(protocol.Telemetry{Device: &protocol.DeviceMetrics{}}),
		wantResponse: true,
	})
}

// StartTraceroute discovers the route to dest. The reply carries the hops.
func (c *Client) StartTraceroute(ctx context.Context, dest uint32) (*correlator.Handle, error) {
	if dest == 0 || dest == protocol.BroadcastNum {
		return nil, fmt.Errorf("%w: traceroute to %s", ErrInvalidDestination, protocol.NodeIDString(dest))
	}
	return c.issue(ctx, request{
		op:           "traceroute",
		to:           dest,
		port:         portnum.TracerouteApp,
		payload:      protocol.MarshalRouteDiscovery(protocol.RouteDiscovery{}),
		wantResponse: true,
		hopLimit:     tracerouteHopLimit,
	})
}

// SendText sends text to a node, or to the whole channel when to is zero or
// broadcast. The handle completes on the routing ACK; the log entry tracks status.
func (c *Client) SendText(ctx context.Context, to uint32, channel uint32, text string) (*correlator.Handle, error) {
	if len(text) > MaxTextBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTextTooLong, len(text), MaxTextBytes)
	}
	if to == 0 {
		to = protocol.BroadcastNum
	}
	from := c.localNode()
	return c.issue(ctx, request{
		op:      "text",
		to:      to,
		channel: channel,
		port:    portnum.TextMessageApp,
		payload: []byte(text),
		ackOnly: true,
		issued: func(id uint32) {
			c.meshlog.Append(meshlog.Entry{
				Kind:     meshlog.KindText,
				From:     from,
				To:       to,
				Channel:  channel,
				PacketID: id,
				Text:     text,
				Status:   meshlog.StatusPending,
			})
		},
	})
}

// RemoveNode asks the radio to forget num and deletes the local record.
func (c *Client) RemoveNode(ctx context.Context, num uint32) (*correlator.Handle, error) {
	h, err := c.IssueAdminCommand(ctx, 0, protocol.AdminRemoveNode(num))
	if err != nil {
		return nil, err
	}
	if _, err := c.nodes.Delete(ctx, num); err != nil {
		return h, err
	}
	return h, nil
}

// SetFavorite marks or unmarks num as a favorite on the radio and locally.
func (c *Client) SetFavorite(ctx context.Context, num uint32, favorite bool) (*correlator.Handle, error) {
	if _, ok := c.nodes.Get(num); !ok {
		return nil, fmt.Errorf("%w: %s", nodedb.ErrUnknownNode, protocol.NodeIDString(num))
	}
	msg := protocol.AdminRemoveFavorite(num)
	if favorite {
		msg = protocol.AdminSetFavorite(num)
	}
	h, err := c.IssueAdminCommand(ctx, 0, msg)
	if err != nil {
		return nil, err
	}
	if _, err := c.nodes.SetFavorite(ctx, num, favorite); err != nil {
		return h, err
	}
	return h, nil
}
