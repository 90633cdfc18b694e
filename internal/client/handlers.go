package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/meshctl/internal/correlator"
	"github.com/danmuck/meshctl/internal/meshlog"
	"github.com/danmuck/meshctl/internal/nodedb"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/rs/zerolog/log"
)

func (c *Client) registerHandlers() error {
	handlers := []struct {
		port portnum.Number
		h    router.Handler
	}{
		{portnum.TextMessageApp, c.handleText},
		{portnum.PositionApp, c.handlePosition},
		{portnum.NodeInfoApp, c.handleNodeInfo},
		{portnum.TelemetryApp, c.handleTelemetry},
		{portnum.RoutingApp, c.handleRouting},
		{portnum.AdminApp, c.handleAdmin},
		{portnum.TracerouteApp, c.handleTraceroute},
	}
	for _, entry := range handlers {
		if err := c.router.Register(entry.port, entry.h); err != nil {
			return fmt.Errorf("client: %w", err)
		}
	}
	return nil
}

// resolveReply completes the pending request env answers, if its port matches.
func (c *Client) resolveReply(env protocol.Envelope) bool {
	if env.RequestID == 0 {
		return false
	}
	p, ok := c.corr.Lookup(env.RequestID)
	if !ok || p.Port != env.Port.Number() {
		return false
	}
	return c.corr.Resolve(env.RequestID, env)
}

func (c *Client) heard(ctx context.Context, env protocol.Envelope) error {
	if env.From == 0 {
		return nil
	}
	_, err := c.nodes.Heard(ctx, env.From, nodedb.SourceOf(env))
	return err
}

func (c *Client) handleText(ctx context.Context, env protocol.Envelope) error {
	c.meshlog.Append(meshlog.Entry{
		Kind:     meshlog.KindText,
		From:     env.From,
		To:       env.To,
		Channel:  env.Channel,
		PacketID: env.ID,
		Text:     strings.ToValidUTF8(string(env.Payload), "�"),
		Status:   meshlog.StatusReceived,
	})
	return c.heard(ctx, env)
}

func (c *Client) handlePosition(ctx context.Context, env protocol.Envelope) error {
	pos, err := protocol.UnmarshalPosition(env.Payload)
	if err != nil {
		return fmt.Errorf("position from %s: %w", protocol.NodeIDString(env.From), err)
	}
	c.resolveReply(env)
	_, err = c.nodes.ApplyPosition(ctx, env.From, pos, nodedb.SourceOf(env))
	return err
}

func (c *Client) handleNodeInfo(ctx context.Context, env protocol.Envelope) error {
	user, err := protocol.UnmarshalUser(env.Payload)
	if err != nil {
		return fmt.Errorf("user from %s: %w", protocol.NodeIDString(env.From), err)
	}
	c.resolveReply(env)
	_, err = c.nodes.ApplyUserSighting(ctx, env.From, user, nodedb.SourceOf(env))
	return err
}

func (c *Client) handleTelemetry(ctx context.Context, env protocol.Envelope) error {
	tel, err := protocol.UnmarshalTelemetry(env.Payload)
	if err != nil {
		return fmt.Errorf("telemetry from %s: %w", protocol.NodeIDString(env.From), err)
	}
	// the reply is delivered even if storing it fails
	c.resolveReply(env)
	_, err = c.nodes.ApplyTelemetry(ctx, env.From, tel, nodedb.SourceOf(env))
	return err
}

// handleRouting turns firmware ACK/NAKs into request completions and text
// delivery status.
func (c *Client) handleRouting(ctx context.Context, env protocol.Envelope) error {
	routing, err := protocol.UnmarshalRouting(env.Payload)
	if err != nil {
		return fmt.Errorf("routing from %s: %w", protocol.NodeIDString(env.From), err)
	}
	id := env.RequestID
	if id == 0 {
		return c.heard(ctx, env)
	}

	if routing.ErrorReason == protocol.RoutingNone {
		c.meshlog.UpdateStatus(id, meshlog.StatusAcked, "")
		c.mu.Lock()
		_, ackOnly := c.ackOnly[id]
		c.mu.Unlock()
		if ackOnly {
			c.corr.Resolve(id, env)
		}
	} else {
		reason := routing.ErrorReason.String()
		if _, ok := c.meshlog.UpdateStatus(id, meshlog.StatusFailed, reason); !ok {
			c.meshlog.Append(meshlog.Entry{
				Kind:     meshlog.KindRouting,
				From:     env.From,
				To:       env.To,
				PacketID: id,
				Status:   meshlog.StatusFailed,
				Reason:   reason,
			})
		}
		c.corr.Fail(id, correlator.RoutingError{Reason: routing.ErrorReason})
		log.Debug().Uint32("request_id", id).Str("reason", reason).Msg("client routing nak")
	}
	return c.heard(ctx, env)
}

func (c *Client) handleAdmin(ctx context.Context, env protocol.Envelope) error {
	admin, err := protocol.UnmarshalAdmin(env.Payload)
	if err != nil {
		return fmt.Errorf("admin from %s: %w", protocol.NodeIDString(env.From), err)
	}
	c.resolveReply(env)
	if admin.Owner != nil && env.From != 0 {
		_, err = c.nodes.ApplyUserSighting(ctx, env.From, *admin.Owner, nodedb.SourceOf(env))
		return err
	}
	return c.heard(ctx, env)
}

func (c *Client) handleTraceroute(ctx context.Context, env protocol.Envelope) error {
	rd, err := protocol.UnmarshalRouteDiscovery(env.Payload)
	if err != nil {
		return fmt.Errorf("traceroute from %s: %w", protocol.NodeIDString(env.From), err)
	}
	if c.resolveReply(env) {
		c.meshlog.Append(meshlog.Entry{
			Kind:     meshlog.KindEvent,
			From:     env.From,
			To:       env.To,
			PacketID: env.RequestID,
			Text:     "traceroute " + FormatRoute(env.To, env.From, rd.Route),
		})
	}
	return c.heard(ctx, env)
}

// FormatRoute renders a traceroute path "!a -> !b -> !c".
func FormatRoute(origin, dest uint32, hops []uint32) string {
	parts := make([]string, 0, len(hops)+2)
	parts = append(parts, protocol.NodeIDString(origin))
	for _, h := range hops {
		parts = append(parts, protocol.NodeIDString(h))
	}
	parts = append(parts, protocol.NodeIDString(dest))
	return strings.Join(parts, " -> ")
}
