package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/meshlog"
	"github.com/danmuck/meshctl/internal/nodedb"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/session"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	readChunkBytes = 4096
	writeTimeout   = 5 * time.Second
)

// link is one open connection. A new link is built for every (re)connect; stale
// links are closed and their callbacks ignored.
type link struct {
	conn    transport.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	wantID  uint32
	timer   *time.Timer
	writeMu sync.Mutex
}

func (l *link) close() {
	l.cancel()
	if l.timer != nil {
		l.timer.Stop()
	}
	_ = l.conn.Close()
}

func (c *Client) dial(ctx context.Context) (transport.Conn, error) {
	if timeout := c.cfg.Session.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := c.dialer.Dial(ctx, c.cfg.DeviceAddress)
	if err != nil {
		log.Warn().Err(err).Str("device", c.cfg.DeviceAddress).Msg("client dial failed")
		return nil, err
	}
	return conn, nil
}

// establish starts the handshake on a freshly dialed conn.
func (c *Client) establish(conn transport.Conn) error {
	wantID := c.ids.Next()
	if err := c.machine.LinkEstablished(wantID); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.runCtx == nil || c.runCtx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		c.machine.Disconnect()
		return ErrNotRunning
	}
	lctx, cancel := context.WithCancel(c.runCtx)
	l := &link{conn: conn, ctx: lctx, cancel: cancel, wantID: wantID}
	l.timer = time.AfterFunc(c.cfg.Session.HandshakeTimeout, func() { c.handshakeExpired(l) })
	prev := c.link
	c.link = l
	g := c.group
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	g.Go(func() error {
		c.readLoop(l)
		return nil
	})
	g.Go(func() error {
		c.heartbeatLoop(l)
		return nil
	})

	if err := c.writeTo(l, protocol.ToRadio{WantConfigID: wantID}); err != nil {
		c.linkLost(l, err)
		return err
	}
	log.Info().Str("device", c.cfg.DeviceAddress).Uint32("want_config_id", wantID).Msg("client handshake started")
	return nil
}

func (c *Client) currentLink() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *Client) closeLink() {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()
	if l != nil {
		l.close()
	}
}

// linkLost handles a read or write failure on l. Failures on stale links are ignored.
func (c *Client) linkLost(l *link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.mu.Unlock()
	l.close()

	state := c.machine.TransportLost(cause)
	c.corr.CancelAll(cause)
	if state == session.Reconnecting {
		select {
		case c.reconnect <- struct{}{}:
		default:
		}
	}
}

func (c *Client) handshakeExpired(l *link) {
	if !c.machine.HandshakeExpired(l.wantID) {
		return
	}
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
	l.close()
	c.corr.CancelAll(session.ErrHandshakeTimeout)
}

func (c *Client) send(m protocol.ToRadio) error {
	l := c.currentLink()
	if l == nil {
		return session.ErrNotConnected
	}
	if err := c.writeTo(l, m); err != nil {
		c.linkLost(l, err)
		return err
	}
	return nil
}

func (c *Client) writeTo(l *link, m protocol.ToRadio) error {
	b, err := protocol.EncodeToRadio(m, c.cfg.Limits)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if d, ok := l.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	_, err = l.conn.Write(b)
	return err
}

// readLoop only decodes and enqueues; handlers run on dispatcher workers.
func (c *Client) readLoop(l *link) {
	dec := frame.NewDecoder(c.cfg.Limits)
	buf := make([]byte, readChunkBytes)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			c.drain(l, dec)
		}
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("device", c.cfg.DeviceAddress).Msg("client link lost")
			c.linkLost(l, err)
			return
		}
	}
}

func (c *Client) drain(l *link, dec *frame.Decoder) {
	for {
		payload, err := dec.Next()
		switch {
		case errors.Is(err, frame.ErrNeedMore):
			return
		case errors.Is(err, frame.ErrOversizedFrame):
			c.metrics.RecordDecodeError("oversized")
			log.Debug().Err(err).Msg("client frame resync")
			continue
		case err != nil:
			c.metrics.RecordDecodeError("frame")
			continue
		}
		c.metrics.RecordFrame()
		msg, err := protocol.UnmarshalFromRadio(payload)
		if err != nil {
			c.metrics.RecordDecodeError("malformed")
			log.Debug().Err(err).Int("bytes", len(payload)).Msg("client dropped malformed frame")
			dec.Reject()
			continue
		}
		c.handleFromRadio(l.ctx, msg)
	}
}

func (c *Client) handleFromRadio(ctx context.Context, msg protocol.FromRadio) {
	envs, err := c.machine.Accept(msg)
	if err != nil {
		log.Debug().Err(err).Msg("client dropped packet")
	}
	switch {
	case msg.NodeInfo != nil:
		if _, err := c.nodes.ApplyNodeInfo(ctx, msg.NodeInfo.Num, *msg.NodeInfo, nodedb.Source{}); err != nil {
			log.Warn().Err(err).Str("node", protocol.NodeIDString(msg.NodeInfo.Num)).Msg("client node info not stored")
		}
	case msg.Rebooted:
		c.meshlog.Append(meshlog.Entry{Kind: meshlog.KindEvent, Text: "device rebooted"})
	case msg.QueueStatus != nil:
		q := msg.QueueStatus
		log.Debug().Uint32("free", q.Free).Uint32("max", q.MaxLen).Uint32("packet", q.MeshPacketID).Msg("client queue status")
	case msg.LogRecord != nil:
		log.Debug().Int("bytes", len(msg.LogRecord)).Msg("client device log record")
	}
	for _, env := range envs {
		if err := c.dispatcher.Submit(ctx, env); err != nil {
			log.Debug().Err(err).Uint32("id", env.ID).Msg("client dispatch dropped envelope")
			return
		}
	}
}

func (c *Client) heartbeatLoop(l *link) {
	interval := c.cfg.Session.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if c.machine.State() != session.Synchronized {
				continue
			}
			if err := c.writeTo(l, protocol.ToRadio{Heartbeat: true}); err != nil {
				c.linkLost(l, err)
				return
			}
		}
	}
}

// supervise runs the reconnect policy whenever a link is lost.
func (c *Client) supervise(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.reconnect:
			c.reconnectLoop(ctx)
		}
	}
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		delay, err := c.machine.NextRetry()
		if err != nil {
			if errors.Is(err, session.ErrRetriesExhausted) {
				log.Warn().Err(err).Str("device", c.cfg.DeviceAddress).Msg("client giving up")
			}
			return
		}
		log.Info().Dur("delay", delay).Int("attempt", c.machine.Snapshot().ReconnectAttempts).Msg("client reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		conn, err := c.dial(ctx)
		if err != nil {
			continue
		}
		_ = c.establish(conn)
		return
	}
}
