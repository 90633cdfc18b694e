package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/meshctl/internal/client"
	"github.com/danmuck/meshctl/internal/correlator"
	"github.com/danmuck/meshctl/internal/nodedb"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/danmuck/meshctl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxWait bounds how long a ?wait=true command holds the request open.
const maxWait = 60 * time.Second

func (s *Server) registerRoutes() {
	r := s.router
	guarded := r.Group("/", s.requireToken)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "meshctl",
			"version": version,
			"state":   s.client.State().String(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws", s.handleFeed)

	r.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, newSessionView(s.client.Session()))
	})
	r.GET("/pending", func(c *gin.Context) {
		pending := s.client.Pending()
		out := make([]pendingView, 0, len(pending))
		for _, p := range pending {
			out = append(out, newPendingView(p))
		}
		c.JSON(http.StatusOK, gin.H{"pending": out})
	})

	r.GET("/nodes", func(c *gin.Context) {
		records := s.client.Nodes()
		out := make([]nodeView, 0, len(records))
		for _, rec := range records {
			out = append(out, newNodeView(rec))
		}
		c.JSON(http.StatusOK, gin.H{"nodes": out})
	})
	r.GET("/nodes/:id", func(c *gin.Context) {
		num, ok := nodeParam(c)
		if !ok {
			return
		}
		rec, found := s.client.Node(num)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": nodedb.ErrUnknownNode.Error()})
			return
		}
		c.JSON(http.StatusOK, newNodeView(rec))
	})
	guarded.DELETE("/nodes/:id", func(c *gin.Context) {
		num, ok := nodeParam(c)
		if !ok {
			return
		}
		s.command(c, func(ctx context.Context) (*correlator.Handle, error) {
			return s.client.RemoveNode(ctx, num)
		})
	})
	guarded.POST("/nodes/:id/favorite", func(c *gin.Context) {
		num, ok := nodeParam(c)
		if !ok {
			return
		}
		var body struct {
			Favorite *bool `json:"favorite"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Favorite == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"favorite\": bool}"})
			return
		}
		s.command(c, func(ctx context.Context) (*correlator.Handle, error) {
			return s.client.SetFavorite(ctx, num, *body.Favorite)
		})
	})
	guarded.POST("/nodes/:id/telemetry", func(c *gin.Context) {
		num, ok := nodeParam(c)
		if !ok {
			return
		}
		s.command(c, func(ctx context.Context) (*correlator.Handle, error) {
			return s.client.RequestTelemetry(ctx, num)
		})
	})
	guarded.POST("/nodes/:id/traceroute", func(c *gin.Context) {
		num, ok := nodeParam(c)
		if !ok {
			return
		}
		s.command(c, func(ctx context.Context) (*correlator.Handle, error) {
			return s.client.StartTraceroute(ctx, num)
		})
	})
	guarded.POST("/owner", func(c *gin.Context) {
		s.command(c, func(ctx context.Context) (*correlator.Handle, error) {
			return s.client.IssueAdminCommand(ctx, 0, protocol.AdminGetOwner())
		})
	})

	guarded.POST("/messages", func(c *gin.Context) {
		var body struct {
			To      string `json:"to"`
			Channel uint32 `json:"channel"`
			Text    string `json:"text"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Text == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry text"})
			return
		}
		var to uint32
		if body.To != "" {
			n, err := protocol.ParseNodeID(body.To)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			to = n
		}
		s.command(c, func(ctx context.Context) (*correlator.Handle, error) {
			return s.client.SendText(ctx, to, body.Channel, body.Text)
		})
	})

	r.GET("/log", func(c *gin.Context) {
		entries := s.client.Log().Entries()
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			if n < len(entries) {
				entries = entries[len(entries)-n:]
			}
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})
	r.GET("/log/export", func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.Header("Content-Disposition", `attachment; filename="meshctl-activity.log"`)
		c.Status(http.StatusOK)
		if err := s.client.Log().Export(c.Writer); err != nil {
			s.logger.Warn().Err(err).Msg("activity log export failed")
		}
	})
	guarded.POST("/log/clear", func(c *gin.Context) {
		if err := s.client.Log().Clear(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	})
}

func nodeParam(c *gin.Context) (uint32, bool) {
	num, err := protocol.ParseNodeID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	return num, true
}

// command issues a request. With ?wait=true it answers once the request completes,
// otherwise it answers 202 with the request id.
func (s *Server) command(c *gin.Context, issue func(context.Context) (*correlator.Handle, error)) {
	h, err := issue(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, gin.H{"request_id": h.ID()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), maxWait)
	defer cancel()
	env, err := h.Wait(ctx)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"request_id": h.ID(), "error": err.Error()})
		return
	}
	reply := replyView{RequestID: h.ID(), From: protocol.NodeIDString(env.From), Port: env.Port.String()}
	if env.Port.Number() == portnum.TracerouteApp {
		if rd, err := protocol.UnmarshalRouteDiscovery(env.Payload); err == nil {
			reply.Route = client.FormatRoute(env.To, env.From, rd.Route)
		}
	}
	c.JSON(http.StatusOK, reply)
}

func statusFor(err error) int {
	var re correlator.RoutingError
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, nodedb.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, client.ErrInvalidDestination), errors.Is(err, client.ErrTextTooLong):
		return http.StatusBadRequest
	case errors.Is(err, correlator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &re):
		return http.StatusBadGateway
	case errors.Is(err, correlator.ErrCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
