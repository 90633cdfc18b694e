package server

import (
	"context"
	"net/url"
	"time"

	"github.com/danmuck/meshctl/internal/meshlog"
	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	feedBuffer       = 64
	feedWriteTimeout = 5 * time.Second
)

// feedEvent is one message on /ws. Exactly one of Node or Entry is set.
type feedEvent struct {
	Type   string         `json:"type"`
	Change string         `json:"change,omitempty"`
	Node   *nodeView      `json:"node,omitempty"`
	Entry  *meshlog.Entry `json:"entry,omitempty"`
}

// handleFeed streams node database changes and activity log entries until the
// peer goes away. Slow peers lose events rather than stall the client.
func (s *Server) handleFeed(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: originHosts(s.origins),
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("feed accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	ctx := conn.CloseRead(c.Request.Context())
	nodes, cancelNodes := s.client.NodeDB().Subscribe(feedBuffer)
	defer cancelNodes()
	entries, cancelEntries := s.client.Log().Subscribe(feedBuffer)
	defer cancelEntries()

	s.logger.Debug().Str("remote", c.Request.RemoteAddr).Msg("feed subscriber joined")
	for {
		var ev feedEvent
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case change, ok := <-nodes:
			if !ok {
				return
			}
			v := newNodeView(change.Record)
			ev = feedEvent{Type: "node", Change: change.Kind.String(), Node: &v}
		case entry, ok := <-entries:
			if !ok {
				return
			}
			ev = feedEvent{Type: "log", Entry: &entry}
		}
		if err := writeEvent(ctx, conn, ev); err != nil {
			s.logger.Debug().Err(err).Msg("feed subscriber dropped")
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev feedEvent) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// originHosts turns CORS origins into websocket origin patterns.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
