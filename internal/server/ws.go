package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/pushpals/pushpals/pkg/models"
)

// inboundFrame is what a websocket client may send: chat messages or typed
// command events.
type inboundFrame struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
}

// handleSessionWS serves the bidirectional stream: events flow out with the
// same frames as SSE, and the client may post messages and commands in.
func (s *Server) handleSessionWS(c *gin.Context) {
	sessionID := c.Param("id")
	after, err := parseCursor(c.Query("after"))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("[server] ws accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go s.wsReadLoop(ctx, cancel, conn, sessionID)

	cursor := after
	for {
		sub, err := s.hub.Subscribe(sessionID, cursor, 0)
		if err != nil {
			wsjson.Write(ctx, conn, gin.H{"error": err.Error()})
			conn.Close(websocket.StatusPolicyViolation, "subscribe failed")
			return
		}

		for _, ev := range sub.Backlog {
			if ev.Cursor <= cursor {
				continue
			}
			if err := wsjson.Write(ctx, conn, frame(ev)); err != nil {
				sub.Cancel()
				return
			}
			cursor = ev.Cursor
		}

		closed := false
		for !closed {
			select {
			case <-ctx.Done():
				sub.Cancel()
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case ev, ok := <-sub.Live:
				if !ok {
					closed = true
					break
				}
				if ev.Cursor <= cursor {
					continue
				}
				if err := wsjson.Write(ctx, conn, frame(ev)); err != nil {
					sub.Cancel()
					return
				}
				cursor = ev.Cursor
			}
		}
		sub.Cancel()
	}
}

// wsReadLoop consumes inbound frames until the client goes away.
func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	defer cancel()
	for {
		var in inboundFrame
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return
		}
		var err error
		switch in.Type {
		case "message":
			_, err = s.hub.PostMessage(sessionID, in.Text)
		case "command":
			_, err = s.hub.PostCommand(sessionID, models.EventKind(in.Kind), in.Envelope)
		default:
			continue
		}
		if err != nil {
			wsjson.Write(ctx, conn, gin.H{"error": err.Error()})
		}
	}
}
