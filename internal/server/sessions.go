package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pushpals/pushpals/internal/event"
	"github.com/pushpals/pushpals/pkg/models"
)

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	Label     string `json:"label"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	res, err := s.hub.CreateOrJoinSession(req.SessionID, req.Label)
	if errors.Is(err, event.ErrInvalidSessionID) {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.hub.Store().ListSessions()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type postMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	cursor, err := s.hub.PostMessage(c.Param("id"), req.Text)
	if err != nil {
		errorJSON(c, sessionErrStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursor": cursor})
}

type postCommandRequest struct {
	Kind     string          `json:"kind"`
	Envelope json.RawMessage `json:"envelope"`
}

func (s *Server) handlePostCommand(c *gin.Context) {
	var req postCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	cursor, err := s.hub.PostCommand(c.Param("id"), models.EventKind(req.Kind), req.Envelope)
	if err != nil {
		errorJSON(c, sessionErrStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursor": cursor})
}

// eventFrame is the wire shape of one streamed event.
type eventFrame struct {
	Envelope json.RawMessage `json:"envelope"`
	Cursor   int64           `json:"cursor"`
	Kind     string          `json:"kind"`
}

func frame(ev models.Event) eventFrame {
	return eventFrame{Envelope: ev.Envelope, Cursor: ev.Cursor, Kind: string(ev.Kind)}
}

// handleSessionEvents streams events over SSE: replay from the after
// cursor, then live tail. A dropped live channel resubscribes from the
// last delivered cursor, so slow readers lose the connection buffer but
// never an event.
func (s *Server) handleSessionEvents(c *gin.Context) {
	sessionID := c.Param("id")
	after, err := parseCursor(c.Query("after"))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		errorJSON(c, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	send := func(ev models.Event) error {
		data, err := json.Marshal(frame(ev))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx := c.Request.Context()
	cursor := after

	for {
		sub, err := s.hub.Subscribe(sessionID, cursor, 0)
		if err != nil {
			if cursor == after {
				errorJSON(c, sessionErrStatus(err), err)
			}
			return
		}

		for _, ev := range sub.Backlog {
			if ev.Cursor <= cursor {
				continue
			}
			if err := send(ev); err != nil {
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
				return
			case ev, ok := <-sub.Live:
				if !ok {
					// Fell behind; resubscribe from the last cursor.
					closed = true
					break
				}
				if ev.Cursor <= cursor {
					continue
				}
				if err := send(ev); err != nil {
					sub.Cancel()
					return
				}
				cursor = ev.Cursor
			}
		}
		sub.Cancel()
	}
}

func parseCursor(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, fmt.Errorf("invalid after cursor %q", raw)
	}
	return cursor, nil
}

func sessionErrStatus(err error) int {
	switch {
	case errors.Is(err, event.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, event.ErrInvalidSessionID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
