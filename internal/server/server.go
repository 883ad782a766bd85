// Package server exposes the hub over HTTP: session lifecycle, event
// streaming via SSE and websocket, and the queue operations workers and
// planners drive remotely.
package server

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pushpals/pushpals/internal/hub"
	"github.com/pushpals/pushpals/internal/queue"
	"github.com/pushpals/pushpals/internal/worker"
)

// Server holds the handler dependencies.
type Server struct {
	hub         *hub.Hub
	requests    *queue.Engine
	jobs        *queue.Engine
	completions *queue.Engine
	registry    *worker.Registry
	authToken   string
	logger      *log.Logger
}

// Config wires the server's collaborators.
type Config struct {
	Hub         *hub.Hub
	Requests    *queue.Engine
	Jobs        *queue.Engine
	Completions *queue.Engine
	Registry    *worker.Registry
	// AuthToken enables bearer-token auth when non-empty.
	AuthToken string
	Logger    *log.Logger
}

// New creates the server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		hub:         cfg.Hub,
		requests:    cfg.Requests,
		jobs:        cfg.Jobs,
		completions: cfg.Completions,
		registry:    cfg.Registry,
		authToken:   cfg.AuthToken,
		logger:      logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.authMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/sessions", s.handleCreateSession)
	r.GET("/sessions", s.handleListSessions)
	r.GET("/sessions/:id/events", s.handleSessionEvents)
	r.GET("/sessions/:id/ws", s.handleSessionWS)
	r.POST("/sessions/:id/message", s.handlePostMessage)
	r.POST("/sessions/:id/command", s.handlePostCommand)

	r.POST("/jobs/enqueue", s.handleEnqueueJob)
	r.POST("/jobs/claim", s.handleClaimJob)
	r.POST("/jobs/:id/complete", s.completeHandler(s.jobs))
	r.POST("/jobs/:id/fail", s.failHandler(s.jobs))
	r.POST("/jobs/:id/start", s.handleJobStart)
	r.POST("/jobs/:id/heartbeat", s.handleJobHeartbeat)
	r.POST("/jobs/:id/logs", s.handleJobLog)

	r.POST("/completions/enqueue", s.handleEnqueueCompletion)
	r.POST("/completions/claim", s.claimHandler(s.completions))
	r.POST("/completions/:id/complete", s.completeHandler(s.completions))
	r.POST("/completions/:id/fail", s.failHandler(s.completions))

	r.POST("/requests/enqueue", s.handleEnqueueRequest)
	r.POST("/requests/claim", s.claimHandler(s.requests))
	r.POST("/requests/:id/complete", s.completeHandler(s.requests))
	r.POST("/requests/:id/fail", s.failHandler(s.requests))

	r.GET("/stats", s.handleStats)
	r.GET("/workers", s.handleListWorkers)

	return r
}

// authMiddleware enforces bearer auth when a token is configured. Health
// stays open for probes.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authToken == "" || c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" {
			// Browser EventSource cannot set headers; allow the token as
			// a query parameter on stream routes.
			token = c.Query("token")
		}
		if token != s.authToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// errorJSON is the uniform error body.
func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
