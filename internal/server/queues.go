package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pushpals/pushpals/internal/queue"
	"github.com/pushpals/pushpals/pkg/models"
)

type enqueueJobRequest struct {
	SessionID            string          `json:"sessionId"`
	Kind                 string          `json:"kind"`
	Priority             string          `json:"priority"`
	Payload              json.RawMessage `json:"payload"`
	QueueWaitBudgetMs    int64           `json:"queueWaitBudgetMs"`
	ExecutionBudgetMs    int64           `json:"executionBudgetMs"`
	FinalizationBudgetMs int64           `json:"finalizationBudgetMs"`
	TargetOwner          string          `json:"targetOwner"`
	TaskID               string          `json:"taskId"`
	MaxAttempts          int             `json:"maxAttempts"`
}

func (s *Server) handleEnqueueJob(c *gin.Context) {
	var req enqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	job := &models.Job{
		Item: models.Item{
			SessionID:   req.SessionID,
			Payload:     req.Payload,
			MaxAttempts: req.MaxAttempts,
		},
		Priority:             models.Priority(req.Priority),
		QueueWaitBudgetMs:    req.QueueWaitBudgetMs,
		ExecutionBudgetMs:    req.ExecutionBudgetMs,
		FinalizationBudgetMs: req.FinalizationBudgetMs,
		TargetOwner:          req.TargetOwner,
		TaskID:               req.TaskID,
		Kind:                 models.JobKind(req.Kind),
	}
	res, err := s.jobs.EnqueueJob(job)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	s.emitJobEvent(req.SessionID, models.EventJobEnqueued, gin.H{
		"job_id": res.ID, "kind": req.Kind, "priority": string(job.Priority),
	})
	c.JSON(http.StatusOK, gin.H{
		"jobId":         res.ID,
		"created":       res.Created,
		"queuePosition": res.QueuePosition,
		"etaMs":         res.ETAMs,
	})
}

type claimRequest struct {
	WorkerID string `json:"workerId"`
	Owner    string `json:"owner"`
}

func (r claimRequest) ownerID() string {
	if r.WorkerID != "" {
		return r.WorkerID
	}
	return r.Owner
}

func (s *Server) handleClaimJob(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	claimed, err := s.jobs.Claim(req.ownerID())
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	if claimed == nil {
		c.JSON(http.StatusOK, gin.H{"ok": false})
		return
	}
	s.emitJobEvent(claimed.Item.SessionID, models.EventJobClaimed, gin.H{
		"job_id": claimed.Item.ID, "worker_id": req.ownerID(),
	})
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"item":        claimed.Item,
		"job":         claimed.Job,
		"queueWaitMs": claimed.QueueWaitMs,
	})
}

// claimHandler serves the claim route for the requests and completions
// queues. An empty queue answers 204 so pollers can distinguish "nothing
// to do" without parsing a body.
func (s *Server) claimHandler(engine *queue.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req claimRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		claimed, err := engine.Claim(req.ownerID())
		if err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		if claimed == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"item":        claimed.Item,
			"completion":  claimed.Completion,
			"queueWaitMs": claimed.QueueWaitMs,
		})
	}
}

type completeRequest struct {
	Summary   string          `json:"summary"`
	Artifacts json.RawMessage `json:"artifacts"`
}

func (s *Server) completeHandler(engine *queue.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		item, err := engine.Complete(c.Param("id"), req.Summary, req.Artifacts)
		if err != nil {
			errorJSON(c, finishErrStatus(err), err)
			return
		}
		if engine.Name() == queue.Jobs {
			s.emitJobEvent(item.SessionID, models.EventJobCompleted, gin.H{
				"job_id": item.ID, "duration_ms": item.DurationMs,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"durationMs":  item.DurationMs,
			"completedAt": item.CompletedAt,
		})
	}
}

type failRequest struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (s *Server) failHandler(engine *queue.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req failRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		item, err := engine.Fail(c.Param("id"), &models.JobError{
			Message: req.Message,
			Detail:  req.Detail,
		})
		if err != nil {
			errorJSON(c, finishErrStatus(err), err)
			return
		}
		if engine.Name() == queue.Jobs {
			s.emitJobEvent(item.SessionID, models.EventJobFailed, gin.H{
				"job_id": item.ID, "message": req.Message,
			})
		}
		c.JSON(http.StatusOK, gin.H{"failedAt": item.FailedAt})
	}
}

func (s *Server) handleJobStart(c *gin.Context) {
	if err := s.jobs.MarkStarted(c.Param("id")); err != nil {
		errorJSON(c, finishErrStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type heartbeatRequest struct {
	WorkerID string          `json:"workerId"`
	Status   string          `json:"status"`
	Details  json.RawMessage `json:"details"`
}

func (s *Server) handleJobHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	jobID := c.Param("id")
	if err := s.registry.Heartbeat(req.WorkerID, models.WorkerStatus(req.Status), jobID, req.Details); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	if err := s.jobs.MarkActivity(jobID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type jobLogRequest struct {
	Line string `json:"line"`
}

func (s *Server) handleJobLog(c *gin.Context) {
	var req jobLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	if err := s.jobs.AppendJobLog(c.Param("id"), req.Line); err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type enqueueCompletionRequest struct {
	SessionID string `json:"sessionId"`
	CommitRef string `json:"commitRef"`
	BranchRef string `json:"branchRef"`
	Summary   string `json:"summary"`
	JobID     string `json:"jobId"`
}

func (s *Server) handleEnqueueCompletion(c *gin.Context) {
	var req enqueueCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	res, err := s.completions.EnqueueCompletion(&models.Completion{
		Item:      models.Item{SessionID: req.SessionID},
		CommitRef: req.CommitRef,
		BranchRef: req.BranchRef,
		Summary:   req.Summary,
		JobID:     req.JobID,
	})
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": res.ID, "created": res.Created})
}

type enqueueRequestRequest struct {
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueueRequest(c *gin.Context) {
	var req enqueueRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	res, err := s.requests.EnqueueRequest(req.SessionID, req.Payload)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            res.ID,
		"created":       res.Created,
		"queuePosition": res.QueuePosition,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{}
	for name, engine := range map[string]*queue.Engine{
		"requests":    s.requests,
		"jobs":        s.jobs,
		"completions": s.completions,
	} {
		counts, err := engine.CountsByStatus()
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		stats[name] = counts
	}

	byPriority, err := s.jobs.CountsByPriority()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	stats["jobsByPriority"] = byPriority

	slo, err := s.jobs.SLOSummaryWindow(24)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	stats["slo"] = slo

	online, err := s.registry.Online()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	stats["workersOnline"] = len(online)

	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListWorkers(c *gin.Context) {
	workers, err := s.registry.List()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers})
}

// emitJobEvent mirrors a queue transition into the session stream. Best
// effort: a missing session must not fail the queue operation.
func (s *Server) emitJobEvent(sessionID string, kind models.EventKind, body gin.H) {
	if sessionID == "" {
		return
	}
	envelope, err := json.Marshal(body)
	if err != nil {
		return
	}
	if _, err := s.hub.PostCommand(sessionID, kind, envelope); err != nil {
		s.logger.Printf("[server] emit %s: %v", kind, err)
	}
}

func finishErrStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrNotClaimed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
