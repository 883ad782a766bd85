package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pushpals/pushpals/pkg/models"
)

// apiClient talks to the hub server.
type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *apiClient) post(ctx context.Context, route string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("POST %s: status %d: %s", route, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// claimedJob is the claim response for the job queue.
type claimedJob struct {
	OK          bool        `json:"ok"`
	Item        models.Item `json:"item"`
	Job         *models.Job `json:"job"`
	QueueWaitMs int64       `json:"queueWaitMs"`
}

func (a *apiClient) claimJob(ctx context.Context, workerID string) (*claimedJob, error) {
	var out claimedJob
	if err := a.post(ctx, "/jobs/claim", map[string]string{"workerId": workerID}, &out); err != nil {
		return nil, err
	}
	if !out.OK || out.Job == nil {
		return nil, nil
	}
	return &out, nil
}

func (a *apiClient) startJob(ctx context.Context, jobID string) error {
	return a.post(ctx, "/jobs/"+jobID+"/start", struct{}{}, nil)
}

func (a *apiClient) completeJob(ctx context.Context, jobID, summary string, artifacts any) error {
	return a.post(ctx, "/jobs/"+jobID+"/complete", map[string]any{
		"summary":   summary,
		"artifacts": artifacts,
	}, nil)
}

func (a *apiClient) failJob(ctx context.Context, jobID, message, detail string) error {
	return a.post(ctx, "/jobs/"+jobID+"/fail", map[string]string{
		"message": message,
		"detail":  detail,
	}, nil)
}

func (a *apiClient) heartbeat(ctx context.Context, jobID, workerID, status string) error {
	return a.post(ctx, "/jobs/"+jobID+"/heartbeat", map[string]string{
		"workerId": workerID,
		"status":   status,
	}, nil)
}

func (a *apiClient) appendLog(ctx context.Context, jobID, line string) error {
	return a.post(ctx, "/jobs/"+jobID+"/logs", map[string]string{"line": line}, nil)
}

func (a *apiClient) enqueueCompletion(ctx context.Context, sessionID, commitRef, branchRef, summary, jobID string) error {
	return a.post(ctx, "/completions/enqueue", map[string]string{
		"sessionId": sessionID,
		"commitRef": commitRef,
		"branchRef": branchRef,
		"summary":   summary,
		"jobId":     jobID,
	}, nil)
}

func (a *apiClient) postCommand(ctx context.Context, sessionID string, kind models.EventKind, envelope any) error {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return a.post(ctx, "/sessions/"+sessionID+"/command", map[string]any{
		"kind":     string(kind),
		"envelope": json.RawMessage(raw),
	}, nil)
}
