package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pushpals/pushpals/internal/queue"
	"github.com/pushpals/pushpals/pkg/models"
)

// DefaultPollInterval is the gap between daemon ticks.
const DefaultPollInterval = 30 * time.Second

// Daemon polls completion sources, feeds the merge queue, and drains it one
// job at a time through the pipeline.
type Daemon struct {
	engine   *queue.Engine
	pipeline *Pipeline
	sources  []CompletionSource
	interval time.Duration
	ownerID  string
	logger   *log.Logger
}

// NewDaemon wires the merge queue engine, the pipeline, and the completion
// sources into a poll loop.
func NewDaemon(engine *queue.Engine, p *Pipeline, sources []CompletionSource, interval time.Duration, ownerID string, logger *log.Logger) *Daemon {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Daemon{
		engine:   engine,
		pipeline: p,
		sources:  sources,
		interval: interval,
		ownerID:  ownerID,
		logger:   logger,
	}
}

// Run ticks until the context is cancelled. A fatal pipeline outcome stops
// the daemon with an error; everything else is logged and the loop
// continues.
func (d *Daemon) Run(ctx context.Context) error {
	// The first tick retries so a daemon started during a network blip
	// does not die immediately.
	if err := withRetry(ctx, transientAttempts, func() error {
		return d.tick(ctx)
	}); err != nil {
		return fmt.Errorf("initial tick: %w", err)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// tick runs one poll-enqueue-drain cycle.
func (d *Daemon) tick(ctx context.Context) error {
	d.pollSources(ctx)
	return d.drain(ctx)
}

// pollSources asks each source for candidates and enqueues them. Source
// errors are logged, not fatal: a flaky source must not stall the drain.
func (d *Daemon) pollSources(ctx context.Context) {
	for _, src := range d.sources {
		candidates, err := src.Poll(ctx)
		if err != nil {
			d.logger.Printf("[merged] source %s: %v", src.Name(), err)
			continue
		}
		for _, c := range candidates {
			res, err := d.engine.EnqueueMerge(&models.MergeJob{
				Item: models.Item{
					SessionID:   c.SessionID,
					MaxAttempts: queue.DefaultMaxAttempts,
				},
				Remote:   c.Remote,
				Branch:   c.Branch,
				HeadSHA:  c.HeadSHA,
				Priority: c.Priority,
			})
			if err != nil {
				d.logger.Printf("[merged] enqueue %s@%s: %v", c.Branch, short(c.HeadSHA), err)
				continue
			}
			if res.Created {
				d.logger.Printf("[merged] enqueued %s@%s as %s", c.Branch, short(c.HeadSHA), res.ID)
			}
			if err := src.Ack(ctx, c); err != nil {
				d.logger.Printf("[merged] ack %s: %v", c.Branch, err)
			}
		}
	}
}

// drain claims and runs merge jobs until the queue is empty.
func (d *Daemon) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		claimed, err := d.engine.Claim(d.ownerID)
		if err != nil {
			return fmt.Errorf("claim merge job: %w", err)
		}
		if claimed == nil {
			return nil
		}
		if err := d.runOne(ctx, claimed.MergeJob); err != nil {
			return err
		}
	}
}

// runOne executes one pipeline pass and records the outcome on the queue.
func (d *Daemon) runOne(ctx context.Context, job *models.MergeJob) error {
	d.logger.Printf("[merged] merging %s@%s (attempt %d/%d)",
		job.Branch, short(job.HeadSHA), job.Attempts, job.MaxAttempts)

	out := d.pipeline.Run(ctx, job)

	switch out.Kind {
	case OutcomeSuccess:
		result, _ := json.Marshal(map[string]string{"merged_sha": out.MergedSHA})
		summary := fmt.Sprintf("merged %s as %s", job.Branch, short(out.MergedSHA))
		if _, err := d.engine.Complete(job.ID, summary, result); err != nil {
			return fmt.Errorf("record merge success: %w", err)
		}
		d.logger.Printf("[merged] %s", summary)
	case OutcomeSkip:
		if err := d.engine.Skip(job.ID, out.Reason); err != nil {
			return fmt.Errorf("record merge skip: %w", err)
		}
		d.logger.Printf("[merged] skipped %s: %s", job.Branch, out.Reason)
	case OutcomeRequeue:
		if err := d.engine.Requeue(job.ID); err != nil {
			return fmt.Errorf("requeue merge job: %w", err)
		}
		d.logger.Printf("[merged] requeued %s: %s", job.Branch, out.Reason)
	case OutcomeFailed:
		jobErr := &models.JobError{Message: out.Reason, Detail: out.Detail}
		if _, err := d.engine.Fail(job.ID, jobErr); err != nil {
			return fmt.Errorf("record merge failure: %w", err)
		}
		d.logger.Printf("[merged] failed %s: %s", job.Branch, out.Reason)
	case OutcomeFatal:
		// Put the job back so a restarted daemon can pick it up.
		if err := d.engine.Requeue(job.ID); err != nil {
			d.logger.Printf("[merged] requeue after fatal: %v", err)
		}
		return fmt.Errorf("fatal pipeline error: %s: %s", out.Reason, out.Detail)
	}
	return nil
}
