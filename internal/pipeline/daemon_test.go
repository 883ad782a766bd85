package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpals/pushpals/internal/queue"
	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/pkg/models"
)

type stubSource struct {
	candidates []Candidate
	pollErr    error
	acked      []Candidate
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Poll(ctx context.Context) ([]Candidate, error) {
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	return s.candidates, nil
}

func (s *stubSource) Ack(ctx context.Context, c Candidate) error {
	s.acked = append(s.acked, c)
	return nil
}

func setupMergeEngine(t *testing.T) *queue.Engine {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() {
		db.Close()
	})
	return queue.New(db, queue.Merges)
}

func testDaemon(engine *queue.Engine, g *fakeGit, sources ...CompletionSource) *Daemon {
	p := testPipeline(g, Config{})
	return NewDaemon(engine, p, sources, time.Minute, "merged-1", log.New(io.Discard, "", 0))
}

func TestDaemonTick_EndToEnd(t *testing.T) {
	engine := setupMergeEngine(t)
	g := newFakeGit()
	src := &stubSource{candidates: []Candidate{{
		Remote:  "origin",
		Branch:  "agent/w1/j1",
		HeadSHA: "featsha",
	}}}
	d := testDaemon(engine, g, src)

	require.NoError(t, d.tick(context.Background()))

	require.Len(t, src.acked, 1, "enqueued candidate must be acked")
	counts, err := engine.CountsByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 0, counts.Pending)
	assert.Equal(t, []string{"origin main:main"}, g.pushes)
}

func TestDaemonTick_SkipRecorded(t *testing.T) {
	engine := setupMergeEngine(t)
	g := newFakeGit()
	delete(g.refs, "origin/agent/w1/j1")
	src := &stubSource{candidates: []Candidate{{
		Remote:  "origin",
		Branch:  "agent/w1/j1",
		HeadSHA: "featsha",
	}}}
	d := testDaemon(engine, g, src)

	require.NoError(t, d.tick(context.Background()))

	counts, err := engine.CountsByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Skipped)
	assert.Empty(t, g.pushes)
}

func TestDaemonTick_FailureRecorded(t *testing.T) {
	engine := setupMergeEngine(t)
	g := newFakeGit()
	g.conflicts["origin/agent/w1/j1"] = true
	src := &stubSource{candidates: []Candidate{{
		Remote:  "origin",
		Branch:  "agent/w1/j1",
		HeadSHA: "featsha",
	}}}
	d := testDaemon(engine, g, src)

	require.NoError(t, d.tick(context.Background()))

	counts, err := engine.CountsByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)
}

func TestDaemonTick_SourceErrorIsNotFatal(t *testing.T) {
	engine := setupMergeEngine(t)
	d := testDaemon(engine, newFakeGit(), &stubSource{pollErr: errors.New("network down")})

	require.NoError(t, d.tick(context.Background()))

	counts, err := engine.CountsByStatus()
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCounts{}, counts)
}

func TestRunOne_RequeueLeavesJobPending(t *testing.T) {
	engine := setupMergeEngine(t)
	g := newFakeGit()
	g.conflicts["origin/agent/w1/j1"] = true
	g.onFetch = func(g *fakeGit) {
		if g.fetches >= 2 {
			g.refs["origin/main"] = "mainsha2"
		}
	}
	d := testDaemon(engine, g)

	res, err := engine.EnqueueMerge(&models.MergeJob{Remote: "origin", Branch: "agent/w1/j1", HeadSHA: "featsha"})
	require.NoError(t, err)
	claimed, err := engine.Claim("merged-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, d.runOne(context.Background(), claimed.MergeJob))

	got, err := engine.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Item.Status)
}

func TestRunOne_FatalRequeuesAndErrors(t *testing.T) {
	engine := setupMergeEngine(t)
	g := newFakeGit()
	delete(g.refs, "origin/main")
	d := testDaemon(engine, g)

	res, err := engine.EnqueueMerge(&models.MergeJob{Remote: "origin", Branch: "agent/w1/j1", HeadSHA: "featsha"})
	require.NoError(t, err)
	claimed, err := engine.Claim("merged-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = d.runOne(context.Background(), claimed.MergeJob)
	require.Error(t, err)

	// The job goes back to pending so a restarted daemon can retry it.
	got, err := engine.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Item.Status)
}
