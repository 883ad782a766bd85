package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pushpals/pushpals/internal/git"
	"github.com/pushpals/pushpals/pkg/models"
)

// Candidate is a discovered worker commit ready to be enqueued as a merge
// job.
type Candidate struct {
	Remote    string
	Branch    string
	HeadSHA   string
	SessionID string
	JobID     string
	Priority  int
}

// CompletionSource discovers candidates for the merge queue. Poll may
// return the same candidate across calls; enqueue is idempotent on
// (remote, branch, headSha). Ack tells the source a candidate was recorded
// so it can stop reporting it.
type CompletionSource interface {
	Name() string
	Poll(ctx context.Context) ([]Candidate, error)
	Ack(ctx context.Context, c Candidate) error
}

// DefaultBranchPrefix is where worker daemons publish their commits.
const DefaultBranchPrefix = "refs/heads/agent/"

const (
	seenTTL          = 24 * time.Hour
	seenSweepEvery   = 10 * time.Minute
	claimBatchLimit  = 10
	sourceHTTPWindow = 15 * time.Second
)

// RemotePoller discovers agent branches by listing remote refs under a
// prefix. A seen cache keeps acknowledged (branch, sha) pairs out of
// subsequent polls.
type RemotePoller struct {
	git    git.Runner
	remote string
	prefix string
	seen   *gocache.Cache
}

// NewRemotePoller creates a poller for refs under prefix on the remote.
func NewRemotePoller(g git.Runner, remote, prefix string) *RemotePoller {
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	return &RemotePoller{
		git:    g,
		remote: remote,
		prefix: prefix,
		seen:   gocache.New(seenTTL, seenSweepEvery),
	}
}

func (p *RemotePoller) Name() string {
	return "remote-poller"
}

// Poll lists remote refs under the prefix and reports the unacknowledged
// ones.
func (p *RemotePoller) Poll(ctx context.Context) ([]Candidate, error) {
	refs, err := p.git.ListRemoteRefs(ctx, p.remote, p.prefix)
	if err != nil {
		return nil, fmt.Errorf("list remote refs: %w", err)
	}

	var out []Candidate
	for ref, sha := range refs {
		branch := strings.TrimPrefix(ref, "refs/heads/")
		if _, hit := p.seen.Get(seenKey(branch, sha)); hit {
			continue
		}
		out = append(out, Candidate{
			Remote:  p.remote,
			Branch:  branch,
			HeadSHA: sha,
			JobID:   path.Base(branch),
		})
	}
	return out, nil
}

// Ack marks the (branch, sha) pair as recorded.
func (p *RemotePoller) Ack(_ context.Context, c Candidate) error {
	p.seen.Set(seenKey(c.Branch, c.HeadSHA), struct{}{}, gocache.DefaultExpiration)
	return nil
}

func seenKey(branch, sha string) string {
	return branch + "@" + sha
}

// ServerSource claims completions from the hub's completion queue over
// HTTP and converts them to merge candidates. Ack marks the completion
// consumed on the server.
type ServerSource struct {
	baseURL string
	token   string
	owner   string
	remote  string
	client  *http.Client

	// claimed maps job id to completion id for Ack.
	claimed map[string]string
}

// NewServerSource creates a source that claims completions as the given
// owner id.
func NewServerSource(baseURL, token, owner, remote string) *ServerSource {
	return &ServerSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		owner:   owner,
		remote:  remote,
		client:  &http.Client{Timeout: sourceHTTPWindow},
		claimed: make(map[string]string),
	}
}

func (s *ServerSource) Name() string {
	return "server-source"
}

type claimedCompletion struct {
	Item       models.Item        `json:"item"`
	Completion *models.Completion `json:"completion"`
}

// Poll claims up to a small batch of pending completions.
func (s *ServerSource) Poll(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	for i := 0; i < claimBatchLimit; i++ {
		cc, err := s.claimOne(ctx)
		if err != nil {
			return out, err
		}
		if cc == nil {
			break
		}
		c := Candidate{
			Remote:    s.remote,
			Branch:    cc.Completion.BranchRef,
			HeadSHA:   cc.Completion.CommitRef,
			SessionID: cc.Completion.SessionID,
			JobID:     cc.Completion.JobID,
		}
		s.claimed[candidateKey(c)] = cc.Item.ID
		out = append(out, c)
	}
	return out, nil
}

// Ack completes the claimed completion item on the server.
func (s *ServerSource) Ack(ctx context.Context, c Candidate) error {
	id, ok := s.claimed[candidateKey(c)]
	if !ok {
		return nil
	}
	body := map[string]string{"summary": "merge job enqueued"}
	if err := s.post(ctx, "/completions/"+id+"/complete", body, nil); err != nil {
		return err
	}
	delete(s.claimed, candidateKey(c))
	return nil
}

func (s *ServerSource) claimOne(ctx context.Context) (*claimedCompletion, error) {
	var cc claimedCompletion
	status, err := s.postStatus(ctx, "/completions/claim", map[string]string{"owner": s.owner}, &cc)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	if cc.Completion == nil {
		return nil, fmt.Errorf("claim completion: malformed response")
	}
	return &cc, nil
}

func (s *ServerSource) post(ctx context.Context, route string, body, out any) error {
	_, err := s.postStatus(ctx, route, body, out)
	return err
}

func (s *ServerSource) postStatus(ctx context.Context, route string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("POST %s: %w", route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("POST %s: status %d: %s", route, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func candidateKey(c Candidate) string {
	return c.Remote + "|" + c.Branch + "|" + c.HeadSHA
}
