package queue

import (
	"fmt"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/pushpals/pushpals/pkg/models"
)

// TestClaim_ConcurrentWorkers drives many workers against the job queue at
// once and checks that no item is ever handed to two of them.
func TestClaim_ConcurrentWorkers(t *testing.T) {
	e := New(setupTestDB(t), Jobs)

	const jobs = 20
	const workers = 8
	for i := 0; i < jobs; i++ {
		mustEnqueueJob(t, e, testJob("s1", models.PriorityNormal))
	}

	var mu sync.Mutex
	seen := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				claimed, err := e.Claim(owner)
				if err != nil {
					t.Errorf("Claim(%s): %v", owner, err)
					return
				}
				if claimed == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[claimed.Item.ID]; dup {
					t.Errorf("item %s claimed by both %s and %s", claimed.Item.ID, prev, owner)
				}
				seen[claimed.Item.ID] = owner
				mu.Unlock()
				if _, err := e.Complete(claimed.Item.ID, "done", nil); err != nil {
					t.Errorf("Complete: %v", err)
					return
				}
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("claimed %d items, want %d", len(seen), jobs)
	}
}

// TestMergeQueue_SerialInvariant runs random enqueue/claim/finish sequences
// and checks the queue-wide single-claim invariant after every operation.
func TestMergeQueue_SerialInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e := New(setupTestDB(t), Merges)
		owners := []string{"pusher-a", "pusher-b", "pusher-c"}
		var open string // id of the currently claimed item, if any

		checkInvariant := func() {
			var claimed int
			row := e.db.QueryRow(`SELECT COUNT(1) FROM queue_items WHERE queue = 'merges' AND status = 'claimed'`)
			if err := row.Scan(&claimed); err != nil {
				rt.Fatalf("count claimed: %v", err)
			}
			if claimed > 1 {
				rt.Fatalf("%d merge items claimed at once", claimed)
			}
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				branch := fmt.Sprintf("agent/w/%d", rapid.IntRange(0, 5).Draw(rt, "branch"))
				sha := fmt.Sprintf("sha%d", rapid.IntRange(0, 5).Draw(rt, "sha"))
				if _, err := e.EnqueueMerge(&models.MergeJob{Remote: "origin", Branch: branch, HeadSHA: sha}); err != nil {
					rt.Fatalf("enqueue: %v", err)
				}
			case 1:
				owner := rapid.SampledFrom(owners).Draw(rt, "owner")
				claimed, err := e.Claim(owner)
				if err != nil {
					rt.Fatalf("claim: %v", err)
				}
				if claimed != nil {
					if open != "" {
						rt.Fatalf("claim succeeded while %s was already claimed", open)
					}
					open = claimed.Item.ID
				}
			case 2:
				if open != "" {
					if _, err := e.Complete(open, "merged", nil); err != nil {
						rt.Fatalf("complete: %v", err)
					}
					open = ""
				}
			case 3:
				if open != "" {
					if err := e.Requeue(open); err != nil {
						rt.Fatalf("requeue: %v", err)
					}
					open = ""
				}
			}
			checkInvariant()
		}
	})
}
