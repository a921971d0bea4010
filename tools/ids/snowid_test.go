package ids

import (
	"sync"
	"testing"
	"time"
)

func TestNextUniqueUnderConcurrency(t *testing.T) {
	n := NewNode(7)
	const workers, per = 8, 2000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*per)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, per)
			for j := 0; j < per; j++ {
				local = append(local, n.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("duplicates: got %d unique of %d", len(seen), workers*per)
	}
}

func TestClockBackwardsStaysMonotonic(t *testing.T) {
	n := NewNode(1)
	base := time.Now()
	n.now = func() time.Time { return base }
	a := n.Next()
	n.now = func() time.Time { return base.Add(-time.Second) }
	b := n.Next()
	if b <= a {
		t.Fatalf("ids went backwards: %d then %d", a, b)
	}
}

func TestNodeIDClamp(t *testing.T) {
	if NewNode(5000).nodeID != 1 {
		t.Fatalf("out of range node id must fall back to 1")
	}
}
