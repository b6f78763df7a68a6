package pathlock

import (
	"sync"
	"testing"
)

func TestLock_SerializesSamePath(t *testing.T) {
	tbl := New()
	const writers = 16
	var inCritical, maxSeen int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := tbl.Lock("/bkt/key")
			defer unlock()
			mu.Lock()
			inCritical++
			if inCritical > maxSeen {
				maxSeen = inCritical
			}
			mu.Unlock()
			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxSeen)
	}
}

func TestLock_DistinctPathsIndependent(t *testing.T) {
	tbl := New()
	unlockA := tbl.Lock("/a")
	done := make(chan struct{})
	go func() {
		unlockB := tbl.Lock("/b")
		unlockB()
		close(done)
	}()
	<-done // must not deadlock while /a is held
	unlockA()
}

func TestLen_CountsDistinctPaths(t *testing.T) {
	tbl := New()
	tbl.Lock("/a")()
	tbl.Lock("/a")()
	tbl.Lock("/b")()
	if got := tbl.Len(); got != 2 {
		t.Fatalf("expected 2 tracked paths, got %d", got)
	}
}
