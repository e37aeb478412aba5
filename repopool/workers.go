package repopool

import (
	"context"
	"sync"

	"github.com/utilitywarehouse/git-fanout/internal/lock"
)

// workerGroup tracks sync job goroutines so shutdown can wait for them.
type workerGroup struct {
	mu       lock.Mutex
	wg       sync.WaitGroup
	stopping bool
}

// Go starts fn in a new goroutine unless the group is stopping.
func (g *workerGroup) Go(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping {
		return false
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
	return true
}

// StopAndWait prevents new workers from being started and waits for all
// current workers to exit, bounded by ctx.
func (g *workerGroup) StopAndWait(ctx context.Context) error {
	g.mu.Lock()
	g.stopping = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
