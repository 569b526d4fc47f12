package orchestrator

import (
	"context"
	"sync"
)

type (
	// pageLocks serializes turns per page id. Waiters are granted the lock
	// in arrival order; locks for distinct pages are independent.
	pageLocks struct {
		mu    sync.Mutex
		pages map[string]*pageLock
	}

	pageLock struct {
		held    bool
		waiters []chan struct{}
	}
)

func newPageLocks() *pageLocks {
	return &pageLocks{pages: make(map[string]*pageLock)}
}

// acquire blocks until the page lock is granted or ctx is done. FIFO among
// waiters of the same page.
func (l *pageLocks) acquire(ctx context.Context, pageID string) error {
	l.mu.Lock()
	pl, ok := l.pages[pageID]
	if !ok {
		pl = &pageLock{}
		l.pages[pageID] = pl
	}
	if !pl.held {
		pl.held = true
		l.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	pl.waiters = append(pl.waiters, grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range pl.waiters {
			if w == grant {
				pl.waiters = append(pl.waiters[:i], pl.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The grant raced the cancellation; pass it on.
		l.release(pageID)
		return ctx.Err()
	}
}

// release hands the lock to the next waiter, or clears it.
func (l *pageLocks) release(pageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl, ok := l.pages[pageID]
	if !ok {
		return
	}
	if len(pl.waiters) > 0 {
		next := pl.waiters[0]
		pl.waiters = pl.waiters[1:]
		close(next)
		return
	}
	pl.held = false
	delete(l.pages, pageID)
}
