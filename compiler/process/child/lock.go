package child

import (
	"context"
	"sync"
)

// execLock lets the code of one test run at a time.
//
// A test blocked on the host may cause the host to call back into the worker
// for the same run: a role initialization, a request hook event. Those nested
// calls carry the run id of the owner and enter the lock instead of waiting
// for it, so they run on top of the blocked test, the way they would in a
// single-threaded runtime.
type execLock struct {
	mu    sync.Mutex
	owner string
	depth int
	sem   chan struct{}
}

func newExecLock() *execLock {
	return &execLock{sem: make(chan struct{}, 1)}
}

// acquire takes the lock for runID and returns the function releasing it.
func (l *execLock) acquire(ctx context.Context, runID string) (func(), error) {
	l.mu.Lock()
	if runID != "" && l.depth > 0 && l.owner == runID {
		l.depth++
		l.mu.Unlock()
		return l.release, nil
	}
	l.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	l.owner, l.depth = runID, 1
	l.mu.Unlock()
	return l.release, nil
}

func (l *execLock) release() {
	l.mu.Lock()
	l.depth--
	if l.depth > 0 {
		l.mu.Unlock()
		return
	}
	l.owner = ""
	l.mu.Unlock()
	<-l.sem
}
