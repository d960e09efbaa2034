package updates

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// agentLocks serializes writers per agent. Different agents never block
// each other. An agent's entry lives only while someone holds or waits
// for its lock.
type agentLocks struct {
	mu   sync.Mutex
	sems map[string]*agentLock
}

type agentLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newAgentLocks() *agentLocks {
	return &agentLocks{sems: make(map[string]*agentLock)}
}

// lock blocks until agentID's lock is held or ctx is done. The returned
// func releases it.
func (l *agentLocks) lock(ctx context.Context, agentID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.sems[agentID]
	if !ok {
		e = &agentLock{sem: semaphore.NewWeighted(1)}
		l.sems[agentID] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.release(agentID, e)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.release(agentID, e)
		})
	}, nil
}

func (l *agentLocks) release(agentID string, e *agentLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.sems, agentID)
	}
}

// size reports how many agents currently have a lock entry.
func (l *agentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sems)
}
