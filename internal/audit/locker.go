package audit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ChainLocker provides the per-chain exclusive section of the append path.
// Acquire blocks until the section is held or ctx is done; the returned
// release func must be called exactly once.
type ChainLocker interface {
	Acquire(ctx context.Context, chainID string) (release func(), err error)
}

// LocalLocker serializes appends per chain within one process. Each chain
// gets its own weighted semaphore so different chains never contend.
type LocalLocker struct {
	mu    sync.Mutex
	chain map[string]*semaphore.Weighted
}

// NewLocalLocker creates a process-local chain locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{chain: make(map[string]*semaphore.Weighted)}
}

func (l *LocalLocker) chainSemaphore(chainID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.chain[chainID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.chain[chainID] = sem
	}
	return sem
}

// Acquire takes the chain's section, honouring ctx cancellation while waiting
func (l *LocalLocker) Acquire(ctx context.Context, chainID string) (func(), error) {
	sem := l.chainSemaphore(chainID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}
