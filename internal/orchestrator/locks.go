package orchestrator

import (
	"context"
	"sync"
)

// accountLocks serialises generation requests per account. Entries are
// reference counted and removed once no holder or waiter remains.
type accountLocks struct {
	mu    sync.Mutex
	locks map[int64]*accountLock
}

type accountLock struct {
	ch   chan struct{}
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[int64]*accountLock)}
}

// lock blocks until the account is free or ctx is done.
func (l *accountLocks) lock(ctx context.Context, userID int64) (unlock func(), err error) {
	l.mu.Lock()
	al, ok := l.locks[userID]
	if !ok {
		al = &accountLock{ch: make(chan struct{}, 1)}
		l.locks[userID] = al
	}
	al.refs++
	l.mu.Unlock()

	select {
	case al.ch <- struct{}{}:
		return func() {
			<-al.ch
			l.release(userID, al)
		}, nil
	case <-ctx.Done():
		l.release(userID, al)
		return nil, ctx.Err()
	}
}

func (l *accountLocks) release(userID int64, al *accountLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	al.refs--
	if al.refs == 0 {
		delete(l.locks, userID)
	}
}

func (l *accountLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
