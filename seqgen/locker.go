package seqgen

import (
	"context"
	"sync"
	"time"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
)

// LocalLocker is an in-process Locker.
//
// Each key maps to one mutex for as long as anyone holds or waits
// on it. Idle keys are forgotten.
type LocalLocker struct {
	// Timeout bounds the wait for a lock. Zero means wait until
	// the context is done.
	Timeout time.Duration

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{} // buffered(1): holding the lock is a value in ch
	refs int
}

var (
	localOnce sync.Once
	local     *LocalLocker
)

// Local returns the process-wide LocalLocker.
func Local() *LocalLocker {
	localOnce.Do(func() { local = new(LocalLocker) })
	return local
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	kl := l.ref(key)
	defer l.unref(key, kl)

	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		return mailbox.LockUnavailablef("seqgen: lock %q: %v", key, ctx.Err())
	}
	defer func() { <-kl.ch }()

	return fn()
}

func (l *LocalLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*keyLock)
	}
	kl := l.locks[key]
	if kl == nil {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *LocalLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// held reports the number of keys with holders or waiters.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
