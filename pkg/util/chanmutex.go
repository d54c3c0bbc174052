package util

// Channel-based mutex, so that acquisition can be combined with timeouts and
// Context.Done without spawning helper goroutines.

import (
	"context"
	"time"
)

// ChanMutex is a select-able mutex.
//
// It is fair if and only if receiving on a channel is fair, which is a runtime
// implementation detail and may change without notice.
//
// Unlike sync.Mutex, ChanMutex requires initialization before use, because
// it's basically just a channel.
type ChanMutex struct {
	ch chan struct{}
}

// NewChanMutex creates a new ChanMutex.
func NewChanMutex() ChanMutex {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	return ChanMutex{ch}
}

// Lock locks m, blocking until it is available.
func (m *ChanMutex) Lock() {
	if m.ch == nil {
		panic("called Lock on uninitialized ChanMutex")
	}
	<-m.ch
}

// TryLock blocks until locking m succeeds or the context is cancelled.
//
// If the context is cancelled while waiting, the lock is left unchanged and
// ctx.Err() is returned.
func (m *ChanMutex) TryLock(ctx context.Context) error {
	if m.ch == nil {
		panic("called TryLock on uninitialized ChanMutex")
	}
	select {
	case <-m.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLockTimeout blocks until locking m succeeds or the timeout elapses,
// reporting whether the lock was acquired.
func (m *ChanMutex) TryLockTimeout(timeout time.Duration) bool {
	if m.ch == nil {
		panic("called TryLockTimeout on uninitialized ChanMutex")
	}
	select {
	case <-m.ch:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.ch:
		return true
	case <-timer.C:
		return false
	}
}

// Unlock unlocks m.
func (m *ChanMutex) Unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("ChanMutex.Unlock called while already unlocked")
	}
}
