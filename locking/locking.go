// Package locking provides the two lock primitives the orchestrator builds
// on: a cross-process advisory file lock with bounded retries, and an
// in-process mutex that hands itself to waiters in FIFO order.
package locking

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockAttempts     = 5
	lockInitialDelay = 100 * time.Millisecond
	lockMaxDelay     = 2 * time.Second
)

// FileLock is a cross-process advisory lock on a path. The lock file lives
// next to the protected file with a .lock suffix.
type FileLock struct {
	fl *flock.Flock
}

// NewFileLock creates a file lock guarding path.
func NewFileLock(path string) *FileLock {
	return &FileLock{fl: flock.New(path + ".lock")}
}

// Acquire takes the lock, retrying with exponential backoff. It fails after
// a bounded number of attempts so a dead holder cannot wedge the caller
// forever.
func (l *FileLock) Acquire() error {
	delay := lockInitialDelay
	for attempt := 1; attempt <= lockAttempts; attempt++ {
		locked, err := l.fl.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", l.fl.Path(), err)
		}
		if locked {
			return nil
		}
		if attempt == lockAttempts {
			break
		}
		time.Sleep(delay)
		delay *= 2
		if delay > lockMaxDelay {
			delay = lockMaxDelay
		}
	}
	return fmt.Errorf("failed to acquire lock %s after %d attempts", l.fl.Path(), lockAttempts)
}

// Release drops the lock.
func (l *FileLock) Release() error {
	return l.fl.Unlock()
}

// WithLock runs fn under the lock, releasing it on every exit path.
func (l *FileLock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer func() {
		_ = l.fl.Unlock()
	}()
	return fn()
}

// FIFOMutex is a cooperative mutex whose Unlock hands the lock to the
// earliest waiter. It never fails an operation; it only blocks.
type FIFOMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Lock blocks until the mutex is held by the caller.
func (m *FIFOMutex) Lock() {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()
	<-ch
}

// TryLock takes the mutex if it is free, without queueing.
func (m *FIFOMutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Unlock releases the mutex, waking the earliest waiter if any. The waiter
// receives the lock directly so later arrivals cannot barge ahead.
func (m *FIFOMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		panic("locking: Unlock of unlocked FIFOMutex")
	}
	if len(m.waiters) == 0 {
		m.locked = false
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	close(next)
}
