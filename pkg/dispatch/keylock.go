package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrLockInvariant is returned when a key lock is found in a state it can
// never legally reach, such as being released while not held.
var ErrLockInvariant = errors.New("dispatch: key lock invariant violated")

// keyLock is an exclusive lock granted in request order. sync.Mutex makes no
// ordering promise to its waiters, which would let two notifications for the
// same resource overtake each other.
type keyLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// reserve queues the caller and returns a channel that is closed once the
// caller owns the lock.
func (l *keyLock) reserve() chan struct{} {
	ch := make(chan struct{})

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		l.held = true
		close(ch)
		return ch
	}
	l.waiters = append(l.waiters, ch)
	return ch
}

// wait blocks until the reservation is granted or ctx is done. On
// cancellation the reservation is withdrawn.
func (l *keyLock) wait(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ch:
		return nil
	default:
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		if err := l.abandon(ch); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// abandon withdraws a reservation. If ownership was handed over in the
// meantime it is passed on to the next waiter.
func (l *keyLock) abandon(ch chan struct{}) error {
	l.mu.Lock()
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.mu.Unlock()
			return nil
		}
	}
	l.mu.Unlock()
	return l.release()
}

// release hands the lock to the oldest waiter, or marks it free.
func (l *keyLock) release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrLockInvariant
	}
	if len(l.waiters) == 0 {
		l.held = false
		return nil
	}
	next := l.waiters[0]
	l.waiters[0] = nil
	l.waiters = l.waiters[1:]
	close(next)
	return nil
}

// pending returns the number of queued waiters, not counting the holder.
func (l *keyLock) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
