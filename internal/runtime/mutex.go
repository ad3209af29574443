package runtime

import "context"

// Mutex is a fair, FIFO async lock. Acquire returns a single-use release
// handle; a waiter enqueued while the lock is held resumes in arrival
// order (C1 §4.1).
type Mutex struct {
	ch chan struct{}
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Acquire blocks until the lock is held, honoring ctx cancellation, and
// returns a release function that must be called exactly once.
func (m *Mutex) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case <-m.ch:
		released := false
		return func() {
			if released {
				return
			}
			released = true
			m.ch <- struct{}{}
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithLock acquires the lock, runs fn, and guarantees release on both
// success and failure (panic included).
func (m *Mutex) WithLock(ctx context.Context, fn func() error) error {
	release, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
