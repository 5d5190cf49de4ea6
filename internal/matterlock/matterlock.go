// Package matterlock serializes webhook processing per matter. Webhooks for
// different matters run fully in parallel; a second webhook for the same
// matter waits on the holder, bounded by the caller's context.
package matterlock

import (
	"context"
	"errors"
	"sync"
)

// ErrTimeout is returned when the acquisition bound elapses.
var ErrTimeout = errors.New("matter lock acquisition timed out")

type entry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// Keyed is a set of named, acquire-on-demand exclusion scopes. Entries are
// dropped once the last interested goroutine releases or gives up, so idle
// matters cost nothing.
type Keyed struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

func New() *Keyed {
	return &Keyed{entries: make(map[int64]*entry)}
}

// Acquire blocks until the matter's scope is held or ctx expires. On success
// the caller must Release with the same matter id exactly once.
func (k *Keyed) Acquire(ctx context.Context, matterID int64) error {
	k.mu.Lock()
	e, ok := k.entries[matterID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		k.entries[matterID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		k.drop(matterID, e)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

// Release hands the scope to the next waiter, or garbage-collects the entry
// when nobody is interested.
func (k *Keyed) Release(matterID int64) {
	k.mu.Lock()
	e, ok := k.entries[matterID]
	k.mu.Unlock()
	if !ok {
		return
	}
	e.ch <- struct{}{}
	k.drop(matterID, e)
}

func (k *Keyed) drop(matterID int64, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		delete(k.entries, matterID)
	}
}

// Len reports how many matters currently have an active scope.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
