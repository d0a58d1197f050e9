package engine

import (
	"context"
	"sync"
)

// listingLocks hands out one exclusive lock per listing. Operations on
// different listings never contend.
type listingLocks struct {
	m sync.Map // listing ID -> chan struct{} with capacity 1
}

// acquire blocks until the listing's lock is free or ctx is done.
func (l *listingLocks) acquire(ctx context.Context, listingID string) (func(), error) {
	v, _ := l.m.LoadOrStore(listingID, make(chan struct{}, 1))
	ch := v.(chan struct{})

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
