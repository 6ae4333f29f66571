package syncer

import (
	"context"
	"sync"
)

var (
	guardsMu sync.Mutex
	guards   = map[string]chan struct{}{}
)

// guardFor returns the one-slot semaphore shared by every Service writing to table.
func guardFor(table string) chan struct{} {
	guardsMu.Lock()
	defer guardsMu.Unlock()

	g, ok := guards[table]
	if !ok {
		g = make(chan struct{}, 1)
		guards[table] = g
	}
	return g
}

// acquire blocks until the slot is free or ctx is done.
func acquire(ctx context.Context, g chan struct{}) (release func(), err error) {
	select {
	case g <- struct{}{}:
		return func() { <-g }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
