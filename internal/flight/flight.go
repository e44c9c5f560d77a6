// Package flight deduplicates concurrent work on the same key.
package flight

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Registry runs at most one function per key at a time. Callers
// asking for a key that is already in flight wait for and share
// its result.
type Registry[T any] struct {
	g singleflight.Group
}

// NewRegistry creates an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Do runs fn for key unless a call for key is in flight, in which
// case it waits for that call. fn receives a context that is not
// cancelled when ctx is, so a caller giving up does not abort the
// work for the others. shared reports whether the result was
// given to more than one caller.
func (r *Registry[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (v T, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := r.g.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		return v, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	}
}

// Forget makes the next call for key run fn again even if a
// call is still in flight.
func (r *Registry[T]) Forget(key string) {
	r.g.Forget(key)
}
