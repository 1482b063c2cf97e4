package concurrent

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Concurrent runs action for every item in its own goroutine, at most limit
// at a time (limit <= 0 means unbounded). The context passed to action is
// cancelled on the first error, which is the error returned.
func Concurrent[T any](ctx context.Context, items []T, limit int, action func(context.Context, T) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}
	for _, item := range items {
		group.Go(func() error {
			return action(groupCtx, item)
		})
	}
	return group.Wait()
}

// ParallelCollect runs action for every item concurrently, never cancels the
// others, and joins every error returned.
func ParallelCollect[T any](items []T, action func(T) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, item := range items {
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			if err := action(item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(item)
	}
	wg.Wait()
	return errors.Join(errs...)
}
