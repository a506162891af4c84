package utils

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// SimpleFunc is for RunInParallel.
type SimpleFunc func(ctx context.Context) error

// RunInParallel runs all functions with at most ParallelFactor in flight. The first failure
// cancels the context handed to the others. Every non-cancellation error is returned, combined.
// Panics are converted to errors.
func RunInParallel(ctx context.Context, fs []SimpleFunc) (time.Duration, error) {
	start := time.Now()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ParallelFactor)

	var errMu sync.Mutex
	var combined error
	for _, f := range fs {
		group.Go(func() (err error) {
			defer func() {
				if thePanic := recover(); thePanic != nil {
					err = fmt.Errorf("got panic running something in parallel: %v", thePanic)
				}
				if err != nil {
					errMu.Lock()
					if combined == nil || !multierr.Every(err, context.Canceled) {
						combined = multierr.Append(combined, err)
					}
					errMu.Unlock()
				}
			}()
			return f(groupCtx)
		})
	}

	// Every error was already recorded in combined.
	_ = group.Wait()
	return time.Since(start), combined
}
