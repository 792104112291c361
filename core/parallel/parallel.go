package parallel

import (
	"runtime"
	"sync"

	"github.com/YuminosukeSato/respirex/pkg/errors"
)

// Parallelize divides [0, items) into contiguous ranges, one per worker, and
// executes fn in parallel for each range (start, end).
// workers <= 0 uses the number of CPU cores. A panic inside fn is re-raised on
// the calling goroutine, where the caller's deferred recover can see it.
func Parallelize(items, workers int, fn func(start, end int)) {
	err := ParallelizeErr(items, workers, func(start, end int) error {
		fn(start, end)
		return nil
	})
	if err != nil {
		panic(err)
	}
}

// ParallelizeErr behaves like Parallelize but collects errors. When several
// ranges fail, the error of the range with the lowest start index is returned
// so the result does not depend on scheduling. A panicking range is reported
// as an *errors.PanicError instead of taking the process down.
func ParallelizeErr(items, workers int, fn func(start, end int) error) error {
	if items <= 0 {
		return nil
	}

	numWorkers := workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > items {
		numWorkers = items // No need for more workers than items
	}

	// ceiling division
	chunkSize := (items + numWorkers - 1) / numWorkers
	errs := make([]error, numWorkers)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > items {
			end = items
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(w, s, e int) {
			defer wg.Done()
			errs[w] = errors.SafeExecute("parallel.worker", func() error { return fn(s, e) })
		}(i, start, end)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ParallelizeWithThreshold performs parallelization only when the number of items exceeds the threshold
// If below threshold, normal sequential processing is performed
func ParallelizeWithThreshold(items int, threshold int, fn func(start, end int)) {
	if items <= threshold {
		fn(0, items)
		return
	}
	Parallelize(items, 0, fn)
}
