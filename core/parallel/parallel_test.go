package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"

	respirexErrors "github.com/YuminosukeSato/respirex/pkg/errors"
)

func TestParallelizeCoversEveryItemOnce(t *testing.T) {
	for _, workers := range []int{0, 1, 3, 64} {
		const items = 100
		var hits [items]int32
		Parallelize(items, workers, func(start, end int) {
			for i := start; i < end; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("workers=%d: item %d visited %d times", workers, i, h)
			}
		}
	}
}

func TestParallelizeErrReturnsLowestRangeError(t *testing.T) {
	first := errors.New("range starting at 0")
	err := ParallelizeErr(10, 5, func(start, end int) error {
		if start == 0 {
			return first
		}
		return errors.Newf("range starting at %d", start)
	})
	if !errors.Is(err, first) {
		t.Fatalf("expected first range error, got %v", err)
	}
}

func TestParallelizeZeroItems(t *testing.T) {
	called := false
	Parallelize(0, 4, func(start, end int) { called = true })
	if called {
		t.Error("fn should not be called for zero items")
	}
}

func TestParallelizeWithThresholdRunsSequentially(t *testing.T) {
	var calls int32
	ParallelizeWithThreshold(5, 10, func(start, end int) {
		atomic.AddInt32(&calls, 1)
		if start != 0 || end != 5 {
			t.Errorf("unexpected range [%d, %d)", start, end)
		}
	})
	if calls != 1 {
		t.Errorf("expected one sequential call, got %d", calls)
	}
}

func TestParallelizeErrConvertsWorkerPanic(t *testing.T) {
	err := ParallelizeErr(8, 4, func(start, end int) error {
		if start == 4 {
			panic("corrupt image header")
		}
		return nil
	})
	var panicErr *respirexErrors.PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if panicErr.Operation != "parallel.worker" || panicErr.PanicValue != "corrupt image header" {
		t.Errorf("unexpected panic error: %+v", panicErr)
	}
}

func TestParallelizeRepanicsOnCaller(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		var panicErr *respirexErrors.PanicError
		if !ok || !errors.As(err, &panicErr) {
			t.Fatalf("expected a PanicError to be re-raised, got %v", r)
		}
	}()
	Parallelize(6, 3, func(start, end int) {
		if start == 0 {
			panic("boom")
		}
	})
	t.Fatal("Parallelize should have panicked")
}
