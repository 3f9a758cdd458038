package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// TestPartitionCoversRange verifies that partitions tile [0, n) exactly
// once in ascending order for a variety of sizes and worker counts.
func TestPartitionCoversRange(t *testing.T) {
	tests := []struct {
		n       int
		workers int
	}{
		{n: 0, workers: 4},
		{n: 1, workers: 4},
		{n: 7, workers: 3},
		{n: 8, workers: 8},
		{n: 100, workers: 7},
		{n: 3, workers: 16},
	}

	for _, tt := range tests {
		ranges := Partition(tt.n, tt.workers)

		if tt.n == 0 {
			if ranges != nil {
				t.Errorf("Partition(%d, %d): expected nil, got %v", tt.n, tt.workers, ranges)
			}
			continue
		}

		next := 0
		for _, r := range ranges {
			if r.Start != next {
				t.Errorf("Partition(%d, %d): range starts at %d, expected %d", tt.n, tt.workers, r.Start, next)
			}
			if r.End <= r.Start {
				t.Errorf("Partition(%d, %d): empty range %v", tt.n, tt.workers, r)
			}
			next = r.End
		}
		if next != tt.n {
			t.Errorf("Partition(%d, %d): ranges end at %d, expected %d", tt.n, tt.workers, next, tt.n)
		}
		if len(ranges) > tt.workers && tt.workers > 0 {
			t.Errorf("Partition(%d, %d): got %d ranges, expected at most %d", tt.n, tt.workers, len(ranges), tt.workers)
		}
	}
}

// TestRunVisitsEveryIndex checks that each index is processed exactly once.
func TestRunVisitsEveryIndex(t *testing.T) {
	const n = 1000
	visits := make([]int32, n)

	err := Run(context.Background(), n, 4, func(ctx context.Context, worker int, r Range) error {
		for i := r.Start; i < r.End; i++ {
			atomic.AddInt32(&visits[i], 1)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for i, v := range visits {
		if v != 1 {
			t.Errorf("Index %d visited %d times, expected 1", i, v)
		}
	}
}

// TestRunPropagatesError verifies that a worker error is returned and
// cancels the group context.
func TestRunPropagatesError(t *testing.T) {
	sentinel := errors.New("worker failure")

	err := Run(context.Background(), 100, 4, func(ctx context.Context, worker int, r Range) error {
		if worker == 1 {
			return sentinel
		}
		<-ctx.Done()
		return nil
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected sentinel error, got %v", err)
	}
}

// TestSumVectorsDeterministic verifies that the merged sum does not
// depend on the worker count.
func TestSumVectorsDeterministic(t *testing.T) {
	const n = 517
	const dim = 9

	// Values chosen so naive reordering of float additions would drift.
	contribution := func(i, j int) float64 {
		return 1.0 / float64(i+j+1)
	}

	sums := make([][]float64, 0, 4)
	for _, workers := range []int{1, 2, 3, 8} {
		dst := make([]float64, dim)
		err := SumVectors(context.Background(), n, workers, dst, func(ctx context.Context, acc []float64, r Range) error {
			for i := r.Start; i < r.End; i++ {
				for j := range acc {
					acc[j] += contribution(i, j)
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("SumVectors with %d workers failed: %v", workers, err)
		}
		sums = append(sums, dst)
	}

	for k := 1; k < len(sums); k++ {
		for j := 0; j < dim; j++ {
			if sums[k][j] != sums[0][j] {
				t.Errorf("Component %d differs between worker counts: %v vs %v", j, sums[k][j], sums[0][j])
			}
		}
	}
}

// TestThreads checks worker count resolution.
func TestThreads(t *testing.T) {
	if got := Threads(4); got != 4 {
		t.Errorf("Threads(4) = %d, expected 4", got)
	}
	if got := Threads(0); got < 1 {
		t.Errorf("Threads(0) = %d, expected at least 1", got)
	}
	if got := Threads(-1); got < 1 {
		t.Errorf("Threads(-1) = %d, expected at least 1", got)
	}
}
