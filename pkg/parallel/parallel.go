// Package parallel runs fork-join passes over index ranges. Work is
// split into fixed contiguous partitions so results never depend on
// goroutine scheduling, and reductions merge per-worker buffers in
// worker order to keep floating-point sums reproducible.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Threads resolves a requested worker count. Zero or negative requests
// all available cores.
func Threads(requested int) int {
	if requested <= 0 {
		return runtime.NumCPU()
	}
	return requested
}

// Range is a contiguous half-open index interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Len returns the number of indices in the range.
func (r Range) Len() int { return r.End - r.Start }

// Partition splits n items into at most workers contiguous ranges of
// near-equal size. Fewer ranges are returned when n < workers; n == 0
// returns nil. The ranges cover [0, n) exactly once in ascending order.
func Partition(n, workers int) []Range {
	if n <= 0 {
		return nil
	}
	workers = Threads(workers)
	if workers > n {
		workers = n
	}
	per := (n + workers - 1) / workers

	var ranges []Range
	for start := 0; start < n; start += per {
		end := start + per
		if end > n {
			end = n
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}

// Run executes fn over [0, n) split into fixed contiguous ranges, one
// goroutine per range. fn receives its worker index and range; the worker
// index is stable, so per-worker scratch can be preallocated by the caller.
// The first error cancels the context seen by the remaining workers and is
// returned after all workers exit.
func Run(ctx context.Context, n, workers int, fn func(ctx context.Context, worker int, r Range) error) error {
	ranges := Partition(n, workers)
	if len(ranges) == 0 {
		return nil
	}
	if len(ranges) == 1 {
		return fn(ctx, 0, ranges[0])
	}

	g, gctx := errgroup.WithContext(ctx)
	for w, r := range ranges {
		w, r := w, r
		g.Go(func() error {
			return fn(gctx, w, r)
		})
	}
	return g.Wait()
}

// sumChunks is the number of accumulation buffers used by SumVectors.
// The chunk layout depends only on n, never on the worker count, so the
// merge order and the floating-point result are bit-stable no matter how
// many goroutines ran the chunks.
const sumChunks = 16

// SumVectors accumulates a reduction over [0, n) into dst. The index
// space is split into a fixed chunk grid; fn fills the chunk's private
// accumulator (len(dst) float64s), chunks run on at most workers
// goroutines, and the accumulators are added into dst in chunk order.
// Peak memory is sumChunks copies of dst.
func SumVectors(ctx context.Context, n, workers int, dst []float64, fn func(ctx context.Context, acc []float64, r Range) error) error {
	chunks := Partition(n, sumChunks)
	if len(chunks) == 0 {
		return nil
	}

	parts := make([][]float64, len(chunks))
	for c := range parts {
		parts[c] = make([]float64, len(dst))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Threads(workers))
	for c, r := range chunks {
		c, r := c, r
		g.Go(func() error {
			return fn(gctx, parts[c], r)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, part := range parts {
		for i, v := range part {
			dst[i] += v
		}
	}
	return nil
}
