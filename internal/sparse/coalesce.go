// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package sparse

import (
	"fmt"
	"sort"

	"github.com/VIA-Research/LazyDP/internal/parallel"
	"github.com/VIA-Research/LazyDP/internal/tensor"
)

// CoalesceStrategy selects the coalescing kernel.
type CoalesceStrategy int

// Supported coalescing kernels.
const (
	// CoalesceBaseline is the single-threaded sort-and-sum reference.
	CoalesceBaseline CoalesceStrategy = iota
	// CoalesceMultiThreadGeneric sorts (index, position) pairs, finds segment
	// boundaries with a serial scan, then sums segments in parallel.
	CoalesceMultiThreadGeneric
	// CoalesceMultiThreadSegmented derives segment offsets with a boundary
	// flag + exclusive scan before the parallel segment reduction.
	CoalesceMultiThreadSegmented
)

// String returns the configuration-surface name of the strategy.
func (s CoalesceStrategy) String() string {
	switch s {
	case CoalesceBaseline:
		return "baseline"
	case CoalesceMultiThreadGeneric:
		return "multi-thread-generic"
	case CoalesceMultiThreadSegmented:
		return "multi-thread-segmented"
	default:
		return "unknown"
	}
}

// CoalesceConfig holds the kernel selection and its thread count.
type CoalesceConfig struct {
	Strategy   CoalesceStrategy
	NumThreads int // Worker count for the multi-threaded kernels (default 32).
}

// DefaultNumThreads is the worker-pool size the sparse kernels are tuned for.
const DefaultNumThreads = 32

func (c CoalesceConfig) pool() parallel.Config {
	n := c.NumThreads
	if n <= 0 {
		n = DefaultNumThreads
	}
	return parallel.WithWorkers(n)
}

// Coalesce merges duplicate row indices by vector summation.
//
// The result holds unique, index-sorted entries; coalescing an already
// coalesced gradient returns it unchanged. All strategies produce identical
// results up to floating-point summation order.
func Coalesce(g *Gradient, cfg CoalesceConfig) (*Gradient, error) {
	if g.IsCoalesced() {
		return g, nil
	}
	if len(g.Indices) == 0 {
		g.markCoalesced()
		return g, nil
	}

	switch cfg.Strategy {
	case CoalesceBaseline:
		return coalesceBaseline(g), nil
	case CoalesceMultiThreadGeneric:
		return coalesceSegments(g, cfg.pool(), segmentsSerial), nil
	case CoalesceMultiThreadSegmented:
		return coalesceSegments(g, cfg.pool(), segmentsScan), nil
	default:
		return nil, fmt.Errorf("%w: coalesce strategy %d", ErrUnknownStrategy, cfg.Strategy)
	}
}

// sortByIndex returns the entry positions ordered by row index. Ties keep
// their original order so the baseline sums contributions in input order.
func sortByIndex(indices []int64) []int {
	order := make([]int, len(indices))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return indices[order[a]] < indices[order[b]]
	})
	return order
}

func coalesceBaseline(g *Gradient) *Gradient {
	order := sortByIndex(g.Indices)

	outIndices := make([]int64, 0, len(order))
	outValues := make([]float32, 0, len(order)*g.Dim)

	var cur []float32
	for _, pos := range order {
		idx := g.Indices[pos]
		row := g.Values.Row(pos)
		if len(outIndices) == 0 || idx != outIndices[len(outIndices)-1] {
			outIndices = append(outIndices, idx)
			outValues = append(outValues, row...)
			cur = outValues[len(outValues)-g.Dim:]
			continue
		}
		for j, v := range row {
			cur[j] += v
		}
	}

	values := &tensor.Dense{Rows: len(outIndices), Cols: g.Dim, Data: outValues}
	out := &Gradient{Rows: g.Rows, Dim: g.Dim, Indices: outIndices, Values: values}
	out.markCoalesced()
	return out
}

// segmentsSerial walks the sorted order once and records, for each unique
// index, the [start, end] range of sorted positions contributing to it.
func segmentsSerial(indices []int64, order []int, _ parallel.Config) (unique []int64, starts, ends []int) {
	for i, pos := range order {
		idx := indices[pos]
		if i == 0 || idx != indices[order[i-1]] {
			if i != 0 {
				ends = append(ends, i-1)
			}
			unique = append(unique, idx)
			starts = append(starts, i)
		}
	}
	ends = append(ends, len(order)-1)
	return unique, starts, ends
}

// segmentsScan derives the same segment table via a boundary flag array and
// an exclusive scan, keeping the per-position work data parallel.
func segmentsScan(indices []int64, order []int, pool parallel.Config) (unique []int64, starts, ends []int) {
	n := len(order)
	boundary := make([]int, n)
	parallel.For(n, func(i int) {
		if i == 0 || indices[order[i]] != indices[order[i-1]] {
			boundary[i] = 1
		}
	}, pool)

	// Exclusive scan over the boundary flags; boundary[i] == 1 means sorted
	// position i opens segment scan[i].
	scan := make([]int, n)
	total := 0
	for i := 0; i < n; i++ {
		scan[i] = total
		total += boundary[i]
	}

	unique = make([]int64, total)
	starts = make([]int, total)
	ends = make([]int, total)
	parallel.For(n, func(i int) {
		if boundary[i] == 1 {
			seg := scan[i]
			unique[seg] = indices[order[i]]
			starts[seg] = i
		}
	}, pool)
	for seg := 0; seg+1 < total; seg++ {
		ends[seg] = starts[seg+1] - 1
	}
	ends[total-1] = n - 1
	return unique, starts, ends
}

type segmentFunc func(indices []int64, order []int, pool parallel.Config) ([]int64, []int, []int)

// coalesceSegments is the shared shape of both multi-threaded kernels: sort,
// derive segments, then reduce each segment's rows in parallel.
func coalesceSegments(g *Gradient, pool parallel.Config, segments segmentFunc) *Gradient {
	order := sortByIndex(g.Indices)
	unique, starts, ends := segments(g.Indices, order, pool)

	values := &tensor.Dense{
		Rows: len(unique),
		Cols: g.Dim,
		Data: make([]float32, len(unique)*g.Dim),
	}
	parallel.For(len(unique), func(seg int) {
		dst := values.Row(seg)
		copy(dst, g.Values.Row(order[starts[seg]]))
		for i := starts[seg] + 1; i <= ends[seg]; i++ {
			src := g.Values.Row(order[i])
			for j, v := range src {
				dst[j] += v
			}
		}
	}, pool)

	out := &Gradient{Rows: g.Rows, Dim: g.Dim, Indices: unique, Values: values}
	out.markCoalesced()
	return out
}
