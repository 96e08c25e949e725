// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package sparse

import (
	"fmt"
	"slices"

	"github.com/VIA-Research/LazyDP/internal/parallel"
)

// UniqueStrategy selects the unique-extraction kernel.
type UniqueStrategy int

// Supported unique-extraction kernels.
const (
	UniqueBaseline UniqueStrategy = iota
	UniqueMultiThread
)

// String returns the configuration-surface name of the strategy.
func (s UniqueStrategy) String() string {
	switch s {
	case UniqueBaseline:
		return "baseline"
	case UniqueMultiThread:
		return "multi-thread"
	default:
		return "unknown"
	}
}

// UniqueConfig holds the kernel selection and its thread count.
type UniqueConfig struct {
	Strategy   UniqueStrategy
	NumThreads int
}

// Unique returns the sorted set of distinct row indices in the input.
//
// The input is not modified. Both strategies yield the same set; the
// multi-threaded kernel sorts per-worker slabs concurrently and merges them.
func Unique(indices []int64, cfg UniqueConfig) ([]int64, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	switch cfg.Strategy {
	case UniqueBaseline:
		out := make([]int64, len(indices))
		copy(out, indices)
		slices.Sort(out)
		return slices.Compact(out), nil
	case UniqueMultiThread:
		return uniqueMultiThread(indices, cfg.NumThreads), nil
	default:
		return nil, fmt.Errorf("%w: unique strategy %d", ErrUnknownStrategy, cfg.Strategy)
	}
}

func uniqueMultiThread(indices []int64, threads int) []int64 {
	if threads <= 0 {
		threads = DefaultNumThreads
	}
	pool := parallel.WithWorkers(threads)

	buf := make([]int64, len(indices))
	copy(buf, indices)

	// Sort one contiguous slab per worker, collecting the slab bounds for
	// the merge phase. The bound slices are indexed by worker id, so the
	// concurrent writes never collide.
	workers := pool.NumWorkers
	if workers > len(buf) {
		workers = len(buf)
	}
	starts := make([]int, workers)
	ends := make([]int, workers)
	parallel.ForChunks(len(buf), func(w, start, end int) {
		starts[w], ends[w] = start, end
		slices.Sort(buf[start:end])
	}, pool)

	// K-way merge with deduplication across the sorted slabs.
	heads := make([]int, workers)
	copy(heads, starts)
	out := make([]int64, 0, len(buf))
	for {
		best := -1
		var bestVal int64
		for w := 0; w < workers; w++ {
			if heads[w] >= ends[w] {
				continue
			}
			if v := buf[heads[w]]; best == -1 || v < bestVal {
				best, bestVal = w, v
			}
		}
		if best == -1 {
			break
		}
		heads[best]++
		if len(out) == 0 || out[len(out)-1] != bestVal {
			out = append(out, bestVal)
		}
	}
	return out
}
