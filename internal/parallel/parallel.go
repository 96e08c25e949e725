// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package parallel provides the worker-pool fan-out used by the sparse
// gradient and noise kernels.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64, // Typical cache line aware chunk.
	}
}

// WithWorkers returns a Config with a fixed worker count.
//
// A count <= 0 falls back to DefaultConfig. Used by the kernel strategies
// whose thread counts are set explicitly in the optimizer configuration.
func WithWorkers(n int) Config {
	if n <= 0 {
		return DefaultConfig()
	}
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1,
	}
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is too small.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < cfg.MinChunkSize {
		// Sequential fallback.
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)

	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// ForChunks splits [0, n) into at most NumWorkers contiguous slabs and runs
// f(worker, start, end) once per slab.
//
// The slab form is what the partitioned kernels want: each worker owns one
// contiguous row range (cache friendly, one RNG stream per worker) instead of
// interleaved single indices. The worker id is stable in [0, NumWorkers).
func ForChunks(n int, f func(worker, start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	if !cfg.Enabled || n < cfg.MinChunkSize {
		f(0, 0, n)
		return
	}

	workers := cfg.NumWorkers
	if workers > n {
		workers = n
	}
	unit := n / workers
	remain := n % workers

	var wg sync.WaitGroup
	start := 0
	for w := 0; w < workers; w++ {
		size := unit
		// Trailing worker absorbs the remainder rows.
		if w == workers-1 {
			size += remain
		}
		wg.Add(1)
		go func(w, s, e int) {
			defer wg.Done()
			f(w, s, e)
		}(w, start, start+size)
		start += size
	}
	wg.Wait()
}
