// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"sync/atomic"
	"testing"
)

func TestFor(t *testing.T) {
	cfg := DefaultConfig()

	var counter int64
	n := 1000

	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != int64(n) {
		t.Errorf("Expected %d, got %d", n, counter)
	}
}

func TestFor_Sequential(t *testing.T) {
	cfg := Config{Enabled: false}

	var counter int64
	For(100, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != 100 {
		t.Errorf("Expected 100, got %d", counter)
	}
}

func TestFor_SmallChunk(t *testing.T) {
	// Test that small work units fall back to sequential.
	cfg := DefaultConfig()

	var counter int64
	n := cfg.MinChunkSize - 1

	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != int64(n) {
		t.Errorf("Expected %d, got %d", n, counter)
	}
}

func TestForChunks_CoversRange(t *testing.T) {
	cfg := WithWorkers(4)

	n := 103
	seen := make([]int32, n)
	ForChunks(n, func(_, start, end int) {
		for i := start; i < end; i++ {
			atomic.AddInt32(&seen[i], 1)
		}
	}, cfg)

	for i, c := range seen {
		if c != 1 {
			t.Errorf("Index %d visited %d times, expected 1", i, c)
		}
	}
}

func TestForChunks_DistinctWorkers(t *testing.T) {
	cfg := WithWorkers(4)

	var workers int64
	ForChunks(400, func(w, start, end int) {
		atomic.AddInt64(&workers, 1)
		if start >= end {
			t.Errorf("Worker %d got empty slab [%d, %d)", w, start, end)
		}
	}, cfg)

	if workers != 4 {
		t.Errorf("Expected 4 slabs, got %d", workers)
	}
}

func TestForChunks_MoreWorkersThanItems(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 32, MinChunkSize: 1}

	var counter int64
	ForChunks(3, func(_, start, end int) {
		atomic.AddInt64(&counter, int64(end-start))
	}, cfg)

	if counter != 3 {
		t.Errorf("Expected 3 items covered, got %d", counter)
	}
}

func TestForChunks_Empty(t *testing.T) {
	called := false
	ForChunks(0, func(_, _, _ int) { called = true }, DefaultConfig())
	if called {
		t.Error("ForChunks(0) must not invoke the body")
	}
}

func BenchmarkFor(b *testing.B) {
	cfg := DefaultConfig()
	n := 10000

	b.Run("parallel", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(i int) {
				atomic.AddInt64(&sum, int64(i))
			}, cfg)
		}
	})

	b.Run("sequential", func(b *testing.B) {
		cfgSeq := cfg
		cfgSeq.Enabled = false
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(i int) {
				atomic.AddInt64(&sum, int64(i))
			}, cfgSeq)
		}
	})
}
