// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package noise generates the Gaussian privacy noise added to clipped
// gradients.
//
// The host-memory fast path partitions the output rows across a fixed worker
// pool, each worker drawing from its own independently seeded source. The
// draws are i.i.d. across workers, so the partitioning does not change the
// distribution, only the throughput.
package noise

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/VIA-Research/LazyDP/internal/parallel"
	"github.com/VIA-Research/LazyDP/internal/tensor"
)

// Package errors.
var (
	ErrZeroStd         = errors.New("zero noise std in production path")
	ErrUnknownStrategy = errors.New("unknown noise strategy")
)

// Strategy selects the generation kernel.
type Strategy int

// Supported generation kernels.
const (
	Baseline Strategy = iota
	MultiThread
)

// String returns the configuration-surface name of the strategy.
func (s Strategy) String() string {
	switch s {
	case Baseline:
		return "baseline"
	case MultiThread:
		return "multi-thread"
	default:
		return "unknown"
	}
}

// DebugMode substitutes the random draw with a constant, strictly for
// correctness comparisons between training variants.
type DebugMode int

// Debug modes.
const (
	DebugOff  DebugMode = iota
	DebugZero           // Every draw is 0.
	DebugOne            // Every draw is 1.
)

// Config controls a Generator.
type Config struct {
	Strategy   Strategy
	NumThreads int       // Worker count for MultiThread (default 32).
	Seed       uint64    // 0 derives a seed from the clock.
	Debug      DebugMode // Testing only; bypasses the RNG.
}

// Generator produces zero-mean Gaussian noise blocks.
type Generator struct {
	cfg  Config
	next atomic.Uint64 // Per-worker seed counter; every draw gets a fresh stream.
}

// NewGenerator validates the configuration and returns a Generator.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Strategy != Baseline && cfg.Strategy != MultiThread {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, cfg.Strategy)
	}
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = DefaultNumThreads
	}
	g := &Generator{cfg: cfg}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	g.next.Store(seed)
	return g, nil
}

// DefaultNumThreads matches the worker-pool size of the sparse kernels.
const DefaultNumThreads = 32

// Debug reports the configured debug mode.
func (g *Generator) Debug() DebugMode {
	return g.cfg.Debug
}

func (g *Generator) source() *rand.Rand {
	return rand.New(rand.NewSource(g.next.Add(1)))
}

// Generate returns a rows x dim matrix of i.i.d. N(0, std^2) samples.
//
// A zero std is a programmer error in the production path: silently adding
// no noise would void the privacy guarantee. Debug modes replace every
// sample with the constant 0 or 1.
func (g *Generator) Generate(std float64, rows, dim int) (*tensor.Dense, error) {
	out, err := tensor.NewDense(rows, dim)
	if err != nil {
		return nil, err
	}
	switch g.cfg.Debug {
	case DebugZero:
		return out, nil
	case DebugOne:
		for i := range out.Data {
			out.Data[i] = 1
		}
		return out, nil
	}
	if std == 0 {
		return nil, ErrZeroStd
	}

	switch g.cfg.Strategy {
	case Baseline:
		dist := distuv.Normal{Mu: 0, Sigma: std, Src: g.source()}
		for i := range out.Data {
			out.Data[i] = float32(dist.Rand())
		}
	case MultiThread:
		pool := parallel.WithWorkers(g.cfg.NumThreads)
		parallel.ForChunks(rows, func(_, start, end int) {
			dist := distuv.Normal{Mu: 0, Sigma: std, Src: g.source()}
			slab := out.Data[start*dim : end*dim]
			for i := range slab {
				slab[i] = float32(dist.Rand())
			}
		}, pool)
	}
	return out, nil
}

// GenerateRows returns a (len(stds) + extra) x dim matrix whose first
// len(stds) rows hold N(0, stds[i]^2) samples and whose trailing extra rows
// are zero, ready to receive the real gradient values.
//
// The single allocation avoids a second copy when the delayed noise block is
// concatenated with the current batch's sparse gradient. Unlike Generate, a
// zero entry in stds is legal here: a row with no missed iterations owes no
// noise. Generation always runs on the worker pool.
func (g *Generator) GenerateRows(stds []float64, dim, extra int) (*tensor.Dense, error) {
	if extra < 0 {
		return nil, fmt.Errorf("negative extra row count %d", extra)
	}
	rows := len(stds)
	out, err := tensor.NewDense(rows+extra, dim)
	if err != nil {
		return nil, err
	}
	switch g.cfg.Debug {
	case DebugZero:
		return out, nil
	case DebugOne:
		for i := 0; i < rows*dim; i++ {
			out.Data[i] = 1
		}
		return out, nil
	}

	pool := parallel.WithWorkers(g.cfg.NumThreads)
	parallel.ForChunks(rows, func(_, start, end int) {
		dist := distuv.Normal{Mu: 0, Sigma: 1, Src: g.source()}
		for r := start; r < end; r++ {
			std := stds[r]
			if std == 0 {
				continue
			}
			row := out.Row(r)
			for j := range row {
				row[j] = float32(dist.Rand() * std)
			}
		}
	}, pool)
	return out, nil
}
