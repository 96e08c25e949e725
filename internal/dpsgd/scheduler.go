// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dpsgd

import (
	"fmt"
	"math"

	"github.com/VIA-Research/LazyDP/internal/history"
	"github.com/VIA-Research/LazyDP/internal/noise"
	"github.com/VIA-Research/LazyDP/internal/sparse"
)

// scheduler is the lazy-update core. For every embedding table it tracks
// which rows the upcoming iteration will touch, how long each of those rows
// has been idle, and therefore how much accumulated noise variance each row
// is owed. A row idle for k iterations receives one draw of variance
// k * (sigma*C)^2, which matches k per-iteration draws in distribution.
//
// The scheduler is driven strictly by the single optimizer thread: rows for
// the next batch arrive via setNextRows, the driver resolves owed noise
// into the merged gradient during the step, then advances the history
// exactly once, after resolution.
type scheduler struct {
	params []*Parameter // Embedding parameters, in driver order.
	tables []*history.Table
	stdPer []float64 // Per-iteration noise std per table.

	gen      *noise.Generator
	coalesce sparse.CoalesceConfig
	unique   sparse.UniqueConfig
	debug    DebugMode

	// Per-step state, recomputed every iteration.
	hasNext bool
	next    [][]int64 // Unique rows the next batch touches, per table.
	stds    []([]float64)
	elapsed [][]int64
}

// newScheduler builds the per-table history bookkeeping. stdPer carries the
// per-iteration noise std of each embedding parameter (per-layer clipping
// gives each table its own).
func newScheduler(params []*Parameter, stdPer []float64, gen *noise.Generator,
	cfg *Config) (*scheduler, error) {
	tables := make([]*history.Table, len(params))
	for i, p := range params {
		t, err := history.NewTable(p.TableRows())
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		tables[i] = t
	}
	return &scheduler{
		params:   params,
		tables:   tables,
		stdPer:   stdPer,
		gen:      gen,
		coalesce: cfg.Coalesce,
		unique:   cfg.Unique,
		debug:    cfg.Debug,
		next:     make([][]int64, len(params)),
		stds:     make([][]float64, len(params)),
		elapsed:  make([][]int64, len(params)),
	}, nil
}

// setNextRows records the rows each table will serve in the upcoming
// iteration, deduplicated. A nil argument clears the state: with no
// advance knowledge the step leaves the raw gradient untouched.
func (s *scheduler) setNextRows(rows [][]int64) error {
	if rows == nil {
		s.hasNext = false
		return nil
	}
	if len(rows) != len(s.params) {
		return fmt.Errorf("next-batch rows for %d tables, have %d", len(rows), len(s.params))
	}
	for i, r := range rows {
		uniq, err := sparse.Unique(r, s.unique)
		if err != nil {
			return err
		}
		s.next[i] = uniq
	}
	s.hasNext = true
	return nil
}

// computeVariance derives, per upcoming row, the std of the owed noise:
// sqrt(elapsed) * sigma * C. Rows never touched before carry the full
// backlog since training start.
func (s *scheduler) computeVariance(cntIter int64) error {
	if !s.hasNext {
		return nil
	}
	for t := range s.params {
		elapsed, err := s.tables[t].Elapsed(cntIter, s.next[t])
		if err != nil {
			return fmt.Errorf("parameter %q: %w", s.params[t].Name, err)
		}
		stds := make([]float64, len(elapsed))
		for i, k := range elapsed {
			stds[i] = math.Sqrt(float64(k)) * s.stdPer[t]
		}
		s.elapsed[t] = elapsed
		s.stds[t] = stds
	}
	return nil
}

// resolve draws the owed noise for table t, merges it with the real
// (clipped, possibly uncoalesced) gradient of the current batch and returns
// the coalesced combination. A row both noise-due and touched this
// iteration receives the sum of both contributions through the coalesce.
func (s *scheduler) resolve(t int, real *sparse.Gradient, stats *Stats) (*sparse.Gradient, error) {
	if !s.hasNext {
		stop := stats.track(&stats.Coalesce)
		defer stop()
		return sparse.Coalesce(real, s.coalesce)
	}

	p := s.params[t]
	dim := p.EmbedDim()
	stds := s.stds[t]
	if stds == nil {
		return nil, fmt.Errorf("parameter %q: delayed variance not computed", p.Name)
	}

	// One allocation holds the noise rows and a tail for the real values,
	// so the merge needs no second copy of the batch gradient.
	stop := stats.track(&stats.DelayedNoise)
	block, err := s.gen.GenerateRows(stds, dim, real.NNZ())
	if err != nil {
		stop()
		return nil, err
	}
	if s.debug == DebugOneAsNoise {
		// A constant-1 draw stands in for each missed iteration, so a row
		// idle k iterations contributes exactly k per element.
		for i, k := range s.elapsed[t] {
			row := block.Row(i)
			for j := range row {
				row[j] = float32(k)
			}
		}
	}
	stop()

	nNoise := len(stds)
	copy(block.Data[nNoise*dim:], real.Values.Data)

	indices := make([]int64, 0, nNoise+real.NNZ())
	indices = append(indices, s.next[t]...)
	indices = append(indices, real.Indices...)

	combined, err := sparse.New(p.TableRows(), dim, indices, block)
	if err != nil {
		return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
	}

	stop = stats.track(&stats.Coalesce)
	defer stop()
	return sparse.Coalesce(combined, s.coalesce)
}

// advance stamps the resolved rows with the just-completed iteration.
// Called exactly once per iteration, after resolution; stamping earlier
// would corrupt the next elapsed-time computation.
func (s *scheduler) advance(cntIter int64) error {
	if !s.hasNext {
		return nil
	}
	for t := range s.tables {
		if err := s.tables[t].Touch(cntIter, s.next[t]); err != nil {
			return fmt.Errorf("parameter %q: %w", s.params[t].Name, err)
		}
		s.stds[t] = nil
		s.elapsed[t] = nil
	}
	return nil
}

// pendingVariance reports, per table row, the backlog of iterations whose
// noise has not yet been resolved. Used by the debug flush that closes out
// a run under DebugOneAsNoise.
func (s *scheduler) pendingVariance(t int, cntIter int64) ([]int64, error) {
	rows := make([]int64, s.tables[t].Rows())
	for r := range rows {
		rows[r] = int64(r)
	}
	return s.tables[t].Elapsed(cntIter, rows)
}
