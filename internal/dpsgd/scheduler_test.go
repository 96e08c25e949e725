// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dpsgd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/VIA-Research/LazyDP/internal/noise"
	"github.com/VIA-Research/LazyDP/internal/sparse"
	"github.com/VIA-Research/LazyDP/internal/tensor"
)

func newTestScheduler(t *testing.T, rows, dim int, cfg Config) (*scheduler, *Parameter) {
	t.Helper()
	p, err := NewEmbeddingParameter("emb", rows, dim)
	require.NoError(t, err)

	cfg.Noise.Debug = cfg.Debug.noiseMode()
	gen, err := noise.NewGenerator(cfg.Noise)
	require.NoError(t, err)

	std := cfg.NoiseMultiplier * cfg.MaxGradNorm
	s, err := newScheduler([]*Parameter{p}, []float64{std}, gen, &cfg)
	require.NoError(t, err)
	return s, p
}

func sparseGrad(t *testing.T, rows, dim int, indices []int64, data []float32) *sparse.Gradient {
	t.Helper()
	values, err := tensor.FromSlice(data, len(indices), dim)
	require.NoError(t, err)
	g, err := sparse.New(rows, dim, indices, values)
	require.NoError(t, err)
	return g
}

func TestScheduler_VarianceFromElapsed(t *testing.T) {
	cfg := Config{NoiseMultiplier: 2, MaxGradNorm: 0.5}
	s, _ := newTestScheduler(t, 100, 4, cfg)

	// Rows 3 and 8 were resolved at iteration 2; row 60 never.
	require.NoError(t, s.setNextRows([][]int64{{3, 8, 60}}))
	require.NoError(t, s.computeVariance(2))
	require.NoError(t, s.advance(2))

	require.NoError(t, s.setNextRows([][]int64{{3, 60}}))
	require.NoError(t, s.computeVariance(6))

	// std = sqrt(elapsed) * sigma * C with sigma*C = 1.
	assert.InDelta(t, 2.0, s.stds[0][0], 1e-9, "row 3: elapsed 4")
	assert.InDelta(t, math.Sqrt(6), s.stds[0][1], 1e-9, "row 60: full backlog")
}

// First access while the counter is still 0 owes zero backlog; iteration
// 0's own noise arrives through the merge path, not the delayed draw.
func TestScheduler_FirstAccessColdStart(t *testing.T) {
	cfg := Config{NoiseMultiplier: 1, MaxGradNorm: 1}
	s, _ := newTestScheduler(t, 100, 4, cfg)

	require.NoError(t, s.setNextRows([][]int64{{5}}))
	require.NoError(t, s.computeVariance(0))
	assert.Zero(t, s.stds[0][0])
}

func TestScheduler_NextRowsDeduplicated(t *testing.T) {
	cfg := Config{NoiseMultiplier: 1, MaxGradNorm: 1}
	s, _ := newTestScheduler(t, 100, 4, cfg)

	require.NoError(t, s.setNextRows([][]int64{{9, 2, 9, 2, 2}}))
	assert.Equal(t, []int64{2, 9}, s.next[0])
}

func TestScheduler_MergeSumsNoiseAndGradient(t *testing.T) {
	// Real gradient carries [1, 1] for row 7; the delayed draw for row 7
	// (idle 2 iterations, constant-1 debug noise) contributes [2, 2]; the
	// merged coalesced row must be [3, 3].
	cfg := Config{NoiseMultiplier: 1, MaxGradNorm: 1, Debug: DebugOneAsNoise}
	s, _ := newTestScheduler(t, 100, 2, cfg)

	require.NoError(t, s.setNextRows([][]int64{{7}}))
	require.NoError(t, s.computeVariance(2)) // HT[7] = 0, elapsed 2.

	real := sparseGrad(t, 100, 2, []int64{7, 4}, []float32{1, 1, 5, 5})
	var stats Stats
	merged, err := s.resolve(0, real, &stats)
	require.NoError(t, err)

	assert.Equal(t, []int64{4, 7}, merged.Indices)
	assert.InDeltaSlice(t, []float32{3, 3}, merged.Row(7), 1e-6)
	assert.InDeltaSlice(t, []float32{5, 5}, merged.Row(4), 1e-6)
	assert.True(t, merged.IsCoalesced())
}

func TestScheduler_NoNextRowsPassesGradientThrough(t *testing.T) {
	cfg := Config{NoiseMultiplier: 1, MaxGradNorm: 1}
	s, _ := newTestScheduler(t, 100, 2, cfg)
	require.NoError(t, s.setNextRows(nil))

	real := sparseGrad(t, 100, 2, []int64{4, 4}, []float32{1, 1, 2, 2})
	var stats Stats
	out, err := s.resolve(0, real, &stats)
	require.NoError(t, err)

	// Coalesced, but no noise rows injected.
	assert.Equal(t, []int64{4}, out.Indices)
	assert.InDeltaSlice(t, []float32{3, 3}, out.Row(4), 1e-6)
}

func TestScheduler_HistoryAdvance(t *testing.T) {
	cfg := Config{NoiseMultiplier: 1, MaxGradNorm: 1}
	s, _ := newTestScheduler(t, 50, 2, cfg)

	require.NoError(t, s.setNextRows([][]int64{{10, 20}}))
	require.NoError(t, s.computeVariance(3))
	require.NoError(t, s.advance(3))

	last, err := s.tables[0].Last(10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	// Rows outside the set keep their stamp.
	last, err = s.tables[0].Last(11)
	require.NoError(t, err)
	assert.Zero(t, last)
}

// Noise additivity: a row idle k iterations receives one draw whose sample
// variance matches k * (sigma*C)^2.
func TestScheduler_DelayedDrawVariance(t *testing.T) {
	const (
		sigma = 1.25
		k     = 4
		dim   = 40000
	)
	cfg := Config{
		NoiseMultiplier: sigma,
		MaxGradNorm:     1,
		Noise:           noise.Config{Strategy: noise.MultiThread, NumThreads: 8, Seed: 21},
	}
	s, _ := newTestScheduler(t, 10, dim, cfg)

	require.NoError(t, s.setNextRows([][]int64{{3}}))
	require.NoError(t, s.computeVariance(k)) // HT[3] = 0, elapsed k.

	real := sparseGrad(t, 10, dim, nil, nil)
	var stats Stats
	merged, err := s.resolve(0, real, &stats)
	require.NoError(t, err)

	row := merged.Row(3)
	xs := make([]float64, len(row))
	for i, v := range row {
		xs[i] = float64(v)
	}
	want := k * sigma * sigma
	assert.InDelta(t, want, stat.Variance(xs, nil), want*0.1)
	assert.InDelta(t, 0, stat.Mean(xs, nil), 0.05)
}

func TestScheduler_TableCountMismatch(t *testing.T) {
	cfg := Config{NoiseMultiplier: 1, MaxGradNorm: 1}
	s, _ := newTestScheduler(t, 10, 2, cfg)
	assert.Error(t, s.setNextRows([][]int64{{1}, {2}}))
}
