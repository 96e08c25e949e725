// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestGenerate_ZeroStdRejected(t *testing.T) {
	g, err := NewGenerator(Config{Strategy: Baseline, Seed: 1})
	require.NoError(t, err)

	_, err = g.Generate(0, 4, 4)
	assert.ErrorIs(t, err, ErrZeroStd)
}

func TestNewGenerator_UnknownStrategy(t *testing.T) {
	_, err := NewGenerator(Config{Strategy: Strategy(42)})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestGenerate_DebugModes(t *testing.T) {
	zero, err := NewGenerator(Config{Strategy: Baseline, Debug: DebugZero})
	require.NoError(t, err)
	out, err := zero.Generate(0, 2, 3) // std 0 is fine in debug mode
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.Zero(t, v)
	}

	one, err := NewGenerator(Config{Strategy: Baseline, Debug: DebugOne})
	require.NoError(t, err)
	out, err = one.Generate(1, 2, 3)
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.Equal(t, float32(1), v)
	}
}

func sampleStats(data []float32) (mean, variance float64) {
	xs := make([]float64, len(data))
	for i, v := range data {
		xs[i] = float64(v)
	}
	mean = stat.Mean(xs, nil)
	variance = stat.Variance(xs, nil)
	return mean, variance
}

func TestGenerate_Distribution(t *testing.T) {
	for _, strategy := range []Strategy{Baseline, MultiThread} {
		t.Run(strategy.String(), func(t *testing.T) {
			g, err := NewGenerator(Config{Strategy: strategy, NumThreads: 8, Seed: 42})
			require.NoError(t, err)

			const std = 2.5
			out, err := g.Generate(std, 2000, 50)
			require.NoError(t, err)

			mean, variance := sampleStats(out.Data)
			assert.InDelta(t, 0, mean, 0.05, "sample mean")
			assert.InDelta(t, std*std, variance, 0.2, "sample variance")
		})
	}
}

func TestGenerate_CallsDiffer(t *testing.T) {
	g, err := NewGenerator(Config{Strategy: Baseline, Seed: 7})
	require.NoError(t, err)

	a, err := g.Generate(1, 10, 10)
	require.NoError(t, err)
	b, err := g.Generate(1, 10, 10)
	require.NoError(t, err)
	assert.NotEqual(t, a.Data, b.Data, "consecutive draws must use fresh streams")
}

func TestGenerateRows_PerRowStdAndTail(t *testing.T) {
	g, err := NewGenerator(Config{Strategy: MultiThread, NumThreads: 4, Seed: 9})
	require.NoError(t, err)

	stds := []float64{0, 3, 0.5}
	const (
		dim   = 2000
		extra = 4
	)
	out, err := g.GenerateRows(stds, dim, extra)
	require.NoError(t, err)
	require.Equal(t, len(stds)+extra, out.Rows)

	// Row with std 0 owes no noise.
	for _, v := range out.Row(0) {
		assert.Zero(t, v)
	}

	// Rows with positive std carry its variance.
	for r, want := range []float64{3, 0.5} {
		_, variance := sampleStats(out.Row(r + 1))
		assert.InDelta(t, want*want, variance, want*want*0.2, "row %d variance", r+1)
	}

	// The tail stays zero for the caller to fill with real gradient values.
	for r := len(stds); r < out.Rows; r++ {
		for _, v := range out.Row(r) {
			assert.Zero(t, v)
		}
	}
}

// Gaussian additivity: one draw at variance k*sigma^2 matches the sum of k
// independent draws at sigma^2.
func TestGenerateRows_DelayedVarianceMatchesSum(t *testing.T) {
	g, err := NewGenerator(Config{Strategy: MultiThread, NumThreads: 8, Seed: 13})
	require.NoError(t, err)

	const (
		sigma = 1.5
		k     = 9
		dim   = 20000
	)
	// Delayed draw: std = sqrt(k) * sigma.
	delayed, err := g.GenerateRows([]float64{3 * sigma}, dim, 0)
	require.NoError(t, err)

	// Sum of k per-iteration draws.
	summed := make([]float32, dim)
	for i := 0; i < k; i++ {
		step, err := g.Generate(sigma, 1, dim)
		require.NoError(t, err)
		for j, v := range step.Data {
			summed[j] += v
		}
	}

	_, vDelayed := sampleStats(delayed.Row(0))
	_, vSummed := sampleStats(summed)
	want := k * sigma * sigma
	assert.InDelta(t, want, vDelayed, want*0.1)
	assert.InDelta(t, want, vSummed, want*0.1)
}

func TestGenerateRows_NegativeExtra(t *testing.T) {
	g, err := NewGenerator(Config{Strategy: Baseline})
	require.NoError(t, err)
	_, err = g.GenerateRows([]float64{1}, 4, -1)
	assert.Error(t, err)
}

func BenchmarkGenerate(b *testing.B) {
	const (
		rows = 4096
		dim  = 64
	)
	for _, strategy := range []Strategy{Baseline, MultiThread} {
		b.Run(strategy.String(), func(b *testing.B) {
			g, err := NewGenerator(Config{Strategy: strategy, Seed: 1})
			if err != nil {
				b.Fatal(err)
			}
			for i := 0; i < b.N; i++ {
				if _, err := g.Generate(1.0, rows, dim); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
