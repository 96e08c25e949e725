// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dpsgd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	base := Config{
		Variant:         Baseline,
		NoiseMultiplier: 1,
		MaxGradNorm:     1,
		LossReduction:   ReductionSum,
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		numParams int
		wantErr   bool
	}{
		{name: "valid", mutate: func(*Config) {}, numParams: 2},
		{
			name:    "unknown variant",
			mutate:  func(c *Config) { c.Variant = Variant(99) },
			wantErr: true,
		},
		{
			name:    "unknown debug mode",
			mutate:  func(c *Config) { c.Debug = DebugMode(17) },
			wantErr: true,
		},
		{
			name:    "non-positive noise multiplier",
			mutate:  func(c *Config) { c.NoiseMultiplier = 0 },
			wantErr: true,
		},
		{
			name:   "zero noise multiplier allowed when debugging",
			mutate: func(c *Config) { c.NoiseMultiplier = 0; c.Debug = DebugWithoutNoise },
		},
		{
			name:    "non-positive max grad norm",
			mutate:  func(c *Config) { c.MaxGradNorm = -1 },
			wantErr: true,
		},
		{
			name:      "per-layer norms",
			mutate:    func(c *Config) { c.PerLayerNorms = []float64{1, 2} },
			numParams: 2,
		},
		{
			name: "per-layer norms rejected for re-backward variants",
			mutate: func(c *Config) {
				c.Variant = Lazy
				c.PerLayerNorms = []float64{1, 2}
			},
			numParams: 2,
			wantErr:   true,
		},
		{
			name:      "per-layer norm count mismatch",
			mutate:    func(c *Config) { c.PerLayerNorms = []float64{1} },
			numParams: 2,
			wantErr:   true,
		},
		{
			name:      "non-positive per-layer norm",
			mutate:    func(c *Config) { c.PerLayerNorms = []float64{1, 0} },
			numParams: 2,
			wantErr:   true,
		},
		{
			name:    "mean reduction requires expected batch size",
			mutate:  func(c *Config) { c.LossReduction = ReductionMean },
			wantErr: true,
		},
		{
			name: "mean reduction with batch size",
			mutate: func(c *Config) {
				c.LossReduction = ReductionMean
				c.ExpectedBatchSize = 32
			},
		},
		{
			name:    "unknown loss reduction",
			mutate:  func(c *Config) { c.LossReduction = LossReduction(7) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			n := tt.numParams
			if n == 0 {
				n = 1
			}
			err := cfg.validate(n)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_NoiseStd(t *testing.T) {
	cfg := Config{NoiseMultiplier: 2, MaxGradNorm: 0.5}
	assert.Equal(t, 0.5, cfg.clipNorm(0))
	assert.Equal(t, 1.0, cfg.noiseStd(0))

	cfg.PerLayerNorms = []float64{0.5, 3}
	assert.Equal(t, 3.0, cfg.clipNorm(1))
	assert.Equal(t, 6.0, cfg.noiseStd(1))
}

func TestVariant_String(t *testing.T) {
	assert.Equal(t, "baseline", Baseline.String())
	assert.Equal(t, "lazy", Lazy.String())
	assert.Equal(t, "eager-approx", EagerApprox.String())
	assert.Equal(t, "unknown", Variant(42).String())

	assert.False(t, Baseline.usesRebackward())
	assert.True(t, Reweighted.usesRebackward())
	assert.True(t, FastBackward.usesRebackward())
	assert.True(t, Lazy.usesRebackward())
}
