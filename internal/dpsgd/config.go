// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package dpsgd implements differentially-private SGD training variants for
// models whose embedding tables live in host memory.
//
// The engine clips per-sample gradients, adds calibrated Gaussian noise and
// hands the noisy gradients to an underlying update rule. For embedding
// tables the Lazy variant defers noise injection: a row accumulates owed
// noise variance while idle and receives one compensating draw when it is
// next touched, which is statistically equivalent to per-iteration noise by
// the additivity of independent Gaussian variances.
package dpsgd

import (
	"errors"
	"fmt"

	"github.com/VIA-Research/LazyDP/internal/noise"
	"github.com/VIA-Research/LazyDP/internal/sparse"
)

// Package errors.
var (
	// ErrInvalidConfig covers construction-time configuration failures.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrGradsNotCleared is the privacy-safety guard against consuming a
	// gradient twice without an intervening ZeroGrad.
	ErrGradsNotCleared = errors.New(
		"gradients have not been cleared since the last optimizer step; call ZeroGrad on each step to retain privacy guarantees")
	// ErrNoGradSample indicates clipping was requested before the backward
	// pass populated per-sample gradients.
	ErrNoGradSample = errors.New("per-sample gradient not found or not initialized")
	// ErrAccumulationMismatch indicates an inconsistent accumulated-step
	// count across parameters, which would corrupt privacy accounting.
	ErrAccumulationMismatch = errors.New("accumulated step count inconsistent across parameters")
	// ErrMissingBackwardGrad indicates the two-phase clipping protocol was
	// not completed before Step.
	ErrMissingBackwardGrad = errors.New("clipped backward gradient missing; run the second backward pass first")
)

// Variant selects the DP-SGD training algorithm. It is fixed at
// construction; every step of the optimizer dispatches through it once.
type Variant int

// Supported variants.
const (
	// Baseline materializes full per-sample gradients, clips them
	// explicitly and noises every parameter eagerly. Embedding gradients
	// are scattered into a dense full-table noise matrix.
	Baseline Variant = iota
	// Reweighted tracks per-sample norms during the first backward pass
	// and obtains clipped gradients from a reweighted second backward.
	Reweighted
	// FastBackward is Reweighted with the instrumentation collaborator's
	// cheaper norm tracking; the optimizer-side protocol is identical.
	FastBackward
	// Lazy is the delayed-noise scheme: embedding rows receive their
	// accumulated owed noise only when they are about to be touched again.
	Lazy
	// EagerApprox adds noise only to embedding rows touched by the current
	// batch, with no backlog bookkeeping. Cheap, but an approximation of
	// the DP-SGD guarantee.
	EagerApprox
)

// String returns the configuration-surface name of the variant.
func (v Variant) String() string {
	switch v {
	case Baseline:
		return "baseline"
	case Reweighted:
		return "reweighted"
	case FastBackward:
		return "fast-backward"
	case Lazy:
		return "lazy"
	case EagerApprox:
		return "eager-approx"
	default:
		return "unknown"
	}
}

func (v Variant) valid() bool {
	switch v {
	case Baseline, Reweighted, FastBackward, Lazy, EagerApprox:
		return true
	}
	return false
}

// usesRebackward reports whether the variant obtains clipped gradients from
// a reweighted second backward pass instead of materialized per-sample
// gradients.
func (v Variant) usesRebackward() bool {
	return v != Baseline
}

// LossReduction mirrors the reduction applied by the loss function.
type LossReduction int

// Supported reductions.
const (
	ReductionMean LossReduction = iota
	ReductionSum
)

// String returns the configuration-surface name of the reduction.
func (r LossReduction) String() string {
	switch r {
	case ReductionMean:
		return "mean"
	case ReductionSum:
		return "sum"
	default:
		return "unknown"
	}
}

// DebugMode substitutes deterministic constants for noise (and optionally
// clipping) to enable exact correctness comparisons between variants.
// Testing only; production runs use DebugOff.
type DebugMode int

// Debug modes.
const (
	DebugOff DebugMode = iota
	// DebugWithoutNoise replaces every noise draw with zero.
	DebugWithoutNoise
	// DebugWithoutNoiseClipping additionally forces all clip factors to 1.
	DebugWithoutNoiseClipping
	// DebugOneAsNoise replaces every noise draw with one, so a delayed draw
	// for a row idle k iterations contributes exactly k per element.
	DebugOneAsNoise
)

func (d DebugMode) noiseMode() noise.DebugMode {
	switch d {
	case DebugWithoutNoise, DebugWithoutNoiseClipping:
		return noise.DebugZero
	case DebugOneAsNoise:
		return noise.DebugOne
	default:
		return noise.DebugOff
	}
}

// Config configures a DPOptimizer. There is no ambient state: every
// component reads only the configuration injected here.
type Config struct {
	Variant Variant

	// NoiseMultiplier is the ratio of noise std to clipping norm. Must be
	// positive.
	NoiseMultiplier float64
	// MaxGradNorm bounds each sample's gradient L2 norm. Must be positive
	// unless PerLayerNorms is set.
	MaxGradNorm float64
	// PerLayerNorms optionally gives one clipping norm per parameter for
	// per-layer clipping. When set, its length must equal the parameter
	// count and every entry must be positive.
	PerLayerNorms []float64

	// LossReduction must match the loss function. ExpectedBatchSize is
	// required for mean reduction: under Poisson sampling the averaging
	// denominator cannot be inferred from the physical batch.
	LossReduction     LossReduction
	ExpectedBatchSize int

	// Kernel strategy selections.
	Coalesce sparse.CoalesceConfig
	Unique   sparse.UniqueConfig
	Noise    noise.Config

	// Debug selects a deterministic noise/clipping substitution for
	// variant correctness comparisons. It overrides Noise.Debug.
	Debug DebugMode
}

func (c *Config) validate(numParams int) error {
	if !c.Variant.valid() {
		return fmt.Errorf("%w: unknown variant %d", ErrInvalidConfig, c.Variant)
	}
	if c.Debug < DebugOff || c.Debug > DebugOneAsNoise {
		return fmt.Errorf("%w: unknown debug mode %d", ErrInvalidConfig, c.Debug)
	}
	if c.NoiseMultiplier <= 0 && c.Debug == DebugOff {
		return fmt.Errorf("%w: noise multiplier must be positive, got %g",
			ErrInvalidConfig, c.NoiseMultiplier)
	}
	if len(c.PerLayerNorms) > 0 {
		// Per-layer clipping needs per-parameter factors; the re-backward
		// protocol carries a single factor per sample into the loss.
		if c.Variant.usesRebackward() {
			return fmt.Errorf("%w: per-layer clipping requires the %s variant",
				ErrInvalidConfig, Baseline)
		}
		if len(c.PerLayerNorms) != numParams {
			return fmt.Errorf("%w: %d per-layer norms for %d parameters",
				ErrInvalidConfig, len(c.PerLayerNorms), numParams)
		}
		for i, n := range c.PerLayerNorms {
			if n <= 0 {
				return fmt.Errorf("%w: per-layer norm %d must be positive, got %g",
					ErrInvalidConfig, i, n)
			}
		}
	} else if c.MaxGradNorm <= 0 {
		return fmt.Errorf("%w: max grad norm must be positive, got %g",
			ErrInvalidConfig, c.MaxGradNorm)
	}
	switch c.LossReduction {
	case ReductionSum:
	case ReductionMean:
		if c.ExpectedBatchSize <= 0 {
			return fmt.Errorf("%w: expected batch size required for mean loss reduction",
				ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unexpected loss reduction %d", ErrInvalidConfig, c.LossReduction)
	}
	return nil
}

// clipNorm returns the clipping norm for parameter i (per-layer clipping
// when PerLayerNorms is set, the shared flat norm otherwise).
func (c *Config) clipNorm(i int) float64 {
	if len(c.PerLayerNorms) > 0 {
		return c.PerLayerNorms[i]
	}
	return c.MaxGradNorm
}

// noiseStd is the per-iteration noise standard deviation for parameter i,
// std = sigma * C_i.
func (c *Config) noiseStd(i int) float64 {
	return c.NoiseMultiplier * c.clipNorm(i)
}
