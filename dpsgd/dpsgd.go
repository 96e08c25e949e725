// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dpsgd

import (
	"github.com/VIA-Research/LazyDP/internal/dpsgd"
	"github.com/VIA-Research/LazyDP/internal/tensor"
)

// DPOptimizer drives one DP-SGD training iteration per Step call.
type DPOptimizer = dpsgd.DPOptimizer

// Config configures a DPOptimizer.
type Config = dpsgd.Config

// Parameter is a trainable tensor plus its gradient record.
type Parameter = dpsgd.Parameter

// EmbeddingInputs is the index metadata attached to embedding parameters.
type EmbeddingInputs = dpsgd.EmbeddingInputs

// GradientRecord carries a parameter's per-step gradient state.
type GradientRecord = dpsgd.GradientRecord

// UpdateRule is the underlying optimizer noisy gradients are handed to.
type UpdateRule = dpsgd.UpdateRule

// Stats accumulates per-phase wall time across steps.
type Stats = dpsgd.Stats

// Variant selects the DP-SGD training algorithm.
type Variant = dpsgd.Variant

// Supported variants.
const (
	Baseline     = dpsgd.Baseline
	Reweighted   = dpsgd.Reweighted
	FastBackward = dpsgd.FastBackward
	Lazy         = dpsgd.Lazy
	EagerApprox  = dpsgd.EagerApprox
)

// LossReduction mirrors the reduction applied by the loss function.
type LossReduction = dpsgd.LossReduction

// Supported reductions.
const (
	ReductionMean = dpsgd.ReductionMean
	ReductionSum  = dpsgd.ReductionSum
)

// DebugMode substitutes deterministic constants for noise to enable exact
// correctness comparisons between variants. Testing only.
type DebugMode = dpsgd.DebugMode

// Debug modes.
const (
	DebugOff                  = dpsgd.DebugOff
	DebugWithoutNoise         = dpsgd.DebugWithoutNoise
	DebugWithoutNoiseClipping = dpsgd.DebugWithoutNoiseClipping
	DebugOneAsNoise           = dpsgd.DebugOneAsNoise
)

// Device says where a parameter's memory lives.
type Device = dpsgd.Device

// Supported devices.
const (
	Host        = dpsgd.Host
	Accelerator = dpsgd.Accelerator
)

// Package errors.
var (
	ErrInvalidConfig       = dpsgd.ErrInvalidConfig
	ErrGradsNotCleared     = dpsgd.ErrGradsNotCleared
	ErrNoGradSample        = dpsgd.ErrNoGradSample
	ErrMissingBackwardGrad = dpsgd.ErrMissingBackwardGrad
)

// NewDPOptimizer validates the configuration and assembles the engine.
func NewDPOptimizer(params []*Parameter, update UpdateRule, config Config) (*DPOptimizer, error) {
	return dpsgd.NewDPOptimizer(params, update, config)
}

// NewParameter creates a dense trainable parameter.
func NewParameter(name string, shape tensor.Shape, device Device) (*Parameter, error) {
	return dpsgd.NewParameter(name, shape, device)
}

// NewEmbeddingParameter creates a rows x dim embedding table parameter in
// host memory.
func NewEmbeddingParameter(name string, rows, dim int) (*Parameter, error) {
	return dpsgd.NewEmbeddingParameter(name, rows, dim)
}
