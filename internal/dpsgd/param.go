// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dpsgd

import (
	"fmt"

	"github.com/VIA-Research/LazyDP/internal/sparse"
	"github.com/VIA-Research/LazyDP/internal/tensor"
)

// Device says where a parameter's memory lives. Embedding tables are too
// large for accelerator memory and stay on the host; the dense MLP layers
// live next to the compute.
type Device int

// Supported devices.
const (
	Host Device = iota
	Accelerator
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case Host:
		return "Host"
	case Accelerator:
		return "Accelerator"
	default:
		return "Unknown"
	}
}

// EmbeddingInputs is the index metadata the instrumentation collaborator
// attaches to embedding parameters: which table row each gathered per-sample
// gradient row belongs to, in (sample, gather) order.
type EmbeddingInputs struct {
	Index      []int64 // len = batch * NumGathers.
	NumGathers int     // Gathered rows per sample.
}

// GradientRecord carries a parameter's per-step gradient state. It is a
// companion struct owned alongside the parameter, not fields injected into a
// tensor, so each stage of the pipeline reads and writes explicit state.
//
// Lifecycle per step: the backward collaborator populates GradSample (or
// GradSampleNorms plus, after the second backward, the backward grad);
// clipping consumes it into the summed grad; noise resolution moves the
// summed grad into the final grad; the update rule consumes the final grad;
// ZeroGrad clears everything. The processed flags guard each hand-off
// against double use.
type GradientRecord struct {
	// Materialized mode input: one row per (sample, gather) for embeddings,
	// one row per sample (flattened parameter) for dense layers.
	GradSample *tensor.Dense
	// Re-backward mode input: per-sample gradient norms tracked during the
	// first backward pass.
	GradSampleNorms []float64

	// Re-backward mode hand-off: the clipped gradient produced by the
	// reweighted second backward, routed by parameter kind.
	BackwardDense  *tensor.Dense
	BackwardSparse *sparse.Gradient

	// Clipped, accumulated gradient owned by the optimizer between clip
	// and update; exactly one of the two forms is set.
	SummedDense  *tensor.Dense
	SummedSparse *sparse.Gradient

	// Final gradient consumed by the update rule.
	GradDense  *tensor.Dense
	GradSparse *sparse.Gradient

	sampleProcessed bool
	summedProcessed bool
}

// Parameter is a trainable tensor plus its gradient record. The optimizer is
// the single writer of the record between ZeroGrad and the update.
type Parameter struct {
	Name   string
	Device Device
	Shape  tensor.Shape
	Data   []float32

	// EmbInputs is non-nil only on embedding parameters; it routes the
	// parameter through the sparse coalescing path.
	EmbInputs *EmbeddingInputs

	Rec GradientRecord
}

// NewParameter creates a dense trainable parameter.
func NewParameter(name string, shape tensor.Shape, device Device) (*Parameter, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("parameter %q: %w", name, err)
	}
	return &Parameter{
		Name:   name,
		Device: device,
		Shape:  shape.Clone(),
		Data:   make([]float32, shape.NumElements()),
	}, nil
}

// NewEmbeddingParameter creates a rows x dim embedding table parameter in
// host memory.
func NewEmbeddingParameter(name string, rows, dim int) (*Parameter, error) {
	p, err := NewParameter(name, tensor.Shape{rows, dim}, Host)
	if err != nil {
		return nil, err
	}
	p.EmbInputs = &EmbeddingInputs{}
	return p, nil
}

// IsEmbedding reports whether the parameter routes through the sparse path.
func (p *Parameter) IsEmbedding() bool {
	return p.EmbInputs != nil
}

// TableRows returns the embedding table's row count.
func (p *Parameter) TableRows() int {
	return p.Shape[0]
}

// EmbedDim returns the embedding dimension.
func (p *Parameter) EmbedDim() int {
	return p.Shape[len(p.Shape)-1]
}

// SetGradSample installs materialized per-sample gradients for this step.
// For embeddings, index maps each value row to its table position.
func (p *Parameter) SetGradSample(gs *tensor.Dense, index []int64) error {
	if p.IsEmbedding() {
		if len(index) != gs.Rows {
			return fmt.Errorf("parameter %q: %d index entries for %d gradient rows",
				p.Name, len(index), gs.Rows)
		}
		p.EmbInputs.Index = index
	}
	p.Rec.GradSample = gs
	return nil
}

// SetGradSampleNorms installs incrementally tracked per-sample norms
// (re-backward mode).
func (p *Parameter) SetGradSampleNorms(norms []float64) {
	p.Rec.GradSampleNorms = norms
}

// SetBackwardGrad installs the dense result of the reweighted second
// backward pass.
func (p *Parameter) SetBackwardGrad(g *tensor.Dense) {
	p.Rec.BackwardDense = g
}

// SetBackwardSparseGrad installs the sparse (uncoalesced) result of the
// reweighted second backward pass for an embedding parameter.
func (p *Parameter) SetBackwardSparseGrad(indices []int64, values *tensor.Dense) error {
	if !p.IsEmbedding() {
		return fmt.Errorf("parameter %q is not an embedding table", p.Name)
	}
	g, err := sparse.New(p.TableRows(), p.EmbedDim(), indices, values)
	if err != nil {
		return fmt.Errorf("parameter %q: %w", p.Name, err)
	}
	p.Rec.BackwardSparse = g
	p.EmbInputs.Index = indices
	return nil
}

// Grad returns the final gradient in whichever form the variant produced.
func (p *Parameter) Grad() (*tensor.Dense, *sparse.Gradient) {
	return p.Rec.GradDense, p.Rec.GradSparse
}

// clearSamples drops the per-step inputs (per-sample gradients, norms and
// second-backward hand-offs).
func (r *GradientRecord) clearSamples() {
	r.GradSample = nil
	r.GradSampleNorms = nil
	r.BackwardDense = nil
	r.BackwardSparse = nil
	r.sampleProcessed = false
}

// clearAccumulated drops the summed and final gradients.
func (r *GradientRecord) clearAccumulated() {
	r.SummedDense = nil
	r.SummedSparse = nil
	r.GradDense = nil
	r.GradSparse = nil
	r.summedProcessed = false
}

func (r *GradientRecord) hasSummed() bool {
	return r.SummedDense != nil || r.SummedSparse != nil
}
