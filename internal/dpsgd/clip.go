// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dpsgd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/VIA-Research/LazyDP/internal/sparse"
	"github.com/VIA-Research/LazyDP/internal/tensor"
)

// clipEps keeps the clip-factor denominator away from zero.
const clipEps = 1e-6

// perSampleNorms computes the L2 norm of each sample's slab of gs.
// rowsPerSample > 1 folds an embedding's gathered rows into their sample.
func perSampleNorms(gs *tensor.Dense, rowsPerSample int) []float64 {
	batch := gs.Rows / rowsPerSample
	norms := make([]float64, batch)
	for s := 0; s < batch; s++ {
		var sumSq float64
		for r := s * rowsPerSample; r < (s+1)*rowsPerSample; r++ {
			for _, v := range gs.Row(r) {
				sumSq += float64(v) * float64(v)
			}
		}
		norms[s] = math.Sqrt(sumSq)
	}
	return norms
}

// sampleBatch derives the per-sample row count and batch size of a
// materialized gradient.
func sampleBatch(p *Parameter) (rowsPerSample, batch int, err error) {
	gs := p.Rec.GradSample
	rowsPerSample = 1
	if p.IsEmbedding() {
		rowsPerSample = p.EmbInputs.NumGathers
		if rowsPerSample <= 0 {
			return 0, 0, fmt.Errorf("parameter %q: gather count not set", p.Name)
		}
	}
	if gs.Rows%rowsPerSample != 0 {
		return 0, 0, fmt.Errorf("parameter %q: %d gradient rows not divisible by %d gathers",
			p.Name, gs.Rows, rowsPerSample)
	}
	return rowsPerSample, gs.Rows / rowsPerSample, nil
}

// clipFactors turns per-sample norms into clip factors for parameter i,
// factor = min(1, C_i/(norm+eps)).
func (o *DPOptimizer) clipFactors(norms []float64, param int) []float64 {
	factors := make([]float64, len(norms))
	if o.cfg.Debug == DebugWithoutNoiseClipping {
		for i := range factors {
			factors[i] = 1
		}
		return factors
	}
	c := o.cfg.clipNorm(param)
	for i, n := range norms {
		f := c / (n + clipEps)
		if f > 1 {
			f = 1
		}
		factors[i] = f
	}
	return factors
}

// combinedNorms stacks per-parameter per-sample norms into one norm-of-norms
// per sample.
func combinedNorms(perParam [][]float64) ([]float64, error) {
	batch := len(perParam[0])
	for _, norms := range perParam {
		if len(norms) != batch {
			return nil, fmt.Errorf("%w: %d vs %d per-sample norms",
				ErrAccumulationMismatch, len(norms), batch)
		}
	}
	stacked := make([]float64, len(perParam))
	out := make([]float64, batch)
	for s := 0; s < batch; s++ {
		for pi, norms := range perParam {
			stacked[pi] = norms[s]
		}
		out[s] = floats.Norm(stacked, 2)
	}
	return out, nil
}

// ClipAndAccumulate clips materialized per-sample gradients and accumulates
// the clipped sum into each parameter's summed gradient (Baseline variant).
//
// Flat clipping derives one factor per sample from the norm-of-norms across
// all parameters. Per-layer clipping (PerLayerNorms set) clips each
// parameter against its own per-sample layer norm instead, so one layer's
// gradients never influence another layer's factor.
//
// Dense parameters reduce to a dense sum; embedding parameters scatter into
// a sparse gradient and coalesce. Across skipped steps the summed gradients
// accumulate; they are cleared only by a ZeroGrad after a real step.
func (o *DPOptimizer) ClipAndAccumulate() error {
	defer o.stats.track(&o.stats.Clip)()

	if o.cfg.Variant.usesRebackward() {
		return fmt.Errorf("%s variant clips via ClipFactors and the second backward pass",
			o.cfg.Variant)
	}

	perParam := make([][]float64, len(o.params))
	rowsPer := make([]int, len(o.params))
	for i, p := range o.params {
		if p.Rec.sampleProcessed {
			return fmt.Errorf("parameter %q: %w", p.Name, ErrGradsNotCleared)
		}
		if p.Rec.GradSample == nil {
			return fmt.Errorf("parameter %q: %w", p.Name, ErrNoGradSample)
		}
		rps, _, err := sampleBatch(p)
		if err != nil {
			return err
		}
		rowsPer[i] = rps
		perParam[i] = perSampleNorms(p.Rec.GradSample, rps)
	}

	perLayer := len(o.cfg.PerLayerNorms) > 0
	var combined []float64
	if perLayer {
		for i := 1; i < len(perParam); i++ {
			if len(perParam[i]) != len(perParam[0]) {
				return fmt.Errorf("%w: %d vs %d per-sample norms",
					ErrAccumulationMismatch, len(perParam[i]), len(perParam[0]))
			}
		}
	} else {
		var err error
		combined, err = combinedNorms(perParam)
		if err != nil {
			return err
		}
	}

	for i, p := range o.params {
		norms := combined
		if perLayer {
			norms = perParam[i]
		}
		factors := o.clipFactors(norms, i)
		if p.IsEmbedding() {
			if err := o.accumulateSparse(p, factors, rowsPer[i]); err != nil {
				return err
			}
		} else if err := o.accumulateDense(p, factors); err != nil {
			return err
		}
		p.Rec.sampleProcessed = true
	}
	return nil
}

// accumulateDense reduces factor-scaled per-sample gradients into the
// parameter's dense summed gradient.
func (o *DPOptimizer) accumulateDense(p *Parameter, factors []float64) error {
	gs := p.Rec.GradSample
	if gs.Cols != p.Shape.NumElements() {
		return fmt.Errorf("parameter %q: per-sample gradient width %d, parameter has %d elements",
			p.Name, gs.Cols, p.Shape.NumElements())
	}
	if p.Rec.SummedDense == nil {
		var err error
		p.Rec.SummedDense, err = tensor.NewDense(1, gs.Cols)
		if err != nil {
			return err
		}
	}
	sum := p.Rec.SummedDense.Data
	for s := 0; s < gs.Rows; s++ {
		f := float32(factors[s])
		for j, v := range gs.Row(s) {
			sum[j] += f * v
		}
	}
	return nil
}

// accumulateSparse scales each gathered row by its sample's factor, builds
// the sparse gradient from the scatter indices and coalesces it into the
// summed gradient.
func (o *DPOptimizer) accumulateSparse(p *Parameter, factors []float64, rowsPerSample int) error {
	gs := p.Rec.GradSample
	scaled := tensor.ZerosLike(gs)
	for r := 0; r < gs.Rows; r++ {
		f := float32(factors[r/rowsPerSample])
		src := gs.Row(r)
		dst := scaled.Row(r)
		for j, v := range src {
			dst[j] = f * v
		}
	}

	indices := make([]int64, len(p.EmbInputs.Index))
	copy(indices, p.EmbInputs.Index)
	g, err := sparse.New(p.TableRows(), p.EmbedDim(), indices, scaled)
	if err != nil {
		return fmt.Errorf("parameter %q: %w", p.Name, err)
	}

	defer o.stats.track(&o.stats.Coalesce)()
	g, err = sparse.Coalesce(g, o.cfg.Coalesce)
	if err != nil {
		return err
	}
	if p.Rec.SummedSparse != nil {
		g, err = sparse.Merge(p.Rec.SummedSparse, g, o.cfg.Coalesce)
		if err != nil {
			return err
		}
	}
	p.Rec.SummedSparse = g
	return nil
}

// ClipFactors computes the per-sample clip factors for the re-backward
// variants from the norms tracked during the first backward pass.
//
// The caller weights each sample's loss by its factor, sums (not averages)
// the weighted losses and runs the second backward pass; the resulting
// gradients come back through SetBackwardGrad / SetBackwardSparseGrad.
func (o *DPOptimizer) ClipFactors() ([]float64, error) {
	defer o.stats.track(&o.stats.Clip)()

	if !o.cfg.Variant.usesRebackward() {
		return nil, fmt.Errorf("%s variant clips materialized gradients via ClipAndAccumulate",
			o.cfg.Variant)
	}

	perParam := make([][]float64, len(o.params))
	for i, p := range o.params {
		if p.Rec.sampleProcessed {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, ErrGradsNotCleared)
		}
		if p.Rec.GradSampleNorms == nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, ErrNoGradSample)
		}
		perParam[i] = p.Rec.GradSampleNorms
	}

	norms, err := combinedNorms(perParam)
	if err != nil {
		return nil, err
	}
	// Flat clipping shares one factor vector across parameters; the config
	// validation rejects per-layer norms for the re-backward variants.
	return o.clipFactors(norms, 0), nil
}

// accumulateBackward moves the second-backward gradients into the summed
// gradients, accumulating across skipped steps. Embedding gradients stay
// uncoalesced under Lazy (the merge with delayed noise coalesces once);
// other variants coalesce eagerly.
func (o *DPOptimizer) accumulateBackward() error {
	for _, p := range o.params {
		if p.Rec.sampleProcessed {
			return fmt.Errorf("parameter %q: %w", p.Name, ErrGradsNotCleared)
		}
		switch {
		case p.IsEmbedding():
			g := p.Rec.BackwardSparse
			if g == nil {
				return fmt.Errorf("parameter %q: %w", p.Name, ErrMissingBackwardGrad)
			}
			if o.cfg.Variant != Lazy {
				var err error
				stop := o.stats.track(&o.stats.Coalesce)
				g, err = sparse.Coalesce(g, o.cfg.Coalesce)
				stop()
				if err != nil {
					return err
				}
			}
			if p.Rec.SummedSparse != nil {
				var err error
				g, err = sparse.Merge(p.Rec.SummedSparse, g, o.cfg.Coalesce)
				if err != nil {
					return err
				}
			}
			p.Rec.SummedSparse = g
		default:
			g := p.Rec.BackwardDense
			if g == nil {
				return fmt.Errorf("parameter %q: %w", p.Name, ErrMissingBackwardGrad)
			}
			if p.Rec.SummedDense == nil {
				p.Rec.SummedDense = g
			} else {
				if !g.Shape().Equal(p.Rec.SummedDense.Shape()) {
					return fmt.Errorf("parameter %q: backward gradient shape %v, accumulated %v",
						p.Name, g.Shape(), p.Rec.SummedDense.Shape())
				}
				for j, v := range g.Data {
					p.Rec.SummedDense.Data[j] += v
				}
			}
		}
		p.Rec.BackwardDense = nil
		p.Rec.BackwardSparse = nil
		p.Rec.sampleProcessed = true
	}
	return nil
}
