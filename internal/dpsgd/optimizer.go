// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dpsgd

import (
	"fmt"

	"github.com/VIA-Research/LazyDP/internal/noise"
)

// UpdateRule is the underlying optimizer the noisy gradients are handed to.
// Implementations read each parameter's final gradient (dense or sparse)
// and mutate Parameter.Data in place.
type UpdateRule interface {
	// Step applies the final gradients of all parameters.
	Step(params []*Parameter) error
	// LR returns the current learning rate, used for monitoring and the
	// debug backlog flush.
	LR() float64
}

// DPOptimizer drives one DP-SGD training iteration: clip, noise, delayed
// noise resolution, parameter update, bookkeeping. It owns the global
// iteration counter and all per-parameter gradient state between ZeroGrad
// and the update.
//
// The optimizer is not safe for concurrent use; the training loop is
// iteration-synchronous and all internal parallelism fans out and joins
// within a single step.
type DPOptimizer struct {
	params []*Parameter
	update UpdateRule
	cfg    Config

	gen    *noise.Generator
	sched  *scheduler // Non-nil only for the Lazy variant.
	embIdx []int      // Positions of embedding parameters in params.

	cntIter     int64
	skipQueue   []bool
	lastSkipped bool
	stepHook    func(*DPOptimizer)
	stats       Stats
}

// NewDPOptimizer validates the configuration and assembles the engine.
//
// The parameter slice must list every trainable parameter; embedding
// parameters (created by NewEmbeddingParameter) are routed through the
// sparse path automatically.
func NewDPOptimizer(params []*Parameter, update UpdateRule, cfg Config) (*DPOptimizer, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: no parameters", ErrInvalidConfig)
	}
	if update == nil {
		return nil, fmt.Errorf("%w: nil update rule", ErrInvalidConfig)
	}
	if err := cfg.validate(len(params)); err != nil {
		return nil, err
	}
	cfg.Noise.Debug = cfg.Debug.noiseMode()

	gen, err := noise.NewGenerator(cfg.Noise)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	o := &DPOptimizer{
		params: params,
		update: update,
		cfg:    cfg,
		gen:    gen,
	}
	for i, p := range params {
		if p.IsEmbedding() {
			o.embIdx = append(o.embIdx, i)
		}
	}

	if cfg.Variant == Lazy {
		embParams := make([]*Parameter, len(o.embIdx))
		stdPer := make([]float64, len(o.embIdx))
		for t, i := range o.embIdx {
			embParams[t] = params[i]
			stdPer[t] = cfg.noiseStd(i)
		}
		o.sched, err = newScheduler(embParams, stdPer, gen, &o.cfg)
		if err != nil {
			return nil, err
		}
	}
	return o, nil
}

// CntIter returns the global iteration counter (completed, non-skipped
// steps).
func (o *DPOptimizer) CntIter() int64 {
	return o.cntIter
}

// Stats returns the accumulated per-phase timing counters.
func (o *DPOptimizer) Stats() Stats {
	return o.stats
}

// Params returns the managed parameters.
func (o *DPOptimizer) Params() []*Parameter {
	return o.params
}

// AttachStepHook registers a function executed after clipping and noising
// but before the underlying update. Most commonly used by the privacy
// accountant.
func (o *DPOptimizer) AttachStepHook(fn func(*DPOptimizer)) {
	o.stepHook = fn
}

// SignalSkipStep queues a skip signal for the next Step call. A skipped
// step clips and accumulates but defers noise and the parameter update,
// letting a large Poisson batch be fed as several physical batches.
func (o *DPOptimizer) SignalSkipStep(doSkip bool) {
	o.skipQueue = append(o.skipQueue, doSkip)
}

func (o *DPOptimizer) popSkipSignal() bool {
	if len(o.skipQueue) == 0 {
		return false
	}
	skip := o.skipQueue[0]
	o.skipQueue = o.skipQueue[1:]
	return skip
}

// SetNextBatchRows hands the scheduler the row indices the next iteration's
// batch will access, one slice per embedding table, one iteration ahead of
// use. Only the Lazy variant consumes this; nil clears the advance
// knowledge and makes the next step leave embedding gradients unchanged.
func (o *DPOptimizer) SetNextBatchRows(rows [][]int64) error {
	if o.sched == nil {
		return fmt.Errorf("%w: next-batch rows are only used by the %s variant",
			ErrInvalidConfig, Lazy)
	}
	return o.sched.setNextRows(rows)
}

// AccumulatedIterations returns the number of physical batches folded into
// the upcoming step. The engine feeds exactly one batch per clip call, so
// the count is always 1; privacy accountants use it for the real sampling
// rate.
func (o *DPOptimizer) AccumulatedIterations() int {
	return 1
}

// ZeroGrad clears per-step gradient state on every parameter.
//
// Per-sample gradients are always dropped. Summed gradients survive when
// the previous step was skipped: they carry the virtual batch's
// accumulation into the next physical batch.
func (o *DPOptimizer) ZeroGrad() {
	for _, p := range o.params {
		p.Rec.clearSamples()
		if !o.lastSkipped {
			p.Rec.clearAccumulated()
		}
	}
}

// Step runs one optimization step: clip/accumulate, honor a queued skip,
// add noise, resolve delayed noise, scale, update parameters and advance
// the iteration bookkeeping.
//
// For the Baseline variant, per-sample gradients must be installed before
// the call. The re-backward variants must complete the ClipFactors /
// second-backward protocol first.
func (o *DPOptimizer) Step() error {
	proceed, err := o.preStep()
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	stop := o.stats.track(&o.stats.Update)
	err = o.update.Step(o.params)
	stop()
	if err != nil {
		return err
	}

	if o.sched != nil {
		stop = o.stats.track(&o.stats.History)
		err = o.sched.advance(o.cntIter)
		stop()
		if err != nil {
			return err
		}
	}
	o.cntIter++
	o.stats.Steps++
	return nil
}

// preStep performs everything up to the underlying update. Returns false
// when the step was skipped.
func (o *DPOptimizer) preStep() (bool, error) {
	if o.cfg.Variant.usesRebackward() {
		if err := o.accumulateBackward(); err != nil {
			return false, err
		}
	} else if err := o.ClipAndAccumulate(); err != nil {
		return false, err
	}

	if o.popSkipSignal() {
		o.lastSkipped = true
		o.stats.SkippedSteps++
		return false, nil
	}

	if err := o.addNoise(); err != nil {
		return false, err
	}

	if o.sched != nil {
		stop := o.stats.track(&o.stats.DelayedVariance)
		err := o.sched.computeVariance(o.cntIter)
		stop()
		if err != nil {
			return false, err
		}
		for t, i := range o.embIdx {
			p := o.params[i]
			merged, err := o.sched.resolve(t, p.Rec.GradSparse, &o.stats)
			if err != nil {
				return false, err
			}
			p.Rec.GradSparse = merged
		}
	}

	o.scaleGrad()

	if o.stepHook != nil {
		o.stepHook(o)
	}

	o.lastSkipped = false
	return true, nil
}

// addNoise moves each parameter's summed gradient into its final gradient,
// adding the per-iteration Gaussian noise the variant calls for. Under
// Lazy, embedding tables bypass noise here; the scheduler injects their
// owed noise during resolution instead.
func (o *DPOptimizer) addNoise() error {
	defer o.stats.track(&o.stats.Noise)()

	for i, p := range o.params {
		if p.Rec.summedProcessed {
			return fmt.Errorf("parameter %q: %w", p.Name, ErrGradsNotCleared)
		}
		if !p.Rec.hasSummed() {
			return fmt.Errorf("parameter %q: %w", p.Name, ErrMissingBackwardGrad)
		}

		switch {
		case p.IsEmbedding() && o.cfg.Variant == Lazy:
			// Bypass: delayed resolution owns embedding noise.
			p.Rec.GradSparse = p.Rec.SummedSparse

		case p.IsEmbedding() && o.cfg.Variant == EagerApprox:
			// Noise only the rows the batch touched. Cheap, approximate:
			// idle rows never receive their noise.
			g := p.Rec.SummedSparse
			n, err := o.gen.Generate(o.cfg.noiseStd(i), g.Values.Rows, g.Values.Cols)
			if err != nil {
				return fmt.Errorf("parameter %q: %w", p.Name, err)
			}
			for j, v := range n.Data {
				g.Values.Data[j] += v
			}
			p.Rec.GradSparse = g

		case p.IsEmbedding():
			// Exact eager variants owe noise to the entire table each
			// iteration: draw the full matrix and scatter the clipped
			// values into it. This is the cost Lazy exists to avoid.
			g := p.Rec.SummedSparse
			n, err := o.gen.Generate(o.cfg.noiseStd(i), p.TableRows(), p.EmbedDim())
			if err != nil {
				return fmt.Errorf("parameter %q: %w", p.Name, err)
			}
			for r, idx := range g.Indices {
				dst := n.Row(int(idx))
				for j, v := range g.Values.Row(r) {
					dst[j] += v
				}
			}
			p.Rec.GradDense = n

		default:
			sg := p.Rec.SummedDense
			n, err := o.gen.Generate(o.cfg.noiseStd(i), sg.Rows, sg.Cols)
			if err != nil {
				return fmt.Errorf("parameter %q: %w", p.Name, err)
			}
			for j, v := range sg.Data {
				n.Data[j] += v
			}
			p.Rec.GradDense = n
		}
		p.Rec.summedProcessed = true
	}
	return nil
}

// scaleGrad divides the final gradients by the expected batch size under
// mean loss reduction. Sum reduction leaves them untouched.
func (o *DPOptimizer) scaleGrad() {
	if o.cfg.LossReduction != ReductionMean {
		return
	}
	scale := float32(1) / float32(o.cfg.ExpectedBatchSize*o.AccumulatedIterations())
	for _, p := range o.params {
		if p.Rec.GradDense != nil {
			scaleSlice(p.Rec.GradDense.Data, scale)
		}
		if p.Rec.GradSparse != nil {
			scaleSlice(p.Rec.GradSparse.Values.Data, scale)
		}
	}
}

func scaleSlice(data []float32, scale float32) {
	for i := range data {
		data[i] *= scale
	}
}

// FlushDebugBacklog applies every embedding row's outstanding noise backlog
// directly to the weights, emulating the delayed draws that would resolve
// after the final iteration. Only meaningful under DebugOneAsNoise, where
// each missed iteration contributes exactly 1 per element; it lets a
// finished Lazy run be compared bit-for-bit against an eager one.
func (o *DPOptimizer) FlushDebugBacklog() error {
	if o.cfg.Debug != DebugOneAsNoise {
		return fmt.Errorf("%w: backlog flush requires the one-as-noise debug mode",
			ErrInvalidConfig)
	}
	if o.sched == nil {
		return nil
	}
	lr := o.update.LR()
	scale := 1.0
	if o.cfg.LossReduction == ReductionMean {
		scale = float64(o.cfg.ExpectedBatchSize * o.AccumulatedIterations())
	}
	for t, i := range o.embIdx {
		p := o.params[i]
		pending, err := o.sched.pendingVariance(t, o.cntIter)
		if err != nil {
			return err
		}
		dim := p.EmbedDim()
		for r, k := range pending {
			if k == 0 {
				continue
			}
			delta := float32(lr * float64(k) / scale)
			row := p.Data[r*dim : (r+1)*dim]
			for j := range row {
				row[j] -= delta
			}
		}
	}
	return nil
}

// EmbeddingHistory exposes, for tests and diagnostics, the last-resolved
// iteration of a row in the t-th embedding table. Returns an error for
// non-Lazy variants.
func (o *DPOptimizer) EmbeddingHistory(t int, row int64) (int64, error) {
	if o.sched == nil {
		return 0, fmt.Errorf("%w: history is only tracked by the %s variant",
			ErrInvalidConfig, Lazy)
	}
	return o.sched.tables[t].Last(row)
}
