// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package dpsgd provides differentially-private SGD training for
// recommendation models with host-memory embedding tables.
//
// # Overview
//
// This package contains:
//   - DPOptimizer: the per-step DP-SGD driver (clip, noise, update)
//   - Parameter: a trainable tensor plus its per-step gradient record
//   - Variant: the training algorithm selection, including Lazy delayed
//     noise for embedding tables
//   - UpdateRule: the interface underlying optimizers implement
//
// # Basic Usage
//
//	import (
//	    "github.com/VIA-Research/LazyDP/dpsgd"
//	    "github.com/VIA-Research/LazyDP/optim"
//	)
//
//	func main() {
//	    emb, _ := dpsgd.NewEmbeddingParameter("emb.0", 50_000_000, 16)
//	    emb.EmbInputs.NumGathers = 1
//
//	    opt, _ := dpsgd.NewDPOptimizer(
//	        []*dpsgd.Parameter{emb},
//	        optim.NewSGD(optim.SGDConfig{LR: 0.01}),
//	        dpsgd.Config{
//	            Variant:           dpsgd.Lazy,
//	            NoiseMultiplier:   1.0,
//	            MaxGradNorm:       1.0,
//	            LossReduction:     dpsgd.ReductionMean,
//	            ExpectedBatchSize: 1024,
//	        },
//	    )
//
//	    // Training loop
//	    for it := 0; it < numIterations; it++ {
//	        opt.ZeroGrad()
//
//	        // 1. Announce the rows the NEXT batch will touch (Lazy only).
//	        opt.SetNextBatchRows(nextBatchRows(it + 1))
//
//	        // 2. First backward: per-sample gradient norms.
//	        emb.SetGradSampleNorms(norms)
//	        factors, _ := opt.ClipFactors()
//
//	        // 3. Reweight each sample's loss by its factor, sum, run the
//	        //    second backward and install the clipped gradients.
//	        emb.SetBackwardSparseGrad(indices, values)
//
//	        // 4. Noise, delayed-noise resolution and the parameter update.
//	        opt.Step()
//	    }
//	}
//
// # Variants
//
// Baseline materializes full per-sample gradients, clips them explicitly
// and noises every parameter eagerly; embedding gradients are scattered
// into a dense full-table noise matrix. Use it as the correctness
// reference, not in production.
//
// Reweighted and FastBackward obtain clipped gradients from a reweighted
// second backward pass: the first backward tracks per-sample norms,
// ClipFactors turns them into loss weights, and the second backward
// produces the clipped sum directly. Embedding noise is still eager.
//
// Lazy defers embedding noise: an idle row accumulates owed variance and
// receives a single compensating draw right before its next access, which
// is distribution-identical to per-iteration noise by the additivity of
// independent Gaussian variances. Requires SetNextBatchRows one iteration
// ahead.
//
// EagerApprox noises only the rows the current batch touched. Cheap, but
// idle rows never receive their noise, so the privacy guarantee is
// approximate.
//
// # Skipped Steps
//
// SignalSkipStep(true) before Step folds the current physical batch into a
// larger virtual batch: the step clips and accumulates but defers noise
// and the update. ZeroGrad after a skipped step keeps the accumulated sum.
//
// # Privacy Guard
//
// Consuming a gradient twice without an intervening ZeroGrad returns
// ErrGradsNotCleared: reusing a noised or clipped gradient would void the
// privacy accounting.
package dpsgd
