// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package main provides the LazyDP synthetic training benchmark.
//
// It builds a DLRM-like model shape (huge host-memory embedding tables plus
// a dense MLP stand-in), drives the DP optimizer with synthetic batches and
// reports the per-phase time breakdown.
//
// Usage:
//
//	go run ./cmd/lazydp -variant lazy -iters 100 -batch 1024 -rows 1000000
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/VIA-Research/LazyDP/dpsgd"
	"github.com/VIA-Research/LazyDP/optim"
	"github.com/VIA-Research/LazyDP/tensor"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("LazyDP %s\n", version)
		return
	}

	variant := flag.String("variant", "lazy", "training variant: baseline, reweighted, fast-backward, lazy, eager-approx")
	iters := flag.Int("iters", 100, "number of training iterations")
	batch := flag.Int("batch", 1024, "physical batch size")
	tables := flag.Int("tables", 4, "number of embedding tables")
	rows := flag.Int("rows", 1_000_000, "rows per embedding table")
	dim := flag.Int("dim", 16, "embedding dimension")
	gathers := flag.Int("gathers", 1, "embedding gathers per sample")
	sigma := flag.Float64("noise-multiplier", 1.0, "noise std / clipping norm ratio")
	clip := flag.Float64("max-grad-norm", 1.0, "per-sample gradient L2 bound")
	threads := flag.Int("threads", 32, "worker count for the sparse and noise kernels")
	seed := flag.Int64("seed", 0, "RNG seed (0 uses the clock)")
	lr := flag.Float64("lr", 0.01, "learning rate")
	debug := flag.String("debug", "off", "debug noise mode: off, without-noise, without-noise-clipping, one-as-noise")
	flag.Parse()

	v, err := parseVariant(*variant)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	dbg, err := parseDebug(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("LazyDP %s - DP-SGD training benchmark\n\n", version)
	fmt.Println("Configuration:")
	fmt.Printf("  Variant:      %s\n", v)
	fmt.Printf("  Iterations:   %d\n", *iters)
	fmt.Printf("  Batch size:   %d\n", *batch)
	fmt.Printf("  Tables:       %d x (%d x %d)\n", *tables, *rows, *dim)
	fmt.Printf("  Noise:        sigma=%.3g C=%.3g\n", *sigma, *clip)
	fmt.Printf("  Threads:      %d\n\n", *threads)

	if err := run(v, dbg, benchConfig{
		iters:   *iters,
		batch:   *batch,
		tables:  *tables,
		rows:    *rows,
		dim:     *dim,
		gathers: *gathers,
		sigma:   *sigma,
		clip:    *clip,
		threads: *threads,
		seed:    *seed,
		lr:      *lr,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type benchConfig struct {
	iters, batch, tables, rows, dim, gathers, threads int
	sigma, clip, lr                                   float64
	seed                                              int64
}

func run(variant dpsgd.Variant, debug dpsgd.DebugMode, bc benchConfig) error {
	params := make([]*dpsgd.Parameter, 0, bc.tables+1)
	embs := make([]*dpsgd.Parameter, bc.tables)
	for t := range embs {
		p, err := dpsgd.NewEmbeddingParameter(fmt.Sprintf("emb.%d", t), bc.rows, bc.dim)
		if err != nil {
			return err
		}
		p.EmbInputs.NumGathers = bc.gathers
		embs[t] = p
		params = append(params, p)
	}
	mlp, err := dpsgd.NewParameter("mlp.top", tensor.Shape{256}, dpsgd.Accelerator)
	if err != nil {
		return err
	}
	params = append(params, mlp)

	cfg := dpsgd.Config{
		Variant:           variant,
		NoiseMultiplier:   bc.sigma,
		MaxGradNorm:       bc.clip,
		LossReduction:     dpsgd.ReductionMean,
		ExpectedBatchSize: bc.batch,
		Debug:             debug,
	}
	cfg.Coalesce.NumThreads = bc.threads
	cfg.Unique.NumThreads = bc.threads
	cfg.Noise.NumThreads = bc.threads
	cfg.Noise.Seed = uint64(bc.seed)

	opt, err := dpsgd.NewDPOptimizer(params, optim.NewSGD(optim.SGDConfig{LR: bc.lr}), cfg)
	if err != nil {
		return err
	}

	seed := bc.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	// Pre-draw every batch's table accesses so the Lazy variant can announce
	// the next batch's rows before each step, the way a pipelined input
	// stage would.
	access := make([][][]int64, bc.iters+1)
	for i := range access {
		access[i] = make([][]int64, bc.tables)
		for t := range access[i] {
			idx := make([]int64, bc.batch*bc.gathers)
			for j := range idx {
				idx[j] = rng.Int63n(int64(bc.rows))
			}
			access[i][t] = idx
		}
	}

	start := time.Now()
	for i := 0; i < bc.iters; i++ {
		opt.ZeroGrad()
		if variant == dpsgd.Lazy {
			if err := opt.SetNextBatchRows(access[i+1]); err != nil {
				return err
			}
		}
		if err := feedBatch(opt, embs, mlp, access[i], bc, rng, variant); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		if err := opt.Step(); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
	}
	wall := time.Since(start)

	stats := opt.Stats()
	fmt.Printf("Completed %d iterations in %v (%.2f ms/iter)\n\n",
		stats.Steps, wall.Round(time.Millisecond),
		float64(wall.Milliseconds())/float64(bc.iters))
	fmt.Println("Phase breakdown:")
	fmt.Printf("  Clip:             %v\n", stats.Clip.Round(time.Microsecond))
	fmt.Printf("  Noise:            %v\n", stats.Noise.Round(time.Microsecond))
	fmt.Printf("  Delayed variance: %v\n", stats.DelayedVariance.Round(time.Microsecond))
	fmt.Printf("  Delayed noise:    %v\n", stats.DelayedNoise.Round(time.Microsecond))
	fmt.Printf("  Coalesce:         %v\n", stats.Coalesce.Round(time.Microsecond))
	fmt.Printf("  Update:           %v\n", stats.Update.Round(time.Microsecond))
	fmt.Printf("  History:          %v\n", stats.History.Round(time.Microsecond))
	return nil
}

// feedBatch emulates the backward pass: materialized per-sample gradients
// for the baseline variant, tracked norms plus a reweighted second backward
// for the rest.
func feedBatch(opt *dpsgd.DPOptimizer, embs []*dpsgd.Parameter, mlp *dpsgd.Parameter,
	access [][]int64, bc benchConfig, rng *rand.Rand, variant dpsgd.Variant) error {

	if variant == dpsgd.Baseline {
		for t, p := range embs {
			gs, err := tensor.NewDense(bc.batch*bc.gathers, bc.dim)
			if err != nil {
				return err
			}
			fillNormal(rng, gs.Data)
			if err := p.SetGradSample(gs, access[t]); err != nil {
				return err
			}
		}
		gs, err := tensor.NewDense(bc.batch, 256)
		if err != nil {
			return err
		}
		fillNormal(rng, gs.Data)
		return mlp.SetGradSample(gs, nil)
	}

	for _, p := range append(append([]*dpsgd.Parameter{}, embs...), mlp) {
		norms := make([]float64, bc.batch)
		for s := range norms {
			norms[s] = rng.ExpFloat64()
		}
		p.SetGradSampleNorms(norms)
	}
	factors, err := opt.ClipFactors()
	if err != nil {
		return err
	}

	for t, p := range embs {
		values, err := tensor.NewDense(bc.batch*bc.gathers, bc.dim)
		if err != nil {
			return err
		}
		fillNormal(rng, values.Data)
		for r := 0; r < values.Rows; r++ {
			f := float32(factors[r/bc.gathers])
			row := values.Row(r)
			for j := range row {
				row[j] *= f
			}
		}
		if err := p.SetBackwardSparseGrad(access[t], values); err != nil {
			return err
		}
	}

	g, err := tensor.NewDense(1, 256)
	if err != nil {
		return err
	}
	fillNormal(rng, g.Data)
	mlp.SetBackwardGrad(g)
	return nil
}

func fillNormal(rng *rand.Rand, data []float32) {
	for i := range data {
		data[i] = float32(rng.NormFloat64() * 0.01)
	}
}

func parseVariant(s string) (dpsgd.Variant, error) {
	switch s {
	case "baseline":
		return dpsgd.Baseline, nil
	case "reweighted":
		return dpsgd.Reweighted, nil
	case "fast-backward":
		return dpsgd.FastBackward, nil
	case "lazy":
		return dpsgd.Lazy, nil
	case "eager-approx":
		return dpsgd.EagerApprox, nil
	default:
		return 0, fmt.Errorf("unknown variant %q", s)
	}
}

func parseDebug(s string) (dpsgd.DebugMode, error) {
	switch s {
	case "off":
		return dpsgd.DebugOff, nil
	case "without-noise":
		return dpsgd.DebugWithoutNoise, nil
	case "without-noise-clipping":
		return dpsgd.DebugWithoutNoiseClipping, nil
	case "one-as-noise":
		return dpsgd.DebugOneAsNoise, nil
	default:
		return 0, fmt.Errorf("unknown debug mode %q", s)
	}
}
