// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VIA-Research/LazyDP/internal/dpsgd"
	"github.com/VIA-Research/LazyDP/internal/sparse"
	"github.com/VIA-Research/LazyDP/internal/tensor"
)

func denseParam(t *testing.T, name string, data []float32) *dpsgd.Parameter {
	t.Helper()
	p, err := dpsgd.NewParameter(name, tensor.Shape{len(data)}, dpsgd.Accelerator)
	require.NoError(t, err)
	copy(p.Data, data)
	return p
}

func TestSGD_Defaults(t *testing.T) {
	s := NewSGD(SGDConfig{})
	assert.Equal(t, 0.01, s.LR())
}

func TestSGD_DenseStep(t *testing.T) {
	p := denseParam(t, "w", []float32{1, 2, 3})
	grad, err := tensor.FromSlice([]float32{1, 1, 1}, 1, 3)
	require.NoError(t, err)
	p.Rec.GradDense = grad

	s := NewSGD(SGDConfig{LR: 0.5})
	require.NoError(t, s.Step([]*dpsgd.Parameter{p}))

	assert.InDeltaSlice(t, []float32{0.5, 1.5, 2.5}, p.Data, 1e-6)
}

func TestSGD_Momentum(t *testing.T) {
	p := denseParam(t, "w", []float32{0})
	s := NewSGD(SGDConfig{LR: 1, Momentum: 0.5})

	step := func(g float32) {
		grad, err := tensor.FromSlice([]float32{g}, 1, 1)
		require.NoError(t, err)
		p.Rec.GradDense = grad
		require.NoError(t, s.Step([]*dpsgd.Parameter{p}))
	}

	// v1 = 1, w = -1; v2 = 0.5*1 + 1 = 1.5, w = -2.5.
	step(1)
	assert.InDelta(t, -1.0, float64(p.Data[0]), 1e-6)
	step(1)
	assert.InDelta(t, -2.5, float64(p.Data[0]), 1e-6)
}

func TestSGD_SparseStep(t *testing.T) {
	p, err := dpsgd.NewEmbeddingParameter("emb", 4, 2)
	require.NoError(t, err)

	values, err := tensor.FromSlice([]float32{1, 1, 2, 2}, 2, 2)
	require.NoError(t, err)
	g, err := sparse.New(4, 2, []int64{1, 3}, values)
	require.NoError(t, err)
	g, err = sparse.Coalesce(g, sparse.CoalesceConfig{})
	require.NoError(t, err)
	p.Rec.GradSparse = g

	s := NewSGD(SGDConfig{LR: 0.1})
	require.NoError(t, s.Step([]*dpsgd.Parameter{p}))

	assert.InDeltaSlice(t, []float32{0, 0}, p.Data[0:2], 1e-6)
	assert.InDeltaSlice(t, []float32{-0.1, -0.1}, p.Data[2:4], 1e-6)
	assert.InDeltaSlice(t, []float32{0, 0}, p.Data[4:6], 1e-6)
	assert.InDeltaSlice(t, []float32{-0.2, -0.2}, p.Data[6:8], 1e-6)
}

func TestSGD_RejectsUncoalescedSparse(t *testing.T) {
	p, err := dpsgd.NewEmbeddingParameter("emb", 4, 2)
	require.NoError(t, err)

	values, err := tensor.FromSlice([]float32{1, 1, 2, 2}, 2, 2)
	require.NoError(t, err)
	g, err := sparse.New(4, 2, []int64{1, 1}, values)
	require.NoError(t, err)
	p.Rec.GradSparse = g

	s := NewSGD(SGDConfig{LR: 0.1})
	assert.Error(t, s.Step([]*dpsgd.Parameter{p}))
}

func TestSGD_SkipsParamsWithoutGrad(t *testing.T) {
	p := denseParam(t, "w", []float32{7})
	s := NewSGD(SGDConfig{LR: 1})
	require.NoError(t, s.Step([]*dpsgd.Parameter{p}))
	assert.Equal(t, float32(7), p.Data[0])
}
