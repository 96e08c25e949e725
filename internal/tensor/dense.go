// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the dense host-memory containers the gradient
// engine operates on.
//
// Unlike a full ML framework tensor, these carriers have no autodiff tape,
// no dtype dispatch and no device transfer logic: the forward/backward
// computation lives outside this module, and everything that reaches the
// optimizer is a contiguous float32 buffer in host memory.
package tensor

import "fmt"

// Dense is a contiguous row-major float32 matrix.
//
// It is the common carrier for dense gradients, per-sample gradient slabs
// (one row per gathered sample) and generated noise blocks. A Dense with
// Rows == 1 doubles as a flat vector.
type Dense struct {
	Rows int
	Cols int
	Data []float32
}

// NewDense allocates a zero-initialized Rows x Cols matrix.
//
// Zero rows are allowed (an empty batch produces an empty gradient slab);
// zero or negative columns are not.
func NewDense(rows, cols int) (*Dense, error) {
	if rows < 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid dense shape [%d %d]", rows, cols)
	}
	return &Dense{
		Rows: rows,
		Cols: cols,
		Data: make([]float32, rows*cols),
	}, nil
}

// FromSlice wraps an existing buffer as a Rows x Cols matrix.
//
// The buffer is used directly, not copied. Returns an error if the buffer
// length does not match rows*cols.
func FromSlice(data []float32, rows, cols int) (*Dense, error) {
	if rows < 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid dense shape [%d %d]", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("data length %d does not match shape [%d %d]", len(data), rows, cols)
	}
	return &Dense{Rows: rows, Cols: cols, Data: data}, nil
}

// ZerosLike allocates a zero matrix with the same shape as d.
func ZerosLike(d *Dense) *Dense {
	return &Dense{Rows: d.Rows, Cols: d.Cols, Data: make([]float32, len(d.Data))}
}

// Row returns the i-th row as a sub-slice of the underlying buffer.
//
// Mutating the returned slice mutates the matrix.
func (d *Dense) Row(i int) []float32 {
	return d.Data[i*d.Cols : (i+1)*d.Cols]
}

// Shape returns the matrix shape as {Rows, Cols}.
func (d *Dense) Shape() Shape {
	return Shape{d.Rows, d.Cols}
}

// Clone returns a deep copy of d.
func (d *Dense) Clone() *Dense {
	data := make([]float32, len(d.Data))
	copy(data, d.Data)
	return &Dense{Rows: d.Rows, Cols: d.Cols, Data: data}
}
