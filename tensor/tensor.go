// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the dense host-memory containers the gradient
// engine operates on.
package tensor

import "github.com/VIA-Research/LazyDP/internal/tensor"

// Shape represents the dimensions of a tensor.
type Shape = tensor.Shape

// Dense is a contiguous row-major float32 matrix.
type Dense = tensor.Dense

// NewDense allocates a zero-initialized Rows x Cols matrix.
func NewDense(rows, cols int) (*Dense, error) {
	return tensor.NewDense(rows, cols)
}

// FromSlice wraps an existing buffer as a Rows x Cols matrix without
// copying it.
func FromSlice(data []float32, rows, cols int) (*Dense, error) {
	return tensor.FromSlice(data, rows, cols)
}
