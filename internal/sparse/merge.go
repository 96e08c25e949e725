// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package sparse

import (
	"fmt"

	"github.com/VIA-Research/LazyDP/internal/tensor"
)

// Merge combines two sparse deltas over the same table into one coalesced
// gradient.
//
// This is the delayed-noise / real-gradient combination point: a row may
// appear in both inputs (freshly noise-due and also touched by the current
// batch), in which case its contributions are summed by the coalesce step.
// Neither input needs to be coalesced beforehand.
func Merge(a, b *Gradient, cfg CoalesceConfig) (*Gradient, error) {
	if a.Rows != b.Rows || a.Dim != b.Dim {
		return nil, fmt.Errorf("%w: [%d x %d] vs [%d x %d]",
			ErrTableMismatch, a.Rows, a.Dim, b.Rows, b.Dim)
	}

	indices := make([]int64, 0, len(a.Indices)+len(b.Indices))
	indices = append(indices, a.Indices...)
	indices = append(indices, b.Indices...)

	data := make([]float32, 0, (a.Values.Rows+b.Values.Rows)*a.Dim)
	data = append(data, a.Values.Data...)
	data = append(data, b.Values.Data...)
	values := &tensor.Dense{Rows: len(indices), Cols: a.Dim, Data: data}

	combined := &Gradient{Rows: a.Rows, Dim: a.Dim, Indices: indices, Values: values}
	return Coalesce(combined, cfg)
}
