// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package sparse implements the sparse gradient store for embedding tables.
//
// An embedding gradient never materializes the full table: a batch touches a
// few thousand rows out of tens of millions, so the gradient is carried as a
// (row index, dense vector) list. Duplicate indices are legal until the
// gradient is coalesced, at which point each surviving index holds the vector
// sum of its contributions.
package sparse

import (
	"errors"
	"fmt"

	"github.com/VIA-Research/LazyDP/internal/tensor"
)

// Package errors.
var (
	ErrIndexOutOfBounds = errors.New("row index out of table bounds")
	ErrShapeMismatch    = errors.New("indices and values disagree in length")
	ErrTableMismatch    = errors.New("gradients belong to different tables")
	ErrUnknownStrategy  = errors.New("unknown strategy")
)

// Gradient is a sparse per-table gradient: one dense Dim-vector per entry in
// Indices. Indices may repeat until Coalesce is applied.
type Gradient struct {
	Rows    int           // Number of rows in the owning embedding table.
	Dim     int           // Embedding dimension.
	Indices []int64       // Row index per value row; possibly duplicated.
	Values  *tensor.Dense // len(Indices) x Dim.

	coalesced bool
}

// New builds a sparse gradient from scatter-style index and value arrays.
//
// Every index must lie in [0, rows) and the value matrix must have exactly
// one Dim-sized row per index. The result is not marked coalesced even if the
// indices happen to be unique; call Coalesce to establish the invariant.
func New(rows, dim int, indices []int64, values *tensor.Dense) (*Gradient, error) {
	if values == nil {
		return nil, fmt.Errorf("%w: nil values for %d indices", ErrShapeMismatch, len(indices))
	}
	if values.Rows != len(indices) || values.Cols != dim {
		return nil, fmt.Errorf("%w: %d indices vs values shape [%d %d] (dim %d)",
			ErrShapeMismatch, len(indices), values.Rows, values.Cols, dim)
	}
	for _, idx := range indices {
		if idx < 0 || idx >= int64(rows) {
			return nil, fmt.Errorf("%w: row %d, table has %d rows", ErrIndexOutOfBounds, idx, rows)
		}
	}
	return &Gradient{Rows: rows, Dim: dim, Indices: indices, Values: values}, nil
}

// NNZ returns the number of stored entries (pre-coalesce this counts
// duplicates separately).
func (g *Gradient) NNZ() int {
	return len(g.Indices)
}

// IsCoalesced reports whether the gradient holds unique, index-sorted entries.
func (g *Gradient) IsCoalesced() bool {
	return g.coalesced
}

// markCoalesced is set by the coalesce kernels once uniqueness is established.
func (g *Gradient) markCoalesced() {
	g.coalesced = true
}

// Row returns the value vector stored for table row idx, or nil if the
// gradient has no entry for it. Requires a coalesced gradient (unique,
// sorted indices).
func (g *Gradient) Row(idx int64) []float32 {
	if !g.coalesced {
		return nil
	}
	lo, hi := 0, len(g.Indices)
	for lo < hi {
		mid := (lo + hi) / 2
		if g.Indices[mid] < idx {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(g.Indices) && g.Indices[lo] == idx {
		return g.Values.Row(lo)
	}
	return nil
}

// Clone returns a deep copy of g.
func (g *Gradient) Clone() *Gradient {
	indices := make([]int64, len(g.Indices))
	copy(indices, g.Indices)
	return &Gradient{
		Rows:      g.Rows,
		Dim:       g.Dim,
		Indices:   indices,
		Values:    g.Values.Clone(),
		coalesced: g.coalesced,
	}
}
