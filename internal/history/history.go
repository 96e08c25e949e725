// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package history tracks, per embedding table row, the iteration at which
// privacy noise was last resolved for that row.
//
// The counters are the bookkeeping half of the lazy noise scheme: a row idle
// for k iterations owes one Gaussian draw of variance k*sigma^2 instead of k
// separate draws, and the table records where each row's backlog starts.
package history

import (
	"errors"
	"fmt"
)

// Package errors.
var (
	ErrRowOutOfBounds  = errors.New("row index out of history table bounds")
	ErrNonMonotonic    = errors.New("history update would move an entry backwards")
	ErrFutureIteration = errors.New("history entry is ahead of the iteration counter")
)

// Table holds one last-resolved iteration counter per embedding row.
//
// Entries start at 0, so a row first touched while the global counter is at
// iteration c owes a backlog of c iterations. The counter convention makes a
// row touched at iteration 0 owe nothing; iteration 0's own noise arrives
// through the regular merge path, and the backlog only ever covers
// iterations the row sat idle.
type Table struct {
	last []int64
}

// NewTable creates a zero-initialized table for a rows-row embedding table.
func NewTable(rows int) (*Table, error) {
	if rows <= 0 {
		return nil, fmt.Errorf("invalid table size %d", rows)
	}
	return &Table{last: make([]int64, rows)}, nil
}

// Rows returns the number of tracked rows.
func (t *Table) Rows() int {
	return len(t.last)
}

// Last returns the iteration at which row was last resolved.
func (t *Table) Last(row int64) (int64, error) {
	if row < 0 || row >= int64(len(t.last)) {
		return 0, fmt.Errorf("%w: row %d of %d", ErrRowOutOfBounds, row, len(t.last))
	}
	return t.last[row], nil
}

// Elapsed returns, for each requested row, the number of iterations since
// its noise was last resolved, given the current iteration counter.
func (t *Table) Elapsed(cntIter int64, rows []int64) ([]int64, error) {
	out := make([]int64, len(rows))
	for i, r := range rows {
		if r < 0 || r >= int64(len(t.last)) {
			return nil, fmt.Errorf("%w: row %d of %d", ErrRowOutOfBounds, r, len(t.last))
		}
		if t.last[r] > cntIter {
			return nil, fmt.Errorf("%w: row %d resolved at %d, counter %d",
				ErrFutureIteration, r, t.last[r], cntIter)
		}
		out[i] = cntIter - t.last[r]
	}
	return out, nil
}

// Touch marks the given rows as resolved at cntIter.
//
// Entries are non-decreasing over the life of the table; touching a row with
// an iteration older than its stored value indicates a corrupted counter and
// fails without modifying the table.
func (t *Table) Touch(cntIter int64, rows []int64) error {
	for _, r := range rows {
		if r < 0 || r >= int64(len(t.last)) {
			return fmt.Errorf("%w: row %d of %d", ErrRowOutOfBounds, r, len(t.last))
		}
		if t.last[r] > cntIter {
			return fmt.Errorf("%w: row %d at %d, touch with %d",
				ErrNonMonotonic, r, t.last[r], cntIter)
		}
	}
	for _, r := range rows {
		t.last[r] = cntIter
	}
	return nil
}
