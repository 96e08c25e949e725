// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dpsgd

import "time"

// Stats accumulates per-phase wall time across steps. The optimizer is
// single-threaded at the phase level, so plain fields suffice.
type Stats struct {
	Clip            time.Duration // Norms, clip factors, accumulation.
	Noise           time.Duration // Eager noise generation and addition.
	DelayedVariance time.Duration // Owed-variance computation (Lazy).
	DelayedNoise    time.Duration // Delayed draw generation (Lazy).
	Coalesce        time.Duration // Sparse coalescing, all call sites.
	Update          time.Duration // Underlying update rule.
	History         time.Duration // History table advance.

	Steps        int64
	SkippedSteps int64
}

// track starts a phase timer; invoking the returned func stops it and adds
// the elapsed time to d.
func (s *Stats) track(d *time.Duration) func() {
	start := time.Now()
	return func() {
		*d += time.Since(start)
	}
}
