// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim implements the underlying update rules the DP optimizer
// delegates to once gradients are clipped and noised.
package optim

import (
	"fmt"

	"github.com/VIA-Research/LazyDP/internal/dpsgd"
)

// SGD implements stochastic gradient descent with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
//
// Sparse embedding gradients update only the rows they carry and always
// take the plain (momentum-free) rule: keeping velocity for tens of
// millions of mostly idle rows would densify exactly the state the sparse
// path exists to avoid.
type SGD struct {
	lr         float64
	momentum   float64
	velocities map[*dpsgd.Parameter][]float32
}

// SGDConfig holds configuration for the SGD update rule.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01).
	Momentum float64 // Momentum factor (default: 0.0, range: [0, 1)).
}

// NewSGD creates a new SGD update rule.
func NewSGD(config SGDConfig) *SGD {
	// Set defaults
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*dpsgd.Parameter][]float32),
	}
}

// Step applies the final gradient of every parameter in place.
//
// Parameters with no gradient are skipped. A dense gradient must cover the
// parameter exactly; a sparse gradient must be coalesced.
func (s *SGD) Step(params []*dpsgd.Parameter) error {
	for _, p := range params {
		dense, sp := p.Grad()
		switch {
		case sp != nil:
			if !sp.IsCoalesced() {
				return fmt.Errorf("parameter %q: sparse gradient not coalesced", p.Name)
			}
			dim := p.EmbedDim()
			lr := float32(s.lr)
			for r, idx := range sp.Indices {
				row := p.Data[int(idx)*dim : (int(idx)+1)*dim]
				for j, v := range sp.Values.Row(r) {
					row[j] -= lr * v
				}
			}
		case dense != nil:
			if len(dense.Data) != len(p.Data) {
				return fmt.Errorf("parameter %q: gradient has %d elements, parameter has %d",
					p.Name, len(dense.Data), len(p.Data))
			}
			if s.momentum == 0 {
				lr := float32(s.lr)
				for j, g := range dense.Data {
					p.Data[j] -= lr * g
				}
			} else {
				s.stepMomentum(p, dense.Data)
			}
		}
	}
	return nil
}

// stepMomentum applies the momentum update for a dense parameter.
func (s *SGD) stepMomentum(p *dpsgd.Parameter, grad []float32) {
	velocity, exists := s.velocities[p]
	if !exists {
		velocity = make([]float32, len(p.Data))
		s.velocities[p] = velocity
	}
	m := float32(s.momentum)
	lr := float32(s.lr)
	for j, g := range grad {
		velocity[j] = m*velocity[j] + g
		p.Data[j] -= lr * velocity[j]
	}
}

// LR returns the current learning rate.
func (s *SGD) LR() float64 {
	return s.lr
}

// SetLR updates the learning rate.
//
// Useful for learning rate scheduling during training.
func (s *SGD) SetLR(lr float64) {
	s.lr = lr
}
