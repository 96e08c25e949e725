// Copyright 2025 VIA Research. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides the update rules the DP optimizer delegates to
// once gradients are clipped and noised.
package optim

import "github.com/VIA-Research/LazyDP/internal/optim"

// SGD implements stochastic gradient descent with optional momentum.
//
// Sparse embedding gradients update only the rows they carry and always
// take the plain (momentum-free) rule.
type SGD = optim.SGD

// SGDConfig contains configuration for the SGD update rule.
type SGDConfig = optim.SGDConfig

// NewSGD creates a new SGD update rule.
//
// Example:
//
//	rule := optim.NewSGD(optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
func NewSGD(config SGDConfig) *SGD {
	return optim.NewSGD(config)
}
