// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scan runs a recurrent step function over a time-major sequence.
package scan

import "fmt"

// StepFunc computes the state following prev after consuming x.
type StepFunc[S, X any] func(prev S, x X) (S, error)

// Runner threads a state through a sequence of inputs.
type Runner[S, X any] struct {
	// Step is the recurrence. Required.
	Step StepFunc[S, X]
	// Detach cuts the gradient flow through a state. Required only when
	// TruncateGradient is positive.
	Detach func(S) S
	// TruncateGradient, when positive, detaches the carried state every
	// TruncateGradient steps (truncated back-propagation through time).
	// Truncation is by blocks: the gradient of step t reaches back to the
	// last multiple of TruncateGradient, between 1 and TruncateGradient
	// steps, instead of a window sliding with t.
	TruncateGradient int
}

// Run applies Step at every position of xs, starting from init, and
// returns the state after each step. An empty sequence yields no states.
func (r Runner[S, X]) Run(init S, xs []X) ([]S, error) {
	out := make([]S, 0, len(xs))
	state := init
	for t, x := range xs {
		if r.TruncateGradient > 0 && t > 0 && t%r.TruncateGradient == 0 {
			state = r.Detach(state)
		}
		next, err := r.Step(state, x)
		if err != nil {
			return nil, &StepError{Index: t, Err: err}
		}
		out = append(out, next)
		state = next
	}
	return out, nil
}

// Once applies a single step, as done when sampling one token at a time.
func (r Runner[S, X]) Once(prev S, x X) (S, error) {
	return r.Step(prev, x)
}

// StepError reports the time step at which a Run failed.
type StepError struct {
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("scan: step %d: %v", e.Index, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
