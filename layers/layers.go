// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layers implements the layers of an attentional encoder-decoder
// translation model: feed-forward, embedding, GRU, and conditional GRU with
// attention over one, two or three context sources.
//
// Sequences are time-major and batches are held as one vector per sample.
// Every layer pairs an Init method, which adds its parameters to a
// params.Table, with forward methods reading them back from the same table.
package layers

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/nlpodyssey/nmtlayers/params"
	"github.com/nlpodyssey/spago/mat"
)

var (
	// ErrMissingContext is returned when a conditional layer is run
	// without one of its context sources.
	ErrMissingContext = errors.New("context must be provided")
	// ErrMissingState is returned by single-step calls without a
	// previous state.
	ErrMissingState = errors.New("previous state must be provided")
	// ErrShape is returned when an input does not match the layer sizes.
	ErrShape = errors.New("shape mismatch")
)

// Batch holds one vector per sample.
type Batch []mat.Tensor

// Sequence is a time-major sequence of batches.
type Sequence []Batch

// Mask holds, for each time step, a weight per sample: 1 for valid
// positions and 0 for padding. A nil Mask marks every position as valid.
type Mask [][]float64

// At returns the weights of step t, or nil when all the samples are valid.
func (m Mask) At(t int) []float64 {
	if m == nil {
		return nil
	}
	return m[t]
}

// Layer is implemented by every layer kind.
type Layer interface {
	Kind() Kind
	// Init adds the parameters of the layer to the table.
	Init(tbl *params.Table, src rand.Source) error
}

func checkMask(name string, m Mask, steps, batch int) error {
	if m == nil {
		return nil
	}
	if len(m) != steps {
		return fmt.Errorf("%w: %s has %d steps, expected %d", ErrShape, name, len(m), steps)
	}
	for t, row := range m {
		if len(row) != batch {
			return fmt.Errorf("%w: %s step %d has %d samples, expected %d", ErrShape, name, t, len(row), batch)
		}
	}
	return nil
}

func checkBatch(name string, xs Batch, batch, dim int) error {
	if len(xs) != batch {
		return fmt.Errorf("%w: %s has %d samples, expected %d", ErrShape, name, len(xs), batch)
	}
	for b, x := range xs {
		if x == nil {
			return fmt.Errorf("%w: %s sample %d is nil", ErrShape, name, b)
		}
		if x.Size() != dim {
			return fmt.Errorf("%w: %s sample %d has size %d, expected %d", ErrShape, name, b, x.Size(), dim)
		}
	}
	return nil
}

func checkSequence(name string, xs Sequence, batch, dim int) error {
	for t, x := range xs {
		if err := checkBatch(fmt.Sprintf("%s step %d", name, t), x, batch, dim); err != nil {
			return err
		}
	}
	return nil
}

// batchSize returns the number of samples of the first step.
func batchSize(xs Sequence) int {
	if len(xs) == 0 {
		return 0
	}
	return len(xs[0])
}

var (
	_ Layer = (*FeedForward[float32])(nil)
	_ Layer = (*EmbeddingLayer[float32])(nil)
	_ Layer = (*GRULayer[float32])(nil)
	_ Layer = (*CondGRU[float32])(nil)
)
