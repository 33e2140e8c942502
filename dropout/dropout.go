// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dropout produces the shared ("variational") dropout masks used by
// the layers: each mask is drawn once per forward call and reused at every
// time step.
package dropout

import (
	"math/rand/v2"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat/distuv"
)

// Mode distinguishes training graphs from sampling (inference) graphs.
type Mode int

const (
	Training Mode = iota
	Inference
)

func (m Mode) String() string {
	if m == Inference {
		return "inference"
	}
	return "training"
}

// Policy describes how masks are produced for one forward call.
type Policy struct {
	// Enabled is the global use_dropout switch.
	Enabled bool
	// Mode selects between training and sampling behaviour.
	Mode Mode
	// LegacyRescale is set for models trained with unscaled masks
	// (model version < 0.1): activations are rescaled by the keep
	// probability at inference time instead of at training time.
	LegacyRescale bool
	// NoiseOff disables sampling in a training graph, as if the noise
	// switch were turned off (e.g. to validate with training weights).
	NoiseOff bool
	// Source draws the Bernoulli samples. Required in training mode.
	Source rand.Source
}

// Disabled is the policy of a model trained without dropout.
var Disabled = Policy{}

// Shape is the per-call shape of a mask: one vector of Dim elements for
// each of the Batch samples.
type Shape struct {
	Batch int
	Dim   int
}

// Mask is a multiplicative dropout mask.
// It is either a constant multiplier, independent of the shape, or one
// vector per batch sample.
type Mask struct {
	constant float64
	scalar   mat.Tensor
	values   []mat.Tensor
}

// IsConstant reports whether the mask is a shape-independent multiplier.
func (m Mask) IsConstant() bool {
	return m.values == nil
}

// Constant returns the multiplier of a constant mask.
func (m Mask) Constant() float64 {
	return m.constant
}

// Values returns the mask vector of the b-th sample, or nil for a constant mask.
func (m Mask) Values(b int) mat.Tensor {
	if m.values == nil {
		return nil
	}
	return m.values[b]
}

// Apply multiplies x, the vector of the b-th sample, by the mask.
// The identity mask returns x itself.
func (m Mask) Apply(b int, x mat.Tensor) mat.Tensor {
	if m.values != nil {
		return ag.Prod(x, m.values[b])
	}
	if m.constant == 1 {
		return x
	}
	return ag.ProdScalar(x, m.scalar)
}

// Identity returns a mask that leaves its input unchanged.
func Identity() Mask {
	return Mask{constant: 1}
}

// MakeMasks returns num independent masks of the given shape dropping
// each element with the given probability, according to the policy:
//
//   - dropout disabled, or sampling a model with pre-scaled masks:
//     the identity;
//   - sampling a legacy model: the constant 1-probability;
//   - training: a Bernoulli sample with keep-probability 1-probability,
//     divided by the keep-probability unless the model is legacy.
func MakeMasks[T float.DType](p Policy, shape Shape, probability float64, num int) []Mask {
	masks := make([]Mask, num)
	keep := 1 - probability

	switch {
	case !p.Enabled || probability == 0:
		fill(masks, constantMask[T](1))
	case p.Mode == Inference && p.LegacyRescale:
		fill(masks, constantMask[T](keep))
	case p.Mode == Inference:
		fill(masks, constantMask[T](1))
	case p.NoiseOff && p.LegacyRescale:
		fill(masks, constantMask[T](keep))
	case p.NoiseOff:
		fill(masks, constantMask[T](1))
	default:
		if p.Source == nil {
			panic("dropout: training policy without a random source")
		}
		scale := 1.0
		if !p.LegacyRescale {
			scale = 1 / keep
		}
		dist := distuv.Bernoulli{P: keep, Src: p.Source}
		for i := range masks {
			masks[i] = bernoulliMask[T](dist, shape, scale)
		}
		log.Trace().Int("num", num).Int("batch", shape.Batch).Int("dim", shape.Dim).
			Float64("p", probability).Msg("sampled dropout masks")
	}
	return masks
}

func fill(masks []Mask, m Mask) {
	for i := range masks {
		masks[i] = m
	}
}

func constantMask[T float.DType](v float64) Mask {
	return Mask{constant: v, scalar: mat.Scalar[T](T(v))}
}

func bernoulliMask[T float.DType](dist distuv.Bernoulli, shape Shape, scale float64) Mask {
	values := make([]mat.Tensor, shape.Batch)
	for b := range values {
		data := make([]T, shape.Dim)
		for i := range data {
			data[i] = T(dist.Rand() * scale)
		}
		values[b] = mat.NewDense[T](mat.WithShape(shape.Dim), mat.WithBacking(data))
	}
	return Mask{values: values}
}
