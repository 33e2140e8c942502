// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package norm

import (
	"fmt"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
)

// Epsilon is added to variances and squared norms before taking square roots.
const Epsilon = 1e-5

// LayerNorm normalizes a pre-activation over its features.
//
// A pre-activation may be split into several parts (e.g. the reset and
// update halves of a gate): the statistics are computed over the
// concatenation of all the parts, and each part has its own block of
// shift and scale.
type LayerNorm struct {
	Shift  []mat.Tensor
	Scale  []mat.Tensor
	eps    mat.Tensor
	scalar func(v float64) mat.Tensor
}

// NewLayerNorm returns a layer normalization with one shift and scale
// block per part.
func NewLayerNorm[T float.DType](shift, scale []mat.Tensor) *LayerNorm {
	if len(shift) != len(scale) {
		panic(fmt.Sprintf("norm: %d shift blocks and %d scale blocks", len(shift), len(scale)))
	}
	return &LayerNorm{
		Shift:  shift,
		Scale:  scale,
		eps:    mat.Scalar[T](T(Epsilon)),
		scalar: func(v float64) mat.Tensor { return mat.Scalar[T](T(v)) },
	}
}

// Forward normalizes the parts of a single pre-activation.
// y = (x - E\[x\]) / sqrt(VAR\[x\] + [Epsilon]) * scale + shift
func (m *LayerNorm) Forward(parts ...mat.Tensor) []mat.Tensor {
	if m == nil {
		return parts
	}
	if len(parts) != len(m.Shift) {
		panic(fmt.Sprintf("norm: %d parts, expected %d", len(parts), len(m.Shift)))
	}
	dev := Standardize(m.eps, m.scalar, parts...)
	out := make([]mat.Tensor, len(parts))
	for i, d := range dev {
		out[i] = ag.Add(ag.Prod(d, m.Scale[i]), m.Shift[i])
	}
	return out
}

// Standardize returns the parts shifted by their joint mean and divided by
// their joint population standard deviation.
func Standardize(eps mat.Tensor, scalar func(float64) mat.Tensor, parts ...mat.Tensor) []mat.Tensor {
	size := 0
	var sum mat.Tensor
	for _, p := range parts {
		size += p.Size()
		sum = accumulate(sum, ag.ReduceSum(p))
	}
	n := scalar(float64(size))
	mean := ag.Div(sum, n)

	dev := make([]mat.Tensor, len(parts))
	var sqSum mat.Tensor
	for i, p := range parts {
		dev[i] = ag.SubScalar(p, mean)
		sqSum = accumulate(sqSum, ag.ReduceSum(ag.Square(dev[i])))
	}
	stdDev := ag.Sqrt(ag.Add(ag.Div(sqSum, n), eps))
	for i := range dev {
		dev[i] = ag.DivScalar(dev[i], stdDev)
	}
	return dev
}

func accumulate(acc, x mat.Tensor) mat.Tensor {
	if acc == nil {
		return x
	}
	return ag.Add(acc, x)
}
