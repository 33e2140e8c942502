// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package norm

import (
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
)

// WeightNorm is a weight matrix whose rows (one per output feature) are
// rescaled to unit norm and multiplied by a learned per-row scale.
//
// The matrix may be given as column blocks sharing the same rows, in which
// case it behaves as their horizontal concatenation and Forward takes one
// input per block.
//
// The normalized matrix is never materialized: Forward multiplies the raw
// product by scale/‖row‖, which is the same linear map.
type WeightNorm struct {
	Blocks []mat.Tensor
	Scale  mat.Tensor
	factor mat.Tensor
}

// NewWeightNorm computes the row norms of the blocks and returns the
// normalized projection.
func NewWeightNorm[T float.DType](scale mat.Tensor, blocks ...mat.Tensor) *WeightNorm {
	var sqSum mat.Tensor
	for _, w := range blocks {
		cols := w.Shape()[1]
		ones := mat.NewDense[T](mat.WithShape(cols), mat.WithBacking(mat.CreateInitializedSlice[T](cols, 1)))
		sqSum = accumulate(sqSum, ag.Mul(ag.Square(w), ones))
	}
	norms := ag.Sqrt(ag.AddScalar(sqSum, mat.Scalar[T](T(Epsilon))))
	return &WeightNorm{
		Blocks: blocks,
		Scale:  scale,
		factor: ag.Div(scale, norms),
	}
}

// Forward returns the normalized matrix applied to the inputs, one per block.
func (m *WeightNorm) Forward(xs ...mat.Tensor) mat.Tensor {
	var y mat.Tensor
	for i, w := range m.Blocks {
		y = accumulate(y, ag.Mul(w, xs[i]))
	}
	return ag.Prod(y, m.factor)
}
