// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layers

import (
	"math"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
)

// This file contains the elementwise helpers shared by the recurrent layers.
// They work on single sample vectors; batches are handled by looping over
// the samples.

// numeric builds constants of the layer data type.
type numeric[T float.DType] struct{}

func (numeric[T]) scalar(v float64) mat.Tensor {
	return mat.Scalar[T](T(v))
}

func (numeric[T]) zeros(size int) mat.Tensor {
	return mat.NewDense[T](mat.WithShape(size))
}

func (n numeric[T]) zeroBatch(batch, size int) Batch {
	out := make(Batch, batch)
	for i := range out {
		out[i] = n.zeros(size)
	}
	return out
}

// blend returns m*next + (1-m)*prev. Padding positions (m=0) return prev
// itself, valid ones (m=1) next itself.
func (n numeric[T]) blend(m float64, next, prev mat.Tensor) mat.Tensor {
	switch m {
	case 1:
		return next
	case 0:
		return prev
	}
	return ag.Add(ag.ProdScalar(next, n.scalar(m)), ag.ProdScalar(prev, n.scalar(1-m)))
}

// interpolate returns u*prev + (1-u)*next, the leaky integration of a
// GRU update gate.
func interpolate(u, prev, next mat.Tensor) mat.Tensor {
	return ag.Add(ag.Prod(u, prev), ag.Prod(ag.ReverseSubOne(u), next))
}

func add(a, b []mat.Tensor) []mat.Tensor {
	c := make([]mat.Tensor, len(a))
	for i := range a {
		c[i] = ag.Add(a[i], b[i])
	}
	return c
}

func sigmoid(x []mat.Tensor) []mat.Tensor {
	y := make([]mat.Tensor, len(x))
	for i := range x {
		y[i] = ag.Sigmoid(x[i])
	}
	return y
}

func sum(xs []mat.Tensor) mat.Tensor {
	y := xs[0]
	for _, x := range xs[1:] {
		y = ag.Add(y, x)
	}
	return y
}

func detach(xs Batch) Batch {
	y := make(Batch, len(xs))
	for i := range xs {
		y[i] = ag.StopGrad(xs[i])
	}
	return y
}

// softmax normalizes scalar scores. The largest score is subtracted before
// exponentiation; each term is then weighted by valid(j), when valid is
// not nil, and divided by the sum of the terms.
func (n numeric[T]) softmax(scores []mat.Tensor, valid func(j int) float64) []mat.Tensor {
	max := math.Inf(-1)
	for _, s := range scores {
		if v := s.Value().Data().F64()[0]; v > max {
			max = v
		}
	}
	shift := n.scalar(max)
	exps := make([]mat.Tensor, len(scores))
	for j, s := range scores {
		e := ag.Exp(ag.SubScalar(s, shift))
		if valid != nil {
			if m := valid(j); m != 1 {
				e = ag.ProdScalar(e, n.scalar(m))
			}
		}
		exps[j] = e
	}
	total := sum(exps)
	for j, e := range exps {
		exps[j] = ag.Div(e, total)
	}
	return exps
}
