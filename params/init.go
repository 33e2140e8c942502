// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package params

import (
	"fmt"
	"math/rand/v2"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	gmat "gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultScale is the standard deviation of non-orthogonal projections.
const DefaultScale = 0.01

// NewSource returns a deterministic random source for initialization and
// dropout sampling.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

// Zeros returns a zero-filled vector of the given size.
func Zeros[T float.DType](size int) mat.Matrix {
	return mat.NewDense[T](mat.WithShape(size))
}

// Filled returns a vector of the given size with every element set to v.
func Filled[T float.DType](size int, v float64) mat.Matrix {
	return mat.NewDense[T](mat.WithShape(size), mat.WithBacking(mat.CreateInitializedSlice[T](size, T(v))))
}

// Ones returns a vector of ones, the neutral value of the normalization
// scales.
func Ones[T float.DType](size int) mat.Matrix {
	return Filled[T](size, 1)
}

// Orthogonal returns a random n×n orthogonal matrix: the left singular
// vectors of a standard normal matrix.
func Orthogonal[T float.DType](src rand.Source, n int) (mat.Matrix, error) {
	a := gmat.NewDense(n, n, normals(src, n*n, 1))
	var svd gmat.SVD
	if ok := svd.Factorize(a, gmat.SVDFull); !ok {
		return nil, fmt.Errorf("orthogonal initialization: SVD factorization of %dx%d matrix failed", n, n)
	}
	var u gmat.Dense
	svd.UTo(&u)

	data := make([]T, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data[i*n+j] = T(u.At(i, j))
		}
	}
	return mat.NewDense[T](mat.WithShape(n, n), mat.WithBacking(data)), nil
}

// NormWeight returns the projection from nin to nout features, laid out as
// an nout×nin matrix. Square projections are orthogonal when ortho is set;
// the others are drawn from a normal distribution scaled by scale.
func NormWeight[T float.DType](src rand.Source, nin, nout int, scale float64, ortho bool) (mat.Matrix, error) {
	if nin <= 0 || nout <= 0 {
		return nil, fmt.Errorf("invalid projection size %dx%d", nout, nin)
	}
	if nin == nout && ortho {
		return Orthogonal[T](src, nin)
	}
	values := normals(src, nin*nout, scale)
	data := make([]T, len(values))
	for i, v := range values {
		data[i] = T(v)
	}
	return mat.NewDense[T](mat.WithShape(nout, nin), mat.WithBacking(data)), nil
}

func normals(src rand.Source, size int, scale float64) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	data := make([]float64, size)
	for i := range data {
		data[i] = scale * dist.Rand()
	}
	return data
}
