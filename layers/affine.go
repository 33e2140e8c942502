// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layers

import (
	"math/rand/v2"

	"github.com/nlpodyssey/nmtlayers/norm"
	"github.com/nlpodyssey/nmtlayers/params"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
)

// affineDecl declares a projection LN(WN(W)·x + b) and the parameters it
// owns. The same declaration drives both initialization and binding, so
// the two can never disagree on names or shapes.
//
// The output may be split into several parts (the reset and update halves
// of a gate), each with its own weight, bias, and normalization blocks;
// layer normalization statistics are computed over all the parts. The
// input may be split into several blocks (the contexts of a concatenation),
// each with its own weight block.
type affineDecl struct {
	W params.Key
	// B is the bias key. Ignored when NoBias is set.
	B      params.Key
	NoBias bool
	// In holds the size of each input block.
	In []int
	// Out holds the size of each output part.
	Out []int
	// Ortho makes square weight blocks orthogonal.
	Ortho bool
	LN    bool
	WN    bool
}

// weightKey returns the key of the weight block mapping an input block to
// an output part.
func (s affineDecl) weightKey(part, block int) params.Key {
	return s.W.WithPart(part*len(s.In) + block)
}

func (s affineDecl) auxKey(aux params.Aux, part int) params.Key {
	return s.W.WithAux(aux).WithPart(part)
}

// initializer adds parameters to a table, remembering the first error.
type initializer[T float.DType] struct {
	tbl *params.Table
	src rand.Source
	err error
}

func (in *initializer[T]) put(k params.Key, value mat.Matrix, err error) {
	if in.err != nil {
		return
	}
	if err != nil {
		in.err = err
		return
	}
	in.err = in.tbl.Put(k, value)
}

func (in *initializer[T]) zeros(k params.Key, size int) {
	in.put(k, params.Zeros[T](size), nil)
}

func (in *initializer[T]) ones(k params.Key, size int) {
	in.put(k, params.Ones[T](size), nil)
}

func (in *initializer[T]) affine(s affineDecl) {
	for p, out := range s.Out {
		for b, nin := range s.In {
			if in.err != nil {
				return
			}
			w, err := params.NormWeight[T](in.src, nin, out, params.DefaultScale, s.Ortho)
			in.put(s.weightKey(p, b), w, err)
		}
		if !s.NoBias {
			in.zeros(s.B.WithPart(p), out)
		}
		if s.LN {
			in.zeros(s.auxKey(params.AuxLNShift, p), out)
			in.ones(s.auxKey(params.AuxLNScale, p), out)
		}
		if s.WN {
			in.ones(s.auxKey(params.AuxWNScale, p), out)
		}
	}
}

// binder reads parameters back from a table, remembering the first error.
type binder[T float.DType] struct {
	tbl *params.Table
	err error
}

func (b *binder[T]) get(k params.Key) mat.Tensor {
	if b.err != nil {
		return nil
	}
	p, err := b.tbl.Get(k)
	if err != nil {
		b.err = err
		return nil
	}
	return p
}

// affine resolves the parameters of a projection. Weight normalization
// factors are computed here, so an affine is meant to live for a single
// forward call.
func (b *binder[T]) affine(s affineDecl) *affine {
	return b.tiedAffine(s, nil, nil)
}

// tiedAffine is affine with the weight and bias of a single-part,
// single-block projection optionally supplied by the caller.
func (b *binder[T]) tiedAffine(s affineDecl, w, bias mat.Tensor) *affine {
	a := &affine{parts: make([]affinePart, len(s.Out))}
	var shift, scale []mat.Tensor
	for p := range s.Out {
		blocks := make([]mat.Tensor, len(s.In))
		for k := range s.In {
			if w != nil {
				blocks[k] = w
				continue
			}
			blocks[k] = b.get(s.weightKey(p, k))
		}
		part := affinePart{blocks: blocks}
		switch {
		case bias != nil:
			part.bias = bias
		case !s.NoBias:
			part.bias = b.get(s.B.WithPart(p))
		}
		if s.WN {
			wnScale := b.get(s.auxKey(params.AuxWNScale, p))
			if b.err == nil {
				part.wn = norm.NewWeightNorm[T](wnScale, blocks...)
			}
		}
		if s.LN {
			shift = append(shift, b.get(s.auxKey(params.AuxLNShift, p)))
			scale = append(scale, b.get(s.auxKey(params.AuxLNScale, p)))
		}
		a.parts[p] = part
	}
	if s.LN && b.err == nil {
		a.ln = norm.NewLayerNorm[T](shift, scale)
	}
	return a
}

// vector resolves a standalone vector parameter split into parts.
func (b *binder[T]) vector(k params.Key, parts int) []mat.Tensor {
	out := make([]mat.Tensor, parts)
	for p := range out {
		out[p] = b.get(k.WithPart(p))
	}
	return out
}

type affinePart struct {
	blocks []mat.Tensor
	bias   mat.Tensor
	wn     *norm.WeightNorm
}

// affine is a projection bound to its parameters.
type affine struct {
	parts []affinePart
	ln    *norm.LayerNorm
}

// Forward projects one sample, given one vector per input block, and
// returns one vector per output part.
func (a *affine) Forward(xs ...mat.Tensor) []mat.Tensor {
	out := make([]mat.Tensor, len(a.parts))
	for i, p := range a.parts {
		var y mat.Tensor
		if p.wn != nil {
			y = p.wn.Forward(xs...)
		} else {
			for k, w := range p.blocks {
				if y == nil {
					y = ag.Mul(w, xs[k])
					continue
				}
				y = ag.Add(y, ag.Mul(w, xs[k]))
			}
		}
		if p.bias != nil {
			y = ag.Add(y, p.bias)
		}
		out[i] = y
	}
	return a.ln.Forward(out...)
}

// Forward1 is Forward for single-part projections.
func (a *affine) Forward1(xs ...mat.Tensor) mat.Tensor {
	return a.Forward(xs...)[0]
}
