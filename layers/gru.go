// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layers

import (
	"fmt"
	"math/rand/v2"

	"github.com/nlpodyssey/nmtlayers/dropout"
	"github.com/nlpodyssey/nmtlayers/options"
	"github.com/nlpodyssey/nmtlayers/params"
	"github.com/nlpodyssey/nmtlayers/scan"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/rs/zerolog/log"
)

// GRUConfig configures a GRULayer.
type GRUConfig struct {
	Prefix string
	Nin    int
	Dim    int
	// Depth is the number of transitions per time step (deep transition).
	Depth int
	// DropoutBelow and DropoutRec are the dropout probabilities of the
	// input and of the recurrent state.
	DropoutBelow float64
	DropoutRec   float64
	// TruncateGradient bounds back-propagation through time; values <= 0
	// mean unbounded.
	TruncateGradient int
}

// GRULayer is a gated recurrent unit with deep transitions: every time
// step runs Depth stacked GRU transitions, the first one fed by the input
// and the others by their own biases.
type GRULayer[T float.DType] struct {
	Config GRUConfig
	// transitions[i] holds the recurrent projections of depth i.
	transitions []gruTransition
	inGates     affineDecl
	inCandidate affineDecl
}

type gruTransition struct {
	gates     affineDecl
	candidate affineDecl
	// gateBias and candidateBias are the input terms of depth > 0.
	gateBias      params.Key
	candidateBias params.Key
}

// NewGRU validates the configuration.
func NewGRU[T float.DType](c GRUConfig, o options.Options) (*GRULayer[T], error) {
	if c.Nin <= 0 || c.Dim <= 0 {
		return nil, fmt.Errorf("gru %q: invalid sizes nin=%d dim=%d", c.Prefix, c.Nin, c.Dim)
	}
	if c.Depth < 1 {
		return nil, fmt.Errorf("gru %q: invalid depth %d", c.Prefix, c.Depth)
	}
	if err := checkProbabilities(c.DropoutBelow, c.DropoutRec); err != nil {
		return nil, fmt.Errorf("gru %q: %w", c.Prefix, err)
	}
	ln, wn := o.LayerNormalisation, o.WeightNormalisation
	k := func(r params.Role) params.Key { return params.K(c.Prefix, r) }
	two := []int{c.Dim, c.Dim}
	one := []int{c.Dim}

	m := &GRULayer[T]{Config: c}
	m.inGates = affineDecl{W: k(params.RoleW), B: k(params.RoleB), In: []int{c.Nin}, Out: two, LN: ln, WN: wn}
	m.inCandidate = affineDecl{W: k(params.RoleWx), B: k(params.RoleBx), In: []int{c.Nin}, Out: one, LN: ln, WN: wn}
	for d := 0; d < c.Depth; d++ {
		m.transitions = append(m.transitions, gruTransition{
			gates:         affineDecl{W: k(params.RoleU).WithDepth(d), NoBias: true, In: one, Out: two, Ortho: true, LN: ln, WN: wn},
			candidate:     affineDecl{W: k(params.RoleUx).WithDepth(d), NoBias: true, In: one, Out: one, Ortho: true, LN: ln, WN: wn},
			gateBias:      k(params.RoleB).WithDepth(d),
			candidateBias: k(params.RoleBx).WithDepth(d),
		})
	}
	return m, nil
}

func (m *GRULayer[T]) Kind() Kind { return GRU }

// Init adds the parameters of the layer to the table.
func (m *GRULayer[T]) Init(tbl *params.Table, src rand.Source) error {
	in := &initializer[T]{tbl: tbl, src: src}
	dim := m.Config.Dim
	for d, tr := range m.transitions {
		if d > 0 {
			in.zeros(tr.gateBias, dim)
			in.zeros(tr.gateBias.WithPart(1), dim)
			in.zeros(tr.candidateBias, dim)
		}
		in.affine(tr.gates)
		in.affine(tr.candidate)
		if d == 0 {
			in.affine(m.inGates)
			in.affine(m.inCandidate)
		}
	}
	if in.err != nil {
		return fmt.Errorf("gru %q: %w", m.Config.Prefix, in.err)
	}
	log.Debug().Str("prefix", m.Config.Prefix).Int("nin", m.Config.Nin).Int("dim", dim).
		Int("depth", m.Config.Depth).Msg("gru initialized")
	return nil
}

// Forward runs the layer over a time-major sequence and returns the state
// after every step. A nil init starts from zero states; a nil mask marks
// every position as valid.
func (m *GRULayer[T]) Forward(tbl *params.Table, xs Sequence, mask Mask, init Batch, p dropout.Policy) (Sequence, error) {
	batch := batchSize(xs)
	s, err := m.prepare(tbl, batch, p)
	if err != nil {
		return nil, err
	}
	if err := checkSequence("input", xs, batch, m.Config.Nin); err != nil {
		return nil, m.errorf(err)
	}
	if err := checkMask("mask", mask, len(xs), batch); err != nil {
		return nil, m.errorf(err)
	}
	if init == nil {
		init = numeric[T]{}.zeroBatch(batch, m.Config.Dim)
	} else if err := checkBatch("initial state", init, batch, m.Config.Dim); err != nil {
		return nil, m.errorf(err)
	}

	steps := make([]gruInput, len(xs))
	for t, x := range xs {
		steps[t] = s.project(x, mask.At(t))
	}
	runner := scan.Runner[Batch, gruInput]{
		Step:             s.step,
		Detach:           detach,
		TruncateGradient: m.Config.TruncateGradient,
	}
	states, err := runner.Run(init, steps)
	if err != nil {
		return nil, m.errorf(err)
	}
	log.Trace().Str("prefix", m.Config.Prefix).Int("steps", len(xs)).Int("batch", batch).Msg("gru forward")
	return states, nil
}

// Step runs a single time step from an explicit previous state, as done
// by incremental decoding. A nil mask marks every sample as valid.
func (m *GRULayer[T]) Step(tbl *params.Table, x Batch, mask []float64, prev Batch, p dropout.Policy) (Batch, error) {
	if prev == nil {
		return nil, m.errorf(ErrMissingState)
	}
	batch := len(x)
	if err := checkBatch("input", x, batch, m.Config.Nin); err != nil {
		return nil, m.errorf(err)
	}
	if err := checkBatch("previous state", prev, batch, m.Config.Dim); err != nil {
		return nil, m.errorf(err)
	}
	if mask != nil && len(mask) != batch {
		return nil, m.errorf(fmt.Errorf("%w: mask has %d samples, expected %d", ErrShape, len(mask), batch))
	}
	s, err := m.prepare(tbl, batch, p)
	if err != nil {
		return nil, err
	}
	runner := scan.Runner[Batch, gruInput]{Step: s.step}
	return runner.Once(prev, s.project(x, mask))
}

func (m *GRULayer[T]) errorf(err error) error {
	return fmt.Errorf("gru %q: %w", m.Config.Prefix, err)
}

// gruSession is a GRU bound to its parameters and dropout masks for one
// forward call.
type gruSession[T float.DType] struct {
	inGates     *affine
	inCandidate *affine
	transitions []boundTransition
	below       []dropout.Mask
	rec         []dropout.Mask
}

type boundTransition struct {
	gates         *affine
	candidate     *affine
	gateBias      []mat.Tensor
	candidateBias mat.Tensor
}

type gruInput struct {
	gates     [][]mat.Tensor
	candidate []mat.Tensor
	mask      []float64
}

func (m *GRULayer[T]) prepare(tbl *params.Table, batch int, p dropout.Policy) (*gruSession[T], error) {
	bd := &binder[T]{tbl: tbl}
	s := &gruSession[T]{
		inGates:     bd.affine(m.inGates),
		inCandidate: bd.affine(m.inCandidate),
	}
	for d, tr := range m.transitions {
		bt := boundTransition{
			gates:     bd.affine(tr.gates),
			candidate: bd.affine(tr.candidate),
		}
		if d > 0 {
			bt.gateBias = bd.vector(tr.gateBias, 2)
			bt.candidateBias = bd.get(tr.candidateBias)
		}
		s.transitions = append(s.transitions, bt)
	}
	if bd.err != nil {
		return nil, m.errorf(bd.err)
	}
	s.below = dropout.MakeMasks[T](p, dropout.Shape{Batch: batch, Dim: m.Config.Nin}, m.Config.DropoutBelow, 2)
	s.rec = dropout.MakeMasks[T](p, dropout.Shape{Batch: batch, Dim: m.Config.Dim}, m.Config.DropoutRec, 2*m.Config.Depth)
	return s, nil
}

// project computes the input terms of the first transition.
func (s *gruSession[T]) project(x Batch, mask []float64) gruInput {
	in := gruInput{
		gates:     make([][]mat.Tensor, len(x)),
		candidate: make([]mat.Tensor, len(x)),
		mask:      mask,
	}
	for b, v := range x {
		in.gates[b] = s.inGates.Forward(s.below[0].Apply(b, v))
		in.candidate[b] = s.inCandidate.Forward1(s.below[1].Apply(b, v))
	}
	return in
}

func (s *gruSession[T]) step(prev Batch, in gruInput) (Batch, error) {
	next := make(Batch, len(prev))
	for b, h := range prev {
		m := 1.0
		if in.mask != nil {
			m = in.mask[b]
		}
		for d, tr := range s.transitions {
			gateIn, candIn := tr.gateBias, tr.candidateBias
			if d == 0 {
				gateIn, candIn = in.gates[b], in.candidate[b]
			}
			h = transition[T](tr.gates, tr.candidate, s.rec[2*d], s.rec[2*d+1], b, h, gateIn, candIn, m)
		}
		next[b] = h
	}
	return next, nil
}

// transition is one GRU transition of sample b:
//
//	r, u = σ(LN(U·h) + gateIn)
//	ĥ = tanh(LN(Ux·h) ⊙ r + candIn)
//	h' = u⊙h + (1-u)⊙ĥ
//
// blended with h according to the mask. Nil input terms are omitted.
func transition[T float.DType](gates, candidate *affine, gateMask, candMask dropout.Mask, b int, h mat.Tensor, gateIn []mat.Tensor, candIn mat.Tensor, m float64) mat.Tensor {
	pre := gates.Forward(gateMask.Apply(b, h))
	if gateIn != nil {
		pre = add(pre, gateIn)
	}
	ru := sigmoid(pre)
	r, u := ru[0], ru[1]
	prex := ag.Prod(candidate.Forward1(candMask.Apply(b, h)), r)
	if candIn != nil {
		prex = ag.Add(prex, candIn)
	}
	return numeric[T]{}.blend(m, interpolate(u, h, ag.Tanh(prex)), h)
}

func checkProbabilities(ps ...float64) error {
	for _, p := range ps {
		if p < 0 || p >= 1 {
			return fmt.Errorf("dropout probability %g out of [0, 1)", p)
		}
	}
	return nil
}
