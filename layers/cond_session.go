// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layers

import (
	"fmt"

	"github.com/nlpodyssey/nmtlayers/dropout"
	"github.com/nlpodyssey/nmtlayers/options"
	"github.com/nlpodyssey/nmtlayers/params"
	"github.com/nlpodyssey/nmtlayers/scan"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/rs/zerolog/log"
)

// Context is one source the conditional layer attends to.
type Context struct {
	// Values is the time-major encoder output, Values[j][b].
	Values Sequence
	// Mask marks the valid source positions, Mask[j][b]. Nil marks every
	// position as valid.
	Mask Mask
	// Projected optionally holds the projected context, as returned by
	// CondSession.Projected, to reuse across single-step calls.
	Projected Sequence
}

// CondStep is the output of one time step.
type CondStep struct {
	// State is the new hidden state of each sample.
	State Batch
	// Context is the combined attention context of each sample.
	Context Batch
	// Alignments holds, for each source, the attention weights of each
	// sample over the source positions (batch × source length). Sources
	// whose attention is not needed by the combination policy get zeros.
	Alignments []Batch
	// HierWeights holds the second-level weights of each sample over the
	// sources, with hierarchical attention only.
	HierWeights Batch
}

// CondResult is the output of a full sequence, one entry per time step.
type CondResult struct {
	States      Sequence
	Contexts    Sequence
	Alignments  []Sequence
	HierWeights Sequence
}

// CondSession is a conditional GRU bound to its parameters, contexts and
// dropout masks for one forward call. The dropout masks and projected
// contexts are computed once and reused at every step.
type CondSession[T float.DType] struct {
	layer *CondGRU[T]
	batch int
	ctxs  []Context

	inGates      *affine
	inCandidate  *affine
	first        boundTransition
	deep         []boundTransition
	ctxGates     *affine
	ctxCandidate *affine
	attention    []boundAttention
	concat       *affine
	gateMain     *affine
	gateAux      *affine
	gateBias     mat.Tensor
	hier         *affine

	below []dropout.Mask
	rec   []dropout.Mask
	// ctxMasks[s] holds the context dropout masks of source s.
	ctxMasks [][]dropout.Mask
}

type boundAttention struct {
	comb  *affine
	ctx   *affine
	score *affine
}

// Prepare checks the contexts, binds the parameters, draws the dropout
// masks and projects the contexts. It fails before building any operation
// when a context is missing or has the wrong shape.
func (m *CondGRU[T]) Prepare(tbl *params.Table, ctxs []Context, p dropout.Policy) (*CondSession[T], error) {
	c := m.Config
	if len(ctxs) < c.Sources {
		return nil, m.errorf(fmt.Errorf("%w: %d of %d sources", ErrMissingContext, len(ctxs), c.Sources))
	}
	if len(ctxs) > c.Sources {
		return nil, m.errorf(fmt.Errorf("%w: %d contexts for %d sources", ErrShape, len(ctxs), c.Sources))
	}
	for s, ctx := range ctxs {
		if len(ctx.Values) == 0 {
			return nil, m.errorf(fmt.Errorf("%w: source %d is empty", ErrMissingContext, s))
		}
	}
	batch := len(ctxs[0].Values[0])
	for s, ctx := range ctxs {
		name := fmt.Sprintf("context %d", s)
		if err := checkSequence(name, ctx.Values, batch, c.DimCtx[s]); err != nil {
			return nil, m.errorf(err)
		}
		if err := checkMask(name+" mask", ctx.Mask, len(ctx.Values), batch); err != nil {
			return nil, m.errorf(err)
		}
		if ctx.Projected != nil {
			if len(ctx.Projected) != len(ctx.Values) {
				return nil, m.errorf(fmt.Errorf("%w: projected %s has %d positions, expected %d",
					ErrShape, name, len(ctx.Projected), len(ctx.Values)))
			}
			if err := checkSequence("projected "+name, ctx.Projected, batch, c.DimCtx[s]); err != nil {
				return nil, m.errorf(err)
			}
		}
	}

	s, err := m.bind(tbl)
	if err != nil {
		return nil, err
	}
	s.batch = batch
	s.below = dropout.MakeMasks[T](p, dropout.Shape{Batch: batch, Dim: c.Nin}, c.DropoutBelow, 2)
	s.rec = dropout.MakeMasks[T](p, dropout.Shape{Batch: batch, Dim: c.Dim}, c.DropoutRec, 2+c.Sources+2*(c.Depth-1))
	numCtx := 4
	if c.Sources > 1 {
		numCtx = 5
	}
	for i := 0; i < c.Sources; i++ {
		s.ctxMasks = append(s.ctxMasks, dropout.MakeMasks[T](p, dropout.Shape{Batch: batch, Dim: c.DimCtx[i]}, c.DropoutCtx, numCtx))
	}

	s.ctxs = make([]Context, len(ctxs))
	copy(s.ctxs, ctxs)
	for i := range s.ctxs {
		if s.ctxs[i].Projected == nil && m.attends(i) {
			s.ctxs[i].Projected = s.project(i)
		}
	}
	log.Trace().Str("prefix", c.Prefix).Int("batch", batch).Int("sources", c.Sources).Msg("conditional gru prepared")
	return s, nil
}

func (m *CondGRU[T]) bind(tbl *params.Table) (*CondSession[T], error) {
	bd := &binder[T]{tbl: tbl}
	s := &CondSession[T]{
		layer:       m,
		inGates:     bd.affine(m.inGates),
		inCandidate: bd.affine(m.inCandidate),
		first: boundTransition{
			gates:     bd.affine(m.first.gates),
			candidate: bd.affine(m.first.candidate),
		},
	}
	for d, tr := range m.deep {
		s.deep = append(s.deep, boundTransition{
			gates:     bd.affine(tr.gates),
			candidate: bd.affine(tr.candidate),
		})
		if d == 0 {
			s.ctxGates = bd.affine(m.ctxGates)
			s.ctxCandidate = bd.affine(m.ctxCandidate)
		}
	}
	for i, a := range m.attention {
		if !m.attends(i) {
			s.attention = append(s.attention, boundAttention{})
			continue
		}
		s.attention = append(s.attention, boundAttention{
			comb:  bd.affine(a.comb),
			ctx:   bd.affine(a.ctx),
			score: bd.affine(a.score),
		})
	}
	cb := m.combination
	if cb.concat != nil {
		s.concat = bd.affine(*cb.concat)
	}
	if cb.gateMain != nil && m.Config.Multisource == options.AttGate {
		s.gateMain = bd.affine(*cb.gateMain)
		s.gateAux = bd.affine(*cb.gateAux)
		s.gateBias = bd.get(cb.gateBias)
	}
	if cb.hier != nil {
		s.hier = bd.affine(*cb.hier)
	}
	if bd.err != nil {
		return nil, m.errorf(bd.err)
	}
	return s, nil
}

// project computes the projected context of source i.
func (s *CondSession[T]) project(i int) Sequence {
	ctx := s.ctxs[i]
	a := s.attention[i].ctx
	mask := s.ctxMasks[i][0]
	out := make(Sequence, len(ctx.Values))
	for j, step := range ctx.Values {
		out[j] = make(Batch, len(step))
		for b, v := range step {
			out[j][b] = a.Forward1(mask.Apply(b, v))
		}
	}
	return out
}

// Projected returns the projected contexts, nil for the sources that are
// not attended. They can be passed back through Context.Projected.
func (s *CondSession[T]) Projected() []Sequence {
	out := make([]Sequence, len(s.ctxs))
	for i, ctx := range s.ctxs {
		out[i] = ctx.Projected
	}
	return out
}

type condInput struct {
	gates     [][]mat.Tensor
	candidate []mat.Tensor
	mask      []float64
}

// input computes the input terms of the first transition.
func (s *CondSession[T]) input(x Batch, mask []float64) condInput {
	in := condInput{
		gates:     make([][]mat.Tensor, len(x)),
		candidate: make([]mat.Tensor, len(x)),
		mask:      mask,
	}
	for b, v := range x {
		in.candidate[b] = s.inCandidate.Forward1(s.below[0].Apply(b, v))
		in.gates[b] = s.inGates.Forward(s.below[1].Apply(b, v))
	}
	return in
}

// Forward runs the layer over a time-major sequence. A nil init starts
// from zero states; a nil mask marks every position as valid.
func (s *CondSession[T]) Forward(xs Sequence, mask Mask, init Batch) (*CondResult, error) {
	c := s.layer.Config
	if err := checkSequence("input", xs, s.batch, c.Nin); err != nil {
		return nil, s.layer.errorf(err)
	}
	if err := checkMask("mask", mask, len(xs), s.batch); err != nil {
		return nil, s.layer.errorf(err)
	}
	if init == nil {
		init = numeric[T]{}.zeroBatch(s.batch, c.Dim)
	} else if err := checkBatch("initial state", init, s.batch, c.Dim); err != nil {
		return nil, s.layer.errorf(err)
	}

	inputs := make([]condInput, len(xs))
	for t, x := range xs {
		inputs[t] = s.input(x, mask.At(t))
	}
	runner := scan.Runner[*CondStep, condInput]{
		Step:             s.step,
		Detach:           func(st *CondStep) *CondStep { return &CondStep{State: detach(st.State)} },
		TruncateGradient: c.TruncateGradient,
	}
	steps, err := runner.Run(&CondStep{State: init}, inputs)
	if err != nil {
		return nil, s.layer.errorf(err)
	}

	res := &CondResult{
		States:     make(Sequence, len(steps)),
		Contexts:   make(Sequence, len(steps)),
		Alignments: make([]Sequence, c.Sources),
	}
	for i := range res.Alignments {
		res.Alignments[i] = make(Sequence, len(steps))
	}
	for t, st := range steps {
		res.States[t] = st.State
		res.Contexts[t] = st.Context
		for i, a := range st.Alignments {
			res.Alignments[i][t] = a
		}
		if st.HierWeights != nil {
			res.HierWeights = append(res.HierWeights, st.HierWeights)
		}
	}
	log.Trace().Str("prefix", c.Prefix).Int("steps", len(xs)).Int("batch", s.batch).Msg("conditional gru forward")
	return res, nil
}

// Step runs a single time step from an explicit previous state.
func (s *CondSession[T]) Step(x Batch, mask []float64, prev Batch) (*CondStep, error) {
	c := s.layer.Config
	if prev == nil {
		return nil, s.layer.errorf(ErrMissingState)
	}
	if err := checkBatch("input", x, s.batch, c.Nin); err != nil {
		return nil, s.layer.errorf(err)
	}
	if err := checkBatch("previous state", prev, s.batch, c.Dim); err != nil {
		return nil, s.layer.errorf(err)
	}
	if mask != nil && len(mask) != s.batch {
		return nil, s.layer.errorf(fmt.Errorf("%w: mask has %d samples, expected %d", ErrShape, len(mask), s.batch))
	}
	runner := scan.Runner[*CondStep, condInput]{Step: s.step}
	return runner.Once(&CondStep{State: prev}, s.input(x, mask))
}

func (s *CondSession[T]) step(prev *CondStep, in condInput) (*CondStep, error) {
	c := s.layer.Config
	n := numeric[T]{}
	out := &CondStep{
		State:      make(Batch, s.batch),
		Context:    make(Batch, s.batch),
		Alignments: make([]Batch, c.Sources),
	}
	for i := range out.Alignments {
		out.Alignments[i] = make(Batch, s.batch)
	}
	if s.hier != nil {
		out.HierWeights = make(Batch, s.batch)
	}

	for b, h := range prev.State {
		m := 1.0
		if in.mask != nil {
			m = in.mask[b]
		}
		h1 := transition[T](s.first.gates, s.first.candidate, s.rec[0], s.rec[1], b, h, in.gates[b], in.candidate[b], m)

		ctxs := make([]mat.Tensor, c.Sources)
		for i := range ctxs {
			if !s.layer.attends(i) {
				out.Alignments[i][b] = n.zeros(len(s.ctxs[i].Values))
				continue
			}
			ctxs[i], out.Alignments[i][b] = s.attend(i, b, h1)
		}
		ctx, hierWeights := s.combine(b, ctxs)
		out.Context[b] = ctx
		if out.HierWeights != nil {
			out.HierWeights[b] = hierWeights
		}

		h2 := h1
		for d, tr := range s.deep {
			var gateIn []mat.Tensor
			var candIn mat.Tensor
			if d == 0 {
				gateIn = s.ctxGates.Forward(s.ctxMasks[0][2].Apply(b, ctx))
				candIn = s.ctxCandidate.Forward1(s.ctxMasks[0][3].Apply(b, ctx))
			}
			base := 2 + c.Sources + 2*d
			h2 = transition[T](tr.gates, tr.candidate, s.rec[base], s.rec[base+1], b, h2, gateIn, candIn, m)
		}
		out.State[b] = h2
	}
	return out, nil
}

// attend returns the context of source i for sample b given the
// intermediate state h1, and the attention weights over its positions.
func (s *CondSession[T]) attend(i, b int, h1 mat.Tensor) (ctx, alpha mat.Tensor) {
	src := s.ctxs[i]
	att := s.attention[i]
	pstate := att.comb.Forward1(s.rec[2+i].Apply(b, h1))
	scoreMask := s.ctxMasks[i][1]

	scores := make([]mat.Tensor, len(src.Values))
	for j := range src.Values {
		e := ag.Tanh(ag.Add(src.Projected[j][b], pstate))
		scores[j] = att.score.Forward1(scoreMask.Apply(b, e))
	}
	var valid func(j int) float64
	if src.Mask != nil {
		valid = func(j int) float64 { return src.Mask[j][b] }
	}
	weights := numeric[T]{}.softmax(scores, valid)

	terms := make([]mat.Tensor, len(weights))
	for j, w := range weights {
		terms[j] = ag.ProdScalar(src.Values[j][b], w)
	}
	return sum(terms), ag.Concat(weights...)
}

// combine merges the per-source contexts of sample b. The second result
// holds the weights over the sources with hierarchical attention.
func (s *CondSession[T]) combine(b int, ctxs []mat.Tensor) (mat.Tensor, mat.Tensor) {
	if len(ctxs) == 1 {
		return ctxs[0], nil
	}
	masks := func(i int) dropout.Mask { return s.ctxMasks[i][4] }
	switch {
	case s.concat != nil:
		// The auxiliary context comes first.
		return s.concat.Forward1(masks(1).Apply(b, ctxs[1]), masks(0).Apply(b, ctxs[0])), nil
	case s.gateMain != nil:
		main := s.gateMain.Forward1(masks(0).Apply(b, ctxs[0]))
		aux := s.gateAux.Forward1(masks(1).Apply(b, ctxs[1]))
		g := ag.Tanh(ag.Add(ag.Add(main, aux), s.gateBias))
		return interpolate(g, ctxs[1], ctxs[0]), nil
	case s.hier != nil:
		scores := make([]mat.Tensor, len(ctxs))
		for i, ctx := range ctxs {
			scores[i] = s.hier.Forward1(ctx)
		}
		weights := numeric[T]{}.softmax(scores, nil)
		terms := make([]mat.Tensor, len(ctxs))
		for i, w := range weights {
			terms[i] = ag.ProdScalar(ctxs[i], w)
		}
		return sum(terms), ag.Concat(weights...)
	}
	return ctxs[0], nil
}
