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
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/rs/zerolog/log"
)

// CondConfig configures a CondGRU.
type CondConfig struct {
	Prefix string
	Nin    int
	Dim    int
	// DimCtx holds the size of each context source. Missing entries
	// default to 2*Dim, the size of a bidirectional encoder state.
	DimCtx []int
	// Depth is the number of transitions per step, the attention-free
	// first one included. Zero takes the decoder depth of the options.
	Depth int
	// Sources is the number of contexts, from 1 to 3. Zero takes the
	// number of encoders of the options.
	Sources int
	// Multisource is the context combination policy. Empty takes the
	// policy of the options.
	Multisource options.Multisource

	DropoutBelow float64
	DropoutCtx   float64
	DropoutRec   float64
	// TruncateGradient bounds back-propagation through time; values <= 0
	// mean unbounded.
	TruncateGradient int
}

// CondGRU is a conditional GRU with attention: at every step a first GRU
// transition reads the input, its state attends over each context source,
// the per-source contexts are combined, and Depth-1 further transitions
// read the combined context.
type CondGRU[T float.DType] struct {
	Config CondConfig

	inGates     affineDecl
	inCandidate affineDecl
	first       gruTransition
	// deep[i] is the transition i+1; deep[0] also reads the context.
	deep         []gruTransition
	ctxGates     affineDecl
	ctxCandidate affineDecl
	attention    []attentionDecl
	combination  combinationDecl
}

type attentionDecl struct {
	// comb projects the state, ctx the context and score their sum.
	comb  affineDecl
	ctx   affineDecl
	score affineDecl
}

type combinationDecl struct {
	concat   *affineDecl
	gateMain *affineDecl
	gateAux  *affineDecl
	gateBias params.Key
	hier     *affineDecl
	// initOnly holds parameters reserved by att-gate2.
	initOnly []affineDecl
}

// NewCondGRU validates the configuration and fills in its defaults.
// Three sources are only supported with hierarchical attention.
func NewCondGRU[T float.DType](c CondConfig, o options.Options) (*CondGRU[T], error) {
	if c.Sources == 0 {
		c.Sources = o.NumEncoders()
	}
	if c.Depth == 0 {
		c.Depth = o.DecBaseRecurrenceTransitionDepth
	}
	if c.Multisource == "" {
		c.Multisource = o.MultisourceType
	}
	c.Multisource = c.Multisource.Normalize()
	dimCtx := make([]int, c.Sources)
	for i := range dimCtx {
		dimCtx[i] = 2 * c.Dim
		if i < len(c.DimCtx) && c.DimCtx[i] > 0 {
			dimCtx[i] = c.DimCtx[i]
		}
	}
	c.DimCtx = dimCtx

	if err := validateCond(c); err != nil {
		return nil, fmt.Errorf("conditional gru %q: %w", c.Prefix, err)
	}
	m := &CondGRU[T]{Config: c}
	m.declare(o.LayerNormalisation, o.WeightNormalisation)
	return m, nil
}

func validateCond(c CondConfig) error {
	if c.Nin <= 0 || c.Dim <= 0 {
		return fmt.Errorf("invalid sizes nin=%d dim=%d", c.Nin, c.Dim)
	}
	if c.Depth < 1 {
		return fmt.Errorf("invalid depth %d", c.Depth)
	}
	if err := checkProbabilities(c.DropoutBelow, c.DropoutCtx, c.DropoutRec); err != nil {
		return err
	}
	if !c.Multisource.IsValid() {
		return fmt.Errorf("%w: multisource type %q", options.ErrUnsupported, string(c.Multisource))
	}
	switch {
	case c.Sources < 1 || c.Sources > options.MaxSources:
		return fmt.Errorf("%w: %d context sources", options.ErrUnsupported, c.Sources)
	case c.Sources == 3 && c.Multisource != options.AttHier:
		return fmt.Errorf("%w: combination %s with three sources, only %s is supported",
			options.ErrUnsupported, c.Multisource, options.AttHier)
	}
	if c.Sources == 1 {
		return nil
	}
	switch c.Multisource {
	case options.AttGate, options.AttGate2:
		if c.DimCtx[0] != c.DimCtx[1] {
			return fmt.Errorf("%w: %s needs contexts of the same size, got %d and %d",
				options.ErrUnsupported, c.Multisource, c.DimCtx[0], c.DimCtx[1])
		}
	case options.AttHier:
		for _, d := range c.DimCtx[1:] {
			if d != c.DimCtx[0] {
				return fmt.Errorf("%w: %s needs contexts of the same size, got %v",
					options.ErrUnsupported, c.Multisource, c.DimCtx)
			}
		}
	}
	return nil
}

// declare builds the parameter declarations shared by Init and the
// forward passes.
func (m *CondGRU[T]) declare(ln, wn bool) {
	c := m.Config
	k := func(r params.Role) params.Key { return params.K(c.Prefix, r) }
	one, two := []int{c.Dim}, []int{c.Dim, c.Dim}
	ctx0 := c.DimCtx[0]

	m.inGates = affineDecl{W: k(params.RoleW), B: k(params.RoleB), In: []int{c.Nin}, Out: two, LN: ln, WN: wn}
	m.inCandidate = affineDecl{W: k(params.RoleWx), B: k(params.RoleBx), In: []int{c.Nin}, Out: one, LN: ln, WN: wn}
	m.first = gruTransition{
		gates:     affineDecl{W: k(params.RoleU), NoBias: true, In: one, Out: two, Ortho: true, LN: ln, WN: wn},
		candidate: affineDecl{W: k(params.RoleUx), NoBias: true, In: one, Out: one, Ortho: true, LN: ln, WN: wn},
	}
	for d := 0; d < c.Depth-1; d++ {
		m.deep = append(m.deep, gruTransition{
			gates: affineDecl{W: k(params.RoleUNl).WithDepth(d), B: k(params.RoleBNl).WithDepth(d),
				In: one, Out: two, Ortho: true, LN: ln, WN: wn},
			candidate: affineDecl{W: k(params.RoleUxNl).WithDepth(d), B: k(params.RoleBxNl).WithDepth(d),
				In: one, Out: one, Ortho: true, LN: ln, WN: wn},
		})
	}
	m.ctxGates = affineDecl{W: k(params.RoleWc), NoBias: true, In: []int{ctx0}, Out: two, LN: ln, WN: wn}
	m.ctxCandidate = affineDecl{W: k(params.RoleWcx), NoBias: true, In: []int{ctx0}, Out: one, LN: ln, WN: wn}

	suffixed := c.Multisource.SuffixedAttention(c.Sources)
	for s, dim := range c.DimCtx {
		src := 0
		if suffixed {
			src = s + 1
		}
		ks := func(r params.Role) params.Key { return k(r).WithSrc(src) }
		m.attention = append(m.attention, attentionDecl{
			comb:  affineDecl{W: ks(params.RoleWCombAtt), NoBias: true, In: one, Out: []int{dim}, LN: ln, WN: wn},
			ctx:   affineDecl{W: ks(params.RoleWcAtt), B: ks(params.RoleBAtt), In: []int{dim}, Out: []int{dim}, Ortho: true, LN: ln, WN: wn},
			score: affineDecl{W: ks(params.RoleUAtt), B: ks(params.RoleCAtt), In: []int{dim}, Out: []int{1}, WN: wn},
		})
	}

	if c.Sources == 1 {
		return
	}
	switch c.Multisource {
	case options.AttConcat:
		m.combination.concat = &affineDecl{W: k(params.RoleWProjComb), B: k(params.RoleBProjComb),
			In: []int{c.DimCtx[1], ctx0}, Out: []int{ctx0}, LN: ln, WN: wn}
	case options.AttGate, options.AttGate2:
		m.combination.gateMain = &affineDecl{W: k(params.RoleWGateCtx1), NoBias: true, In: []int{ctx0}, Out: []int{ctx0}, Ortho: true, WN: wn}
		m.combination.gateAux = &affineDecl{W: k(params.RoleWGateCtx2), NoBias: true, In: []int{c.DimCtx[1]}, Out: []int{ctx0}, Ortho: true, WN: wn}
		m.combination.gateBias = k(params.RoleBGate)
		if c.Multisource == options.AttGate2 {
			m.combination.initOnly = []affineDecl{
				{W: k(params.RoleWGateYm1), NoBias: true, In: []int{c.Nin}, Out: []int{ctx0}},
				{W: k(params.RoleWGateSm1), NoBias: true, In: one, Out: []int{ctx0}},
			}
		}
	case options.AttHier:
		m.combination.hier = &affineDecl{W: k(params.RoleUAttHier), B: k(params.RoleCAttHier), In: []int{ctx0}, Out: []int{1}, WN: wn}
	}
}

func (m *CondGRU[T]) Kind() Kind {
	k, _ := CondKind(m.Config.Sources)
	return k
}

// Init adds the parameters of the layer to the table.
func (m *CondGRU[T]) Init(tbl *params.Table, src rand.Source) error {
	in := &initializer[T]{tbl: tbl, src: src}
	in.affine(m.inGates)
	in.affine(m.inCandidate)
	in.affine(m.first.gates)
	in.affine(m.first.candidate)
	for d, tr := range m.deep {
		in.affine(tr.gates)
		in.affine(tr.candidate)
		if d == 0 {
			in.affine(m.ctxGates)
			in.affine(m.ctxCandidate)
		}
	}
	for _, a := range m.attention {
		in.affine(a.comb)
		in.affine(a.ctx)
		in.affine(a.score)
	}
	cb := m.combination
	for _, s := range []*affineDecl{cb.concat, cb.gateMain, cb.gateAux, cb.hier} {
		if s != nil {
			in.affine(*s)
		}
	}
	if cb.gateMain != nil {
		in.zeros(cb.gateBias, m.Config.DimCtx[0])
	}
	for _, s := range cb.initOnly {
		in.affine(s)
	}
	if in.err != nil {
		return fmt.Errorf("conditional gru %q: %w", m.Config.Prefix, in.err)
	}
	log.Debug().Str("prefix", m.Config.Prefix).Int("nin", m.Config.Nin).Int("dim", m.Config.Dim).
		Ints("dimctx", m.Config.DimCtx).Int("depth", m.Config.Depth).
		Str("multisource", m.Config.Multisource.String()).Msg("conditional gru initialized")
	return nil
}

// attends reports whether source s gets a genuine attention distribution.
func (m *CondGRU[T]) attends(s int) bool {
	return s == 0 || m.Config.Multisource.AttendsAuxiliary()
}

// Forward runs the layer over a time-major sequence. See Prepare for the
// contexts and CondSession.Forward for the other arguments.
func (m *CondGRU[T]) Forward(tbl *params.Table, xs Sequence, mask Mask, ctxs []Context, init Batch, p dropout.Policy) (*CondResult, error) {
	s, err := m.Prepare(tbl, ctxs, p)
	if err != nil {
		return nil, err
	}
	return s.Forward(xs, mask, init)
}

// Step runs a single time step from an explicit previous state.
func (m *CondGRU[T]) Step(tbl *params.Table, x Batch, mask []float64, ctxs []Context, prev Batch, p dropout.Policy) (*CondStep, error) {
	if prev == nil {
		return nil, m.errorf(ErrMissingState)
	}
	s, err := m.Prepare(tbl, ctxs, p)
	if err != nil {
		return nil, err
	}
	return s.Step(x, mask, prev)
}

func (m *CondGRU[T]) errorf(err error) error {
	return fmt.Errorf("conditional gru %q: %w", m.Config.Prefix, err)
}

// NewCondKind is NewCondGRU for the number of sources of a conditional
// kind.
func NewCondKind[T float.DType](k Kind, c CondConfig, o options.Options) (*CondGRU[T], error) {
	n := k.Sources()
	if n == 0 {
		return nil, fmt.Errorf("layer kind %s is not conditional", k)
	}
	c.Sources = n
	return NewCondGRU[T](c, o)
}
