// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layers

import (
	"fmt"
	"math"
	"testing"

	"github.com/nlpodyssey/nmtlayers/dropout"
	"github.com/nlpodyssey/nmtlayers/options"
	"github.com/nlpodyssey/nmtlayers/params"
	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCond(t *testing.T, o options.Options, c CondConfig) (*CondGRU[float64], *params.Table) {
	t.Helper()
	if c.Prefix == "" {
		c.Prefix = "decoder"
	}
	c.Nin, c.Dim = 2, 3
	m, err := NewCondGRU[float64](c, o)
	require.NoError(t, err)
	tbl := params.NewTable()
	require.NoError(t, m.Init(tbl, params.NewSource(5)))
	return m, tbl
}

func testContexts(n, length, batch, dim int) []Context {
	rng := newRand()
	ctxs := make([]Context, n)
	for i := range ctxs {
		ctxs[i] = Context{Values: randomSequence(rng, length, batch, dim)}
	}
	return ctxs
}

func sumOf(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s
}

func TestCondRoundTrip(t *testing.T) {
	policies := map[int][]options.Multisource{
		1: {options.NoMultisource},
		2: {options.NoMultisource, options.InitDecoder, options.AttConcat, options.AttGate, options.AttGate2, options.AttHier},
		3: {options.AttHier},
	}
	for sources := 1; sources <= 3; sources++ {
		for _, policy := range policies[sources] {
			for _, ln := range []bool{false, true} {
				for _, wn := range []bool{false, true} {
					for depth := 1; depth <= 3; depth++ {
						name := fmt.Sprintf("sources=%d %s ln=%v wn=%v depth=%d", sources, policy, ln, wn, depth)
						t.Run(name, func(t *testing.T) {
							m, tbl := newTestCond(t, testOptions(ln, wn), CondConfig{Sources: sources, Multisource: policy, Depth: depth})
							ctxs := testContexts(sources, 4, 2, 6)
							xs := randomSequence(newRand(), 3, 2, 2)
							res, err := m.Forward(tbl, xs, nil, ctxs, nil, dropout.Disabled)
							require.NoError(t, err)
							require.Len(t, res.States, 3)
							require.Len(t, res.Alignments, sources)
							assert.Len(t, values(res.States[2][1]), 3)
							assert.Len(t, values(res.Contexts[2][1]), 6)
							for _, a := range res.Alignments {
								assert.Len(t, values(a[2][0]), 4)
							}
						})
					}
				}
			}
		}
	}
}

func TestCondAttentionMask(t *testing.T) {
	m, tbl := newTestCond(t, testOptions(true, false), CondConfig{Sources: 1, Depth: 2})
	ctxs := testContexts(1, 5, 2, 6)
	ctxs[0].Mask = Mask{{1, 1}, {1, 1}, {0, 1}, {1, 1}, {1, 0}}
	xs := randomSequence(newRand(), 2, 2, 2)

	res, err := m.Forward(tbl, xs, nil, ctxs, nil, dropout.Disabled)
	require.NoError(t, err)
	for _, step := range res.Alignments[0] {
		a0, a1 := values(step[0]), values(step[1])
		require.Len(t, a0, 5)
		assert.Equal(t, 0.0, a0[2])
		assert.Equal(t, 0.0, a1[4])
		assert.InDelta(t, 1, sumOf(a0), 1e-9)
		assert.InDelta(t, 1, sumOf(a1), 1e-9)
		for j, v := range a0 {
			if j != 2 {
				assert.Greater(t, v, 0.0)
			}
		}
	}
}

func TestCondMaskedStepsKeepState(t *testing.T) {
	m, tbl := newTestCond(t, testOptions(false, true), CondConfig{Sources: 1, Depth: 3})
	xs := randomSequence(newRand(), 3, 2, 2)
	res, err := m.Forward(tbl, xs, Mask{{1, 1}, {1, 0}, {1, 0}}, testContexts(1, 4, 2, 6), nil, dropout.Disabled)
	require.NoError(t, err)
	assert.Equal(t, values(res.States[0][1]), values(res.States[1][1]))
	assert.Equal(t, values(res.States[0][1]), values(res.States[2][1]))
}

func TestCondTriSourceRequiresHierarchicalAttention(t *testing.T) {
	o := testOptions(false, false)
	for _, policy := range []options.Multisource{options.AttConcat, options.AttGate, options.NoMultisource} {
		_, err := NewCondGRU[float64](CondConfig{Prefix: "decoder", Nin: 2, Dim: 3, Sources: 3, Multisource: policy}, o)
		assert.ErrorIs(t, err, options.ErrUnsupported, policy.String())
	}
	_, err := NewCondKind[float64](TriGRUCond, CondConfig{Prefix: "decoder", Nin: 2, Dim: 3, Multisource: options.AttConcat}, o)
	assert.ErrorIs(t, err, options.ErrUnsupported)
}

func TestCondHierarchicalSymmetry(t *testing.T) {
	m, tbl := newTestCond(t, testOptions(false, false), CondConfig{Sources: 2, Multisource: options.AttHier})

	// Every position holds the same vector, so the attended contexts of
	// both sources are equal whatever their alignments.
	v := []float64{0.3, -0.1, 0.5, 0.2, -0.4, 0.1}
	ctx := make(Sequence, 4)
	for j := range ctx {
		ctx[j] = Batch{vec(v...), vec(v...)}
	}
	ctxs := []Context{{Values: ctx}, {Values: ctx}}

	res, err := m.Forward(tbl, randomSequence(newRand(), 2, 2, 2), nil, ctxs, nil, dropout.Disabled)
	require.NoError(t, err)
	require.Len(t, res.HierWeights, 2)
	for _, step := range res.HierWeights {
		for _, w := range step {
			assert.InDeltaSlice(t, []float64{0.5, 0.5}, values(w), 1e-9)
		}
	}
}

func TestCondAuxiliaryAlignmentIsZeroWithoutAuxiliaryAttention(t *testing.T) {
	m, tbl := newTestCond(t, testOptions(false, false), CondConfig{Sources: 2, Multisource: options.InitDecoder})
	res, err := m.Forward(tbl, randomSequence(newRand(), 2, 1, 2), nil, testContexts(2, 3, 1, 6), nil, dropout.Disabled)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, values(res.Alignments[1][1][0]))
	assert.InDelta(t, 1, sumOf(values(res.Alignments[0][1][0])), 1e-9)
	assert.Nil(t, res.HierWeights)
}

func TestCondParameterNames(t *testing.T) {
	_, single := newTestCond(t, testOptions(true, true), CondConfig{Sources: 1, Depth: 3})
	names := single.Names()
	for _, want := range []string{
		"decoder_W", "decoder_W:1", "decoder_b:1", "decoder_Wx", "decoder_U", "decoder_Ux",
		"decoder_U_nl", "decoder_b_nl:1", "decoder_Ux_nl_drt_1", "decoder_U_nl_drt_1_lns",
		"decoder_Wc", "decoder_Wcx", "decoder_Wc_lnb", "decoder_W_comb_att", "decoder_Wc_att",
		"decoder_b_att", "decoder_U_att", "decoder_c_tt", "decoder_U_att_wns", "decoder_W_comb_att_lnb",
	} {
		assert.Contains(t, names, want)
	}
	assert.NotContains(t, names, "decoder_Wc_drt_1")

	_, bi := newTestCond(t, testOptions(true, false), CondConfig{Sources: 2, Multisource: options.AttConcat})
	names = bi.Names()
	for _, want := range []string{
		"decoder_W_comb_att0", "decoder_W_comb_att1", "decoder_Wc_att_lnb1", "decoder_c_tt1",
		"decoder_W_projcomb_att", "decoder_W_projcomb_att:1", "decoder_b_projcomb", "decoder_W_projcomb_att_lns",
	} {
		assert.Contains(t, names, want)
	}

	_, gate2 := newTestCond(t, testOptions(false, false), CondConfig{Sources: 2, Multisource: options.AttGate2})
	assert.Contains(t, gate2.Names(), "decoder_W_att-gate-ym1")
	assert.Contains(t, gate2.Names(), "decoder_W_att-gate-sm1")
}

func TestCondStepReusesProjectedContext(t *testing.T) {
	m, tbl := newTestCond(t, testOptions(true, false), CondConfig{Sources: 1, Depth: 2})
	ctxs := testContexts(1, 4, 2, 6)
	xs := randomSequence(newRand(), 2, 2, 2)

	res, err := m.Forward(tbl, xs, nil, ctxs, nil, dropout.Disabled)
	require.NoError(t, err)

	s, err := m.Prepare(tbl, ctxs, dropout.Disabled)
	require.NoError(t, err)
	projected := s.Projected()
	require.Len(t, projected, 1)

	reused := []Context{{Values: ctxs[0].Values, Projected: projected[0]}}
	step, err := m.Step(tbl, xs[1], nil, reused, res.States[0], dropout.Disabled)
	require.NoError(t, err)
	for b := range step.State {
		assert.InDeltaSlice(t, values(res.States[1][b]), values(step.State[b]), 1e-12)
		assert.InDeltaSlice(t, values(res.Alignments[0][1][b]), values(step.Alignments[0][b]), 1e-12)
	}
}

func TestCondErrors(t *testing.T) {
	m, tbl := newTestCond(t, testOptions(false, false), CondConfig{Sources: 2, Multisource: options.AttGate})
	xs := randomSequence(newRand(), 2, 2, 2)

	_, err := m.Forward(tbl, xs, nil, testContexts(1, 3, 2, 6), nil, dropout.Disabled)
	assert.ErrorIs(t, err, ErrMissingContext)

	ctxs := testContexts(2, 3, 2, 6)
	ctxs[1].Values = nil
	_, err = m.Forward(tbl, xs, nil, ctxs, nil, dropout.Disabled)
	assert.ErrorIs(t, err, ErrMissingContext)

	_, err = m.Forward(tbl, xs, nil, testContexts(2, 3, 2, 4), nil, dropout.Disabled)
	assert.ErrorIs(t, err, ErrShape)

	_, err = m.Step(tbl, xs[0], nil, testContexts(2, 3, 2, 6), nil, dropout.Disabled)
	assert.ErrorIs(t, err, ErrMissingState)

	_, err = NewCondGRU[float64](CondConfig{Prefix: "decoder", Nin: 2, Dim: 3, Sources: 2, DimCtx: []int{6, 4}, Multisource: options.AttGate}, testOptions(false, false))
	assert.ErrorIs(t, err, options.ErrUnsupported)
}

func TestCondTrainingDropout(t *testing.T) {
	o := testOptions(true, true)
	m, err := NewCondGRU[float64](CondConfig{
		Prefix: "decoder", Nin: 2, Dim: 3, Sources: 2, Multisource: options.AttConcat,
		DropoutBelow: 0.2, DropoutCtx: 0.2, DropoutRec: 0.2,
	}, o)
	require.NoError(t, err)
	tbl := params.NewTable()
	require.NoError(t, m.Init(tbl, params.NewSource(5)))

	p := dropout.Policy{Enabled: true, Source: params.NewSource(9)}
	res, err := m.Forward(tbl, randomSequence(newRand(), 3, 2, 2), nil, testContexts(2, 4, 2, 6), nil, p)
	require.NoError(t, err)
	assert.Len(t, res.States, 3)
}

// matVec multiplies a row-major rows×cols matrix by x.
func matVec(w []float64, rows, cols int, x []float64) []float64 {
	y := make([]float64, rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			y[i] += w[i*cols+j] * x[j]
		}
	}
	return y
}

func paramValues(t *testing.T, tbl *params.Table, k params.Key) []float64 {
	t.Helper()
	p, err := tbl.Get(k)
	require.NoError(t, err)
	return values(p)
}

func TestCondCombination(t *testing.T) {
	main := []float64{0.3, -0.1, 0.5, 0.2, -0.4, 0.1}
	aux := []float64{-0.2, 0.6, 0.1, -0.3, 0.25, 0.4}
	const dim = 6

	t.Run("att-gate", func(t *testing.T) {
		m, tbl := newTestCond(t, testOptions(false, false), CondConfig{Sources: 2, Multisource: options.AttGate})
		s, err := m.Prepare(tbl, testContexts(2, 3, 1, dim), dropout.Disabled)
		require.NoError(t, err)
		got, hier := s.combine(0, []mat.Tensor{vec(main...), vec(aux...)})
		assert.Nil(t, hier)

		w1 := paramValues(t, tbl, params.K("decoder", params.RoleWGateCtx1))
		w2 := paramValues(t, tbl, params.K("decoder", params.RoleWGateCtx2))
		b := paramValues(t, tbl, params.K("decoder", params.RoleBGate))
		pm, pa := matVec(w1, dim, dim, main), matVec(w2, dim, dim, aux)
		want := make([]float64, dim)
		for i := range want {
			g := math.Tanh(pm[i] + pa[i] + b[i])
			want[i] = g*aux[i] + (1-g)*main[i]
		}
		assert.InDeltaSlice(t, want, values(got), 1e-9)
	})

	t.Run("att-concat", func(t *testing.T) {
		m, tbl := newTestCond(t, testOptions(false, false), CondConfig{Sources: 2, Multisource: options.AttConcat})
		s, err := m.Prepare(tbl, testContexts(2, 3, 1, dim), dropout.Disabled)
		require.NoError(t, err)
		got, _ := s.combine(0, []mat.Tensor{vec(main...), vec(aux...)})

		// The first column block reads the auxiliary context.
		wAux := paramValues(t, tbl, params.K("decoder", params.RoleWProjComb))
		wMain := paramValues(t, tbl, params.K("decoder", params.RoleWProjComb).WithPart(1))
		b := paramValues(t, tbl, params.K("decoder", params.RoleBProjComb))
		pa, pm := matVec(wAux, dim, dim, aux), matVec(wMain, dim, dim, main)
		want := make([]float64, dim)
		for i := range want {
			want[i] = pa[i] + pm[i] + b[i]
		}
		assert.InDeltaSlice(t, want, values(got), 1e-9)
	})
}

func TestCondTrainingMasksAreSharedAcrossSteps(t *testing.T) {
	o := testOptions(false, false)
	m, err := NewCondGRU[float64](CondConfig{
		Prefix: "decoder", Nin: 2, Dim: 3, Sources: 2, Multisource: options.AttGate,
		DropoutBelow: 0.5, DropoutCtx: 0.5, DropoutRec: 0.5,
	}, o)
	require.NoError(t, err)
	tbl := params.NewTable()
	require.NoError(t, m.Init(tbl, params.NewSource(5)))

	p := dropout.Policy{Enabled: true, Mode: dropout.Training, Source: params.NewSource(9)}
	s, err := m.Prepare(tbl, testContexts(2, 4, 2, 6), p)
	require.NoError(t, err)
	for _, mask := range append(append([]dropout.Mask{}, s.below...), s.rec...) {
		require.False(t, mask.IsConstant())
		for b := 0; b < 2; b++ {
			for _, v := range values(mask.Values(b)) {
				assert.Contains(t, []float64{0, 2}, v)
			}
		}
	}

	// The same input and previous state at two different steps give the
	// same output: no mask is drawn again after Prepare.
	x := randomSequence(newRand(), 1, 2, 2)[0]
	xs := Sequence{x, x}
	prev := &CondStep{State: Batch{vec(0.1, -0.2, 0.3), vec(0.4, 0.0, -0.1)}}
	first, err := s.step(prev, s.input(xs[0], nil))
	require.NoError(t, err)
	second, err := s.step(prev, s.input(xs[1], nil))
	require.NoError(t, err)
	for b := range first.State {
		assert.Equal(t, values(first.State[b]), values(second.State[b]))
		assert.Equal(t, values(first.Context[b]), values(second.Context[b]))
	}
}
