// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/nlpodyssey/nmtlayers/dropout"
	"github.com/nlpodyssey/nmtlayers/layers"
	"github.com/nlpodyssey/nmtlayers/options"
	"github.com/nlpodyssey/nmtlayers/params"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/rs/zerolog/log"
)

// encoder is the bidirectional GRU of one source.
type encoder struct {
	embedding *layers.EmbeddingLayer[float32]
	forward   *layers.GRULayer[float32]
	backward  *layers.GRULayer[float32]
}

// model wires the layers of an attentional encoder-decoder.
type model struct {
	opts     options.Options
	encoders []encoder
	target   *layers.EmbeddingLayer[float32]
	initFF   *layers.FeedForward[float32]
	decoder  *layers.CondGRU[float32]
}

func newModel(o options.Options) (*model, error) {
	m := &model{opts: o}
	below, hidden := 0.0, 0.0
	if o.UseDropout {
		below, hidden = o.DropoutEmbedding, o.DropoutHidden
	}
	for i := 0; i < o.NumEncoders(); i++ {
		dims, prefix := o.FactorDims(), "encoder"
		if i > 0 {
			dims, prefix = []int{o.DimWord}, fmt.Sprintf("encoder%d", i)
		}
		emb, err := layers.NewEmbedding[float32](layers.EmbeddingConfig{NWords: o.NWordsSrc, Dims: dims, Src: i})
		if err != nil {
			return nil, err
		}
		enc := encoder{embedding: emb}
		for dir, p := range []string{prefix, prefix + "_r"} {
			g, err := layers.NewGRU[float32](layers.GRUConfig{
				Prefix:           p,
				Nin:              emb.Dim(),
				Dim:              o.Dim,
				Depth:            o.EncRecurrenceTransitionDepth,
				DropoutBelow:     below,
				DropoutRec:       hidden,
				TruncateGradient: o.TruncateGradient,
			}, o)
			if err != nil {
				return nil, err
			}
			if dir == 0 {
				enc.forward = g
			} else {
				enc.backward = g
			}
		}
		m.encoders = append(m.encoders, enc)
	}

	var err error
	m.target, err = layers.NewEmbedding[float32](layers.EmbeddingConfig{Prefix: "dec_", NWords: o.NWords, Dims: []int{o.DimWord}})
	if err != nil {
		return nil, err
	}
	m.initFF, err = layers.NewFeedForward[float32](layers.FFConfig{
		Prefix:     "ff_state",
		Nin:        2 * o.Dim,
		Nout:       o.Dim,
		Activation: layers.Tanh,
		Dropout:    hidden,
	}, o)
	if err != nil {
		return nil, err
	}
	kind, err := layers.CondKind(o.NumEncoders())
	if err != nil {
		return nil, err
	}
	m.decoder, err = layers.NewCondKind[float32](kind, layers.CondConfig{
		Prefix:           "decoder",
		Nin:              o.DimWord,
		Dim:              o.Dim,
		DropoutBelow:     below,
		DropoutCtx:       hidden,
		DropoutRec:       hidden,
		TruncateGradient: o.TruncateGradient,
	}, o)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// layers returns every layer in initialization order.
func (m *model) layers() []layers.Layer {
	var ls []layers.Layer
	for _, e := range m.encoders {
		ls = append(ls, e.embedding, e.forward, e.backward)
	}
	return append(ls, m.target, m.initFF, m.decoder)
}

func (m *model) init(seed uint64) (*params.Table, error) {
	tbl := params.NewTable()
	src := params.NewSource(seed)
	for _, l := range m.layers() {
		if err := l.Init(tbl, src); err != nil {
			return nil, err
		}
	}
	log.Debug().Int("params", tbl.Len()).Msg("model initialized")
	return tbl, nil
}

// batch is a padded time-major batch of source and target tokens.
type batch struct {
	sources    [][][]int
	sourceMask []layers.Mask
	target     [][]int
	targetMask layers.Mask
}

// randomBatch draws random tokens and random lengths in [1, steps].
func (m *model) randomBatch(rng *rand.Rand, size, srcSteps, trgSteps int) batch {
	var out batch
	for range m.encoders {
		ids, mask := randomTokens(rng, m.opts.NWordsSrc, size, srcSteps)
		out.sources = append(out.sources, ids)
		out.sourceMask = append(out.sourceMask, mask)
	}
	out.target, out.targetMask = randomTokens(rng, m.opts.NWords, size, trgSteps)
	return out
}

func randomTokens(rng *rand.Rand, vocab, size, steps int) ([][]int, layers.Mask) {
	ids := make([][]int, steps)
	mask := make(layers.Mask, steps)
	for t := range ids {
		ids[t] = make([]int, size)
		mask[t] = make([]float64, size)
	}
	for b := 0; b < size; b++ {
		n := 1 + rng.IntN(steps)
		for t := 0; t < n; t++ {
			ids[t][b] = 1 + rng.IntN(vocab-1)
			mask[t][b] = 1
		}
	}
	return ids, mask
}

// encode runs the bidirectional encoder of source i and returns the
// concatenated forward and backward states.
func (m *model) encode(tbl *params.Table, i int, ids [][]int, mask layers.Mask, p dropout.Policy) (layers.Sequence, error) {
	e := m.encoders[i]
	xs, err := e.embedding.ForwardWords(tbl, ids)
	if err != nil {
		return nil, err
	}
	fwd, err := e.forward.Forward(tbl, xs, mask, nil, p)
	if err != nil {
		return nil, err
	}
	bwd, err := e.backward.Forward(tbl, reversed(xs), reversed(mask), nil, p)
	if err != nil {
		return nil, err
	}
	ctx := make(layers.Sequence, len(xs))
	for t := range ctx {
		ctx[t] = make(layers.Batch, len(xs[t]))
		for b := range ctx[t] {
			ctx[t][b] = ag.Concat(fwd[t][b], bwd[len(bwd)-1-t][b])
		}
	}
	return ctx, nil
}

// initialState maps the masked mean of the primary context to the first
// decoder state.
func (m *model) initialState(tbl *params.Table, ctx layers.Sequence, mask layers.Mask, p dropout.Policy) (layers.Batch, error) {
	mean := make(layers.Batch, len(ctx[0]))
	for b := range mean {
		var sum mat.Tensor
		n := 0.0
		for t := range ctx {
			if mask[t][b] == 0 {
				continue
			}
			n++
			if sum == nil {
				sum = ctx[t][b]
				continue
			}
			sum = ag.Add(sum, ctx[t][b])
		}
		mean[b] = ag.DivScalar(sum, mat.Scalar(float32(n)))
	}
	out, err := m.initFF.Forward(tbl, layers.Sequence{mean}, p)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// forward runs the encoders and the decoder over a batch.
func (m *model) forward(tbl *params.Table, in batch, p dropout.Policy) (*layers.CondResult, error) {
	ctxs := make([]layers.Context, len(m.encoders))
	for i := range m.encoders {
		ctx, err := m.encode(tbl, i, in.sources[i], in.sourceMask[i], p)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		ctxs[i] = layers.Context{Values: ctx, Mask: in.sourceMask[i]}
	}
	init, err := m.initialState(tbl, ctxs[0].Values, ctxs[0].Mask, p)
	if err != nil {
		return nil, err
	}
	ys, err := m.target.ForwardWords(tbl, in.target)
	if err != nil {
		return nil, err
	}
	return m.decoder.Forward(tbl, ys, in.targetMask, ctxs, init, p)
}

func reversed[S ~[]E, E any](s S) S {
	out := make(S, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}
