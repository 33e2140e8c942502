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
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/rs/zerolog/log"
)

// Activation is the point-wise nonlinearity of a feed-forward layer.
type Activation int

const (
	Tanh Activation = iota
	Linear
	Sigmoid
	ReLU
)

func (a Activation) apply(x mat.Tensor) mat.Tensor {
	switch a {
	case Linear:
		return x
	case Sigmoid:
		return ag.Sigmoid(x)
	case ReLU:
		return ag.ReLU(x)
	default:
		return ag.Tanh(x)
	}
}

func (a Activation) String() string {
	switch a {
	case Tanh:
		return "tanh"
	case Linear:
		return "linear"
	case Sigmoid:
		return "sigmoid"
	case ReLU:
		return "relu"
	}
	return fmt.Sprintf("Activation(%d)", int(a))
}

// FFConfig configures a FeedForward layer.
type FFConfig struct {
	Prefix string
	Nin    int
	Nout   int
	// Ortho makes a square weight matrix orthogonal.
	Ortho      bool
	Activation Activation
	// SkipWeight and SkipBias leave the weight matrix or the bias out of
	// the parameters; they must then be supplied to ForwardTied.
	SkipWeight bool
	SkipBias   bool
	// FollowedBySoftmax disables normalization, for output projections.
	FollowedBySoftmax bool
	// Dropout is the probability of dropping an input feature.
	Dropout float64
}

// FeedForward is an affine transformation followed by a point-wise
// nonlinearity: y = act(LN(WN(W)·(x⊙mask) + b)).
type FeedForward[T float.DType] struct {
	Config FFConfig
	decl   affineDecl
}

// NewFeedForward validates the configuration. Layer and weight
// normalization follow the options, except before a softmax.
func NewFeedForward[T float.DType](c FFConfig, o options.Options) (*FeedForward[T], error) {
	if c.Nin <= 0 || c.Nout <= 0 {
		return nil, fmt.Errorf("feed-forward %q: invalid size %dx%d", c.Prefix, c.Nout, c.Nin)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return nil, fmt.Errorf("feed-forward %q: dropout probability %g out of [0, 1)", c.Prefix, c.Dropout)
	}
	normalize := !c.FollowedBySoftmax
	return &FeedForward[T]{
		Config: c,
		decl: affineDecl{
			W:      params.K(c.Prefix, params.RoleW),
			B:      params.K(c.Prefix, params.RoleB),
			NoBias: c.SkipBias,
			In:     []int{c.Nin},
			Out:    []int{c.Nout},
			Ortho:  c.Ortho,
			LN:     normalize && o.LayerNormalisation,
			WN:     normalize && o.WeightNormalisation,
		},
	}, nil
}

func (m *FeedForward[T]) Kind() Kind { return FF }

// Init adds the parameters of the layer to the table.
func (m *FeedForward[T]) Init(tbl *params.Table, src rand.Source) error {
	in := &initializer[T]{tbl: tbl, src: src}
	s := m.decl
	if m.Config.SkipWeight {
		// Only the auxiliary blocks: the weight is supplied by the caller.
		s.In = nil
	}
	in.affine(s)
	if in.err != nil {
		return fmt.Errorf("feed-forward %q: %w", m.Config.Prefix, in.err)
	}
	log.Debug().Str("prefix", m.Config.Prefix).Int("nin", m.Config.Nin).Int("nout", m.Config.Nout).Msg("feed-forward initialized")
	return nil
}

// Forward applies the layer at every step of xs, with the same dropout
// mask at every step.
func (m *FeedForward[T]) Forward(tbl *params.Table, xs Sequence, p dropout.Policy) (Sequence, error) {
	return m.ForwardTied(tbl, xs, p, nil, nil)
}

// ForwardTied is Forward with an externally supplied weight (nout×nin) or
// bias, e.g. an output projection tied to the target embeddings. A nil
// weight or bias is read from the table.
func (m *FeedForward[T]) ForwardTied(tbl *params.Table, xs Sequence, p dropout.Policy, w, b mat.Tensor) (Sequence, error) {
	batch := batchSize(xs)
	if err := checkSequence("input", xs, batch, m.Config.Nin); err != nil {
		return nil, fmt.Errorf("feed-forward %q: %w", m.Config.Prefix, err)
	}
	a, err := m.bind(tbl, w, b)
	if err != nil {
		return nil, err
	}
	mask := dropout.MakeMasks[T](p, dropout.Shape{Batch: batch, Dim: m.Config.Nin}, m.Config.Dropout, 1)[0]

	out := make(Sequence, len(xs))
	for t, x := range xs {
		out[t] = make(Batch, len(x))
		for i, v := range x {
			out[t][i] = m.Config.Activation.apply(a.Forward1(mask.Apply(i, v)))
		}
	}
	return out, nil
}

func (m *FeedForward[T]) bind(tbl *params.Table, w, b mat.Tensor) (*affine, error) {
	if w == nil && m.Config.SkipWeight {
		return nil, fmt.Errorf("feed-forward %q: %w: weight must be supplied", m.Config.Prefix, params.ErrMissing)
	}
	bd := &binder[T]{tbl: tbl}
	a := bd.tiedAffine(m.decl, w, b)
	if bd.err != nil {
		return nil, fmt.Errorf("feed-forward %q: %w", m.Config.Prefix, bd.err)
	}
	return a, nil
}
