// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layers

import (
	"fmt"
	"math/rand/v2"

	"github.com/nlpodyssey/nmtlayers/params"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/rs/zerolog/log"
)

// EmbeddingConfig configures an EmbeddingLayer.
type EmbeddingConfig struct {
	Prefix string
	NWords int
	// Dims holds the embedding size of each factor.
	Dims []int
	// Src is the 1-based index of the auxiliary source the table belongs
	// to (Wemb_1 for the first one), or zero for the primary source and
	// the target side.
	Src int
}

// EmbeddingLayer maps token ids to vectors. Tokens made of several factors
// get the concatenation of one embedding per factor.
type EmbeddingLayer[T float.DType] struct {
	Config EmbeddingConfig
}

// NewEmbedding validates the configuration.
func NewEmbedding[T float.DType](c EmbeddingConfig) (*EmbeddingLayer[T], error) {
	if c.NWords <= 0 {
		return nil, fmt.Errorf("embedding %q: invalid vocabulary size %d", c.Prefix, c.NWords)
	}
	if len(c.Dims) == 0 {
		return nil, fmt.Errorf("embedding %q: no factors", c.Prefix)
	}
	for f, d := range c.Dims {
		if d <= 0 {
			return nil, fmt.Errorf("embedding %q: invalid size %d for factor %d", c.Prefix, d, f)
		}
	}
	return &EmbeddingLayer[T]{Config: c}, nil
}

func (m *EmbeddingLayer[T]) Kind() Kind { return Embedding }

// Key returns the key of the table of the given factor.
func (m *EmbeddingLayer[T]) Key(factor int) params.Key {
	k := params.K(m.Config.Prefix, params.RoleEmbedding).WithPart(factor)
	if m.Config.Src > 0 {
		// Key sources count the primary one as 1.
		k = k.WithSrc(m.Config.Src + 1)
	}
	return k
}

// Dim returns the size of the concatenated embeddings.
func (m *EmbeddingLayer[T]) Dim() int {
	n := 0
	for _, d := range m.Config.Dims {
		n += d
	}
	return n
}

// Init adds one dim×n_words table per factor.
func (m *EmbeddingLayer[T]) Init(tbl *params.Table, src rand.Source) error {
	in := &initializer[T]{tbl: tbl, src: src}
	for f, d := range m.Config.Dims {
		w, err := params.NormWeight[T](src, m.Config.NWords, d, params.DefaultScale, true)
		in.put(m.Key(f), w, err)
	}
	if in.err != nil {
		return fmt.Errorf("embedding %q: %w", m.Config.Prefix, in.err)
	}
	log.Debug().Str("prefix", m.Config.Prefix).Int("words", m.Config.NWords).Ints("dims", m.Config.Dims).Msg("embedding initialized")
	return nil
}

// Forward embeds a time-major batch of tokens, where ids[t][b] holds one
// id per factor.
func (m *EmbeddingLayer[T]) Forward(tbl *params.Table, ids [][][]int) (Sequence, error) {
	factors := len(m.Config.Dims)
	tables := make([]mat.Tensor, factors)
	bd := &binder[T]{tbl: tbl}
	for f := range tables {
		tables[f] = bd.get(m.Key(f))
	}
	if bd.err != nil {
		return nil, fmt.Errorf("embedding %q: %w", m.Config.Prefix, bd.err)
	}

	// One lookup node per distinct id and factor.
	cache := make([]map[int]mat.Tensor, factors)
	for f := range cache {
		cache[f] = make(map[int]mat.Tensor)
	}
	lookup := func(f, id int) mat.Tensor {
		if v, ok := cache[f][id]; ok {
			return v
		}
		// Tables are dim×n_words: the embedding of id is its column.
		v := ag.ColView(tables[f], id)
		cache[f][id] = v
		return v
	}

	out := make(Sequence, len(ids))
	for t, step := range ids {
		out[t] = make(Batch, len(step))
		for b, token := range step {
			if len(token) != factors {
				return nil, fmt.Errorf("embedding %q: %w: token at step %d sample %d has %d factors, expected %d",
					m.Config.Prefix, ErrShape, t, b, len(token), factors)
			}
			parts := make([]mat.Tensor, factors)
			for f, id := range token {
				if id < 0 || id >= m.Config.NWords {
					return nil, fmt.Errorf("embedding %q: %w: id %d out of vocabulary of %d",
						m.Config.Prefix, ErrShape, id, m.Config.NWords)
				}
				parts[f] = lookup(f, id)
			}
			if factors == 1 {
				out[t][b] = parts[0]
				continue
			}
			out[t][b] = ag.Concat(parts...)
		}
	}
	return out, nil
}

// ForwardWords embeds single-factor tokens, ids[t][b].
func (m *EmbeddingLayer[T]) ForwardWords(tbl *params.Table, ids [][]int) (Sequence, error) {
	wrapped := make([][][]int, len(ids))
	for t, step := range ids {
		wrapped[t] = make([][]int, len(step))
		for b, id := range step {
			wrapped[t][b] = []int{id}
		}
	}
	return m.Forward(tbl, wrapped)
}
