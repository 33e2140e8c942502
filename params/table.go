// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package params

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/rs/zerolog/log"
)

var (
	// ErrMissing is returned when a layer looks up a parameter that its
	// initializer never produced.
	ErrMissing = errors.New("missing parameter")
	// ErrDuplicate is returned when an initializer tries to overwrite a
	// parameter already present in the table.
	ErrDuplicate = errors.New("duplicate parameter")
)

// Table is the parameter collection shared by all the layers of a model.
// Forward passes only read from it.
type Table struct {
	params map[Key]*nn.Param
	order  []Key
}

// NewTable returns an empty parameter table.
func NewTable() *Table {
	return &Table{params: make(map[Key]*nn.Param)}
}

// Put wraps the value as a trainable parameter and stores it under the key.
func (t *Table) Put(k Key, value mat.Matrix) error {
	if _, exists := t.params[k]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, k)
	}
	t.params[k] = nn.NewParam(value)
	t.order = append(t.order, k)
	log.Trace().Str("param", k.String()).Ints("shape", value.Shape()).Msg("parameter initialized")
	return nil
}

// Get returns the parameter stored under the key.
func (t *Table) Get(k Key) (*nn.Param, error) {
	p, ok := t.params[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissing, k)
	}
	return p, nil
}

// Has reports whether the key is present.
func (t *Table) Has(k Key) bool {
	_, ok := t.params[k]
	return ok
}

// Len returns the number of parameters.
func (t *Table) Len() int {
	return len(t.params)
}

// Keys returns the keys in insertion order.
func (t *Table) Keys() []Key {
	keys := make([]Key, len(t.order))
	copy(keys, t.order)
	return keys
}

// Names returns the rendered names of all the keys, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.order))
	for _, k := range t.order {
		names = append(names, k.String())
	}
	sort.Strings(names)
	return names
}

// Params returns all the parameters in insertion order, e.g. to hand
// them to an optimizer.
func (t *Table) Params() []*nn.Param {
	ps := make([]*nn.Param, 0, len(t.order))
	for _, k := range t.order {
		ps = append(ps, t.params[k])
	}
	return ps
}
