// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layers

import "fmt"

// Kind enumerates the layer kinds a model is assembled from.
type Kind int

const (
	FF Kind = iota
	GRU
	GRUCond
	BiGRUCond
	TriGRUCond
	Embedding
)

var kindNames = [...]string{
	FF:         "ff",
	GRU:        "gru",
	GRUCond:    "gru_cond",
	BiGRUCond:  "bi_gru_cond",
	TriGRUCond: "tri_gru_cond",
	Embedding:  "embedding",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind returns the kind with the given name.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown layer kind %q", name)
}

// Sources returns the number of contexts a conditional kind attends to,
// or zero for the other kinds.
func (k Kind) Sources() int {
	switch k {
	case GRUCond:
		return 1
	case BiGRUCond:
		return 2
	case TriGRUCond:
		return 3
	}
	return 0
}

// CondKind returns the conditional kind attending to the given number
// of sources.
func CondKind(sources int) (Kind, error) {
	switch sources {
	case 1:
		return GRUCond, nil
	case 2:
		return BiGRUCond, nil
	case 3:
		return TriGRUCond, nil
	}
	return 0, fmt.Errorf("no conditional layer for %d sources", sources)
}
