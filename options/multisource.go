// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package options

import (
	"encoding/json"
	"fmt"
)

// Multisource is the policy merging the contexts of several sources.
type Multisource string

const (
	// NoMultisource uses the primary context only.
	NoMultisource Multisource = ""
	// InitDecoder uses the auxiliary sources for decoder initialization
	// only; attention parameters are not source-suffixed.
	InitDecoder Multisource = "init-decoder"
	// AttConcat concatenates the contexts and projects them back to the
	// primary context size.
	AttConcat Multisource = "att-concat"
	// AttGate blends two contexts with a learned elementwise gate.
	AttGate Multisource = "att-gate"
	// AttGate2 reserves the parameters of a gate also conditioned on the
	// previous word and state. Its forward pass falls back to the
	// primary context.
	AttGate2 Multisource = "att-gate2"
	// AttHier attends over the per-source contexts.
	AttHier Multisource = "att-hier"
)

// Normalize maps the legacy spellings of the single-context policy to
// NoMultisource.
func (m Multisource) Normalize() Multisource {
	switch m {
	case "false", "none":
		return NoMultisource
	}
	return m
}

// IsValid reports whether the policy is known.
func (m Multisource) IsValid() bool {
	switch m.Normalize() {
	case NoMultisource, InitDecoder, AttConcat, AttGate, AttGate2, AttHier:
		return true
	}
	return false
}

// SuffixedAttention reports whether attention parameters of a model with
// the given number of sources are indexed by source.
func (m Multisource) SuffixedAttention(sources int) bool {
	return sources > 1 && m.Normalize() != InitDecoder
}

// AttendsAuxiliary reports whether the auxiliary sources need a genuine
// attention distribution.
func (m Multisource) AttendsAuxiliary() bool {
	switch m.Normalize() {
	case AttConcat, AttGate, AttHier:
		return true
	}
	return false
}

func (m Multisource) String() string {
	if n := m.Normalize(); n != NoMultisource {
		return string(n)
	}
	return "none"
}

// UnmarshalJSON also accepts the boolean false written by older
// configurations for the single-context policy.
func (m *Multisource) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*m = NoMultisource
	case bool:
		if x {
			return fmt.Errorf("multisource_type: invalid value true")
		}
		*m = NoMultisource
	case string:
		*m = Multisource(x)
	default:
		return fmt.Errorf("multisource_type: invalid value %v", x)
	}
	return nil
}
