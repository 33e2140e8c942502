// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package params

import (
	"fmt"
	"strconv"
	"strings"
)

// Role identifies what a parameter does inside a layer.
type Role int

const (
	RoleW Role = iota
	RoleB
	RoleWx
	RoleBx
	RoleU
	RoleUx
	RoleUNl
	RoleBNl
	RoleUxNl
	RoleBxNl
	RoleWc
	RoleWcx
	RoleWCombAtt
	RoleWcAtt
	RoleBAtt
	RoleUAtt
	RoleCAtt
	RoleWProjComb
	RoleBProjComb
	RoleWGateCtx1
	RoleWGateCtx2
	RoleWGateYm1
	RoleWGateSm1
	RoleBGate
	RoleUAttHier
	RoleCAttHier
	RoleEmbedding
)

var roleNames = [...]string{
	RoleW:         "W",
	RoleB:         "b",
	RoleWx:        "Wx",
	RoleBx:        "bx",
	RoleU:         "U",
	RoleUx:        "Ux",
	RoleUNl:       "U_nl",
	RoleBNl:       "b_nl",
	RoleUxNl:      "Ux_nl",
	RoleBxNl:      "bx_nl",
	RoleWc:        "Wc",
	RoleWcx:       "Wcx",
	RoleWCombAtt:  "W_comb_att",
	RoleWcAtt:     "Wc_att",
	RoleBAtt:      "b_att",
	RoleUAtt:      "U_att",
	RoleCAtt:      "c_tt",
	RoleWProjComb: "W_projcomb_att",
	RoleBProjComb: "b_projcomb",
	RoleWGateCtx1: "W_att-gate-ctx1",
	RoleWGateCtx2: "W_att-gate-ctx2",
	RoleWGateYm1:  "W_att-gate-ym1",
	RoleWGateSm1:  "W_att-gate-sm1",
	RoleBGate:     "b_att-gate",
	RoleUAttHier:  "U_att-hier",
	RoleCAttHier:  "c_tt-hier",
	RoleEmbedding: "Wemb",
}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleNames[r]
}

// Aux marks the auxiliary tensors attached to a weight role.
type Aux int

const (
	AuxNone Aux = iota
	// AuxLNShift is the layer-normalization shift of the pre-activation
	// produced by the role.
	AuxLNShift
	// AuxLNScale is the layer-normalization scale of the pre-activation
	// produced by the role.
	AuxLNScale
	// AuxWNScale is the weight-normalization scale of the role's matrix.
	AuxWNScale
)

var auxSuffixes = [...]string{
	AuxNone:    "",
	AuxLNShift: "_lnb",
	AuxLNScale: "_lns",
	AuxWNScale: "_wns",
}

// Key is the structured name of a parameter. It is comparable and can be
// used as a map key.
//
// Part selects one block of a parameter that is conceptually a
// concatenation: the reset/update halves of gate matrices, the
// auxiliary/main column blocks of the att-concat projection, or the factor
// index of an embedding table.
//
// Src is the 1-based index of the context source the parameter belongs to;
// zero means the parameter is not source-specific.
type Key struct {
	Prefix string
	Role   Role
	Part   int
	Depth  int
	Src    int
	Aux    Aux
}

// K returns the key of the given role within a layer prefix.
func K(prefix string, role Role) Key {
	return Key{Prefix: prefix, Role: role}
}

func (k Key) WithPart(part int) Key {
	k.Part = part
	return k
}

func (k Key) WithDepth(depth int) Key {
	k.Depth = depth
	return k
}

func (k Key) WithSrc(src int) Key {
	k.Src = src
	return k
}

func (k Key) WithAux(aux Aux) Key {
	k.Aux = aux
	return k
}

// String renders the key with the conventional parameter naming scheme,
// e.g. "decoder_U_nl_drt_1_lns" or "decoder_W_comb_att_lnb1".
func (k Key) String() string {
	var sb strings.Builder
	if k.Role == RoleEmbedding {
		sb.WriteString(k.Prefix)
		sb.WriteString(k.Role.String())
		if k.Part > 0 {
			sb.WriteString(strconv.Itoa(k.Part))
		}
		if k.Src > 0 {
			sb.WriteByte('_')
			sb.WriteString(strconv.Itoa(k.Src - 1))
		}
		return sb.String()
	}
	if k.Prefix != "" {
		sb.WriteString(k.Prefix)
		sb.WriteByte('_')
	}
	sb.WriteString(k.Role.String())
	if k.Depth > 0 {
		sb.WriteString("_drt_")
		sb.WriteString(strconv.Itoa(k.Depth))
	}
	if k.Aux > 0 && int(k.Aux) < len(auxSuffixes) {
		sb.WriteString(auxSuffixes[k.Aux])
	}
	if k.Src > 0 {
		sb.WriteString(strconv.Itoa(k.Src - 1))
	}
	if k.Part > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(k.Part))
	}
	return sb.String()
}
