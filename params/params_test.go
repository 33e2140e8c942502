// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyString(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{K("decoder", RoleU), "decoder_U"},
		{K("decoder", RoleU).WithPart(1), "decoder_U:1"},
		{K("decoder", RoleUNl).WithDepth(1).WithAux(AuxLNScale), "decoder_U_nl_drt_1_lns"},
		{K("decoder", RoleWCombAtt).WithAux(AuxLNShift).WithSrc(2), "decoder_W_comb_att_lnb1"},
		{K("decoder", RoleWcAtt).WithSrc(1), "decoder_Wc_att0"},
		{K("encoder", RoleWx).WithAux(AuxWNScale), "encoder_Wx_wns"},
		{K("", RoleEmbedding), "Wemb"},
		{K("", RoleEmbedding).WithPart(1), "Wemb1"},
		{K("", RoleEmbedding).WithSrc(2), "Wemb_1"},
		{K("ff_logit", RoleW), "ff_logit_W"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.key.String())
	}
}

func TestTablePutGet(t *testing.T) {
	tbl := NewTable()
	k := K("ff", RoleB)
	require.NoError(t, tbl.Put(k, Zeros[float64](3)))

	p, err := tbl.Get(k)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, p.Value().Data().F64())

	err = tbl.Put(k, Ones[float64](3))
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = tbl.Get(K("ff", RoleW))
	assert.ErrorIs(t, err, ErrMissing)

	assert.True(t, tbl.Has(k))
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, []Key{k}, tbl.Keys())
	assert.Equal(t, []string{"ff_b"}, tbl.Names())
}

func TestOnes(t *testing.T) {
	assert.Equal(t, []float64{1, 1, 1, 1}, Ones[float64](4).Data().F64())
}

func TestOrthogonal(t *testing.T) {
	const n = 5
	m, err := Orthogonal[float64](NewSource(42), n)
	require.NoError(t, err)
	data := m.Data().F64()
	require.Len(t, data, n*n)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var dot float64
			for k := 0; k < n; k++ {
				dot += data[k*n+i] * data[k*n+j]
			}
			want := 0.0
			if i == j {
				want = 1.0
			}
			assert.InDelta(t, want, dot, 1e-9)
		}
	}
}

func TestNormWeight(t *testing.T) {
	src := NewSource(1)

	m, err := NormWeight[float64](src, 4, 3, DefaultScale, true)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, m.Shape())
	for _, v := range m.Data().F64() {
		assert.Less(t, v, 0.1)
		assert.Greater(t, v, -0.1)
	}

	sq, err := NormWeight[float64](src, 3, 3, DefaultScale, true)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, sq.Shape())

	_, err = NormWeight[float64](src, 0, 3, DefaultScale, true)
	assert.Error(t, err)
}

func TestNormWeightIsDeterministic(t *testing.T) {
	a, err := NormWeight[float32](NewSource(7), 6, 2, DefaultScale, false)
	require.NoError(t, err)
	b, err := NormWeight[float32](NewSource(7), 6, 2, DefaultScale, false)
	require.NoError(t, err)
	assert.Equal(t, a.Data().F32(), b.Data().F32())
}
