// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeProperties(t *testing.T) {
	cases := []struct {
		oid      T
		fixedLen int
	}{
		{T_bool, 1},
		{T_int32, 4},
		{T_int64, 8},
		{T_uint64, 8},
		{T_float64, 8},
		{T_varchar, -1},
	}
	for _, c := range cases {
		typ := New(c.oid)
		require.Equal(t, c.fixedLen, typ.TypeSize(), typ.String())
		require.Equal(t, c.fixedLen >= 0, typ.IsFixedLen())
		require.True(t, typ.Eq(New(c.oid)))
	}
	require.False(t, New(T_int64).Eq(New(T_uint64)))
}

func TestEncodeDecodeSlice(t *testing.T) {
	vals := []int64{-1, 0, 1 << 40}
	data := EncodeSlice(vals)
	require.Len(t, data, 24)
	require.Equal(t, vals, DecodeSlice[int64](data))

	require.Nil(t, EncodeSlice[int64](nil))
	require.Nil(t, DecodeSlice[int64](nil))
	require.Panics(t, func() { DecodeSlice[int64](data[:7]) })
}

func TestEncodeDecodeType(t *testing.T) {
	typ := New(T_varchar)
	decoded := DecodeType(EncodeType(&typ))
	require.True(t, typ.Eq(decoded))
}
