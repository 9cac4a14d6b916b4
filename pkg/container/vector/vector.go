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

// Package vector implements the typed column representation consumed by the
// grouping core. A vector is either plain (one value slot per row) or
// dictionary encoded (a small alphabet vector plus one alphabet index per
// row, tagged with a stable alphabet identity).
package vector

import (
	"bytes"
	"fmt"

	"github.com/matrixorigin/vecgroup/pkg/common/moerr"
	"github.com/matrixorigin/vecgroup/pkg/container/nulls"
	"github.com/matrixorigin/vecgroup/pkg/container/types"
)

type Vector struct {
	typ types.Type
	nsp *nulls.Nulls

	// plain storage; one of []bool, []int32, []int64, []uint64, []float64,
	// [][]byte depending on typ
	col    any
	length int

	// dictionary encoding
	dict    *Vector
	indexes []uint32
	dictID  uint64
}

func NewVec(typ types.Type) *Vector {
	v := &Vector{typ: typ, nsp: &nulls.Nulls{}}
	switch typ.Oid {
	case types.T_bool:
		v.col = []bool(nil)
	case types.T_int32:
		v.col = []int32(nil)
	case types.T_int64:
		v.col = []int64(nil)
	case types.T_uint64:
		v.col = []uint64(nil)
	case types.T_float64:
		v.col = []float64(nil)
	case types.T_varchar:
		v.col = [][]byte(nil)
	default:
		panic(moerr.NewInternalErrorNoCtxf("unknown vector type %s", typ))
	}
	return v
}

// NewDict builds a dictionary vector over a plain alphabet. id is the stable
// alphabet identity shared by every vector encoded against the same alphabet.
func NewDict(alphabet *Vector, indexes []uint32, id uint64) (*Vector, error) {
	if alphabet.IsDict() {
		return nil, moerr.NewInvalidInputNoCtxf("dictionary alphabet must be a plain vector")
	}
	for _, idx := range indexes {
		if int(idx) >= alphabet.Length() {
			return nil, moerr.NewInvalidInputNoCtxf("dictionary index %d out of alphabet range %d", idx, alphabet.Length())
		}
	}
	return &Vector{
		typ:     alphabet.typ,
		dict:    alphabet,
		indexes: indexes,
		dictID:  id,
		length:  len(indexes),
	}, nil
}

func (v *Vector) GetType() *types.Type {
	return &v.typ
}

func (v *Vector) GetNulls() *nulls.Nulls {
	return v.nsp
}

func (v *Vector) Length() int {
	return v.length
}

func (v *Vector) IsDict() bool {
	return v.dict != nil
}

// Alphabet returns the dictionary alphabet, or nil for plain vectors.
func (v *Vector) Alphabet() *Vector {
	return v.dict
}

func (v *Vector) Indexes() []uint32 {
	return v.indexes
}

func (v *Vector) DictID() uint64 {
	return v.dictID
}

// IsNull reports whether the row holds NULL, resolving dictionary indirection.
func (v *Vector) IsNull(row int) bool {
	if v.dict != nil {
		return v.dict.IsNull(int(v.indexes[row]))
	}
	return v.nsp.Contains(uint64(row))
}

func MustFixedCol[T any](v *Vector) []T {
	if v.dict != nil {
		panic(moerr.NewInternalErrorNoCtx("fixed column access on dictionary vector"))
	}
	return v.col.([]T)
}

func MustBytesCol(v *Vector) [][]byte {
	if v.dict != nil {
		panic(moerr.NewInternalErrorNoCtx("bytes column access on dictionary vector"))
	}
	return v.col.([][]byte)
}

// GetFixedAt reads one fixed-width value, resolving dictionary indirection.
func GetFixedAt[T any](v *Vector, row int) T {
	if v.dict != nil {
		return GetFixedAt[T](v.dict, int(v.indexes[row]))
	}
	return v.col.([]T)[row]
}

// GetBytesAt reads one varchar value, resolving dictionary indirection.
func GetBytesAt(v *Vector, row int) []byte {
	if v.dict != nil {
		return GetBytesAt(v.dict, int(v.indexes[row]))
	}
	return v.col.([][]byte)[row]
}

func AppendFixed[T any](v *Vector, val T, isNull bool) error {
	if v.dict != nil {
		return moerr.NewInvalidStateNoCtxf("append to dictionary vector")
	}
	col := v.col.([]T)
	if isNull {
		var zero T
		col = append(col, zero)
		v.nsp.Set(uint64(v.length))
	} else {
		col = append(col, val)
	}
	v.col = col
	v.length++
	return nil
}

func AppendBytes(v *Vector, val []byte, isNull bool) error {
	if v.dict != nil {
		return moerr.NewInvalidStateNoCtxf("append to dictionary vector")
	}
	col := v.col.([][]byte)
	if isNull {
		col = append(col, nil)
		v.nsp.Set(uint64(v.length))
	} else {
		buf := make([]byte, len(val))
		copy(buf, val)
		col = append(col, buf)
	}
	v.col = col
	v.length++
	return nil
}

// UnionOne appends row `sel` of w to v, resolving dictionary indirection on
// the source. The destination must be a plain vector of the same type.
func (v *Vector) UnionOne(w *Vector, sel int) error {
	if !v.typ.Eq(*w.GetType()) {
		return moerr.NewInvalidInputNoCtxf("union %s vector into %s vector", w.GetType(), v.typ)
	}
	isNull := w.IsNull(sel)
	switch v.typ.Oid {
	case types.T_bool:
		return AppendFixed(v, valueAt[bool](w, sel, isNull), isNull)
	case types.T_int32:
		return AppendFixed(v, valueAt[int32](w, sel, isNull), isNull)
	case types.T_int64:
		return AppendFixed(v, valueAt[int64](w, sel, isNull), isNull)
	case types.T_uint64:
		return AppendFixed(v, valueAt[uint64](w, sel, isNull), isNull)
	case types.T_float64:
		return AppendFixed(v, valueAt[float64](w, sel, isNull), isNull)
	case types.T_varchar:
		if isNull {
			return AppendBytes(v, nil, true)
		}
		return AppendBytes(v, GetBytesAt(w, sel), false)
	}
	return moerr.NewInternalErrorNoCtxf("unknown vector type %s", v.typ)
}

func valueAt[T any](w *Vector, sel int, isNull bool) T {
	if isNull {
		var zero T
		return zero
	}
	return GetFixedAt[T](w, sel)
}

// Flatten materializes a dictionary vector into an equivalent plain vector.
// Plain vectors are returned unchanged.
func (v *Vector) Flatten() (*Vector, error) {
	if v.dict == nil {
		return v, nil
	}
	r := NewVec(v.typ)
	for i := 0; i < v.length; i++ {
		if err := r.UnionOne(v, i); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Size estimates the bytes retained by the vector payload.
func (v *Vector) Size() int {
	if v.dict != nil {
		return v.dict.Size() + 4*len(v.indexes)
	}
	size := nulls.Size(v.nsp)
	if v.typ.IsFixedLen() {
		return size + v.length*v.typ.TypeSize()
	}
	for _, b := range v.col.([][]byte) {
		size += len(b)
	}
	return size
}

func (v *Vector) String() string {
	var buf bytes.Buffer
	buf.WriteString(v.typ.String())
	if v.dict != nil {
		fmt.Fprintf(&buf, "[dict %d entries, %d rows]", v.dict.Length(), v.length)
		return buf.String()
	}
	fmt.Fprintf(&buf, "%v", v.col)
	if nulls.Any(v.nsp) {
		fmt.Fprintf(&buf, "-%s", nulls.String(v.nsp))
	}
	return buf.String()
}

func (v *Vector) MarshalBinary() ([]byte, error) {
	if v.dict != nil {
		return nil, moerr.NewNotSupportedNoCtxf("marshal dictionary vector; flatten it first")
	}
	var buf bytes.Buffer
	buf.Write(types.EncodeType(&v.typ))
	length := uint32(v.length)
	buf.Write(types.EncodeUint32(&length))

	nspData, err := v.nsp.Show()
	if err != nil {
		return nil, err
	}
	nspLen := uint32(len(nspData))
	buf.Write(types.EncodeUint32(&nspLen))
	buf.Write(nspData)

	switch v.typ.Oid {
	case types.T_bool:
		buf.Write(types.EncodeSlice(v.col.([]bool)))
	case types.T_int32:
		buf.Write(types.EncodeSlice(v.col.([]int32)))
	case types.T_int64:
		buf.Write(types.EncodeSlice(v.col.([]int64)))
	case types.T_uint64:
		buf.Write(types.EncodeSlice(v.col.([]uint64)))
	case types.T_float64:
		buf.Write(types.EncodeSlice(v.col.([]float64)))
	case types.T_varchar:
		for _, b := range v.col.([][]byte) {
			sz := uint32(len(b))
			buf.Write(types.EncodeUint32(&sz))
			buf.Write(b)
		}
	}
	return buf.Bytes(), nil
}

func (v *Vector) UnmarshalBinary(data []byte) error {
	if len(data) < types.TSize+8 {
		return moerr.NewInvalidInputNoCtxf("vector data too short: %d bytes", len(data))
	}
	typ := types.DecodeType(data[:types.TSize])
	data = data[types.TSize:]
	length := int(types.DecodeUint32(data))
	data = data[4:]
	nspLen := int(types.DecodeUint32(data))
	data = data[4:]
	if len(data) < nspLen {
		return moerr.NewInvalidInputNoCtxf("vector null bitmap truncated")
	}

	*v = *NewVec(typ)
	v.length = length
	if nspLen > 0 {
		if err := v.nsp.Read(data[:nspLen]); err != nil {
			return err
		}
		data = data[nspLen:]
	}

	switch typ.Oid {
	case types.T_bool:
		v.col = append([]bool(nil), types.DecodeSlice[bool](data)...)
	case types.T_int32:
		v.col = append([]int32(nil), types.DecodeSlice[int32](data)...)
	case types.T_int64:
		v.col = append([]int64(nil), types.DecodeSlice[int64](data)...)
	case types.T_uint64:
		v.col = append([]uint64(nil), types.DecodeSlice[uint64](data)...)
	case types.T_float64:
		v.col = append([]float64(nil), types.DecodeSlice[float64](data)...)
	case types.T_varchar:
		col := make([][]byte, 0, length)
		for i := 0; i < length; i++ {
			if len(data) < 4 {
				return moerr.NewInvalidInputNoCtxf("varchar vector truncated at row %d", i)
			}
			sz := int(types.DecodeUint32(data))
			data = data[4:]
			if len(data) < sz {
				return moerr.NewInvalidInputNoCtxf("varchar vector truncated at row %d", i)
			}
			col = append(col, append([]byte(nil), data[:sz]...))
			data = data[sz:]
		}
		v.col = col
	}
	return nil
}
