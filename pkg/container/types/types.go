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

import "fmt"

type T uint8

const (
	T_any T = iota
	T_bool
	T_int32
	T_int64
	T_uint64
	T_float64
	T_varchar
)

// Type describes one column. Oid is the only discriminating field; Size is
// the fixed byte width, or -1 for variable-length types.
type Type struct {
	Oid  T
	Size int32
}

func New(oid T) Type {
	return Type{Oid: oid, Size: int32(oid.FixedLength())}
}

// FixedLength returns the byte width of the type, or -1 if variable length.
func (t T) FixedLength() int {
	switch t {
	case T_bool:
		return 1
	case T_int32:
		return 4
	case T_int64, T_uint64, T_float64:
		return 8
	case T_varchar:
		return -1
	}
	return 0
}

func (t T) String() string {
	switch t {
	case T_any:
		return "ANY"
	case T_bool:
		return "BOOL"
	case T_int32:
		return "INT"
	case T_int64:
		return "BIGINT"
	case T_uint64:
		return "UINT64"
	case T_float64:
		return "DOUBLE"
	case T_varchar:
		return "VARCHAR"
	}
	return fmt.Sprintf("unknown type %d", uint8(t))
}

func (t Type) IsFixedLen() bool {
	return t.Oid.FixedLength() >= 0
}

func (t Type) TypeSize() int {
	return t.Oid.FixedLength()
}

func (t Type) String() string {
	return t.Oid.String()
}

func (t Type) Eq(o Type) bool {
	return t.Oid == o.Oid
}
