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

// Package nulls wraps the roaring bitmap library to store the NULL rows of
// a column.
package nulls

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"
)

type Nulls struct {
	Np *roaring64.Bitmap
}

func NewWithSize(int) *Nulls {
	return &Nulls{Np: roaring64.New()}
}

func Build(size int, rows ...uint64) *Nulls {
	nsp := NewWithSize(size)
	Add(nsp, rows...)
	return nsp
}

func (nsp *Nulls) Clone() *Nulls {
	if nsp == nil {
		return nil
	}
	if nsp.Np == nil {
		return &Nulls{}
	}
	return &Nulls{Np: nsp.Np.Clone()}
}

// Any returns true if any bit in the Nulls is set, otherwise false.
func Any(nsp *Nulls) bool {
	if nsp == nil || nsp.Np == nil {
		return false
	}
	return !nsp.Np.IsEmpty()
}

// Contains returns true if the row is contained in the Nulls.
func Contains(nsp *Nulls, row uint64) bool {
	return nsp != nil && nsp.Np != nil && nsp.Np.Contains(row)
}

func Add(nsp *Nulls, rows ...uint64) {
	if nsp == nil || len(rows) == 0 {
		return
	}
	if nsp.Np == nil {
		nsp.Np = roaring64.New()
	}
	nsp.Np.AddMany(rows)
}

func Size(nsp *Nulls) int {
	if nsp == nil || nsp.Np == nil {
		return 0
	}
	return int(nsp.Np.GetSizeInBytes())
}

func Length(nsp *Nulls) int {
	if nsp == nil || nsp.Np == nil {
		return 0
	}
	return int(nsp.Np.GetCardinality())
}

func String(nsp *Nulls) string {
	if nsp == nil || nsp.Np == nil {
		return "[]"
	}
	return fmt.Sprintf("%v", nsp.Np.ToArray())
}

func (nsp *Nulls) Any() bool {
	return Any(nsp)
}

func (nsp *Nulls) Contains(row uint64) bool {
	return Contains(nsp, row)
}

func (nsp *Nulls) Set(row uint64) {
	Add(nsp, row)
}

func (nsp *Nulls) Count() int {
	return Length(nsp)
}

func (nsp *Nulls) IsSame(m *Nulls) bool {
	switch {
	case nsp == nil && m == nil:
		return true
	case nsp == nil || m == nil:
		return !Any(nsp) && !Any(m)
	case nsp.Np == nil || m.Np == nil:
		return !Any(nsp) && !Any(m)
	default:
		return nsp.Np.Equals(m.Np)
	}
}

// Show serializes the bitmap; empty bitmaps serialize to nil.
func (nsp *Nulls) Show() ([]byte, error) {
	if nsp == nil || nsp.Np == nil || nsp.Np.IsEmpty() {
		return nil, nil
	}
	return nsp.Np.ToBytes()
}

// Read deserializes the result of Show.
func (nsp *Nulls) Read(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	nsp.Np = roaring64.New()
	return nsp.Np.UnmarshalBinary(data)
}

func (nsp *Nulls) ToArray() []uint64 {
	if nsp == nil || nsp.Np == nil {
		return []uint64{}
	}
	return nsp.Np.ToArray()
}
