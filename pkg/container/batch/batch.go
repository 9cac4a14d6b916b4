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

// Package batch implements the ordered set of vectors processed together by
// the grouping core. A batch is owned by its producer; the grouping core only
// reads from it and copies what it keeps.
package batch

import (
	"bytes"
	"fmt"

	"github.com/matrixorigin/vecgroup/pkg/common/moerr"
	"github.com/matrixorigin/vecgroup/pkg/container/types"
	"github.com/matrixorigin/vecgroup/pkg/container/vector"
)

type Batch struct {
	Vecs     []*vector.Vector
	rowCount int
}

func NewWithSize(n int) *Batch {
	return &Batch{Vecs: make([]*vector.Vector, n)}
}

func (bat *Batch) RowCount() int {
	return bat.rowCount
}

func (bat *Batch) SetRowCount(rowCount int) {
	bat.rowCount = rowCount
}

func (bat *Batch) AddRowCount(rowCount int) {
	bat.rowCount += rowCount
}

func (bat *Batch) VectorCount() int {
	return len(bat.Vecs)
}

func (bat *Batch) GetVector(pos int32) *vector.Vector {
	return bat.Vecs[pos]
}

func (bat *Batch) SetVector(pos int32, vec *vector.Vector) {
	bat.Vecs[pos] = vec
}

// Size estimates the bytes retained by all vectors of the batch.
func (bat *Batch) Size() int {
	var size int
	for _, vec := range bat.Vecs {
		size += vec.Size()
	}
	return size
}

func (bat *Batch) String() string {
	var buf bytes.Buffer
	for i, vec := range bat.Vecs {
		fmt.Fprintf(&buf, "%d : %s\n", i, vec.String())
	}
	return buf.String()
}

// Dup deep-copies the batch, materializing dictionary vectors.
func (bat *Batch) Dup() (*Batch, error) {
	rbat := NewWithSize(len(bat.Vecs))
	for i, vec := range bat.Vecs {
		rvec := vector.NewVec(*vec.GetType())
		for row := 0; row < vec.Length(); row++ {
			if err := rvec.UnionOne(vec, row); err != nil {
				return nil, err
			}
		}
		rbat.Vecs[i] = rvec
	}
	rbat.rowCount = bat.rowCount
	return rbat, nil
}

func (bat *Batch) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	rowCount := uint32(bat.rowCount)
	buf.Write(types.EncodeUint32(&rowCount))
	vecCount := uint32(len(bat.Vecs))
	buf.Write(types.EncodeUint32(&vecCount))
	for _, vec := range bat.Vecs {
		data, err := vec.MarshalBinary()
		if err != nil {
			return nil, err
		}
		sz := uint32(len(data))
		buf.Write(types.EncodeUint32(&sz))
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func (bat *Batch) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return moerr.NewInvalidInputNoCtxf("batch data too short: %d bytes", len(data))
	}
	bat.rowCount = int(types.DecodeUint32(data))
	data = data[4:]
	vecCount := int(types.DecodeUint32(data))
	data = data[4:]

	bat.Vecs = make([]*vector.Vector, vecCount)
	for i := 0; i < vecCount; i++ {
		if len(data) < 4 {
			return moerr.NewInvalidInputNoCtxf("batch truncated at vector %d", i)
		}
		sz := int(types.DecodeUint32(data))
		data = data[4:]
		if len(data) < sz {
			return moerr.NewInvalidInputNoCtxf("batch truncated at vector %d", i)
		}
		bat.Vecs[i] = &vector.Vector{}
		if err := bat.Vecs[i].UnmarshalBinary(data[:sz]); err != nil {
			return err
		}
		data = data[sz:]
	}
	return nil
}
