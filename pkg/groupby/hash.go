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

package groupby

import (
	"github.com/cespare/xxhash/v2"

	"github.com/matrixorigin/vecgroup/pkg/common/moerr"
	"github.com/matrixorigin/vecgroup/pkg/container/batch"
	"github.com/matrixorigin/vecgroup/pkg/container/types"
	"github.com/matrixorigin/vecgroup/pkg/container/vector"
)

// BuildHashVector computes the per-row raw hash column the engine requires on
// every input batch. The engine itself never hashes key bytes; this helper is
// for callers whose plans do not carry a precomputed hash.
//
// Each row's hash covers the listed key channels in order. A null value
// contributes a zero tag byte; a present value contributes a one tag byte
// followed by its canonical bytes.
func BuildHashVector(bat *batch.Batch, keyChannels []int32) (*vector.Vector, error) {
	if bat == nil {
		return nil, errNilBatch()
	}
	keyVecs := make([]*vector.Vector, len(keyChannels))
	for i, ch := range keyChannels {
		if ch < 0 || int(ch) >= bat.VectorCount() {
			return nil, moerr.NewInvalidInputNoCtxf("key channel %d out of range %d", ch, bat.VectorCount())
		}
		keyVecs[i] = bat.Vecs[ch]
	}
	out := vector.NewVec(types.New(types.T_uint64))
	var digest xxhash.Digest
	for row := 0; row < bat.RowCount(); row++ {
		digest.Reset()
		for _, vec := range keyVecs {
			if err := hashValueInto(&digest, vec, row); err != nil {
				return nil, err
			}
		}
		if err := vector.AppendFixed(out, digest.Sum64(), false); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func hashValueInto(digest *xxhash.Digest, vec *vector.Vector, row int) error {
	if vec.IsNull(row) {
		_, err := digest.Write([]byte{0})
		return err
	}
	if _, err := digest.Write([]byte{1}); err != nil {
		return err
	}
	var err error
	switch vec.GetType().Oid {
	case types.T_bool:
		b := byte(0)
		if vector.GetFixedAt[bool](vec, row) {
			b = 1
		}
		_, err = digest.Write([]byte{b})
	case types.T_int32:
		v := vector.GetFixedAt[int32](vec, row)
		_, err = digest.Write(types.EncodeFixed(v))
	case types.T_int64:
		v := vector.GetFixedAt[int64](vec, row)
		_, err = digest.Write(types.EncodeFixed(v))
	case types.T_uint64:
		v := vector.GetFixedAt[uint64](vec, row)
		_, err = digest.Write(types.EncodeFixed(v))
	case types.T_float64:
		v := vector.GetFixedAt[float64](vec, row)
		_, err = digest.Write(types.EncodeFixed(v))
	case types.T_varchar:
		_, err = digest.Write(vector.GetBytesAt(vec, row))
	default:
		return moerr.NewNotSupportedNoCtxf("hash of type %s", vec.GetType())
	}
	return err
}
