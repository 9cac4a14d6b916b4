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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/vecgroup/pkg/container/batch"
	"github.com/matrixorigin/vecgroup/pkg/container/types"
	"github.com/matrixorigin/vecgroup/pkg/container/vector"
)

// dictKeyBatch builds a batch whose key and hash vectors are both dictionary
// encoded over the same alphabet identity.
func dictKeyBatch(t *testing.T, alphabet []int64, indexes []uint32, dictID uint64) *batch.Batch {
	t.Helper()
	alphaVec := vector.NewVec(types.New(types.T_int64))
	for _, v := range alphabet {
		require.NoError(t, vector.AppendFixed(alphaVec, v, false))
	}
	alphaBat := batch.NewWithSize(1)
	alphaBat.Vecs[0] = alphaVec
	alphaBat.SetRowCount(len(alphabet))
	hashAlpha, err := BuildHashVector(alphaBat, []int32{0})
	require.NoError(t, err)

	keyVec, err := vector.NewDict(alphaVec, indexes, dictID)
	require.NoError(t, err)
	hashVec, err := vector.NewDict(hashAlpha, indexes, dictID)
	require.NoError(t, err)

	bat := batch.NewWithSize(2)
	bat.Vecs[0] = keyVec
	bat.Vecs[1] = hashVec
	bat.SetRowCount(len(indexes))
	return bat
}

func newInt64Hash(t *testing.T, expectedGroups int, granter UpdateMemory) GroupByHash {
	t.Helper()
	h, err := New([]types.Type{types.New(types.T_int64)}, []int32{0}, 1, expectedGroups, granter)
	require.NoError(t, err)
	return h
}

func TestDictionaryGroupingMatchesPlain(t *testing.T) {
	alphabet := make([]int64, 100)
	for i := range alphabet {
		alphabet[i] = int64(i * 3)
	}
	indexes := make([]uint32, 1000)
	for i := range indexes {
		indexes[i] = uint32(i % len(alphabet))
	}

	dictHash := newInt64Hash(t, 16, nil)
	dictCol := runGroupIDs(t, dictHash, dictKeyBatch(t, alphabet, indexes, 42))

	plain := make([]int64, len(indexes))
	for i, idx := range indexes {
		plain[i] = alphabet[idx]
	}
	plainHash := newInt64Hash(t, 16, nil)
	plainCol := runGroupIDs(t, plainHash, int64KeyBatch(t, plain))

	require.Equal(t, plainCol.GroupCount, dictCol.GroupCount)
	require.Equal(t, plainCol.IDs, dictCol.IDs)
	require.Equal(t, int64(len(alphabet)), dictHash.GroupCount())
}

func TestDictionaryLookBackAcrossBatches(t *testing.T) {
	alphabet := []int64{10, 20, 30, 40}
	h := newInt64Hash(t, 8, nil)

	col := runGroupIDs(t, h, dictKeyBatch(t, alphabet, []uint32{0, 1, 0, 2}, 7))
	require.Equal(t, []int64{0, 1, 0, 2}, col.IDs)

	// same alphabet identity: cached entries resolve, new entries insert
	col = runGroupIDs(t, h, dictKeyBatch(t, alphabet, []uint32{2, 3, 1}, 7))
	require.Equal(t, []int64{2, 3, 1}, col.IDs)
	require.Equal(t, int64(4), h.GroupCount())

	// a different identity over equal values must still find the same groups
	col = runGroupIDs(t, h, dictKeyBatch(t, alphabet, []uint32{3, 0}, 8))
	require.Equal(t, []int64{3, 0}, col.IDs)
	require.Equal(t, int64(4), h.GroupCount())
}

func TestDictionaryYieldsOnDenial(t *testing.T) {
	calls := 0
	granter := func() bool {
		calls++
		return true
	}
	h := newInt64Hash(t, 1, granter)

	alphabet := make([]int64, 1000)
	for i := range alphabet {
		alphabet[i] = int64(i)
	}
	indexes := make([]uint32, 100_000)
	for i := range indexes {
		indexes[i] = uint32(i % len(alphabet))
	}
	col := runGroupIDs(t, h, dictKeyBatch(t, alphabet, indexes, 3))
	require.Equal(t, int64(1000), col.GroupCount)

	// 1000 groups grow the table from capacity 2 to 2048
	require.Equal(t, 10, calls)

	currentQuota, allowedQuota := 0, 3
	quota := func() bool {
		if currentQuota < allowedQuota {
			currentQuota++
			return true
		}
		return false
	}
	limited := newInt64Hash(t, 1, quota)
	work, err := limited.GroupIDs(dictKeyBatch(t, alphabet, indexes, 3))
	require.NoError(t, err)
	yields := 0
	for !work.Process() {
		require.Equal(t, allowedQuota, currentQuota)
		allowedQuota += 3
		yields++
	}
	require.Equal(t, 3, yields)
	require.Equal(t, 10, currentQuota)

	limitedCol, err := work.Result()
	require.NoError(t, err)
	require.Equal(t, col.IDs, limitedCol.IDs)
}

func TestDictionaryPathNotTakenForMixedEncoding(t *testing.T) {
	alphabet := []int64{1, 2, 3}
	bat := dictKeyBatch(t, alphabet, []uint32{0, 1, 2, 0}, 5)

	// flatten only the hash vector; the pair no longer shares an identity
	flatHash, err := bat.Vecs[1].Flatten()
	require.NoError(t, err)
	bat.Vecs[1] = flatHash

	h := newInt64Hash(t, 8, nil)
	col := runGroupIDs(t, h, bat)
	require.Equal(t, []int64{0, 1, 2, 0}, col.IDs)
	require.Equal(t, int64(3), h.GroupCount())
}
