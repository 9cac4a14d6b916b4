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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/vecgroup/pkg/common/moerr"
	"github.com/matrixorigin/vecgroup/pkg/container/batch"
	"github.com/matrixorigin/vecgroup/pkg/container/types"
	"github.com/matrixorigin/vecgroup/pkg/container/vector"
)

// int64KeyBatch builds a two column batch: the int64 keys in channel 0 and
// their raw hashes in channel 1.
func int64KeyBatch(t *testing.T, vals []int64) *batch.Batch {
	t.Helper()
	bat := batch.NewWithSize(2)
	vec := vector.NewVec(types.New(types.T_int64))
	for _, v := range vals {
		require.NoError(t, vector.AppendFixed(vec, v, false))
	}
	bat.Vecs[0] = vec
	bat.SetRowCount(len(vals))
	hashVec, err := BuildHashVector(bat, []int32{0})
	require.NoError(t, err)
	bat.Vecs[1] = hashVec
	return bat
}

func varcharKeyBatch(t *testing.T, vals []string) *batch.Batch {
	t.Helper()
	bat := batch.NewWithSize(2)
	vec := vector.NewVec(types.New(types.T_varchar))
	for _, v := range vals {
		require.NoError(t, vector.AppendBytes(vec, []byte(v), false))
	}
	bat.Vecs[0] = vec
	bat.SetRowCount(len(vals))
	hashVec, err := BuildHashVector(bat, []int32{0})
	require.NoError(t, err)
	bat.Vecs[1] = hashVec
	return bat
}

func runGroupIDs(t *testing.T, h GroupByHash, bat *batch.Batch) *GroupIDColumn {
	t.Helper()
	work, err := h.GroupIDs(bat)
	require.NoError(t, err)
	for !work.Process() {
	}
	col, err := work.Result()
	require.NoError(t, err)
	return col
}

func TestInt64Grouping(t *testing.T) {
	h, err := New([]types.Type{types.New(types.T_int64)}, []int32{0}, 1, 100, nil)
	require.NoError(t, err)

	keys := make([]int64, 0, 500)
	for i := int64(0); i < 500; i++ {
		keys = append(keys, i)
	}

	for round := 0; round < 10; round++ {
		col := runGroupIDs(t, h, int64KeyBatch(t, keys))
		require.Equal(t, int64(500), col.GroupCount)
		for row, id := range col.IDs {
			require.Equal(t, int64(row), id)
		}
	}
	require.Equal(t, int64(500), h.GroupCount())

	stats := h.Stats()
	require.Equal(t, int64(500), stats.GroupCount)
	require.Equal(t, int64(1024), stats.HashCapacity)
	require.InDelta(t, 500, float64(stats.ApproxDistinct), 25)
}

func TestVarcharGrouping(t *testing.T) {
	h, err := New([]types.Type{types.New(types.T_varchar)}, []int32{0}, 1, 100, nil)
	require.NoError(t, err)

	keys := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		keys = append(keys, fmt.Sprintf("key-%04d", i))
	}
	bat := varcharKeyBatch(t, keys)

	col := runGroupIDs(t, h, bat)
	require.Equal(t, int64(100), col.GroupCount)
	require.Equal(t, int64(256), h.Stats().HashCapacity)

	// materialized keys come back with the raw hash column appended
	out := batch.NewWithSize(2)
	out.Vecs[0] = vector.NewVec(types.New(types.T_varchar))
	out.Vecs[1] = vector.NewVec(types.New(types.T_uint64))
	for id := int64(0); id < h.GroupCount(); id++ {
		require.NoError(t, h.AppendKeyTo(id, out, 0))
	}
	for i := range keys {
		require.Equal(t, keys[i], string(vector.GetBytesAt(out.Vecs[0], i)))
		require.Equal(t, vector.GetFixedAt[uint64](bat.Vecs[1], i), vector.GetFixedAt[uint64](out.Vecs[1], i))
	}

	require.Error(t, h.AppendKeyTo(int64(len(keys)), out, 0))
	require.Error(t, h.AppendKeyTo(-1, out, 0))
}

func TestMultiColumnGrouping(t *testing.T) {
	keyTypes := []types.Type{types.New(types.T_int64), types.New(types.T_varchar)}
	h, err := New(keyTypes, []int32{0, 1}, 2, 16, nil)
	require.NoError(t, err)

	build := func(nums []int64, strs []string) *batch.Batch {
		bat := batch.NewWithSize(3)
		bat.Vecs[0] = vector.NewVec(types.New(types.T_int64))
		bat.Vecs[1] = vector.NewVec(types.New(types.T_varchar))
		for i := range nums {
			require.NoError(t, vector.AppendFixed(bat.Vecs[0], nums[i], false))
			require.NoError(t, vector.AppendBytes(bat.Vecs[1], []byte(strs[i]), false))
		}
		bat.SetRowCount(len(nums))
		hashVec, err := BuildHashVector(bat, []int32{0, 1})
		require.NoError(t, err)
		bat.Vecs[2] = hashVec
		return bat
	}

	col := runGroupIDs(t, h, build(
		[]int64{1, 1, 2, 1, 2, 1},
		[]string{"a", "b", "a", "a", "a", "b"},
	))
	require.Equal(t, int64(3), col.GroupCount)
	require.Equal(t, []int64{0, 1, 2, 0, 2, 1}, col.IDs)

	probe := build([]int64{1, 2, 3}, []string{"a", "b", "a"})
	for row, want := range []bool{true, false, false} {
		ok, err := h.Contains(row, probe, []int32{0, 1})
		require.NoError(t, err)
		require.Equal(t, want, ok, "row %d", row)
	}

	_, err = h.Contains(0, probe, []int32{0})
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
}

func TestNullKeysGroupTogether(t *testing.T) {
	h, err := New([]types.Type{types.New(types.T_int64)}, []int32{0}, 1, 8, nil)
	require.NoError(t, err)

	build := func(vals []int64, nullRows []int) *batch.Batch {
		bat := batch.NewWithSize(2)
		vec := vector.NewVec(types.New(types.T_int64))
		isNull := make(map[int]bool, len(nullRows))
		for _, r := range nullRows {
			isNull[r] = true
		}
		for i, v := range vals {
			require.NoError(t, vector.AppendFixed(vec, v, isNull[i]))
		}
		bat.Vecs[0] = vec
		bat.SetRowCount(len(vals))
		hashVec, err := BuildHashVector(bat, []int32{0})
		require.NoError(t, err)
		bat.Vecs[1] = hashVec
		return bat
	}

	col := runGroupIDs(t, h, build([]int64{7, 0, 0, 7}, []int{1, 2}))
	require.Equal(t, int64(2), col.GroupCount)
	require.Equal(t, []int64{0, 1, 1, 0}, col.IDs)

	// the null group survives growth and further batches
	extra := make([]int64, 100)
	for i := range extra {
		extra[i] = int64(i + 100)
	}
	runGroupIDs(t, h, build(extra, nil))

	probe := build([]int64{0, 0}, []int{0})
	ok, err := h.Contains(0, probe, []int32{0})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = h.Contains(1, probe, []int32{0})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestZeroKeyGrouping(t *testing.T) {
	h, err := New(nil, nil, 0, 0, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), h.GroupCount())
	require.Nil(t, h.KeyTypes())
	require.Error(t, h.AppendKeyTo(0, batch.NewWithSize(0), 0))

	bat := int64KeyBatch(t, []int64{1, 2, 3})
	ok, err := h.Contains(0, bat, nil)
	require.NoError(t, err)
	require.False(t, ok)

	col := runGroupIDs(t, h, bat)
	require.Equal(t, int64(1), col.GroupCount)
	require.Equal(t, []int64{0, 0, 0}, col.IDs)
	require.Equal(t, int64(1), h.GroupCount())

	ok, err = h.Contains(0, bat, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.AppendKeyTo(0, batch.NewWithSize(0), 0))

	runGroupIDs(t, h, int64KeyBatch(t, []int64{9}))
	require.Equal(t, int64(1), h.GroupCount())
}

func TestWorkResultErrors(t *testing.T) {
	h, err := New([]types.Type{types.New(types.T_int64)}, []int32{0}, 1, 8, nil)
	require.NoError(t, err)

	work, err := h.GroupIDs(int64KeyBatch(t, []int64{1, 2}))
	require.NoError(t, err)

	_, err = work.Result()
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidState))

	require.True(t, work.Process())
	require.True(t, work.Process())

	_, err = work.Result()
	require.NoError(t, err)
	_, err = work.Result()
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidState))
}

func TestNewValidation(t *testing.T) {
	int64Type := types.New(types.T_int64)

	_, err := New([]types.Type{int64Type, int64Type}, []int32{0}, 1, 8, nil)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	_, err = New([]types.Type{int64Type}, []int32{0}, -1, 8, nil)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	_, err = New([]types.Type{int64Type}, []int32{1}, 1, 8, nil)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	_, err = New([]types.Type{types.New(types.T_any)}, []int32{0}, 1, 8, nil)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrNotSupported))

	_, err = New([]types.Type{int64Type}, nil, 1, 8, nil)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
}

func TestBatchValidation(t *testing.T) {
	h, err := New([]types.Type{types.New(types.T_int64)}, []int32{0}, 1, 8, nil)
	require.NoError(t, err)

	_, err = h.GroupIDs(nil)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	// hash channel missing
	bat := batch.NewWithSize(1)
	bat.Vecs[0] = vector.NewVec(types.New(types.T_int64))
	_, err = h.AddRows(bat)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	// hash channel has the wrong type
	bat = batch.NewWithSize(2)
	bat.Vecs[0] = vector.NewVec(types.New(types.T_int64))
	bat.Vecs[1] = vector.NewVec(types.New(types.T_int64))
	require.NoError(t, vector.AppendFixed(bat.Vecs[0], int64(1), false))
	require.NoError(t, vector.AppendFixed(bat.Vecs[1], int64(1), false))
	bat.SetRowCount(1)
	_, err = h.GroupIDs(bat)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))

	// key channel has the wrong type
	bat = batch.NewWithSize(2)
	bat.Vecs[0] = vector.NewVec(types.New(types.T_varchar))
	bat.Vecs[1] = vector.NewVec(types.New(types.T_uint64))
	require.NoError(t, vector.AppendBytes(bat.Vecs[0], []byte("x"), false))
	require.NoError(t, vector.AppendFixed(bat.Vecs[1], uint64(1), false))
	bat.SetRowCount(1)
	_, err = h.GroupIDs(bat)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
}

func TestBuildHashVector(t *testing.T) {
	bat := batch.NewWithSize(1)
	vec := vector.NewVec(types.New(types.T_int64))
	require.NoError(t, vector.AppendFixed(vec, int64(0), false))
	require.NoError(t, vector.AppendFixed(vec, int64(0), true))
	require.NoError(t, vector.AppendFixed(vec, int64(0), false))
	bat.Vecs[0] = vec
	bat.SetRowCount(3)

	hashVec, err := BuildHashVector(bat, []int32{0})
	require.NoError(t, err)
	require.Equal(t, 3, hashVec.Length())

	hashes := vector.MustFixedCol[uint64](hashVec)
	// a null row hashes differently from a present zero
	require.NotEqual(t, hashes[0], hashes[1])
	require.Equal(t, hashes[0], hashes[2])

	again, err := BuildHashVector(bat, []int32{0})
	require.NoError(t, err)
	require.Equal(t, hashes, vector.MustFixedCol[uint64](again))

	_, err = BuildHashVector(bat, []int32{3})
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput))
}
