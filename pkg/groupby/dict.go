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
	"github.com/matrixorigin/vecgroup/pkg/container/batch"
	"github.com/matrixorigin/vecgroup/pkg/container/vector"
)

// dictLookBack caches alphabet position -> group id for one dictionary
// identity. Repeated batches over the same alphabet skip the hash table
// entirely for entries seen before.
type dictLookBack struct {
	dictID   uint64
	groupIDs []int64
}

func newDictLookBack(dictID uint64, alphabetLen int) *dictLookBack {
	ids := make([]int64, alphabetLen)
	for i := range ids {
		ids[i] = NullGroupID
	}
	return &dictLookBack{dictID: dictID, groupIDs: ids}
}

// canProcessDict reports whether the batch qualifies for the dictionary fast
// path: exactly one key channel, key and hash vectors both dictionary encoded
// over the same alphabet identity.
func (h *multiGroupByHash) canProcessDict(keyVecs []*vector.Vector, hashVec *vector.Vector) bool {
	if len(keyVecs) != 1 || !keyVecs[0].IsDict() || !hashVec.IsDict() {
		return false
	}
	return keyVecs[0].DictID() == hashVec.DictID()
}

// registerGroupID resolves one alphabet entry to its group id, consulting the
// look-back cache before probing the table.
func (h *multiGroupByHash) registerGroupID(keyAlphabet, hashAlphabet *vector.Vector, dictID uint64, posInDict int) int64 {
	if h.lookBack == nil || h.lookBack.dictID != dictID || len(h.lookBack.groupIDs) < keyAlphabet.Length() {
		h.lookBack = newDictLookBack(dictID, keyAlphabet.Length())
	}
	if cached := h.lookBack.groupIDs[posInDict]; cached >= 0 {
		return cached
	}
	rawHash := vector.GetFixedAt[uint64](hashAlphabet, posInDict)
	groupID := h.putIfAbsent(posInDict, []*vector.Vector{keyAlphabet}, rawHash)
	h.lookBack.groupIDs[posInDict] = groupID
	return groupID
}

// dictWork resolves the distinct referenced alphabet entries of one batch.
// Only this phase is resumable; it checkpoints per distinct entry, so a yield
// loses at most one alphabet probe regardless of the batch's row count.
type dictWork struct {
	h            *multiGroupByHash
	keyAlphabet  *vector.Vector
	hashAlphabet *vector.Vector
	dictID       uint64
	indexes      []uint32

	// distinct alphabet positions in first-reference order
	distinct []uint32
	resolved []int64
	lastPos  int
	done     bool
}

func (h *multiGroupByHash) newDictWork(keyVec, hashVec *vector.Vector) *dictWork {
	indexes := keyVec.Indexes()
	seen := make([]bool, keyVec.Alphabet().Length())
	distinct := make([]uint32, 0, len(seen))
	for _, idx := range indexes {
		if !seen[idx] {
			seen[idx] = true
			distinct = append(distinct, idx)
		}
	}
	return &dictWork{
		h:            h,
		keyAlphabet:  keyVec.Alphabet(),
		hashAlphabet: hashVec.Alphabet(),
		dictID:       keyVec.DictID(),
		indexes:      indexes,
		distinct:     distinct,
		resolved:     make([]int64, keyVec.Alphabet().Length()),
	}
}

func (w *dictWork) Process() bool {
	if w.done {
		return true
	}
	if w.h.needRehash() && !w.h.tryRehash() {
		return false
	}
	for w.lastPos < len(w.distinct) && !w.h.needRehash() {
		pos := w.distinct[w.lastPos]
		w.resolved[pos] = w.h.registerGroupID(w.keyAlphabet, w.hashAlphabet, w.dictID, int(pos))
		w.lastPos++
	}
	w.done = w.lastPos == len(w.distinct)
	return w.done
}

type dictAddRowsWork struct {
	*dictWork
}

func (h *multiGroupByHash) newDictAddRowsWork(keyVec, hashVec *vector.Vector) *dictAddRowsWork {
	return &dictAddRowsWork{dictWork: h.newDictWork(keyVec, hashVec)}
}

// dictGroupIDsWork adds the per-row expansion: once every distinct entry is
// resolved, each row's id is its dictionary index mapped through the resolved
// table, in row order.
type dictGroupIDsWork struct {
	*dictWork
	rowCount int
	taken    bool
}

func (h *multiGroupByHash) newDictGroupIDsWork(bat *batch.Batch, keyVec, hashVec *vector.Vector) *dictGroupIDsWork {
	return &dictGroupIDsWork{dictWork: h.newDictWork(keyVec, hashVec), rowCount: bat.RowCount()}
}

func (w *dictGroupIDsWork) Result() (*GroupIDColumn, error) {
	if !w.done {
		return nil, errResultBeforeDone(w.lastPos, len(w.distinct))
	}
	if w.taken {
		return nil, errResultTaken()
	}
	w.taken = true
	ids := make([]int64, w.rowCount)
	for row, idx := range w.indexes {
		ids[row] = w.resolved[idx]
	}
	return &GroupIDColumn{GroupCount: w.h.GroupCount(), IDs: ids}, nil
}
