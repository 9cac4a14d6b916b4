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
	"github.com/matrixorigin/vecgroup/pkg/common/moerr"
	"github.com/matrixorigin/vecgroup/pkg/container/vector"
)

// addRowsWork inserts every row of one batch, yielding whenever a due rehash
// is denied memory. lastRow is the resume cursor; rows before it are already
// inserted and are never reprocessed.
type addRowsWork struct {
	h        *multiGroupByHash
	keyVecs  []*vector.Vector
	hashVec  *vector.Vector
	rowCount int
	lastRow  int
	done     bool
}

func (w *addRowsWork) Process() bool {
	if w.done {
		return true
	}
	if w.h.needRehash() && !w.h.tryRehash() {
		return false
	}
	for w.lastRow < w.rowCount && !w.h.needRehash() {
		rawHash := vector.GetFixedAt[uint64](w.hashVec, w.lastRow)
		w.h.putIfAbsent(w.lastRow, w.keyVecs, rawHash)
		w.lastRow++
	}
	w.done = w.lastRow == w.rowCount
	return w.done
}

// groupIDsWork is addRowsWork plus a per-row group id result.
type groupIDsWork struct {
	h        *multiGroupByHash
	keyVecs  []*vector.Vector
	hashVec  *vector.Vector
	rowCount int
	lastRow  int
	ids      []int64
	done     bool
	taken    bool
}

func (w *groupIDsWork) Process() bool {
	if w.done {
		return true
	}
	if w.h.needRehash() && !w.h.tryRehash() {
		return false
	}
	for w.lastRow < w.rowCount && !w.h.needRehash() {
		rawHash := vector.GetFixedAt[uint64](w.hashVec, w.lastRow)
		w.ids[w.lastRow] = w.h.putIfAbsent(w.lastRow, w.keyVecs, rawHash)
		w.lastRow++
	}
	w.done = w.lastRow == w.rowCount
	return w.done
}

func (w *groupIDsWork) Result() (*GroupIDColumn, error) {
	if !w.done {
		return nil, errResultBeforeDone(w.lastRow, w.rowCount)
	}
	if w.taken {
		return nil, errResultTaken()
	}
	w.taken = true
	return &GroupIDColumn{GroupCount: w.h.GroupCount(), IDs: w.ids}, nil
}

func errResultBeforeDone(processed, total int) error {
	return moerr.NewInvalidStateNoCtxf("group id work has %d of %d rows processed", processed, total)
}

func errResultTaken() error {
	return moerr.NewInvalidStateNoCtxf("group id result already taken")
}

func errNilBatch() error {
	return moerr.NewInvalidInputNoCtxf("nil batch")
}

func errGroupIDRange(groupID, groupCount int64) error {
	return moerr.NewInvalidInputNoCtxf("group id %d out of range [0, %d)", groupID, groupCount)
}

func errProbeChannelCount(got, want int) error {
	return moerr.NewInvalidInputNoCtxf("%d probe channels for %d key columns", got, want)
}
