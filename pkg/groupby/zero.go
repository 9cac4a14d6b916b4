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
	"github.com/matrixorigin/vecgroup/pkg/container/types"
)

// zeroKeyGroupByHash is the degenerate table for GROUP BY (). Every row maps
// to group 0 and no key bytes are ever stored, so work never blocks on
// memory.
type zeroKeyGroupByHash struct {
	rowsSeen int64
}

func newZeroKeyGroupByHash() *zeroKeyGroupByHash {
	return &zeroKeyGroupByHash{}
}

func (h *zeroKeyGroupByHash) GroupCount() int64 {
	if h.rowsSeen > 0 {
		return 1
	}
	return 0
}

func (h *zeroKeyGroupByHash) KeyTypes() []types.Type {
	return nil
}

func (h *zeroKeyGroupByHash) AppendKeyTo(groupID int64, out *batch.Batch, channelOffset int32) error {
	if groupID != 0 || h.rowsSeen == 0 {
		return errGroupIDRange(groupID, h.GroupCount())
	}
	return nil
}

func (h *zeroKeyGroupByHash) Contains(row int, bat *batch.Batch, keyChannels []int32) (bool, error) {
	if len(keyChannels) != 0 {
		return false, errProbeChannelCount(len(keyChannels), 0)
	}
	return h.rowsSeen > 0, nil
}

func (h *zeroKeyGroupByHash) GroupIDs(bat *batch.Batch) (GroupIDWork, error) {
	if bat == nil {
		return nil, errNilBatch()
	}
	return &zeroKeyWork{h: h, rowCount: bat.RowCount()}, nil
}

func (h *zeroKeyGroupByHash) AddRows(bat *batch.Batch) (Work, error) {
	if bat == nil {
		return nil, errNilBatch()
	}
	return &zeroKeyWork{h: h, rowCount: bat.RowCount()}, nil
}

func (h *zeroKeyGroupByHash) Stats() Stats {
	return Stats{GroupCount: h.GroupCount()}
}

// zeroKeyWork completes on the first Process call.
type zeroKeyWork struct {
	h        *zeroKeyGroupByHash
	rowCount int
	done     bool
	taken    bool
}

func (w *zeroKeyWork) Process() bool {
	if !w.done {
		w.h.rowsSeen += int64(w.rowCount)
		w.done = true
	}
	return true
}

func (w *zeroKeyWork) Result() (*GroupIDColumn, error) {
	if !w.done {
		return nil, errResultBeforeDone(0, w.rowCount)
	}
	if w.taken {
		return nil, errResultTaken()
	}
	w.taken = true
	return &GroupIDColumn{GroupCount: w.h.GroupCount(), IDs: make([]int64, w.rowCount)}, nil
}
