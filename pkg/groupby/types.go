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

// Package groupby implements the grouping core of a columnar aggregation
// operator: it maps every input row to a dense numeric group id, one id per
// distinct key combination, with strict memory accounting, resumable work,
// dictionary-aware fast paths and whole-state snapshots.
package groupby

import (
	"math"

	"github.com/matrixorigin/vecgroup/pkg/common/moerr"
	"github.com/matrixorigin/vecgroup/pkg/container/batch"
	"github.com/matrixorigin/vecgroup/pkg/container/types"
)

const (
	// FillRatio is the maximum fraction of occupied hash slots before the
	// table doubles its capacity.
	FillRatio = 0.75

	// NullGroupID is the reserved sentinel for "no group".
	NullGroupID int64 = -1

	emptyAddr int64 = -1

	// pageRowLimit caps key-storage pages so row addresses stay
	// pageIdx<<32 | rowInPage.
	pageRowLimit = 8192
)

// UpdateMemory is the external memory granter. The engine calls it after
// recording the size of a pending growth in its accounting state; a false
// return denies the growth and suspends the in-flight operation.
type UpdateMemory func() bool

// NoopUpdateMemory always grants.
func NoopUpdateMemory() bool { return true }

// Work is one resumable unit of grouping work. Process returns true when the
// operation has fully completed; false exactly when the most recent memory
// request was denied. Calling Process again without a budget change
// re-observes the denial without losing or repeating committed work.
type Work interface {
	Process() bool
}

// GroupIDWork additionally produces the per-row group id column.
type GroupIDWork interface {
	Work
	// Result returns the completed group id column; it is an error to call
	// it before Process has returned true.
	Result() (*GroupIDColumn, error)
}

// GroupIDColumn is the per-row output of a grouping call.
type GroupIDColumn struct {
	// GroupCount is the total distinct group count known after the call.
	// Every id below is smaller than it.
	GroupCount int64
	IDs        []int64
}

// Stats are internal diagnostics. Collision numbers are deterministic for a
// fixed input sequence; ApproxDistinct is a hyperloglog estimate fed from the
// raw hashes of newly created groups.
type Stats struct {
	GroupCount             int64
	HashCapacity           int64
	HashCollisions         int64
	ExpectedHashCollisions float64
	ApproxDistinct         uint64
}

// GroupByHash is the capability interface shared by the multi-key and the
// zero-key grouping engines. One instance is driven by one logical caller at
// a time; distinct instances are fully independent.
type GroupByHash interface {
	// GroupIDs computes, inserting as needed, the group id of every row of
	// the batch. The batch's final vector must hold the precomputed uint64
	// raw hash of each row; the engine never hashes key bytes itself.
	GroupIDs(bat *batch.Batch) (GroupIDWork, error)

	// AddRows has the insertion semantics of GroupIDs but discards the
	// per-row output.
	AddRows(bat *batch.Batch) (Work, error)

	GroupCount() int64

	// Contains probes without inserting. The batch carries the raw hash in
	// its final vector; keyChannels lists the columns to compare.
	Contains(row int, bat *batch.Batch, keyChannels []int32) (bool, error)

	// AppendKeyTo writes the materialized key of a group, including its raw
	// hash, into out.Vecs[channelOffset:].
	AppendKeyTo(groupID int64, out *batch.Batch, channelOffset int32) error

	// KeyTypes returns the declared key types with the uint64 hash type
	// appended.
	KeyTypes() []types.Type

	Capture(serde BatchSerde) (*Snapshot, error)
	Restore(snap *Snapshot, serde BatchSerde) error

	Stats() Stats
}

// New selects the engine variant: zero key channels collapse every row into
// one implicit group. keyTypes lists the key columns only; the trailing hash
// column type is implied. hashChannel is the index of the per-row raw hash
// vector inside every input batch.
func New(keyTypes []types.Type, keyChannels []int32, hashChannel int32, expectedGroups int, updateMemory UpdateMemory) (GroupByHash, error) {
	if len(keyChannels) == 0 {
		if len(keyTypes) != 0 {
			return nil, moerr.NewInvalidInputNoCtxf("%d key types for %d key channels", len(keyTypes), len(keyChannels))
		}
		return newZeroKeyGroupByHash(), nil
	}
	return newMultiGroupByHash(keyTypes, keyChannels, hashChannel, expectedGroups, updateMemory)
}

// arraySize returns the smallest power-of-two capacity able to hold expected
// entries under the fill ratio, never below 2.
func arraySize(expected int, fillRatio float64) int {
	capacity := nextPowerOfTwo(int(math.Ceil(float64(expected) / fillRatio)))
	if capacity < 2 {
		capacity = 2
	}
	return capacity
}

func nextPowerOfTwo(n int) int {
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}

func calculateMaxFill(capacity int) (int, error) {
	maxFill := int(math.Ceil(float64(capacity) * FillRatio))
	if maxFill == capacity {
		maxFill--
	}
	if capacity <= maxFill {
		return 0, moerr.NewInternalErrorNoCtxf("hash capacity %d cannot be less than maxFill %d", capacity, maxFill)
	}
	return maxFill, nil
}

// estimateHashCollisions is the documented analytic estimate for linear
// probing: with load factor a = n/capacity, an insertion sequence of n keys
// is expected to take about n*a/(2*(1-a)) extra probe steps.
func estimateHashCollisions(groupCount, capacity int) float64 {
	if capacity == 0 || groupCount == 0 {
		return 0
	}
	a := float64(groupCount) / float64(capacity)
	if a >= 1 {
		a = math.Nextafter(1, 0)
	}
	return float64(groupCount) * a / (2 * (1 - a))
}
