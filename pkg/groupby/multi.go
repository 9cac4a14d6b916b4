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
	"github.com/axiomhq/hyperloglog"

	"github.com/matrixorigin/vecgroup/pkg/common/moerr"
	"github.com/matrixorigin/vecgroup/pkg/container/batch"
	"github.com/matrixorigin/vecgroup/pkg/container/types"
	"github.com/matrixorigin/vecgroup/pkg/container/vector"
)

// keyEqFn compares one stored key column value against one probe row value.
// Two nulls compare equal.
type keyEqFn func(stored *vector.Vector, storedRow int, probe *vector.Vector, probeRow int) bool

type multiGroupByHash struct {
	// declared key types plus the trailing uint64 hash column
	kTypes      []types.Type
	keyChannels []int32
	hashChannel int32
	eq          []keyEqFn

	updateMemory UpdateMemory

	hashCapacity int
	maxFill      int
	mask         int64
	nextGroupID  int32

	// slot arrays; address = pageIdx<<32 | rowInPage, emptyAddr when free
	groupAddrByHash []int64
	groupIDByHash   []int32
	rawHashByHash   []byte

	// group id -> stored row address, for AppendKeyTo
	groupAddrByGroupID []int64

	// append-only key storage
	completedPages      []*batch.Batch
	currentPage         *batch.Batch
	completedPagesBytes int64
	preallocatedBytes   int64

	hashCollisions         int64
	expectedHashCollisions float64
	sketch                 *hyperloglog.Sketch

	lookBack *dictLookBack
}

func newMultiGroupByHash(keyTypes []types.Type, keyChannels []int32, hashChannel int32, expectedGroups int, updateMemory UpdateMemory) (*multiGroupByHash, error) {
	if len(keyTypes) != len(keyChannels) {
		return nil, moerr.NewInvalidInputNoCtxf("%d key types for %d key channels", len(keyTypes), len(keyChannels))
	}
	if hashChannel < 0 {
		return nil, moerr.NewInvalidInputNoCtxf("hash channel is required, got %d", hashChannel)
	}
	for _, ch := range keyChannels {
		if ch < 0 {
			return nil, moerr.NewInvalidInputNoCtxf("negative key channel %d", ch)
		}
		if ch == hashChannel {
			return nil, moerr.NewInvalidInputNoCtxf("key channel %d collides with hash channel", ch)
		}
	}
	if expectedGroups < 1 {
		expectedGroups = 1
	}
	if updateMemory == nil {
		updateMemory = NoopUpdateMemory
	}

	h := &multiGroupByHash{
		kTypes:       append(append([]types.Type(nil), keyTypes...), types.New(types.T_uint64)),
		keyChannels:  append([]int32(nil), keyChannels...),
		hashChannel:  hashChannel,
		updateMemory: updateMemory,
		sketch:       hyperloglog.New14(),
	}
	h.eq = make([]keyEqFn, len(keyTypes))
	for i, t := range keyTypes {
		fn, err := compileKeyEq(t)
		if err != nil {
			return nil, err
		}
		h.eq[i] = fn
	}

	capacity := arraySize(expectedGroups, FillRatio)
	if err := h.resetSlots(capacity); err != nil {
		return nil, err
	}
	h.currentPage = h.newPage()
	return h, nil
}

func compileKeyEq(t types.Type) (keyEqFn, error) {
	switch t.Oid {
	case types.T_bool:
		return fixedEq[bool], nil
	case types.T_int32:
		return fixedEq[int32], nil
	case types.T_int64:
		return fixedEq[int64], nil
	case types.T_uint64:
		return fixedEq[uint64], nil
	case types.T_float64:
		return fixedEq[float64], nil
	case types.T_varchar:
		return bytesEq, nil
	}
	return nil, moerr.NewNotSupportedNoCtxf("group key type %s", t)
}

func fixedEq[T comparable](stored *vector.Vector, storedRow int, probe *vector.Vector, probeRow int) bool {
	sn, pn := stored.IsNull(storedRow), probe.IsNull(probeRow)
	if sn || pn {
		return sn && pn
	}
	return vector.GetFixedAt[T](stored, storedRow) == vector.GetFixedAt[T](probe, probeRow)
}

func bytesEq(stored *vector.Vector, storedRow int, probe *vector.Vector, probeRow int) bool {
	sn, pn := stored.IsNull(storedRow), probe.IsNull(probeRow)
	if sn || pn {
		return sn && pn
	}
	a, b := vector.GetBytesAt(stored, storedRow), vector.GetBytesAt(probe, probeRow)
	return string(a) == string(b)
}

func (h *multiGroupByHash) resetSlots(capacity int) error {
	maxFill, err := calculateMaxFill(capacity)
	if err != nil {
		return err
	}
	h.hashCapacity = capacity
	h.maxFill = maxFill
	h.mask = int64(capacity - 1)
	h.groupAddrByHash = newAddrSlots(capacity)
	h.groupIDByHash = make([]int32, capacity)
	h.rawHashByHash = make([]byte, capacity)
	return nil
}

func newAddrSlots(capacity int) []int64 {
	slots := make([]int64, capacity)
	for i := range slots {
		slots[i] = emptyAddr
	}
	return slots
}

func (h *multiGroupByHash) newPage() *batch.Batch {
	page := batch.NewWithSize(len(h.kTypes))
	for i, t := range h.kTypes {
		page.Vecs[i] = vector.NewVec(t)
	}
	return page
}

func encodeAddr(pageIdx, rowInPage int) int64 {
	return int64(pageIdx)<<32 | int64(rowInPage)
}

func decodeAddr(addr int64) (pageIdx, rowInPage int) {
	return int(addr >> 32), int(addr & 0xffffffff)
}

func (h *multiGroupByHash) pageAt(pageIdx int) *batch.Batch {
	if pageIdx == len(h.completedPages) {
		return h.currentPage
	}
	return h.completedPages[pageIdx]
}

func (h *multiGroupByHash) currentPageBytes() int64 {
	return int64(h.currentPage.Size())
}

func rawHashByte(rawHash uint64) byte {
	return byte(rawHash >> 56)
}

func (h *multiGroupByHash) needRehash() bool {
	return int(h.nextGroupID) >= h.maxFill
}

// putIfAbsent returns the group id of the row's key, creating the group on
// first sight. probe holds the key columns in declared order; the row's raw
// hash is passed alongside so dictionary callers can probe alphabet entries.
func (h *multiGroupByHash) putIfAbsent(row int, probe []*vector.Vector, rawHash uint64) int64 {
	hashPos := int64(rawHash) & h.mask
	groupID := NullGroupID
	for h.groupAddrByHash[hashPos] != emptyAddr {
		if h.rowMatches(hashPos, row, probe, rawHashByte(rawHash)) {
			groupID = int64(h.groupIDByHash[hashPos])
			break
		}
		hashPos = (hashPos + 1) & h.mask
		h.hashCollisions++
	}
	if groupID < 0 {
		groupID = h.addNewGroup(hashPos, row, probe, rawHash)
	}
	return groupID
}

func (h *multiGroupByHash) rowMatches(hashPos int64, row int, probe []*vector.Vector, rawByte byte) bool {
	if h.rawHashByHash[hashPos] != rawByte {
		return false
	}
	pageIdx, storedRow := decodeAddr(h.groupAddrByHash[hashPos])
	page := h.pageAt(pageIdx)
	for i, eq := range h.eq {
		if !eq(page.Vecs[i], storedRow, probe[i], row) {
			return false
		}
	}
	return true
}

// addNewGroup appends the key row to storage and claims the empty slot. A
// rehash becoming due is attempted immediately; its denial is left for the
// work loop to observe via needRehash.
func (h *multiGroupByHash) addNewGroup(hashPos int64, row int, probe []*vector.Vector, rawHash uint64) int64 {
	pageIdx := len(h.completedPages)
	rowInPage := h.currentPage.RowCount()
	for i, vec := range probe {
		if err := h.currentPage.Vecs[i].UnionOne(vec, row); err != nil {
			panic(err)
		}
	}
	if err := vector.AppendFixed(h.currentPage.Vecs[len(h.kTypes)-1], rawHash, false); err != nil {
		panic(err)
	}
	h.currentPage.AddRowCount(1)

	groupID := int64(h.nextGroupID)
	h.nextGroupID++
	addr := encodeAddr(pageIdx, rowInPage)
	h.groupAddrByHash[hashPos] = addr
	h.groupIDByHash[hashPos] = int32(groupID)
	h.rawHashByHash[hashPos] = rawHashByte(rawHash)
	h.groupAddrByGroupID = append(h.groupAddrByGroupID, addr)
	h.sketch.InsertHash(rawHash)

	if h.currentPage.RowCount() >= pageRowLimit {
		h.startNewPage()
	}
	if h.needRehash() {
		h.tryRehash()
	}
	return groupID
}

func (h *multiGroupByHash) startNewPage() {
	h.completedPagesBytes += int64(h.currentPage.Size())
	h.completedPages = append(h.completedPages, h.currentPage)
	h.currentPage = h.newPage()
}

// tryRehash doubles the slot arrays. The memory granter is consulted exactly
// once per attempt; on denial the accounting state keeps the pending
// reservation and nothing else changes, so the next attempt re-observes the
// same decision deterministically.
func (h *multiGroupByHash) tryRehash() bool {
	newCapacity := h.hashCapacity * 2

	h.preallocatedBytes = int64(newCapacity)*(8+4+1) + h.currentPageBytes()
	if !h.updateMemory() {
		return false
	}
	h.preallocatedBytes = 0

	h.expectedHashCollisions += estimateHashCollisions(int(h.nextGroupID), h.hashCapacity)

	newMask := int64(newCapacity - 1)
	newAddrs := newAddrSlots(newCapacity)
	newIDs := make([]int32, newCapacity)
	newRaw := make([]byte, newCapacity)

	for oldPos, addr := range h.groupAddrByHash {
		if addr == emptyAddr {
			continue
		}
		// reuse the full hash stored with the key row; never rehash key bytes
		pageIdx, row := decodeAddr(addr)
		rawHash := vector.GetFixedAt[uint64](h.pageAt(pageIdx).Vecs[len(h.kTypes)-1], row)
		pos := int64(rawHash) & newMask
		for newAddrs[pos] != emptyAddr {
			pos = (pos + 1) & newMask
			h.hashCollisions++
		}
		newAddrs[pos] = addr
		newIDs[pos] = h.groupIDByHash[oldPos]
		newRaw[pos] = rawHashByte(rawHash)
	}

	maxFill, err := calculateMaxFill(newCapacity)
	if err != nil {
		panic(err)
	}
	h.hashCapacity = newCapacity
	h.maxFill = maxFill
	h.mask = newMask
	h.groupAddrByHash = newAddrs
	h.groupIDByHash = newIDs
	h.rawHashByHash = newRaw
	return true
}

func (h *multiGroupByHash) GroupCount() int64 {
	return int64(h.nextGroupID)
}

func (h *multiGroupByHash) KeyTypes() []types.Type {
	return append([]types.Type(nil), h.kTypes...)
}

func (h *multiGroupByHash) AppendKeyTo(groupID int64, out *batch.Batch, channelOffset int32) error {
	if groupID < 0 || groupID >= int64(h.nextGroupID) {
		return errGroupIDRange(groupID, int64(h.nextGroupID))
	}
	if out.VectorCount() < int(channelOffset)+len(h.kTypes) {
		return moerr.NewInvalidInputNoCtxf("output batch has %d vectors, need %d at offset %d",
			out.VectorCount(), len(h.kTypes), channelOffset)
	}
	pageIdx, row := decodeAddr(h.groupAddrByGroupID[groupID])
	page := h.pageAt(pageIdx)
	for i := range h.kTypes {
		if err := out.Vecs[int(channelOffset)+i].UnionOne(page.Vecs[i], row); err != nil {
			return err
		}
	}
	return nil
}

func (h *multiGroupByHash) Contains(row int, bat *batch.Batch, keyChannels []int32) (bool, error) {
	if len(keyChannels) != len(h.eq) {
		return false, errProbeChannelCount(len(keyChannels), len(h.eq))
	}
	hashVec, err := probeHashVector(bat)
	if err != nil {
		return false, err
	}
	if row < 0 || row >= bat.RowCount() {
		return false, moerr.NewInvalidInputNoCtxf("probe row %d out of range %d", row, bat.RowCount())
	}
	probe := make([]*vector.Vector, len(keyChannels))
	for i, ch := range keyChannels {
		if int(ch) >= bat.VectorCount() {
			return false, moerr.NewInvalidInputNoCtxf("probe channel %d out of range %d", ch, bat.VectorCount())
		}
		probe[i] = bat.Vecs[ch]
		if !probe[i].GetType().Eq(h.kTypes[i]) {
			return false, moerr.NewInvalidInputNoCtxf("probe channel %d is %s, key column is %s",
				ch, probe[i].GetType(), h.kTypes[i])
		}
	}
	rawHash := vector.GetFixedAt[uint64](hashVec, row)

	hashPos := int64(rawHash) & h.mask
	for h.groupAddrByHash[hashPos] != emptyAddr {
		if h.rowMatches(hashPos, row, probe, rawHashByte(rawHash)) {
			return true, nil
		}
		hashPos = (hashPos + 1) & h.mask
	}
	return false, nil
}

// probeHashVector reads the mandatory trailing raw hash vector of a batch.
func probeHashVector(bat *batch.Batch) (*vector.Vector, error) {
	if bat == nil || bat.VectorCount() == 0 {
		return nil, moerr.NewInvalidInputNoCtxf("batch has no hash vector")
	}
	hashVec := bat.Vecs[bat.VectorCount()-1]
	if hashVec.GetType().Oid != types.T_uint64 {
		return nil, moerr.NewInvalidInputNoCtxf("hash vector is %s, want UINT64", hashVec.GetType())
	}
	if hashVec.Length() != bat.RowCount() {
		return nil, moerr.NewInvalidInputNoCtxf("hash vector has %d rows, batch has %d", hashVec.Length(), bat.RowCount())
	}
	return hashVec, nil
}

// validateBatch checks the per-call input contract before any state changes:
// the declared key channels and the hash channel must be present, typed as
// declared, and as long as the batch.
func (h *multiGroupByHash) validateBatch(bat *batch.Batch) ([]*vector.Vector, *vector.Vector, error) {
	if bat == nil {
		return nil, nil, errNilBatch()
	}
	if int(h.hashChannel) >= bat.VectorCount() {
		return nil, nil, moerr.NewInvalidInputNoCtxf("hash channel %d out of range %d", h.hashChannel, bat.VectorCount())
	}
	hashVec := bat.Vecs[h.hashChannel]
	if hashVec.GetType().Oid != types.T_uint64 {
		return nil, nil, moerr.NewInvalidInputNoCtxf("hash channel %d is %s, want UINT64", h.hashChannel, hashVec.GetType())
	}
	if hashVec.Length() != bat.RowCount() {
		return nil, nil, moerr.NewInvalidInputNoCtxf("hash channel has %d rows, batch has %d", hashVec.Length(), bat.RowCount())
	}
	keyVecs := make([]*vector.Vector, len(h.keyChannels))
	for i, ch := range h.keyChannels {
		if int(ch) >= bat.VectorCount() {
			return nil, nil, moerr.NewInvalidInputNoCtxf("key channel %d out of range %d", ch, bat.VectorCount())
		}
		vec := bat.Vecs[ch]
		if !vec.GetType().Eq(h.kTypes[i]) {
			return nil, nil, moerr.NewInvalidInputNoCtxf("key channel %d is %s, declared %s", ch, vec.GetType(), h.kTypes[i])
		}
		if vec.Length() != bat.RowCount() {
			return nil, nil, moerr.NewInvalidInputNoCtxf("key channel %d has %d rows, batch has %d", ch, vec.Length(), bat.RowCount())
		}
		keyVecs[i] = vec
	}
	return keyVecs, hashVec, nil
}

func (h *multiGroupByHash) GroupIDs(bat *batch.Batch) (GroupIDWork, error) {
	keyVecs, hashVec, err := h.validateBatch(bat)
	if err != nil {
		return nil, err
	}
	if h.canProcessDict(keyVecs, hashVec) {
		return h.newDictGroupIDsWork(bat, keyVecs[0], hashVec), nil
	}
	return &groupIDsWork{
		h:        h,
		keyVecs:  keyVecs,
		hashVec:  hashVec,
		rowCount: bat.RowCount(),
		ids:      make([]int64, bat.RowCount()),
	}, nil
}

func (h *multiGroupByHash) AddRows(bat *batch.Batch) (Work, error) {
	keyVecs, hashVec, err := h.validateBatch(bat)
	if err != nil {
		return nil, err
	}
	if h.canProcessDict(keyVecs, hashVec) {
		return h.newDictAddRowsWork(keyVecs[0], hashVec), nil
	}
	return &addRowsWork{
		h:        h,
		keyVecs:  keyVecs,
		hashVec:  hashVec,
		rowCount: bat.RowCount(),
	}, nil
}

func (h *multiGroupByHash) Stats() Stats {
	return Stats{
		GroupCount:             int64(h.nextGroupID),
		HashCapacity:           int64(h.hashCapacity),
		HashCollisions:         h.hashCollisions,
		ExpectedHashCollisions: h.expectedHashCollisions + estimateHashCollisions(int(h.nextGroupID), h.hashCapacity),
		ApproxDistinct:         h.sketch.Estimate(),
	}
}
