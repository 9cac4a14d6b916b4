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
	"bytes"
	"encoding/binary"
	"io"

	"github.com/axiomhq/hyperloglog"
	"github.com/pierrec/lz4"

	"github.com/matrixorigin/vecgroup/pkg/common/moerr"
	"github.com/matrixorigin/vecgroup/pkg/container/batch"
	"github.com/matrixorigin/vecgroup/pkg/container/types"
	"github.com/matrixorigin/vecgroup/pkg/container/vector"
	"github.com/matrixorigin/vecgroup/pkg/logutil"
)

const (
	snapshotMagic   = uint32(0x47425948)
	snapshotVersion = uint32(1)

	snapshotFlagZeroKey = int32(1)
)

// BatchSerde encodes key pages for snapshot transport. Encode and Decode must
// round trip exactly.
type BatchSerde interface {
	Encode(bat *batch.Batch) ([]byte, error)
	Decode(data []byte) (*batch.Batch, error)
}

// LZ4BatchSerde is the default serde: batch marshaling wrapped in lz4 block
// compression. Incompressible pages are stored raw.
type LZ4BatchSerde struct {
	ht []int
}

func NewLZ4BatchSerde() *LZ4BatchSerde {
	return &LZ4BatchSerde{ht: make([]int, 1<<16)}
}

func (s *LZ4BatchSerde) Encode(bat *batch.Batch) ([]byte, error) {
	data, err := bat.MarshalBinary()
	if err != nil {
		return nil, err
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, s.ht)
	if err != nil {
		return nil, moerr.NewInternalErrorNoCtxf("lz4 compress: %v", err)
	}
	if n == 0 || n >= len(data) {
		out := make([]byte, 8+len(data))
		binary.BigEndian.PutUint32(out, uint32(len(data)))
		copy(out[8:], data)
		return out, nil
	}
	out := make([]byte, 8+n)
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	binary.BigEndian.PutUint32(out[4:], uint32(n))
	copy(out[8:], compressed[:n])
	return out, nil
}

func (s *LZ4BatchSerde) Decode(data []byte) (*batch.Batch, error) {
	if len(data) < 8 {
		return nil, moerr.NewInvalidInputNoCtxf("key page blob has %d bytes, want at least 8", len(data))
	}
	rawLen := binary.BigEndian.Uint32(data)
	compLen := binary.BigEndian.Uint32(data[4:])
	body := data[8:]
	var raw []byte
	if compLen == 0 {
		if uint32(len(body)) < rawLen {
			return nil, moerr.NewInvalidInputNoCtxf("key page blob truncated: %d of %d bytes", len(body), rawLen)
		}
		raw = body[:rawLen]
	} else {
		if uint32(len(body)) < compLen {
			return nil, moerr.NewInvalidInputNoCtxf("key page blob truncated: %d of %d bytes", len(body), compLen)
		}
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body[:compLen], raw)
		if err != nil {
			return nil, moerr.NewInternalErrorNoCtxf("lz4 uncompress: %v", err)
		}
		if uint32(n) != rawLen {
			return nil, moerr.NewInvalidInputNoCtxf("key page decompressed to %d bytes, want %d", n, rawLen)
		}
	}
	bat := new(batch.Batch)
	if err := bat.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return bat, nil
}

// Snapshot is the complete captured state of a grouping engine. It is a flat
// value: byte slices inside it do not alias engine memory.
type Snapshot struct {
	ZeroKey  bool
	RowsSeen int64

	KeyTypes               []types.Type
	HashCapacity           int64
	NextGroupID            int64
	HashCollisions         int64
	ExpectedHashCollisions float64
	PreallocatedBytes      int64

	GroupAddrByHash    []int64
	GroupIDByHash      []int32
	RawHashByHash      []byte
	GroupAddrByGroupID []int64

	// serde-encoded key pages, the last one being the open page
	Pages [][]byte
}

type snapshotHeader struct {
	Magic                  uint32
	Version                uint32
	Flags                  int32
	KeyTypeCount           int32
	PageCount              int32
	Reserved               int32
	RowsSeen               int64
	HashCapacity           int64
	NextGroupID            int64
	HashCollisions         int64
	ExpectedHashCollisions float64
	PreallocatedBytes      int64
}

func (snap *Snapshot) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	flags := int32(0)
	if snap.ZeroKey {
		flags |= snapshotFlagZeroKey
	}
	header := snapshotHeader{
		Magic:                  snapshotMagic,
		Version:                snapshotVersion,
		Flags:                  flags,
		KeyTypeCount:           int32(len(snap.KeyTypes)),
		PageCount:              int32(len(snap.Pages)),
		RowsSeen:               snap.RowsSeen,
		HashCapacity:           snap.HashCapacity,
		NextGroupID:            snap.NextGroupID,
		HashCollisions:         snap.HashCollisions,
		ExpectedHashCollisions: snap.ExpectedHashCollisions,
		PreallocatedBytes:      snap.PreallocatedBytes,
	}
	if err := binary.Write(&buf, binary.BigEndian, header); err != nil {
		return nil, err
	}
	for _, t := range snap.KeyTypes {
		if err := binary.Write(&buf, binary.BigEndian, struct{ Oid, Size int32 }{int32(t.Oid), t.Size}); err != nil {
			return nil, err
		}
	}
	if err := writeSized(&buf, types.EncodeSlice(snap.GroupAddrByHash)); err != nil {
		return nil, err
	}
	if err := writeSized(&buf, types.EncodeSlice(snap.GroupIDByHash)); err != nil {
		return nil, err
	}
	if err := writeSized(&buf, snap.RawHashByHash); err != nil {
		return nil, err
	}
	if err := writeSized(&buf, types.EncodeSlice(snap.GroupAddrByGroupID)); err != nil {
		return nil, err
	}
	for _, page := range snap.Pages {
		if err := writeSized(&buf, page); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (snap *Snapshot) UnmarshalBinary(data []byte) error {
	reader := bytes.NewReader(data)
	var header snapshotHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return moerr.NewInvalidInputNoCtxf("snapshot header: %v", err)
	}
	if header.Magic != snapshotMagic {
		return moerr.NewInvalidInputNoCtxf("bad snapshot magic %#x", header.Magic)
	}
	if header.Version != snapshotVersion {
		return moerr.NewNotSupportedNoCtxf("snapshot version %d", header.Version)
	}
	if header.KeyTypeCount < 0 || header.PageCount < 0 {
		return moerr.NewInvalidInputNoCtxf("negative snapshot counts %d/%d", header.KeyTypeCount, header.PageCount)
	}
	snap.ZeroKey = header.Flags&snapshotFlagZeroKey != 0
	snap.RowsSeen = header.RowsSeen
	snap.HashCapacity = header.HashCapacity
	snap.NextGroupID = header.NextGroupID
	snap.HashCollisions = header.HashCollisions
	snap.ExpectedHashCollisions = header.ExpectedHashCollisions
	snap.PreallocatedBytes = header.PreallocatedBytes

	snap.KeyTypes = make([]types.Type, header.KeyTypeCount)
	for i := range snap.KeyTypes {
		var t struct{ Oid, Size int32 }
		if err := binary.Read(reader, binary.BigEndian, &t); err != nil {
			return moerr.NewInvalidInputNoCtxf("snapshot key type %d: %v", i, err)
		}
		snap.KeyTypes[i] = types.Type{Oid: types.T(t.Oid), Size: t.Size}
	}

	var err error
	if snap.GroupAddrByHash, err = readSizedSlice[int64](reader, 8); err != nil {
		return err
	}
	if snap.GroupIDByHash, err = readSizedSlice[int32](reader, 4); err != nil {
		return err
	}
	if snap.RawHashByHash, err = readSized(reader); err != nil {
		return err
	}
	if snap.GroupAddrByGroupID, err = readSizedSlice[int64](reader, 8); err != nil {
		return err
	}
	snap.Pages = make([][]byte, header.PageCount)
	for i := range snap.Pages {
		if snap.Pages[i], err = readSized(reader); err != nil {
			return err
		}
	}
	return nil
}

func writeSized(writer io.Writer, data []byte) error {
	if err := binary.Write(writer, binary.BigEndian, int32(len(data))); err != nil {
		return err
	}
	_, err := writer.Write(data)
	return err
}

func readSized(reader io.Reader) ([]byte, error) {
	var size int32
	if err := binary.Read(reader, binary.BigEndian, &size); err != nil {
		return nil, moerr.NewInvalidInputNoCtxf("snapshot segment size: %v", err)
	}
	if size < 0 {
		return nil, moerr.NewInvalidInputNoCtxf("negative snapshot segment size %d", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, moerr.NewInvalidInputNoCtxf("snapshot segment body: %v", err)
	}
	return data, nil
}

func readSizedSlice[T any](reader io.Reader, elemSize int) ([]T, error) {
	data, err := readSized(reader)
	if err != nil {
		return nil, err
	}
	if len(data)%elemSize != 0 {
		return nil, moerr.NewInvalidInputNoCtxf("snapshot segment of %d bytes is not a whole slice", len(data))
	}
	return append([]T(nil), types.DecodeSlice[T](data)...), nil
}

func (h *multiGroupByHash) Capture(serde BatchSerde) (*Snapshot, error) {
	if serde == nil {
		serde = NewLZ4BatchSerde()
	}
	snap := &Snapshot{
		KeyTypes:               append([]types.Type(nil), h.kTypes...),
		HashCapacity:           int64(h.hashCapacity),
		NextGroupID:            int64(h.nextGroupID),
		HashCollisions:         h.hashCollisions,
		ExpectedHashCollisions: h.expectedHashCollisions,
		PreallocatedBytes:      h.preallocatedBytes,
		GroupAddrByHash:        append([]int64(nil), h.groupAddrByHash...),
		GroupIDByHash:          append([]int32(nil), h.groupIDByHash...),
		RawHashByHash:          append([]byte(nil), h.rawHashByHash...),
		GroupAddrByGroupID:     append([]int64(nil), h.groupAddrByGroupID...),
	}
	snap.Pages = make([][]byte, 0, len(h.completedPages)+1)
	for _, page := range h.completedPages {
		blob, err := serde.Encode(page)
		if err != nil {
			return nil, err
		}
		snap.Pages = append(snap.Pages, blob)
	}
	blob, err := serde.Encode(h.currentPage)
	if err != nil {
		return nil, err
	}
	snap.Pages = append(snap.Pages, blob)
	logutil.Debugf("captured grouping snapshot: %d groups, capacity %d, %d key pages",
		snap.NextGroupID, snap.HashCapacity, len(snap.Pages))
	return snap, nil
}

// Restore replaces the engine state with the snapshot's. Validation runs
// before any mutation, so a rejected snapshot leaves the engine untouched.
func (h *multiGroupByHash) Restore(snap *Snapshot, serde BatchSerde) error {
	if serde == nil {
		serde = NewLZ4BatchSerde()
	}
	if snap == nil {
		return moerr.NewInvalidInputNoCtxf("nil snapshot")
	}
	if snap.ZeroKey {
		return moerr.NewInvalidInputNoCtxf("zero key snapshot for a keyed engine")
	}
	if len(snap.KeyTypes) != len(h.kTypes) {
		return moerr.NewInvalidInputNoCtxf("snapshot has %d key columns, engine has %d", len(snap.KeyTypes), len(h.kTypes))
	}
	for i, t := range snap.KeyTypes {
		if !t.Eq(h.kTypes[i]) {
			return moerr.NewInvalidInputNoCtxf("snapshot key column %d is %s, engine declares %s", i, t, h.kTypes[i])
		}
	}
	capacity := int(snap.HashCapacity)
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return moerr.NewInvalidInputNoCtxf("snapshot hash capacity %d is not a power of two", snap.HashCapacity)
	}
	maxFill, err := calculateMaxFill(capacity)
	if err != nil {
		return err
	}
	if snap.NextGroupID < 0 || snap.NextGroupID > int64(capacity) {
		return moerr.NewInvalidInputNoCtxf("snapshot group count %d exceeds capacity %d", snap.NextGroupID, capacity)
	}
	if len(snap.GroupAddrByHash) != capacity || len(snap.GroupIDByHash) != capacity || len(snap.RawHashByHash) != capacity {
		return moerr.NewInvalidInputNoCtxf("snapshot slot arrays sized %d/%d/%d, capacity %d",
			len(snap.GroupAddrByHash), len(snap.GroupIDByHash), len(snap.RawHashByHash), capacity)
	}
	if int64(len(snap.GroupAddrByGroupID)) != snap.NextGroupID {
		return moerr.NewInvalidInputNoCtxf("snapshot has %d group addresses for %d groups",
			len(snap.GroupAddrByGroupID), snap.NextGroupID)
	}
	if len(snap.Pages) == 0 {
		return moerr.NewInvalidInputNoCtxf("snapshot has no key pages")
	}

	pages := make([]*batch.Batch, len(snap.Pages))
	storedRows := int64(0)
	for i, blob := range snap.Pages {
		page, err := serde.Decode(blob)
		if err != nil {
			return err
		}
		if page.VectorCount() != len(h.kTypes) {
			return moerr.NewInvalidInputNoCtxf("snapshot key page %d has %d columns, want %d", i, page.VectorCount(), len(h.kTypes))
		}
		for j := range h.kTypes {
			if !page.Vecs[j].GetType().Eq(h.kTypes[j]) {
				return moerr.NewInvalidInputNoCtxf("snapshot key page %d column %d is %s, want %s",
					i, j, page.Vecs[j].GetType(), h.kTypes[j])
			}
		}
		storedRows += int64(page.RowCount())
		pages[i] = page
	}
	if storedRows != snap.NextGroupID {
		return moerr.NewInvalidInputNoCtxf("snapshot key pages hold %d rows for %d groups", storedRows, snap.NextGroupID)
	}
	for groupID, addr := range snap.GroupAddrByGroupID {
		pageIdx, row := decodeAddr(addr)
		if pageIdx < 0 || pageIdx >= len(pages) || row < 0 || row >= pages[pageIdx].RowCount() {
			return moerr.NewInvalidInputNoCtxf("snapshot group %d address %d points outside key storage", groupID, addr)
		}
	}

	h.hashCapacity = capacity
	h.maxFill = maxFill
	h.mask = int64(capacity - 1)
	h.nextGroupID = int32(snap.NextGroupID)
	h.hashCollisions = snap.HashCollisions
	h.expectedHashCollisions = snap.ExpectedHashCollisions
	h.preallocatedBytes = snap.PreallocatedBytes
	h.groupAddrByHash = append([]int64(nil), snap.GroupAddrByHash...)
	h.groupIDByHash = append([]int32(nil), snap.GroupIDByHash...)
	h.rawHashByHash = append([]byte(nil), snap.RawHashByHash...)
	h.groupAddrByGroupID = append([]int64(nil), snap.GroupAddrByGroupID...)
	h.completedPages = pages[:len(pages)-1]
	h.currentPage = pages[len(pages)-1]
	h.completedPagesBytes = 0
	for _, page := range h.completedPages {
		h.completedPagesBytes += int64(page.Size())
	}

	// a restored engine may come from another process; the alphabet identities
	// it cached no longer mean anything
	h.lookBack = nil

	h.sketch = hyperloglog.New14()
	hashCol := len(h.kTypes) - 1
	for _, addr := range h.groupAddrByGroupID {
		pageIdx, row := decodeAddr(addr)
		h.sketch.InsertHash(vector.GetFixedAt[uint64](h.pageAt(pageIdx).Vecs[hashCol], row))
	}
	logutil.Debugf("restored grouping snapshot: %d groups, capacity %d", snap.NextGroupID, snap.HashCapacity)
	return nil
}

func (h *zeroKeyGroupByHash) Capture(serde BatchSerde) (*Snapshot, error) {
	return &Snapshot{ZeroKey: true, RowsSeen: h.rowsSeen}, nil
}

func (h *zeroKeyGroupByHash) Restore(snap *Snapshot, serde BatchSerde) error {
	if snap == nil {
		return moerr.NewInvalidInputNoCtxf("nil snapshot")
	}
	if !snap.ZeroKey {
		return moerr.NewInvalidInputNoCtxf("keyed snapshot for a zero key engine")
	}
	if snap.RowsSeen < 0 {
		return moerr.NewInvalidInputNoCtxf("snapshot rows seen %d is negative", snap.RowsSeen)
	}
	h.rowsSeen = snap.RowsSeen
	return nil
}
