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
	"math/bits"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/matrixorigin/vecgroup/pkg/common/moerr"
	"github.com/matrixorigin/vecgroup/pkg/container/batch"
	"github.com/matrixorigin/vecgroup/pkg/container/vector"
	"github.com/matrixorigin/vecgroup/pkg/logutil"
)

// Partitioned fans one row stream out over several independent grouping
// engines, one per hash partition. Rows are routed by the top bits of their
// raw hash, so the same key always lands in the same partition and partition
// engines need no locking of their own.
type Partitioned struct {
	engines []GroupByHash
	shift   uint
	pool    *ants.Pool
}

// NewPartitioned builds partitionCount engines with newEngine and a worker
// pool sized to the machine. partitionCount must be a power of two.
func NewPartitioned(partitionCount int, newEngine func(partition int) (GroupByHash, error)) (*Partitioned, error) {
	if partitionCount < 1 || partitionCount&(partitionCount-1) != 0 {
		return nil, moerr.NewInvalidInputNoCtxf("partition count %d is not a power of two", partitionCount)
	}
	engines := make([]GroupByHash, partitionCount)
	for i := range engines {
		engine, err := newEngine(i)
		if err != nil {
			return nil, err
		}
		engines[i] = engine
	}
	pool, err := ants.NewPool(runtime.NumCPU())
	if err != nil {
		return nil, moerr.NewInternalErrorNoCtxf("worker pool: %v", err)
	}
	return &Partitioned{
		engines: engines,
		shift:   uint(64 - bits.TrailingZeros(uint(partitionCount))),
		pool:    pool,
	}, nil
}

func (p *Partitioned) partitionOf(rawHash uint64) int {
	if len(p.engines) == 1 {
		return 0
	}
	return int(rawHash >> p.shift)
}

// AddBatch splits the batch by hash partition and inserts each slice on the
// worker pool. Every input row must already carry its raw hash in the
// engines' declared hash channel. Work items that yield on memory are driven
// until their partition's granter settles the rehash, so a denial surfaces
// as livelock only if the granter never grants; callers wanting yield
// semantics drive a single engine directly.
func (p *Partitioned) AddBatch(bat *batch.Batch, hashChannel int32) error {
	if bat == nil {
		return errNilBatch()
	}
	if int(hashChannel) < 0 || int(hashChannel) >= bat.VectorCount() {
		return moerr.NewInvalidInputNoCtxf("hash channel %d out of range %d", hashChannel, bat.VectorCount())
	}
	hashVec := bat.Vecs[hashChannel]
	if hashVec.Length() != bat.RowCount() {
		return moerr.NewInvalidInputNoCtxf("hash channel has %d rows, batch has %d", hashVec.Length(), bat.RowCount())
	}

	sels := make([][]int, len(p.engines))
	for row := 0; row < bat.RowCount(); row++ {
		part := p.partitionOf(vector.GetFixedAt[uint64](hashVec, row))
		sels[part] = append(sels[part], row)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(p.engines))
	for part, rows := range sels {
		if len(rows) == 0 {
			continue
		}
		sub, err := sliceBatch(bat, rows)
		if err != nil {
			return err
		}
		part := part
		wg.Add(1)
		submitErr := p.pool.Submit(func() {
			defer wg.Done()
			work, err := p.engines[part].AddRows(sub)
			if err != nil {
				errCh <- err
				return
			}
			for !work.Process() {
			}
		})
		if submitErr != nil {
			wg.Done()
			return moerr.NewInternalErrorNoCtxf("submit partition %d: %v", part, submitErr)
		}
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// sliceBatch copies the selected rows of every vector into a fresh batch.
// Dictionary vectors are resolved in the copy.
func sliceBatch(bat *batch.Batch, rows []int) (*batch.Batch, error) {
	sub := batch.NewWithSize(bat.VectorCount())
	for i, vec := range bat.Vecs {
		out := vector.NewVec(*vec.GetType())
		for _, row := range rows {
			if err := out.UnionOne(vec, row); err != nil {
				return nil, err
			}
		}
		sub.Vecs[i] = out
	}
	sub.SetRowCount(len(rows))
	return sub, nil
}

// GroupCount sums the partition counts. Keys never span partitions, so the
// sum is exact.
func (p *Partitioned) GroupCount() int64 {
	total := int64(0)
	for _, engine := range p.engines {
		total += engine.GroupCount()
	}
	return total
}

// Partition exposes one partition engine, for draining results.
func (p *Partitioned) Partition(i int) GroupByHash {
	return p.engines[i]
}

func (p *Partitioned) PartitionCount() int {
	return len(p.engines)
}

func (p *Partitioned) Stats() []Stats {
	out := make([]Stats, len(p.engines))
	for i, engine := range p.engines {
		out[i] = engine.Stats()
	}
	return out
}

func (p *Partitioned) Close() {
	p.pool.Release()
	logutil.Debugf("partitioned grouping closed: %d partitions, %d groups", len(p.engines), p.GroupCount())
}
