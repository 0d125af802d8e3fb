// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MageMasher/terrier/pkg/blockstore"
	"github.com/MageMasher/terrier/pkg/common"
	"github.com/MageMasher/terrier/pkg/gc"
	"github.com/MageMasher/terrier/pkg/index"
	"github.com/MageMasher/terrier/pkg/row"
	"github.com/MageMasher/terrier/pkg/table"
	"github.com/MageMasher/terrier/pkg/txn"
	"github.com/MageMasher/terrier/pkg/wal"
)

// benchLayout is a small fixed schema: one bigint key, one varchar
// payload — enough to exercise every column kind the WAL codec and
// GC's varlen reclaim path need to move.
func benchLayout() *row.RowLayout {
	return row.NewRowLayout(
		[]common.ColumnID{0, 1},
		[]common.ColumnType{common.ColBigInt, common.ColVarchar},
	)
}

// engine wires up one instance of every component (C1-C5) the way
// cmd/txnbench's "run" subcommand needs them — the equivalent of
// pkg/plan.Run's top-level wiring in the teacher, generalized from a
// query executor to the MVCC/WAL/GC core.
type engine struct {
	layout   *row.RowLayout
	blocks   *blockstore.BlockManager
	table    *table.DataTable
	mgr      *txn.TxnMgr
	logMgr   *wal.LogManager
	gc       *gc.GC
	registry *index.Registry

	committed  atomic.Int64
	aborted    atomic.Int64
	callbacks  atomic.Int64
}

func newEngine(cfg *Config) (*engine, error) {
	logMgr, err := wal.NewLogManager(cfg.WalPath, cfg.WalConfig())
	if err != nil {
		return nil, fmt.Errorf("txnbench: open wal: %w", err)
	}

	e := &engine{
		layout:   benchLayout(),
		blocks:   blockstore.NewBlockManager(),
		registry: index.NewRegistry(),
		logMgr:   logMgr,
	}
	e.table = table.NewDataTable(1, 1, e.layout, e.blocks)
	e.mgr = txn.NewTxnMgr(txn.TxnMgrOptions{
		UndoPoolCapacity: cfg.UndoPoolCapacity,
		RedoPoolCapacity: cfg.RedoPoolCapacity,
	}, e.logMgr.AddBufferToFlushQueue)
	e.gc = gc.New(e.mgr, e.registry)
	return e, nil
}

func (e *engine) start(ctx context.Context) {
	e.logMgr.Start(ctx)
}

// runGCLoop ticks the garbage collector on cfg.GCPeriod until ctx is
// cancelled — spec.md §6's gc_period knob.
func (e *engine) runGCLoop(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.gc.Tick()
		}
	}
}

func (e *engine) newRow(key int64, payload string) *row.ProjectedRow {
	r := row.NewProjectedRow(e.layout)
	kb := make([]byte, 8)
	for i := 0; i < 8; i++ {
		kb[i] = byte(key >> (8 * i))
	}
	r.SetFixedBytes(0, kb)
	r.SetNull(0, false)
	r.SetVarlen(1, row.NewVarlenEntry([]byte(payload), true))
	r.SetNull(1, false)
	return r
}

// runWorker executes n transactions, each performing txnLen operations
// chosen update-vs-select by updateRatio. This is S2's "mixed"
// workload shape. Every transaction first inserts a seed row, so even
// with updateRatio 0 each committed transaction writes to the log.
func (e *engine) runWorker(rng *rand.Rand, n, txnLen int, updateRatio float64) {
	for i := 0; i < n; i++ {
		t := e.mgr.Begin()
		var slot common.TupleSlot
		slot, _ = e.table.Insert(t, e.newRow(rng.Int63(), "seed"))

		aborted := false
		for j := 0; j < txnLen; j++ {
			if rng.Float64() < updateRatio {
				if err := e.table.Update(t, slot, e.newRow(rng.Int63(), "updated")); err != nil {
					aborted = true
					break
				}
			} else {
				e.table.Select(t, slot)
			}
		}

		if aborted {
			e.mgr.Abort(t)
			e.aborted.Add(1)
			continue
		}

		if _, err := e.mgr.Commit(t, func(any) { e.callbacks.Add(1) }, nil); err != nil {
			e.aborted.Add(1)
			continue
		}
		e.committed.Add(1)
	}
}

// runScenario drives numWorkers goroutines via errgroup, each running
// txnsPerWorker transactions, then force-flushes and reports counts —
// the shape of S1/S2's workload description.
func (e *engine) runScenario(ctx context.Context, numWorkers, txnsPerWorker, txnLen int, updateRatio float64) error {
	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < numWorkers; w++ {
		seed := int64(w + 1)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			e.runWorker(rng, txnsPerWorker, txnLen, updateRatio)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.logMgr.ForceFlush(ctx)
}

func (e *engine) shutdown() error {
	return e.logMgr.PersistAndStop()
}
