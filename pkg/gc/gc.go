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

// Package gc implements C5: the garbage collector. A single Tick runs
// the four phases of spec.md §4.5 in order — deferred actions,
// deallocate, unlink, indexes — never blocking on a transaction and
// always making forward progress by requeueing what it cannot yet
// reclaim.
package gc

import (
	"container/heap"
	"sync"

	"github.com/MageMasher/terrier/pkg/common"
	"github.com/MageMasher/terrier/pkg/index"
	"github.com/MageMasher/terrier/pkg/row"
	"github.com/MageMasher/terrier/pkg/txn"
	"github.com/MageMasher/terrier/pkg/util"
)

// deferredAction is one (ts, fn) pair submitted by another subsystem
// — e.g. an index wanting a node freed only once no reader predating
// its unlink can still reach it.
type deferredAction struct {
	ts common.Timestamp
	fn func()
}

// deferredQueue is a container/heap.Interface min-heap ordered by ts.
// Deferred actions are always submitted with a committed timestamp,
// so plain raw-value comparison (not the running-bit-aware
// NewerThan) is correct here.
type deferredQueue []deferredAction

func (q deferredQueue) Len() int           { return len(q) }
func (q deferredQueue) Less(i, j int) bool { return q[i].ts.Raw() < q[j].ts.Raw() }
func (q deferredQueue) Swap(i, j int)      { util.Swap(q, i, j) }
func (q *deferredQueue) Push(x any)        { *q = append(*q, x.(deferredAction)) }
func (q *deferredQueue) Pop() any {
	item := util.Back(*q)
	*q = util.Pop(*q)
	return item
}

// GC is C5. One GC owns one transaction manager's deferred-action
// queue, unlink/deallocate worklists, and the table's index registry.
// Grounded on original_source/src/storage/garbage_collector.cpp's
// phase methods, adapted from its PerformGarbageCollection loop to
// Go's explicit Tick-per-call shape (no internal sleep loop — the
// caller, cmd/txnbench or a test, drives the period).
type GC struct {
	mgr      *txn.TxnMgr
	registry *index.Registry

	deferredMu sync.Mutex
	deferred   deferredQueue

	toUnlink     []*txn.TransactionContext
	toDeallocate []*txn.TransactionContext

	// lastUnlinked is single-writer (GC only) per spec.md §5.
	lastUnlinked common.Timestamp

	// OnReclaim, if set, is invoked once per varlen payload moved to
	// a transaction's loose pointers — S5's "freed exactly once"
	// counter hook. Reclamation itself needs no action beyond this:
	// ProjectedRow.Clone() deep-copies via huandu/go-clone, so a
	// before-image's varlen buffers never alias the live tuple's;
	// Go's own collector frees them once txn.LoosePtrs is
	// unreferenced. See DESIGN.md.
	OnReclaim func(row.VarlenEntry)
}

func New(mgr *txn.TxnMgr, registry *index.Registry) *GC {
	g := &GC{mgr: mgr, registry: registry}
	heap.Init(&g.deferred)
	return g
}

// SubmitDeferredAction enqueues fn to run once no running transaction
// predates ts.
func (g *GC) SubmitDeferredAction(ts common.Timestamp, fn func()) {
	g.deferredMu.Lock()
	heap.Push(&g.deferred, deferredAction{ts: ts, fn: fn})
	g.deferredMu.Unlock()
}

// Tick runs one full GC cycle and returns the number of transactions
// deallocated in Phase 2.
func (g *GC) Tick() int {
	oldestRunning := g.mgr.OldestRunningStartTime()

	g.runDeferredActions(oldestRunning)
	deallocated := g.deallocate(oldestRunning)
	g.unlink(oldestRunning)
	g.registry.PerformGarbageCollection()
	return deallocated
}

// Phase 1: pop and invoke every deferred action whose ts is no newer
// than oldestRunning.
func (g *GC) runDeferredActions(oldestRunning common.Timestamp) {
	g.deferredMu.Lock()
	defer g.deferredMu.Unlock()
	for g.deferred.Len() > 0 {
		next := g.deferred[0]
		if common.NewerThan(next.ts, oldestRunning) {
			break
		}
		heap.Pop(&g.deferred)
		next.fn()
	}
}

// Phase 2: if oldestRunning has advanced past lastUnlinked, every
// to_deallocate entry with log_processed set is finally dropped;
// everything else is requeued for the next tick.
func (g *GC) deallocate(oldestRunning common.Timestamp) int {
	if !common.NewerThan(oldestRunning, g.lastUnlinked) {
		return 0
	}
	pending := g.toDeallocate
	before := util.Size(pending)
	g.toDeallocate = util.RemoveIf(pending, func(t *txn.TransactionContext) bool { return t.LogProcessed() })
	return before - util.Size(g.toDeallocate)
}

// Phase 3: absorb newly completed transactions into to_unlink, then
// classify each: no-writes txns are dropped immediately; txns whose
// finish_ts already predates oldestRunning are unlinked (each touched
// slot truncated at most once this tick) and pushed to Phase 2's
// queue; everything else is requeued.
func (g *GC) unlink(oldestRunning common.Timestamp) {
	g.toUnlink = append(g.toUnlink, g.mgr.CompletedTransactionsForGC()...)
	pending := g.toUnlink
	g.toUnlink = nil

	visited := make(map[common.TupleSlot]struct{})
	unlinkedAny := false

	for _, t := range pending {
		if !t.HasWrites() {
			continue
		}
		if !common.NewerThan(oldestRunning, t.FinishTs()) {
			g.toUnlink = append(g.toUnlink, t)
			continue
		}

		t.ForEachWrite(func(u *txn.UndoRecord) {
			if _, seen := visited[u.Slot]; !seen {
				TruncateVersionChain(u.Table, u.Slot, oldestRunning)
				visited[u.Slot] = struct{}{}
				unlinkedAny = true
			}
			if !t.Aborted() {
				ReclaimSlotIfDeleted(u)
				ReclaimBufferIfVarlen(t, u, g.OnReclaim)
			}
		})
		g.toDeallocate = append(g.toDeallocate, t)
	}

	if unlinkedAny {
		g.lastUnlinked = g.mgr.Now()
	}
}

// TruncateVersionChain implements spec.md §4.5.1. It either cuts the
// entire chain (every node is already older than oldest) or cuts the
// tail from the first node older than oldest onward, restarting on
// contention with a fresh writer at the head.
func TruncateVersionChain(table txn.VersionChainLink, slot common.TupleSlot, oldest common.Timestamp) {
	for {
		head := table.AtomicReadVersionPtr(slot)
		if head == nil {
			return
		}

		if common.NewerThan(oldest, head.Timestamp()) {
			if table.CompareAndSwapVersionPtr(slot, head, nil) {
				return
			}
			continue
		}

		curr := head
		for curr.Next() != nil && !common.NewerThan(oldest, curr.Next().Timestamp()) {
			curr = curr.Next()
		}
		if curr.Next() != nil {
			curr.SetNext(nil)
		}

		if head.Timestamp().IsRunning() && table.AtomicReadVersionPtr(slot) != head {
			continue
		}
		return
	}
}

// ReclaimSlotIfDeleted implements spec.md §4.5.2.
func ReclaimSlotIfDeleted(undo *txn.UndoRecord) {
	if undo.Kind == txn.UndoDelete {
		undo.Table.Deallocate(undo.Slot)
	}
}

// ReclaimBufferIfVarlen implements spec.md §4.5.3. undo.Delta is the
// full pre-write row image (see DESIGN.md's before-image
// simplification), so every non-null varlen column it carries that
// needs reclamation is moved onto the owning transaction's loose
// pointers — a strict superset of the original's "only the columns
// the update actually touched", safe here because
// ProjectedRow.Clone() deep-copies and no two clones ever alias the
// same backing array.
func ReclaimBufferIfVarlen(t *txn.TransactionContext, undo *txn.UndoRecord, onReclaim func(row.VarlenEntry)) {
	if undo.Kind == txn.UndoInsert || undo.Delta == nil {
		return
	}
	for _, i := range undo.Delta.Layout.VarlenColumns() {
		if undo.Delta.IsNull(i) {
			continue
		}
		v := undo.Delta.Varlen(i)
		if !v.NeedsReclaim() {
			continue
		}
		t.LoosePtrs = append(t.LoosePtrs, v)
		if onReclaim != nil {
			onReclaim(v)
		}
	}
}
