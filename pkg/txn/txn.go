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

// Package txn implements C2: the MVCC transaction manager. It owns
// timestamp allocation, the running-transaction table, commit/abort,
// and handoff of finished transactions to the WAL pipeline and the
// garbage collector.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"

	"github.com/MageMasher/terrier/pkg/common"
	"github.com/MageMasher/terrier/pkg/recordbuf"
	"github.com/MageMasher/terrier/pkg/row"
	"github.com/MageMasher/terrier/pkg/util"
)

// UndoKind discriminates the three kinds of undo node spec.md names.
type UndoKind uint8

const (
	UndoInsert UndoKind = iota
	UndoUpdate
	UndoDelete
)

// VersionChainLink is the minimal surface an UndoRecord's owning
// table must satisfy so C2/C5 can walk and CAS version chains
// without importing pkg/table (which depends on pkg/txn, not the
// other way around).
type VersionChainLink interface {
	AtomicReadVersionPtr(slot common.TupleSlot) *UndoRecord
	CompareAndSwapVersionPtr(slot common.TupleSlot, expected, new *UndoRecord) bool
	// RollbackAndUnlink replays u's before-image onto the live tuple
	// (spec.md §4.2's "roll back the tuple in place") and then
	// removes u from its slot's version chain.
	RollbackAndUnlink(u *UndoRecord)
	// Deallocate returns a slot to the table's free list. Called by
	// the garbage collector's reclaim_slot_if_deleted (spec.md
	// §4.5.2) once no running transaction can still reach it.
	Deallocate(slot common.TupleSlot)
}

// UndoRecord is one node of a tuple slot's version chain: the kind of
// write, the writing transaction's timestamp (running at first,
// overwritten with the commit ts during Commit), the owning table,
// the slot it concerns, an atomic `next` pointer, and — for
// UPDATE/DELETE — the before-image delta needed to roll the tuple
// back on abort.
type UndoRecord struct {
	Kind  UndoKind
	Ts    atomic.Uint64 // common.Timestamp, stored as raw bits
	Table VersionChainLink
	Slot  common.TupleSlot
	next  atomic.Pointer[UndoRecord]
	Delta *row.ProjectedRow // nil for INSERT
}

func (u *UndoRecord) Timestamp() common.Timestamp { return common.Timestamp(u.Ts.Load()) }

func (u *UndoRecord) setTimestamp(ts common.Timestamp) { u.Ts.Store(uint64(ts)) }

func (u *UndoRecord) Next() *UndoRecord { return u.next.Load() }

func (u *UndoRecord) SetNext(n *UndoRecord) { u.next.Store(n) }

func (u *UndoRecord) CASNext(expected, new *UndoRecord) bool {
	return u.next.CompareAndSwap(expected, new)
}

// RedoRecord is the durable twin of an UPDATE/INSERT undo: no `next`
// pointer, because it is never linked into a chain — it only ever
// travels once through the WAL pipeline.
type RedoRecord struct {
	Kind      UndoKind
	BeginTs   common.Timestamp
	CommitTs  common.Timestamp // filled in at commit time
	DBOid     common.DatabaseOID
	TableOid  common.TableOID
	Slot      common.TupleSlot
	Delta     *row.ProjectedRow
	IsCommit  bool
	Callback  func(args any)
	CallbackArg any
}

// TransactionContext is the per-transaction state spec.md §3
// describes: undo/redo buffers, loose pointers awaiting reclamation,
// abort/log-processed flags, and begin/finish timestamps.
type TransactionContext struct {
	mgr *TxnMgr

	beginTs  atomic.Uint64
	finishTs atomic.Uint64

	undoBuf *recordbuf.Buffer[UndoRecord]
	redoBuf *recordbuf.Buffer[RedoRecord]

	LoosePtrs []row.VarlenEntry

	aborted      atomic.Bool
	logProcessed atomic.Bool

	// linked list of undo nodes this txn installed, in append order,
	// kept separately from undoBuf's segment storage so Commit/Abort
	// can walk "this txn's writes" without re-deriving it from the
	// chain (the chain also contains other txns' nodes).
	writes []*UndoRecord
}

func (t *TransactionContext) BeginTs() common.Timestamp { return common.Timestamp(t.beginTs.Load()) }

func (t *TransactionContext) FinishTs() common.Timestamp { return common.Timestamp(t.finishTs.Load()) }

func (t *TransactionContext) Aborted() bool { return t.aborted.Load() }

func (t *TransactionContext) LogProcessed() bool { return t.logProcessed.Load() }

func (t *TransactionContext) SetLogProcessed() { t.logProcessed.Store(true) }

// HasWrites reports whether this transaction performed any write —
// I3's "followed only if the transaction performed any write" gate.
func (t *TransactionContext) HasWrites() bool { return len(t.writes) > 0 }

// StageUndo appends a new undo node to this transaction's undo
// buffer and bookkeeping list. It does not install the node into any
// version chain; the caller (pkg/table) does that with CAS after the
// node is fully populated.
func (t *TransactionContext) StageUndo(kind UndoKind, table VersionChainLink, slot common.TupleSlot, delta *row.ProjectedRow) (*UndoRecord, error) {
	rec := UndoRecord{Kind: kind, Table: table, Slot: slot, Delta: delta}
	rec.setTimestamp(t.BeginTs())
	slotPtr, err := t.undoBuf.Append(rec)
	if err != nil {
		return nil, err
	}
	t.writes = append(t.writes, slotPtr)
	return slotPtr, nil
}

// StageRedo appends a durable twin of a write to the redo buffer.
// Called alongside StageUndo for every UPDATE/INSERT/DELETE.
func (t *TransactionContext) StageRedo(rec RedoRecord) error {
	rec.BeginTs = t.BeginTs()
	_, err := t.redoBuf.Append(rec)
	return err
}

// ForEachWrite walks every undo node this transaction installed, in
// the order it installed them. Used by Commit and by C5's Phase 3
// unlink walk.
func (t *TransactionContext) ForEachWrite(fn func(*UndoRecord)) {
	for _, w := range t.writes {
		fn(w)
	}
}

// ForEachWriteReverse walks every undo node this transaction
// installed, newest-installed-first. Abort uses this: RollbackAndUnlink
// applies each undo's Delta as a full-row overwrite, so when a
// transaction writes the same slot more than once, undoing in reverse
// is what lands the tuple back at its true pre-transaction state
// instead of an intermediate pre-image.
func (t *TransactionContext) ForEachWriteReverse(fn func(*UndoRecord)) {
	for i := len(t.writes) - 1; i >= 0; i-- {
		fn(t.writes[i])
	}
}

// ForEachRedo walks this transaction's redo buffer in append order —
// the order the WAL serializer consumes it in, which is also the
// order the records must appear on disk. Called exactly once, by the
// serializer stage after C2 hands the transaction off via
// AddBufferToFlushQueue.
func (t *TransactionContext) ForEachRedo(fn func(*RedoRecord) bool) {
	t.redoBuf.ForEach(fn)
}

// ReleaseRedo returns the redo buffer's segments to the pool. Called
// by the WAL pipeline once every record has been encoded into a
// writer buffer.
func (t *TransactionContext) ReleaseRedo() {
	t.redoBuf.Release()
}

// runningEntry is the element type of TxnMgr's running-txn ordered
// table.
type runningEntry struct {
	ts  uint64
	txn *TransactionContext
}

func runningEntryLess(a, b runningEntry) bool { return a.ts < b.ts }

// TxnMgr is C2: the transaction manager. Grounded on
// pkg/storage/txn.go's TxnMgr — underscore-prefixed private fields,
// a commit latch built from util.ReentryLock — generalized from
// DuckDB chunk-visibility MVCC to per-slot undo chains.
type TxnMgr struct {
	_nextTs atomic.Uint64 // global timestamp counter, never hands out 0

	_runningLock sync.Mutex
	_running     *btree.BTreeG[runningEntry]

	_commitLatch sync.Locker

	_completedLock sync.Mutex
	_completed     []*TransactionContext

	_undoPool *recordbuf.Pool[UndoRecord]
	_redoPool *recordbuf.Pool[RedoRecord]

	_logHandoff func(*TransactionContext) // wired to the WAL pipeline's AddBufferToFlushQueue
}

type TxnMgrOptions struct {
	UndoPoolCapacity int
	RedoPoolCapacity int
}

func NewTxnMgr(opts TxnMgrOptions, logHandoff func(*TransactionContext)) *TxnMgr {
	m := &TxnMgr{
		_running:     btree.NewBTreeG(runningEntryLess),
		_commitLatch: util.NewReentryLock(),
		_undoPool:    recordbuf.NewPool[UndoRecord](opts.UndoPoolCapacity),
		_redoPool:    recordbuf.NewPool[RedoRecord](opts.RedoPoolCapacity),
		_logHandoff:  logHandoff,
	}
	m._nextTs.Store(1) // 0 is the reserved "no transaction" sentinel
	return m
}

// Begin allocates a running timestamp, registers it in the running
// table, and returns a fresh TransactionContext.
func (m *TxnMgr) Begin() *TransactionContext {
	raw := m._nextTs.Add(1) - 1
	beginTs := common.MakeRunning(raw)

	txn := &TransactionContext{
		mgr:     m,
		undoBuf: recordbuf.NewBuffer(m._undoPool),
		redoBuf: recordbuf.NewBuffer(m._redoPool),
	}
	txn.beginTs.Store(uint64(beginTs))

	m._runningLock.Lock()
	m._running.Set(runningEntry{ts: uint64(beginTs), txn: txn})
	m._runningLock.Unlock()

	return txn
}

func (m *TxnMgr) removeFromRunning(txn *TransactionContext) {
	m._runningLock.Lock()
	m._running.Delete(runningEntry{ts: uint64(txn.BeginTs())})
	m._runningLock.Unlock()
}

func (m *TxnMgr) enqueueCompleted(txn *TransactionContext) {
	m._completedLock.Lock()
	m._completed = append(m._completed, txn)
	m._completedLock.Unlock()
}

// CompletedTransactionsForGC move-returns the completed queue; the
// manager retains no references afterwards.
func (m *TxnMgr) CompletedTransactionsForGC() []*TransactionContext {
	m._completedLock.Lock()
	defer m._completedLock.Unlock()
	out := m._completed
	m._completed = nil
	return out
}

// OldestRunningStartTime returns the minimum begin ts among
// currently active transactions, or "now" (the next ts the counter
// would hand out) if the running table is empty.
func (m *TxnMgr) OldestRunningStartTime() common.Timestamp {
	m._runningLock.Lock()
	defer m._runningLock.Unlock()
	var min common.Timestamp
	found := false
	m._running.Ascend(runningEntry{}, func(e runningEntry) bool {
		min = common.Timestamp(e.ts)
		found = true
		return false
	})
	if !found {
		return common.MakeCommitted(m._nextTs.Load())
	}
	return min
}

// Now peeks the global timestamp counter without allocating from it —
// used by C5 as its notion of "the current logical time" when
// recording last_unlinked (spec.md §4.5 Phase 3).
func (m *TxnMgr) Now() common.Timestamp {
	return common.MakeCommitted(m._nextTs.Load())
}

// Commit implements spec.md §4.2's commit algorithm. cb is invoked
// synchronously for read-only/no-write transactions; for writers it
// is handed to the WAL pipeline and invoked only after durability.
func (m *TxnMgr) Commit(t *TransactionContext, cb func(arg any), cbArg any) (common.Timestamp, error) {
	if t.Aborted() {
		return 0, fmt.Errorf("txn: cannot commit an aborted transaction")
	}

	if !t.HasWrites() {
		commitTs := common.MakeCommitted(m._nextTs.Add(1) - 1)
		t.finishTs.Store(uint64(commitTs))
		m.removeFromRunning(t)
		m.enqueueCompleted(t)
		if cb != nil {
			cb(cbArg)
		}
		t.SetLogProcessed()
		return commitTs, nil
	}

	m._commitLatch.Lock()
	defer m._commitLatch.Unlock()

	if fault := util.Check(util.FAULTS_SCOPE_TXN, "return_err_after_storage_commit"); fault != nil {
		if err := fault.Action(fault.Args); err != nil {
			return 0, err
		}
	}

	commitTs := common.MakeCommitted(m._nextTs.Add(1) - 1)

	t.ForEachWrite(func(u *UndoRecord) {
		u.setTimestamp(commitTs)
	})

	if _, err := t.redoBuf.Append(RedoRecord{
		IsCommit:    true,
		BeginTs:     t.BeginTs(),
		CommitTs:    commitTs,
		Callback:    cb,
		CallbackArg: cbArg,
	}); err != nil {
		return 0, err
	}

	t.finishTs.Store(uint64(commitTs))
	m.removeFromRunning(t)
	m.enqueueCompleted(t)

	if m._logHandoff != nil {
		m._logHandoff(t)
	}

	return commitTs, nil
}

// Abort rolls back every undo node this transaction installed,
// unlinking each from its version chain, then discards the redo
// buffer without emitting a commit record.
func (m *TxnMgr) Abort(t *TransactionContext) {
	t.aborted.Store(true)

	t.ForEachWriteReverse(func(u *UndoRecord) {
		u.Table.RollbackAndUnlink(u)
	})

	t.redoBuf.Release()
	t.finishTs.Store(uint64(common.MakeCommitted(m._nextTs.Add(1) - 1)))
	m.removeFromRunning(t)
	m.enqueueCompleted(t)
	t.SetLogProcessed()
}
