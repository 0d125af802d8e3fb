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

package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MageMasher/terrier/pkg/common"
)

// fakeTable is a minimal VersionChainLink used to exercise C2 without
// pulling in pkg/table (which would create an import cycle anyway).
type fakeTable struct {
	chains      map[common.TupleSlot]*UndoRecord
	rolledBack  []common.TupleSlot
	deallocated []common.TupleSlot
}

func newFakeTable() *fakeTable {
	return &fakeTable{chains: make(map[common.TupleSlot]*UndoRecord)}
}

func (f *fakeTable) AtomicReadVersionPtr(slot common.TupleSlot) *UndoRecord {
	return f.chains[slot]
}

func (f *fakeTable) CompareAndSwapVersionPtr(slot common.TupleSlot, expected, new *UndoRecord) bool {
	if f.chains[slot] != expected {
		return false
	}
	f.chains[slot] = new
	return true
}

func (f *fakeTable) RollbackAndUnlink(u *UndoRecord) {
	f.rolledBack = append(f.rolledBack, u.Slot)
	delete(f.chains, u.Slot)
}

func (f *fakeTable) Deallocate(slot common.TupleSlot) {
	f.deallocated = append(f.deallocated, slot)
}

func newTestMgr() *TxnMgr {
	return NewTxnMgr(TxnMgrOptions{UndoPoolCapacity: 0, RedoPoolCapacity: 0}, nil)
}

func TestBeginAssignsRunningTimestamp(t *testing.T) {
	mgr := newTestMgr()
	txn := mgr.Begin()
	assert.True(t, txn.BeginTs().IsRunning())
	assert.False(t, txn.HasWrites())
}

func TestCommitNoWritesFastPath(t *testing.T) {
	mgr := newTestMgr()
	txn := mgr.Begin()

	called := false
	commitTs, err := mgr.Commit(txn, func(any) { called = true }, nil)
	require.NoError(t, err)
	assert.True(t, called, "no-write commits invoke the callback synchronously")
	assert.True(t, commitTs.IsCommitted())
	assert.True(t, txn.LogProcessed())
}

func TestCommitWithWritesGoesThroughHandoff(t *testing.T) {
	table := newFakeTable()

	var handedOff *TransactionContext
	mgr := NewTxnMgr(TxnMgrOptions{}, func(tc *TransactionContext) { handedOff = tc })
	txn := mgr.Begin()

	slot := common.TupleSlot{Block: 1, Offset: 1}
	undo, err := txn.StageUndo(UndoInsert, table, slot, nil)
	require.NoError(t, err)
	table.chains[slot] = undo

	commitTs, err := mgr.Commit(txn, nil, nil)
	require.NoError(t, err)
	assert.True(t, commitTs.IsCommitted())
	assert.Same(t, txn, handedOff, "writer commits hand the transaction to the WAL pipeline")
	assert.Equal(t, commitTs, undo.Timestamp(), "commit timestamps overwrite the undo record's running ts")
}

func TestAbortRollsBackEveryWrite(t *testing.T) {
	mgr := newTestMgr()
	table := newFakeTable()
	txn := mgr.Begin()

	slotA := common.TupleSlot{Block: 1, Offset: 1}
	slotB := common.TupleSlot{Block: 1, Offset: 2}
	undoA, err := txn.StageUndo(UndoInsert, table, slotA, nil)
	require.NoError(t, err)
	undoB, err := txn.StageUndo(UndoUpdate, table, slotB, nil)
	require.NoError(t, err)
	table.chains[slotA] = undoA
	table.chains[slotB] = undoB

	mgr.Abort(txn)

	assert.True(t, txn.Aborted())
	assert.ElementsMatch(t, []common.TupleSlot{slotA, slotB}, table.rolledBack)
	assert.True(t, txn.LogProcessed())
}

func TestCommitAfterAbortFails(t *testing.T) {
	mgr := newTestMgr()
	txn := mgr.Begin()
	mgr.Abort(txn)

	_, err := mgr.Commit(txn, nil, nil)
	assert.Error(t, err)
}

func TestOldestRunningStartTimeTracksRunningTable(t *testing.T) {
	mgr := newTestMgr()
	first := mgr.Begin()
	second := mgr.Begin()

	oldest := mgr.OldestRunningStartTime()
	assert.Equal(t, first.BeginTs(), oldest)

	mgr.Commit(first, nil, nil)
	oldest = mgr.OldestRunningStartTime()
	assert.Equal(t, second.BeginTs(), oldest)

	mgr.Commit(second, nil, nil)
	// nothing running: returns a committed "now" timestamp, not a
	// running one.
	assert.True(t, mgr.OldestRunningStartTime().IsCommitted())
}

func TestCompletedTransactionsForGCDrainsOnce(t *testing.T) {
	mgr := newTestMgr()
	txn := mgr.Begin()
	mgr.Commit(txn, nil, nil)

	out := mgr.CompletedTransactionsForGC()
	require.Len(t, out, 1)
	assert.Same(t, txn, out[0])

	assert.Empty(t, mgr.CompletedTransactionsForGC())
}

func TestForEachWriteVisitsInAppendOrder(t *testing.T) {
	mgr := newTestMgr()
	table := newFakeTable()
	txn := mgr.Begin()

	var slots []common.TupleSlot
	for i := 0; i < 5; i++ {
		slot := common.TupleSlot{Block: 1, Offset: uint32(i)}
		slots = append(slots, slot)
		_, err := txn.StageUndo(UndoInsert, table, slot, nil)
		require.NoError(t, err)
	}

	var visited []common.TupleSlot
	txn.ForEachWrite(func(u *UndoRecord) { visited = append(visited, u.Slot) })
	assert.Equal(t, slots, visited)
}
