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

package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MageMasher/terrier/pkg/blockstore"
	"github.com/MageMasher/terrier/pkg/common"
	"github.com/MageMasher/terrier/pkg/row"
	"github.com/MageMasher/terrier/pkg/txn"
)

func testLayout() *row.RowLayout {
	return row.NewRowLayout(
		[]common.ColumnID{0, 1},
		[]common.ColumnType{common.ColBigInt, common.ColVarchar},
	)
}

func newTestTable() (*DataTable, *txn.TxnMgr) {
	layout := testLayout()
	blocks := blockstore.NewBlockManager()
	dt := NewDataTable(1, 1, layout, blocks)
	mgr := txn.NewTxnMgr(txn.TxnMgrOptions{}, nil)
	return dt, mgr
}

func makeRow(layout *row.RowLayout, key int64, payload string) *row.ProjectedRow {
	r := row.NewProjectedRow(layout)
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

func payloadOf(t *testing.T, r *row.ProjectedRow) string {
	t.Helper()
	require.NotNil(t, r)
	return string(r.Varlen(1).Content())
}

func TestInsertNotVisibleToConcurrentReaderBeforeCommit(t *testing.T) {
	dt, mgr := newTestTable()
	layout := testLayout()

	readerBefore := mgr.Begin()
	writer := mgr.Begin()

	slot, err := dt.Insert(writer, makeRow(layout, 1, "v1"))
	require.NoError(t, err)

	_, ok := dt.Select(readerBefore, slot)
	assert.False(t, ok, "an in-flight insert must not be visible to a transaction that began earlier")

	_, err = mgr.Commit(writer, nil, nil)
	require.NoError(t, err)
}

func TestInsertVisibleAfterCommitToLaterReader(t *testing.T) {
	dt, mgr := newTestTable()
	layout := testLayout()

	writer := mgr.Begin()
	slot, err := dt.Insert(writer, makeRow(layout, 1, "v1"))
	require.NoError(t, err)
	_, err = mgr.Commit(writer, nil, nil)
	require.NoError(t, err)

	reader := mgr.Begin()
	got, ok := dt.Select(reader, slot)
	require.True(t, ok)
	assert.Equal(t, "v1", payloadOf(t, got))
}

func TestUpdateInvisibleToEarlierReaderButVisibleAfterCommit(t *testing.T) {
	dt, mgr := newTestTable()
	layout := testLayout()

	writer := mgr.Begin()
	slot, err := dt.Insert(writer, makeRow(layout, 1, "v1"))
	require.NoError(t, err)
	_, err = mgr.Commit(writer, nil, nil)
	require.NoError(t, err)

	readerBefore := mgr.Begin()

	updater := mgr.Begin()
	require.NoError(t, dt.Update(updater, slot, makeRow(layout, 1, "v2")))

	_, err = mgr.Commit(updater, nil, nil)
	require.NoError(t, err)

	got, ok := dt.Select(readerBefore, slot)
	require.True(t, ok)
	assert.Equal(t, "v1", payloadOf(t, got), "reader that began before the update committed must still see the pre-update row, even though the update is now committed")

	readerAfter := mgr.Begin()
	got, ok = dt.Select(readerAfter, slot)
	require.True(t, ok)
	assert.Equal(t, "v2", payloadOf(t, got))
}

func TestAbortedUpdateRollsBackPhysicalTupleAndChain(t *testing.T) {
	dt, mgr := newTestTable()
	layout := testLayout()

	writer := mgr.Begin()
	slot, err := dt.Insert(writer, makeRow(layout, 1, "v1"))
	require.NoError(t, err)
	_, err = mgr.Commit(writer, nil, nil)
	require.NoError(t, err)

	updater := mgr.Begin()
	require.NoError(t, dt.Update(updater, slot, makeRow(layout, 1, "v2")))
	updaterCommitTs, err := mgr.Commit(updater, nil, nil)
	require.NoError(t, err)

	aborter := mgr.Begin()
	require.NoError(t, dt.Update(aborter, slot, makeRow(layout, 1, "v3")))
	mgr.Abort(aborter)

	reader := mgr.Begin()
	got, ok := dt.Select(reader, slot)
	require.True(t, ok)
	assert.Equal(t, "v2", payloadOf(t, got), "abort must roll the physical tuple back to its pre-write value")

	head := dt.AtomicReadVersionPtr(slot)
	assert.Equal(t, updaterCommitTs, head.Timestamp(), "the aborted node must be unlinked, leaving the updater's node at the head")
}

func TestAbortedDoubleUpdateOnSameSlotRestoresTruePreTransactionState(t *testing.T) {
	dt, mgr := newTestTable()
	layout := testLayout()

	writer := mgr.Begin()
	slot, err := dt.Insert(writer, makeRow(layout, 1, "v1"))
	require.NoError(t, err)
	insertCommitTs, err := mgr.Commit(writer, nil, nil)
	require.NoError(t, err)

	aborter := mgr.Begin()
	require.NoError(t, dt.Update(aborter, slot, makeRow(layout, 1, "v2")))
	require.NoError(t, dt.Update(aborter, slot, makeRow(layout, 1, "v3")))
	mgr.Abort(aborter)

	reader := mgr.Begin()
	got, ok := dt.Select(reader, slot)
	require.True(t, ok)
	assert.Equal(t, "v1", payloadOf(t, got),
		"undoing a double write must land on the true pre-transaction value, not the first write's intermediate image")

	head := dt.AtomicReadVersionPtr(slot)
	assert.Equal(t, insertCommitTs, head.Timestamp(), "both aborted nodes must be unlinked, leaving the original insert at the head")
	assert.Nil(t, head.Next())
}

func TestDeleteThenSelectIsInvisible(t *testing.T) {
	dt, mgr := newTestTable()
	layout := testLayout()

	writer := mgr.Begin()
	slot, err := dt.Insert(writer, makeRow(layout, 1, "v1"))
	require.NoError(t, err)
	_, err = mgr.Commit(writer, nil, nil)
	require.NoError(t, err)

	deleter := mgr.Begin()
	require.NoError(t, dt.Delete(deleter, slot))
	_, err = mgr.Commit(deleter, nil, nil)
	require.NoError(t, err)

	reader := mgr.Begin()
	_, ok := dt.Select(reader, slot)
	assert.False(t, ok)
}

func TestAbortedDeleteRestoresVisibility(t *testing.T) {
	dt, mgr := newTestTable()
	layout := testLayout()

	writer := mgr.Begin()
	slot, err := dt.Insert(writer, makeRow(layout, 1, "v1"))
	require.NoError(t, err)
	_, err = mgr.Commit(writer, nil, nil)
	require.NoError(t, err)

	deleter := mgr.Begin()
	require.NoError(t, dt.Delete(deleter, slot))
	mgr.Abort(deleter)

	reader := mgr.Begin()
	got, ok := dt.Select(reader, slot)
	require.True(t, ok)
	assert.Equal(t, "v1", payloadOf(t, got))
}

func TestDoubleDeleteRejected(t *testing.T) {
	dt, mgr := newTestTable()
	layout := testLayout()

	writer := mgr.Begin()
	slot, err := dt.Insert(writer, makeRow(layout, 1, "v1"))
	require.NoError(t, err)
	_, err = mgr.Commit(writer, nil, nil)
	require.NoError(t, err)

	d1 := mgr.Begin()
	require.NoError(t, dt.Delete(d1, slot))
	_, err = mgr.Commit(d1, nil, nil)
	require.NoError(t, err)

	d2 := mgr.Begin()
	assert.Error(t, dt.Delete(d2, slot))
}

func TestCompareAndSwapVersionPtrFailsOnStaleExpected(t *testing.T) {
	dt, mgr := newTestTable()
	layout := testLayout()

	writer := mgr.Begin()
	slot, err := dt.Insert(writer, makeRow(layout, 1, "v1"))
	require.NoError(t, err)

	head := dt.AtomicReadVersionPtr(slot)
	fake := &txn.UndoRecord{}

	assert.True(t, dt.CompareAndSwapVersionPtr(slot, head, fake), "CAS against the true current head succeeds")
	assert.False(t, dt.CompareAndSwapVersionPtr(slot, head, fake), "a second CAS against the now-stale head must fail")

	mgr.Abort(writer)
}

func TestUpdateUnknownSlotFails(t *testing.T) {
	dt, mgr := newTestTable()
	layout := testLayout()
	writer := mgr.Begin()
	err := dt.Update(writer, common.TupleSlot{Block: 99, Offset: 1}, makeRow(layout, 1, "v1"))
	assert.Error(t, err)
}
