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

// Package table implements C3: the data-table MVCC primitives —
// atomic version-pointer read/CAS, slot deallocation, and the
// insert/update/select orchestration built on top of them.
package table

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MageMasher/terrier/pkg/blockstore"
	"github.com/MageMasher/terrier/pkg/common"
	"github.com/MageMasher/terrier/pkg/row"
	"github.com/MageMasher/terrier/pkg/txn"
)

// ErrWriteConflict is returned by Update/Delete when a concurrent
// writer's CAS on the version pointer won the race — per spec.md
// §7, the caller must abort the transaction.
var ErrWriteConflict = fmt.Errorf("table: write conflict")

type slotState struct {
	version atomic.Pointer[txn.UndoRecord]
	mu      sync.Mutex
	tuple   *row.ProjectedRow
	deleted bool
}

// DataTable is C3. One DataTable owns one logical table's tuple
// slots, each with its own version chain head and physical "current"
// row image. Grounded on spec.md §4.3 directly; borrows
// pkg/storage/block.go's mutex-plus-atomic-state idiom for the
// per-slot bookkeeping underneath a TupleSlot, via pkg/blockstore.
type DataTable struct {
	DBOid   common.DatabaseOID
	Oid     common.TableOID
	Layout  *row.RowLayout
	blocks  *blockstore.BlockManager
	curBlk  *blockstore.Block
	blkMu   sync.Mutex
	slots   sync.Map // common.TupleSlot -> *slotState
}

func NewDataTable(db common.DatabaseOID, oid common.TableOID, layout *row.RowLayout, blocks *blockstore.BlockManager) *DataTable {
	return &DataTable{DBOid: db, Oid: oid, Layout: layout, blocks: blocks}
}

func (t *DataTable) allocateSlot() common.TupleSlot {
	t.blkMu.Lock()
	defer t.blkMu.Unlock()
	for {
		if t.curBlk == nil {
			t.curBlk = t.blocks.AllocateBlock(blockstore.DefaultBlockCapacity)
		}
		if off, ok := t.curBlk.Allocate(); ok {
			return common.TupleSlot{Block: t.curBlk.ID, Offset: off}
		}
		t.curBlk = t.blocks.AllocateBlock(blockstore.DefaultBlockCapacity)
	}
}

// AtomicReadVersionPtr is an acquire-load of a slot's version chain
// head.
func (t *DataTable) AtomicReadVersionPtr(slot common.TupleSlot) *txn.UndoRecord {
	s, ok := t.slots.Load(slot)
	if !ok {
		return nil
	}
	return s.(*slotState).version.Load()
}

// CompareAndSwapVersionPtr installs new as the chain head iff the
// current head is still expected.
func (t *DataTable) CompareAndSwapVersionPtr(slot common.TupleSlot, expected, new *txn.UndoRecord) bool {
	s, ok := t.slots.Load(slot)
	if !ok {
		return false
	}
	return s.(*slotState).version.CompareAndSwap(expected, new)
}

// RollbackAndUnlink implements the table half of abort: replay u's
// before-image onto the live tuple, then remove u from the chain —
// CAS at the head, or pointer surgery in the interior if a newer
// writer has already linked past u. A node that is not in the chain
// (its installing CAS lost) is left alone, so the winner's tuple is
// not overwritten.
func (t *DataTable) RollbackAndUnlink(u *txn.UndoRecord) {
	sAny, ok := t.slots.Load(u.Slot)
	if !ok {
		return
	}
	s := sAny.(*slotState)

	installed := false
	for cur := s.version.Load(); cur != nil; cur = cur.Next() {
		if cur == u {
			installed = true
			break
		}
	}
	if !installed {
		return
	}

	s.mu.Lock()
	switch u.Kind {
	case txn.UndoInsert:
		s.deleted = true
	case txn.UndoDelete:
		s.deleted = false
		s.tuple = u.Delta
	case txn.UndoUpdate:
		applyDelta(s.tuple, u.Delta)
	}
	s.mu.Unlock()

	for {
		head := s.version.Load()
		if head == u {
			if s.version.CompareAndSwap(u, u.Next()) {
				return
			}
			continue
		}
		for cur := head; cur != nil; cur = cur.Next() {
			if cur.Next() == u {
				cur.SetNext(u.Next())
				return
			}
		}
		return
	}
}

// Deallocate returns a slot to its block's free list. The caller
// (GC, via reclaim_slot_if_deleted / Phase 2) has already proved no
// version is live there.
func (t *DataTable) Deallocate(slot common.TupleSlot) {
	t.slots.Delete(slot)
	if blk, ok := t.blocks.Get(slot.Block); ok {
		blk.Deallocate(slot.Offset)
	}
}

// Insert stages an INSERT undo node (no delta — there is no prior
// version to roll back to) and installs it at a freshly allocated
// slot's chain head.
func (t *DataTable) Insert(tx *txn.TransactionContext, delta *row.ProjectedRow) (common.TupleSlot, error) {
	slot := t.allocateSlot()
	s := &slotState{tuple: delta.Clone()}
	t.slots.Store(slot, s)

	undo, err := tx.StageUndo(txn.UndoInsert, t, slot, nil)
	if err != nil {
		return common.TupleSlot{}, err
	}
	s.version.Store(undo)

	if err := tx.StageRedo(txn.RedoRecord{
		Kind:     txn.UndoInsert,
		DBOid:    t.DBOid,
		TableOid: t.Oid,
		Slot:     slot,
		Delta:    delta,
	}); err != nil {
		return common.TupleSlot{}, err
	}
	return slot, nil
}

// Update stages an UPDATE undo node carrying the pre-write row image,
// installs it at the chain head with CAS, and — only on success —
// applies the new values to the physical tuple. A losing CAS returns
// ErrWriteConflict without mutating anything.
func (t *DataTable) Update(tx *txn.TransactionContext, slot common.TupleSlot, delta *row.ProjectedRow) error {
	sAny, ok := t.slots.Load(slot)
	if !ok {
		return fmt.Errorf("table: unknown slot %+v", slot)
	}
	s := sAny.(*slotState)

	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return fmt.Errorf("table: update of deleted slot %+v", slot)
	}
	before := s.tuple.Clone()
	s.mu.Unlock()

	undo, err := tx.StageUndo(txn.UndoUpdate, t, slot, before)
	if err != nil {
		return err
	}

	head := s.version.Load()
	undo.SetNext(head)
	if !s.version.CompareAndSwap(head, undo) {
		return ErrWriteConflict
	}

	s.mu.Lock()
	applyDelta(s.tuple, delta)
	s.mu.Unlock()

	return tx.StageRedo(txn.RedoRecord{
		Kind:     txn.UndoUpdate,
		DBOid:    t.DBOid,
		TableOid: t.Oid,
		Slot:     slot,
		Delta:    delta,
	})
}

// Delete stages a DELETE undo node carrying the full pre-delete row
// (so abort or a pre-delete reader can reconstruct it), installs it
// with CAS, and marks the slot logically deleted on success.
func (t *DataTable) Delete(tx *txn.TransactionContext, slot common.TupleSlot) error {
	sAny, ok := t.slots.Load(slot)
	if !ok {
		return fmt.Errorf("table: unknown slot %+v", slot)
	}
	s := sAny.(*slotState)

	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return fmt.Errorf("table: double delete of slot %+v", slot)
	}
	before := s.tuple.Clone()
	s.mu.Unlock()

	undo, err := tx.StageUndo(txn.UndoDelete, t, slot, before)
	if err != nil {
		return err
	}

	head := s.version.Load()
	undo.SetNext(head)
	if !s.version.CompareAndSwap(head, undo) {
		return ErrWriteConflict
	}

	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()

	return tx.StageRedo(txn.RedoRecord{
		Kind:     txn.UndoDelete,
		DBOid:    t.DBOid,
		TableOid: t.Oid,
		Slot:     slot,
	})
}

// Select reconstructs the version of slot visible to reader, walking
// the chain head-to-tail and rolling back every node not yet visible
// to it, stopping at the first visible node (or the chain's end).
// ok is false if the visible reconstruction is a logically deleted or
// not-yet-inserted row.
func (t *DataTable) Select(reader *txn.TransactionContext, slot common.TupleSlot) (*row.ProjectedRow, bool) {
	sAny, ok := t.slots.Load(slot)
	if !ok {
		return nil, false
	}
	s := sAny.(*slotState)

	s.mu.Lock()
	result := s.tuple.Clone()
	deleted := s.deleted
	head := s.version.Load()
	s.mu.Unlock()

	readerTs := reader.BeginTs()
	for curr := head; curr != nil; curr = curr.Next() {
		if visibleTo(curr.Timestamp(), readerTs) {
			break
		}
		switch curr.Kind {
		case txn.UndoInsert:
			deleted = true
			result = nil
		case txn.UndoDelete:
			deleted = false
			result = curr.Delta.Clone()
		case txn.UndoUpdate:
			if result != nil {
				applyDelta(result, curr.Delta)
			}
		}
	}
	if deleted || result == nil {
		return nil, false
	}
	return result, true
}

// visibleTo implements spec.md §4.2's visibility rule: a node is
// visible to a reader if it is the reader's own (uncommitted) write,
// or if it is committed and its commit ts is <= the reader's ts.
//
// This is a raw counter comparison, not NewerThan: NewerThan treats
// the running/committed bit categorically (committed always "older"
// than running, regardless of counter value), which is exactly wrong
// here — by this point nodeTs is already known to be committed, and
// readerTs is virtually always a running begin-ts, so NewerThan(nodeTs,
// readerTs) would be false for every committed node against every
// running reader, collapsing visibility to "newest committed version"
// instead of "version as of my begin ts".
func visibleTo(nodeTs, readerTs common.Timestamp) bool {
	if nodeTs == readerTs {
		return true
	}
	if nodeTs.IsRunning() {
		return false
	}
	return nodeTs.Raw() <= readerTs.Raw()
}

// applyDelta overwrites dst's columns with src's, column by column,
// for whichever columns src's layout carries — used both to apply a
// committed write forward and to roll one back (the caller decides
// which direction by which ProjectedRow plays "src").
func applyDelta(dst, src *row.ProjectedRow) {
	if dst == nil || src == nil {
		return
	}
	for i := 0; i < src.NumColumns(); i++ {
		id := src.Layout.ColumnIDs[i]
		di := dst.Layout.ColumnIndex(id)
		if di < 0 {
			continue
		}
		if src.IsNull(i) {
			dst.SetNull(di, true)
			continue
		}
		dst.SetNull(di, false)
		switch {
		case src.Layout.ColumnTypes[i] == common.ColDecimal:
			dst.SetDecimal(di, src.DecimalAt(i))
		case src.Layout.ColumnTypes[i].IsVarlen():
			dst.SetVarlen(di, src.Varlen(i))
		default:
			dst.SetFixedBytes(di, src.FixedBytes(i))
		}
	}
}
