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

// Package row implements the compact row projection model: a
// ProjectedRow carries a subset of a tuple's columns plus a null
// bitmap, and a VarlenEntry is the out-of-line representation for
// variable-length attributes.
package row

import (
	"github.com/huandu/go-clone"

	decimal2 "github.com/govalues/decimal"

	"github.com/MageMasher/terrier/pkg/common"
	"github.com/MageMasher/terrier/pkg/util"
)

// varlenInlineThreshold is the largest payload stored inline in a
// VarlenEntry before it is spilled to an out-of-line buffer.
const varlenInlineThreshold = 12

// VarlenEntry is the durable/in-memory representation of a
// variable-length attribute: short values live inline, longer ones
// live in an out-of-line buffer reachable through ptr.
type VarlenEntry struct {
	size   uint32
	inline [varlenInlineThreshold]byte
	ptr    []byte
	// owned is true when this entry holds the only reference to ptr
	// and is responsible for handing it to the owning transaction's
	// loose pointers when superseded.
	owned bool
}

func NewVarlenEntry(data []byte, owned bool) VarlenEntry {
	v := VarlenEntry{size: uint32(len(data))}
	if len(data) <= varlenInlineThreshold {
		copy(v.inline[:], data)
		return v
	}
	v.ptr = data
	v.owned = owned
	return v
}

func (v VarlenEntry) Size() uint32 { return v.size }

func (v VarlenEntry) IsInlined() bool { return int(v.size) <= varlenInlineThreshold }

func (v VarlenEntry) NeedsReclaim() bool { return !v.IsInlined() && v.owned }

// Content returns the logical bytes regardless of storage location.
func (v VarlenEntry) Content() []byte {
	if v.IsInlined() {
		return v.inline[:v.size]
	}
	return v.ptr
}

// Decimal is carried as its own typed column rather than raw bytes:
// govalues/decimal exposes no confirmed fixed-width binary layout in
// the retrieved reference material, so ProjectedRow keeps decimals in
// a parallel typed slice instead of guessing an encoding.
type Decimal struct {
	decimal2.Decimal
}

func (d Decimal) Equal(o Decimal) bool { return d.Decimal.Cmp(o.Decimal) == 0 }

// RowLayout describes the physical shape shared by every ProjectedRow
// built over a given table: which columns exist, in what order, and
// which storage region (fixed / varlen / decimal) each lands in.
type RowLayout struct {
	ColumnIDs   []common.ColumnID
	ColumnTypes []common.ColumnType
	// fixedOffset[i] is the byte offset into the fixed region for
	// column i, or -1 if column i is not a fixed-width column.
	fixedOffset []int
	fixedSize   int
	// varlenIndex[i] is the index into ProjectedRow.varlens for
	// column i, or -1.
	varlenIndex []int
	numVarlen   int
	// decimalIndex[i] is the index into ProjectedRow.decimals for
	// column i, or -1.
	decimalIndex []int
	numDecimal   int
}

func NewRowLayout(colIDs []common.ColumnID, colTypes []common.ColumnType) *RowLayout {
	l := &RowLayout{
		ColumnIDs:    colIDs,
		ColumnTypes:  colTypes,
		fixedOffset:  make([]int, len(colIDs)),
		varlenIndex:  make([]int, len(colIDs)),
		decimalIndex: make([]int, len(colIDs)),
	}
	off := 0
	for i, t := range colTypes {
		l.fixedOffset[i] = -1
		l.varlenIndex[i] = -1
		l.decimalIndex[i] = -1
		switch {
		case t == common.ColDecimal:
			l.decimalIndex[i] = l.numDecimal
			l.numDecimal++
		case t.IsVarlen():
			l.varlenIndex[i] = l.numVarlen
			l.numVarlen++
		default:
			l.fixedOffset[i] = off
			off += t.FixedSize()
		}
	}
	l.fixedSize = off
	return l
}

func (l *RowLayout) NumColumns() int { return len(l.ColumnIDs) }

func (l *RowLayout) ColumnIndex(id common.ColumnID) int {
	for i, c := range l.ColumnIDs {
		if c == id {
			return i
		}
	}
	return -1
}

// ProjectedRow is a row projection over a RowLayout: a null bitmap
// plus the three storage regions a column may live in.
type ProjectedRow struct {
	Layout   *RowLayout
	Bitmap   util.Bitmap
	fixed    []byte
	varlens  []VarlenEntry
	decimals []Decimal
}

func NewProjectedRow(layout *RowLayout) *ProjectedRow {
	r := &ProjectedRow{
		Layout:   layout,
		fixed:    make([]byte, layout.fixedSize),
		varlens:  make([]VarlenEntry, layout.numVarlen),
		decimals: make([]Decimal, layout.numDecimal),
	}
	// Every column starts out null until a caller sets it.
	r.Bitmap.Init(layout.NumColumns())
	r.Bitmap.SetAllInvalid(layout.NumColumns())
	return r
}

func (r *ProjectedRow) NumColumns() int { return r.Layout.NumColumns() }

func (r *ProjectedRow) IsNull(i int) bool { return !r.Bitmap.RowIsValid(uint64(i)) }

func (r *ProjectedRow) SetNull(i int, isNull bool) { r.Bitmap.Set(uint64(i), !isNull) }

func (r *ProjectedRow) FixedBytes(i int) []byte {
	off := r.Layout.fixedOffset[i]
	if off < 0 {
		return nil
	}
	sz := r.Layout.ColumnTypes[i].FixedSize()
	return r.fixed[off : off+sz]
}

func (r *ProjectedRow) SetFixedBytes(i int, data []byte) {
	copy(r.FixedBytes(i), data)
}

func (r *ProjectedRow) Varlen(i int) VarlenEntry {
	idx := r.Layout.varlenIndex[i]
	if idx < 0 {
		return VarlenEntry{}
	}
	return r.varlens[idx]
}

func (r *ProjectedRow) SetVarlen(i int, v VarlenEntry) {
	idx := r.Layout.varlenIndex[i]
	if idx < 0 {
		return
	}
	r.varlens[idx] = v
}

func (r *ProjectedRow) DecimalAt(i int) Decimal {
	idx := r.Layout.decimalIndex[i]
	if idx < 0 {
		return Decimal{}
	}
	return r.decimals[idx]
}

func (r *ProjectedRow) SetDecimal(i int, d Decimal) {
	idx := r.Layout.decimalIndex[i]
	if idx < 0 {
		return
	}
	r.decimals[idx] = d
}

// Clone deep-copies the row's mutable regions so an undo record's
// before-image cannot alias the live tuple it was taken from.
func (r *ProjectedRow) Clone() *ProjectedRow {
	return clone.Clone(r).(*ProjectedRow)
}

// VarlenColumns returns the column indices, in layout order, that are
// variable-length — used by GC's reclaim walk (4.5.3) which only
// scans varlen columns.
func (l *RowLayout) VarlenColumns() []int {
	out := make([]int, 0, l.numVarlen)
	for i, idx := range l.varlenIndex {
		if idx >= 0 {
			out = append(out, i)
		}
	}
	return out
}
