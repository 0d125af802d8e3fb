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

package wal

import (
	"bytes"
	"fmt"

	decimal2 "github.com/govalues/decimal"

	"github.com/MageMasher/terrier/pkg/common"
	"github.com/MageMasher/terrier/pkg/row"
	"github.com/MageMasher/terrier/pkg/txn"
	"github.com/MageMasher/terrier/pkg/util"
)

// RecordType discriminates the three wire record kinds spec.md §4.4
// tabulates.
type RecordType uint8

const (
	RecordRedo   RecordType = 0
	RecordDelete RecordType = 1
	RecordCommit RecordType = 2
)

// ErrCorruptRecord is the fatal error kind of spec.md §7: a corrupt
// record tag during replay.
var ErrCorruptRecord = fmt.Errorf("wal: corrupt record")

// memSerialize adapts a bytes.Buffer to util.Serialize so the record
// codec can reuse util.Write[T]/WriteString without touching the file
// until the whole record's size is known.
type memSerialize struct{ buf *bytes.Buffer }

func (m *memSerialize) WriteData(b []byte, length int) error {
	m.buf.Write(b[:length])
	return nil
}
func (m *memSerialize) Close() error { return nil }

// DecodedRecord is the parsed form of a wire record, used by replay
// and by the round-trip property test (P4).
type DecodedRecord struct {
	Type     RecordType
	TxnBegin common.Timestamp
	CommitTs common.Timestamp
	DBOid    common.DatabaseOID
	TableOid common.TableOID
	Slot     common.TupleSlot
	Delta    *row.ProjectedRow
}

// EncodeRecord renders a RedoRecord into the exact wire layout of
// spec.md §4.4. Fixed-width attributes are copied bit-exactly;
// variable-length and decimal columns are length-prefixed inline —
// pointers are never written.
func EncodeRecord(rec *txn.RedoRecord) ([]byte, error) {
	body := &bytes.Buffer{}
	bw := &memSerialize{buf: body}

	recType := RecordRedo
	switch {
	case rec.IsCommit:
		recType = RecordCommit
	case rec.Kind == txn.UndoDelete:
		recType = RecordDelete
	}

	if err := util.Write[uint8](uint8(recType), bw); err != nil {
		return nil, err
	}
	if err := util.Write[uint64](uint64(rec.BeginTs), bw); err != nil {
		return nil, err
	}

	if recType == RecordCommit {
		if err := util.Write[uint64](uint64(rec.CommitTs), bw); err != nil {
			return nil, err
		}
	} else {
		if err := util.Write[uint32](uint32(rec.DBOid), bw); err != nil {
			return nil, err
		}
		if err := util.Write[uint32](uint32(rec.TableOid), bw); err != nil {
			return nil, err
		}
		if err := util.Write[uint64](rec.Slot.Pack(), bw); err != nil {
			return nil, err
		}
		if recType == RecordRedo {
			if err := encodeDelta(bw, rec.Delta); err != nil {
				return nil, err
			}
		}
	}

	full := body.Bytes()
	out := &bytes.Buffer{}
	ow := &memSerialize{buf: out}
	if err := util.Write[uint32](uint32(len(full)), ow); err != nil {
		return nil, err
	}
	out.Write(full)
	return out.Bytes(), nil
}

func encodeDelta(w util.Serialize, delta *row.ProjectedRow) error {
	n := delta.NumColumns()
	if err := util.Write[uint16](uint16(n), w); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := util.Write[uint16](uint16(delta.Layout.ColumnIDs[i]), w); err != nil {
			return err
		}
	}
	if err := w.WriteData(delta.Bitmap.Data(), len(delta.Bitmap.Data())); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if delta.IsNull(i) {
			continue
		}
		t := delta.Layout.ColumnTypes[i]
		switch {
		case t == common.ColDecimal:
			if err := util.WriteString(delta.DecimalAt(i).String(), w); err != nil {
				return err
			}
		case t.IsVarlen():
			content := delta.Varlen(i).Content()
			if err := util.WritePtrBytes(util.BytesSliceToPointer(content), uint32(len(content)), w); err != nil {
				return err
			}
		default:
			fb := delta.FixedBytes(i)
			if err := w.WriteData(fb, len(fb)); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodeRecord reads one wire record from r, or returns io.EOF if the
// stream has nothing left — spec.md §6's termination rule.
func DecodeRecord(r util.Deserialize, layoutOf func(common.DatabaseOID, common.TableOID) *row.RowLayout) (*DecodedRecord, error) {
	var totalSize uint32
	if err := util.Read[uint32](&totalSize, r); err != nil {
		return nil, err
	}

	var recType uint8
	if err := util.Read[uint8](&recType, r); err != nil {
		return nil, ErrCorruptRecord
	}
	if recType > uint8(RecordCommit) {
		return nil, ErrCorruptRecord
	}

	out := &DecodedRecord{Type: RecordType(recType)}

	var beginRaw uint64
	if err := util.Read[uint64](&beginRaw, r); err != nil {
		return nil, err
	}
	out.TxnBegin = common.Timestamp(beginRaw)

	switch out.Type {
	case RecordCommit:
		var commitRaw uint64
		if err := util.Read[uint64](&commitRaw, r); err != nil {
			return nil, err
		}
		out.CommitTs = common.Timestamp(commitRaw)
	case RecordRedo, RecordDelete:
		var dbOid, tableOid uint32
		var slotBits uint64
		if err := util.Read[uint32](&dbOid, r); err != nil {
			return nil, err
		}
		if err := util.Read[uint32](&tableOid, r); err != nil {
			return nil, err
		}
		if err := util.Read[uint64](&slotBits, r); err != nil {
			return nil, err
		}
		out.DBOid = common.DatabaseOID(dbOid)
		out.TableOid = common.TableOID(tableOid)
		out.Slot = common.UnpackTupleSlot(slotBits)

		if out.Type == RecordRedo {
			layout := layoutOf(out.DBOid, out.TableOid)
			if layout == nil {
				return nil, fmt.Errorf("wal: no layout registered for table %d.%d", out.DBOid, out.TableOid)
			}
			delta, err := decodeDelta(r, layout)
			if err != nil {
				return nil, err
			}
			out.Delta = delta
		}
	default:
		return nil, ErrCorruptRecord
	}

	return out, nil
}

func decodeDelta(r util.Deserialize, layout *row.RowLayout) (*row.ProjectedRow, error) {
	var numCols uint16
	if err := util.Read[uint16](&numCols, r); err != nil {
		return nil, err
	}
	colIDs := make([]common.ColumnID, numCols)
	for i := range colIDs {
		var id uint16
		if err := util.Read[uint16](&id, r); err != nil {
			return nil, err
		}
		colIDs[i] = common.ColumnID(id)
	}

	out := row.NewProjectedRow(layout)

	nullBytes := make([]byte, (int(numCols)+7)/8)
	if err := r.ReadData(nullBytes, len(nullBytes)); err != nil {
		return nil, err
	}
	for i := 0; i < int(numCols); i++ {
		isNull := nullBytes[i/8]&(1<<uint(i%8)) == 0
		rowIdx := layout.ColumnIndex(colIDs[i])
		if rowIdx < 0 {
			continue
		}
		out.SetNull(rowIdx, isNull)
		if isNull {
			continue
		}
		t := layout.ColumnTypes[rowIdx]
		switch {
		case t == common.ColDecimal:
			s, err := util.ReadString(r)
			if err != nil {
				return nil, err
			}
			d, err := decimal2.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("wal: decode decimal: %w", err)
			}
			out.SetDecimal(rowIdx, row.Decimal{Decimal: d})
		case t.IsVarlen():
			content, err := util.ReadBytes(r)
			if err != nil {
				return nil, err
			}
			out.SetVarlen(rowIdx, row.NewVarlenEntry(content, true))
		default:
			buf := out.FixedBytes(rowIdx)
			if err := r.ReadData(buf, len(buf)); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
