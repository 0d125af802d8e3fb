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

package row

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MageMasher/terrier/pkg/common"
)

func testLayout() *RowLayout {
	return NewRowLayout(
		[]common.ColumnID{0, 1},
		[]common.ColumnType{common.ColBigInt, common.ColVarchar},
	)
}

func TestVarlenEntryInlineVsOwned(t *testing.T) {
	short := NewVarlenEntry([]byte("hello"), false)
	assert.True(t, short.IsInlined())
	assert.False(t, short.NeedsReclaim())
	assert.Equal(t, []byte("hello"), short.Content())

	long := NewVarlenEntry([]byte("this payload exceeds twelve bytes"), true)
	assert.False(t, long.IsInlined())
	assert.True(t, long.NeedsReclaim())
	assert.Equal(t, []byte("this payload exceeds twelve bytes"), long.Content())

	longUnowned := NewVarlenEntry([]byte("this payload exceeds twelve bytes"), false)
	assert.False(t, longUnowned.NeedsReclaim())
}

func TestProjectedRowFixedAndVarlenRoundTrip(t *testing.T) {
	layout := testLayout()
	r := NewProjectedRow(layout)

	r.SetFixedBytes(0, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	r.SetNull(0, false)
	r.SetVarlen(1, NewVarlenEntry([]byte("payload over twelve bytes long"), true))
	r.SetNull(1, false)

	assert.False(t, r.IsNull(0))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, r.FixedBytes(0))
	assert.Equal(t, []byte("payload over twelve bytes long"), r.Varlen(1).Content())
}

func TestProjectedRowCloneIsIndependent(t *testing.T) {
	layout := testLayout()
	r := NewProjectedRow(layout)
	r.SetFixedBytes(0, []byte{9, 9, 9, 9, 9, 9, 9, 9})
	r.SetNull(0, false)
	payload := []byte("original payload over twelve bytes")
	r.SetVarlen(1, NewVarlenEntry(payload, true))
	r.SetNull(1, false)

	clone := r.Clone()
	require.NotNil(t, clone)

	// Mutating the clone's backing varlen buffer must not affect the
	// original's — Clone is a deep copy, not a shallow struct copy.
	clonedContent := clone.Varlen(1).Content()
	clonedContent[0] = 'X'

	assert.Equal(t, byte('o'), r.Varlen(1).Content()[0])
	assert.NotEqual(t, r.Varlen(1).Content()[0], clone.Varlen(1).Content()[0])

	clone.SetFixedBytes(0, []byte{1, 1, 1, 1, 1, 1, 1, 1})
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9}, r.FixedBytes(0))
}

func TestRowLayoutVarlenColumns(t *testing.T) {
	layout := testLayout()
	assert.Equal(t, []int{1}, layout.VarlenColumns())
}

func TestProjectedRowNullBitmap(t *testing.T) {
	layout := testLayout()
	r := NewProjectedRow(layout)
	assert.True(t, r.IsNull(0))
	r.SetNull(0, false)
	assert.False(t, r.IsNull(0))
	r.SetNull(0, true)
	assert.True(t, r.IsNull(0))
}
