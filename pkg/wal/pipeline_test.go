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
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MageMasher/terrier/pkg/blockstore"
	"github.com/MageMasher/terrier/pkg/common"
	"github.com/MageMasher/terrier/pkg/row"
	"github.com/MageMasher/terrier/pkg/table"
	"github.com/MageMasher/terrier/pkg/txn"
)

func testPipelineConfig() Config {
	cfg := DefaultConfig()
	// Shrink the intervals so the test doesn't wait on production-sized
	// timers; ForceFlush below makes this moot for correctness but
	// keeps PersistAndStop's final drain snappy too.
	cfg.LogSerializationInterval = time.Millisecond
	cfg.LogPersistInterval = time.Millisecond
	return cfg
}

func TestForceFlushPersistsCommittedTransactionRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	logMgr, err := NewLogManager(path, testPipelineConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logMgr.Start(ctx)

	layout := row.NewRowLayout(
		[]common.ColumnID{0, 1},
		[]common.ColumnType{common.ColBigInt, common.ColVarchar},
	)
	blocks := blockstore.NewBlockManager()
	dt := table.NewDataTable(1, 1, layout, blocks)
	mgr := txn.NewTxnMgr(txn.TxnMgrOptions{}, logMgr.AddBufferToFlushQueue)

	r := row.NewProjectedRow(layout)
	r.SetFixedBytes(0, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	r.SetNull(0, false)
	r.SetVarlen(1, row.NewVarlenEntry([]byte("a payload over twelve bytes"), true))
	r.SetNull(1, false)

	tx := mgr.Begin()
	_, err = dt.Insert(tx, r)
	require.NoError(t, err)

	var callbackFired atomic.Bool
	_, err = mgr.Commit(tx, func(any) { callbackFired.Store(true) }, nil)
	require.NoError(t, err)

	require.NoError(t, logMgr.ForceFlush(ctx))
	assert.True(t, callbackFired.Load(), "the commit callback fires once the WAL pipeline durably persists it")

	require.NoError(t, logMgr.PersistAndStop())

	reader, err := NewBufferedFileReader(path)
	require.NoError(t, err)
	defer reader.Close()

	layoutOf := func(common.DatabaseOID, common.TableOID) *row.RowLayout { return layout }

	var types []RecordType
	for {
		rec, err := DecodeRecord(reader, layoutOf)
		if err != nil {
			break
		}
		types = append(types, rec.Type)
	}
	assert.Equal(t, []RecordType{RecordRedo, RecordCommit}, types)
}

// TestLogProcessedIsNotSetUntilAfterDurablePersist drives the
// serializer/disk-writer stages by hand, without Start()'s background
// goroutines, so the ordering is deterministic rather than timing-
// dependent: drainFIFO (encode) must leave log_processed unset, and
// only persistNow (sync + fire callbacks) may set it.
func TestLogProcessedIsNotSetUntilAfterDurablePersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	logMgr, err := NewLogManager(path, testPipelineConfig())
	require.NoError(t, err)
	defer logMgr.writer.Close()

	layout := row.NewRowLayout(
		[]common.ColumnID{0, 1},
		[]common.ColumnType{common.ColBigInt, common.ColVarchar},
	)
	blocks := blockstore.NewBlockManager()
	dt := table.NewDataTable(1, 1, layout, blocks)
	mgr := txn.NewTxnMgr(txn.TxnMgrOptions{}, logMgr.AddBufferToFlushQueue)

	r := row.NewProjectedRow(layout)
	r.SetFixedBytes(0, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	r.SetNull(0, false)
	r.SetVarlen(1, row.NewVarlenEntry([]byte("a payload over twelve bytes"), true))
	r.SetNull(1, false)

	tx := mgr.Begin()
	_, err = dt.Insert(tx, r)
	require.NoError(t, err)

	var callbackFired atomic.Bool
	_, err = mgr.Commit(tx, func(any) { callbackFired.Store(true) }, nil)
	require.NoError(t, err)

	logMgr.drainFIFO()
	assert.False(t, tx.LogProcessed(), "log_processed must not be set merely because the record was encoded")
	assert.False(t, callbackFired.Load())

	logMgr.flushCurrentBufferIfAny()
	fb := <-logMgr.filledQueue
	require.NoError(t, logMgr.writer.WriteData(fb.data, len(fb.data)))
	logMgr.pendingWritten = append(logMgr.pendingWritten, fb)
	logMgr.persistNow()

	assert.True(t, callbackFired.Load())
	assert.True(t, tx.LogProcessed(), "log_processed must be set once the commit record is durable and its callback has run")
}

func TestPersistAndStopSucceedsAfterForceFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	logMgr, err := NewLogManager(path, testPipelineConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logMgr.Start(ctx)

	require.NoError(t, logMgr.ForceFlush(ctx))
	require.NoError(t, logMgr.PersistAndStop())
}
