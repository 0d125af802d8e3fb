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
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MageMasher/terrier/pkg/txn"
	"github.com/MageMasher/terrier/pkg/util"
)

// ErrBufferPoolExhausted is logged (not returned to the caller — the
// caller just blocks, per spec.md §7's degraded-state rule) when the
// serializer cannot get an empty writer buffer without waiting.
var ErrBufferPoolExhausted = fmt.Errorf("wal: writer buffer pool exhausted")

// Config mirrors spec.md §6's configuration knobs exactly.
type Config struct {
	NumLogBuffers            int
	LogSerializationInterval time.Duration
	LogPersistInterval       time.Duration
	LogPersistThresholdBytes int
}

func DefaultConfig() Config {
	return Config{
		NumLogBuffers:            100,
		LogSerializationInterval: 10 * time.Millisecond,
		LogPersistInterval:       20 * time.Millisecond,
		LogPersistThresholdBytes: 1 << 20,
	}
}

type commitEntry struct {
	cb  func(any)
	arg any
	txn *txn.TransactionContext
}

type writerBuffer struct {
	data    []byte
	commits []commitEntry
}

// writerBufferByteCapacity bounds how much a single writer buffer
// accumulates before the serializer hands it off, independent of the
// serialization interval.
const writerBufferByteCapacity = 32 * 1024

// LogManager is C4: the two-stage asynchronous WAL pipeline.
// Grounded on original_source/src/storage/write_ahead_log/
// log_manager.cpp's Start/ForceFlush/PersistAndStop/
// AddBufferToFlushQueue surface, and on log_serializer_task.h /
// disk_log_consumer_task.cpp for the two threads' control flow.
type LogManager struct {
	cfg    Config
	writer *BufferedFileWriter

	fifoMu sync.Mutex
	fifo   []*txn.TransactionContext
	wake   chan struct{}

	emptyQueue  chan *writerBuffer
	filledQueue chan *writerBuffer

	degradedMu   sync.Mutex
	degradedCond *sync.Cond
	degraded     bool

	cur *writerBuffer

	stopSerializer    chan struct{}
	serializerForceCh chan struct{}
	diskForceCh       chan chan struct{}

	pendingWritten []*writerBuffer
	unsyncedBytes  int
	lastSync       time.Time

	eg *errgroup.Group
}

func NewLogManager(path string, cfg Config) (*LogManager, error) {
	w, err := NewBufferedFileWriter(path)
	if err != nil {
		return nil, err
	}
	m := &LogManager{
		cfg:               cfg,
		writer:            w,
		wake:              make(chan struct{}, 1),
		emptyQueue:        make(chan *writerBuffer, cfg.NumLogBuffers),
		filledQueue:       make(chan *writerBuffer, cfg.NumLogBuffers),
		stopSerializer:    make(chan struct{}),
		serializerForceCh: make(chan struct{}),
		diskForceCh:       make(chan chan struct{}),
	}
	m.degradedCond = sync.NewCond(&m.degradedMu)
	for i := 0; i < cfg.NumLogBuffers; i++ {
		m.emptyQueue <- &writerBuffer{}
	}
	return m, nil
}

// Start launches the serializer and disk-writer goroutines.
func (m *LogManager) Start(ctx context.Context) {
	g, _ := errgroup.WithContext(ctx)
	m.eg = g
	m.lastSync = time.Now()
	g.Go(m.serializerLoop)
	g.Go(m.diskWriterLoop)
}

// AddBufferToFlushQueue hands a finished transaction's redo buffer to
// the serializer. Called by C2's Commit under the commit latch, which
// is what keeps the FIFO's order equal to commit-ts order. If the
// pipeline is in a degraded (buffer-pool-exhausted) state, this
// blocks the caller until space frees up, per spec.md §7.
func (m *LogManager) AddBufferToFlushQueue(t *txn.TransactionContext) {
	m.degradedMu.Lock()
	for m.degraded {
		m.degradedCond.Wait()
	}
	m.degradedMu.Unlock()

	m.fifoMu.Lock()
	m.fifo = append(m.fifo, t)
	m.fifoMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *LogManager) setDegraded(v bool) {
	m.degradedMu.Lock()
	m.degraded = v
	if !v {
		m.degradedCond.Broadcast()
	}
	m.degradedMu.Unlock()
}

// ForceFlush blocks until every buffer enqueued so far has been
// persisted and its callbacks fired, without tearing the pipeline
// down — the synchronous counterpart to PersistAndStop, restored from
// original_source/.../log_manager.cpp (see SPEC_FULL.md §3).
func (m *LogManager) ForceFlush(ctx context.Context) error {
	// The serializer only accepts the second send once it has finished
	// handling the first, so after both its flushed buffer is queued.
	for i := 0; i < 2; i++ {
		select {
		case m.serializerForceCh <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// The disk writer may take the ack before the queued buffer; repeat
	// until an ack leaves nothing queued behind it.
	for {
		ack := make(chan struct{})
		select {
		case m.diskForceCh <- ack:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-ack:
		case <-ctx.Done():
			return ctx.Err()
		}
		if len(m.filledQueue) == 0 {
			return nil
		}
	}
}

// PersistAndStop signals the serializer to drain its FIFO and the
// disk writer to persist everything outstanding, then terminate.
// Outstanding callbacks fire before this returns; the log file is
// closed last.
func (m *LogManager) PersistAndStop() error {
	close(m.stopSerializer)
	if err := m.eg.Wait(); err != nil {
		return err
	}
	return m.writer.Close()
}

func (m *LogManager) serializerLoop() error {
	for {
		select {
		case <-m.stopSerializer:
			m.drainFIFO()
			m.flushCurrentBufferIfAny()
			close(m.filledQueue)
			return nil
		case <-m.wake:
			m.drainFIFO()
		case <-m.serializerForceCh:
			m.drainFIFO()
			m.flushCurrentBufferIfAny()
		case <-time.After(m.cfg.LogSerializationInterval):
			m.drainFIFO()
		}
	}
}

func (m *LogManager) drainFIFO() {
	m.fifoMu.Lock()
	batch := m.fifo
	m.fifo = nil
	m.fifoMu.Unlock()

	for _, t := range batch {
		t.ForEachRedo(func(rec *txn.RedoRecord) bool {
			encoded, err := EncodeRecord(rec)
			if err != nil {
				util.Error("wal: failed to encode record", util.ErrField(err))
				return true
			}
			m.appendEncoded(encoded, rec, t)
			return true
		})
		t.ReleaseRedo()
	}
}

func (m *LogManager) acquireCurrentBuffer() *writerBuffer {
	if m.cur != nil {
		return m.cur
	}
	select {
	case b := <-m.emptyQueue:
		m.cur = b
		return b
	default:
	}
	util.Warn("wal: entering degraded state", util.ErrField(ErrBufferPoolExhausted))
	m.setDegraded(true)
	b := <-m.emptyQueue
	m.setDegraded(false)
	m.cur = b
	return b
}

func (m *LogManager) appendEncoded(encoded []byte, rec *txn.RedoRecord, t *txn.TransactionContext) {
	buf := m.acquireCurrentBuffer()
	if len(buf.data)+len(encoded) > writerBufferByteCapacity && len(buf.data) > 0 {
		m.flushCurrentBufferIfAny()
		buf = m.acquireCurrentBuffer()
	}
	buf.data = append(buf.data, encoded...)
	if rec.IsCommit {
		buf.commits = append(buf.commits, commitEntry{cb: rec.Callback, arg: rec.CallbackArg, txn: t})
	}
}

func (m *LogManager) flushCurrentBufferIfAny() {
	if m.cur == nil || len(m.cur.data) == 0 {
		return
	}
	m.filledQueue <- m.cur
	m.cur = nil
}

func (m *LogManager) diskWriterLoop() error {
	for {
		select {
		case fb, ok := <-m.filledQueue:
			if !ok {
				m.persistNow()
				return nil
			}
			if err := m.writer.WriteData(fb.data, len(fb.data)); err != nil {
				return err
			}
			m.pendingWritten = append(m.pendingWritten, fb)
			m.unsyncedBytes += len(fb.data)
			if m.unsyncedBytes >= m.cfg.LogPersistThresholdBytes ||
				time.Since(m.lastSync) >= m.cfg.LogPersistInterval {
				m.persistNow()
			}
		case ack := <-m.diskForceCh:
			m.persistNow()
			close(ack)
		case <-time.After(m.cfg.LogPersistInterval):
			if len(m.pendingWritten) > 0 {
				m.persistNow()
			}
		}
	}
}

// persistNow performs a single durable sync and fires every callback
// bound to every buffer covered by it, in insertion order — the
// ordering guarantee spec.md §4.4 names — then returns the buffers
// to the empty-buffer queue. log_processed is set on each commit's
// transaction here, not in drainFIFO, because the glossary defines it
// as set only after the commit callback has actually run — setting it
// any earlier would let GC's Phase 2 deallocate a transaction before
// its commit record is durable.
func (m *LogManager) persistNow() {
	if err := m.writer.Sync(); err != nil {
		util.Error("wal: sync failed", util.ErrField(err))
		return
	}
	m.lastSync = time.Now()
	pending := m.pendingWritten
	m.pendingWritten = nil
	m.unsyncedBytes = 0

	for _, fb := range pending {
		for _, c := range fb.commits {
			if c.cb != nil {
				c.cb(c.arg)
			}
			if c.txn != nil {
				c.txn.SetLogProcessed()
			}
		}
		fb.data = fb.data[:0]
		fb.commits = fb.commits[:0]
		select {
		case m.emptyQueue <- fb:
		default:
			// pool already at capacity (shouldn't happen: every
			// buffer came from it); drop rather than block the
			// disk-writer thread.
		}
	}
}
