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

// Package blockstore is the minimal external collaborator spec.md §6
// names as "Block store": allocate_block()/deallocate_block(b). The
// column-major block layout itself (null bitmaps, projected storage
// within a block) is out of scope; this package only hands out and
// reclaims TupleSlots within bounded blocks, which is all C3 needs
// underneath a version chain. Adapted from pkg/storage/block.go's
// BlockHandle mutex-plus-state idiom, trimmed of the file-buffer /
// buffer-pool machinery that column-major storage needed and this
// spec does not.
package blockstore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MageMasher/terrier/pkg/common"
)

// DefaultBlockCapacity is the number of tuple slots a freshly
// allocated block holds.
const DefaultBlockCapacity = 512

// Block is a bounded set of tuple slots plus a free list. A slot's
// liveness (whether any version chain still roots there) is owned by
// pkg/table, not by Block — Block only tracks which offsets are
// currently handed out.
type Block struct {
	ID       common.BlockOID
	mu       sync.Mutex
	capacity uint32
	next     uint32
	free     []uint32
}

func newBlock(id common.BlockOID, capacity uint32) *Block {
	return &Block{ID: id, capacity: capacity}
}

// Allocate hands out a fresh or recycled slot offset within this
// block, or ok=false if the block is full.
func (b *Block) Allocate() (offset uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.free); n > 0 {
		offset = b.free[n-1]
		b.free = b.free[:n-1]
		return offset, true
	}
	if b.next >= b.capacity {
		return 0, false
	}
	offset = b.next
	b.next++
	return offset, true
}

// Deallocate returns a slot offset to this block's free list — the
// caller (GC's Phase 2, via C3's deallocate) has already proved no
// version chain roots there anymore.
func (b *Block) Deallocate(offset uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.free = append(b.free, offset)
}

func (b *Block) Capacity() uint32 { return b.capacity }

// BlockManager is the block-store collaborator: it allocates and
// deallocates whole blocks, each subdivided into tuple slots by the
// caller.
type BlockManager struct {
	mu     sync.Mutex
	blocks map[common.BlockOID]*Block
	nextID atomic.Uint64
}

func NewBlockManager() *BlockManager {
	return &BlockManager{blocks: make(map[common.BlockOID]*Block)}
}

// AllocateBlock creates and registers a new block, returning its oid.
func (m *BlockManager) AllocateBlock(capacity uint32) *Block {
	if capacity == 0 {
		capacity = DefaultBlockCapacity
	}
	id := common.BlockOID(m.nextID.Add(1))
	blk := newBlock(id, capacity)
	m.mu.Lock()
	m.blocks[id] = blk
	m.mu.Unlock()
	return blk
}

// DeallocateBlock removes a block from the registry entirely. The
// caller must have already drained every slot in it.
func (m *BlockManager) DeallocateBlock(id common.BlockOID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[id]; !ok {
		return fmt.Errorf("blockstore: unknown block %d", id)
	}
	delete(m.blocks, id)
	return nil
}

func (m *BlockManager) Get(id common.BlockOID) (*Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blk, ok := m.blocks[id]
	return blk, ok
}
