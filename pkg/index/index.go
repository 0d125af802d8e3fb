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

// Package index holds the minimal external-collaborator surface
// spec.md §6 requires of an index: only the GC hook. Building an
// actual index structure (the original's B+-tree index wrapper) is
// out of scope for the MVCC/WAL/GC core; this package exists so C5's
// index registry and Phase 4 have a real type to hold and call.
package index

import (
	"fmt"
	"sync"

	"github.com/MageMasher/terrier/pkg/common"
)

// Index is what C5's Phase 4 calls under the registry's shared lock.
type Index interface {
	PerformGarbageCollection()
}

var (
	ErrAlreadyRegistered = fmt.Errorf("index: already registered")
	ErrNotRegistered     = fmt.Errorf("index: not registered")
)

// Registry is spec.md §5's reader-writer-latched index registry:
// shared during Phase 4's traversal, exclusive during
// registration/unregistration. Restored from original_source/'s
// RegisterIndexForGC/UnregisterIndexForGC, which this module's
// distillation had dropped along with the rest of the index subsystem.
type Registry struct {
	mu      sync.RWMutex
	indexes map[common.IndexOID]Index
}

func NewRegistry() *Registry {
	return &Registry{indexes: make(map[common.IndexOID]Index)}
}

func (r *Registry) RegisterIndex(oid common.IndexOID, idx Index) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.indexes[oid]; exists {
		return ErrAlreadyRegistered
	}
	r.indexes[oid] = idx
	return nil
}

func (r *Registry) UnregisterIndex(oid common.IndexOID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.indexes[oid]; !exists {
		return ErrNotRegistered
	}
	delete(r.indexes, oid)
	return nil
}

// PerformGarbageCollection runs every registered index's GC hook
// under a single shared-lock acquisition, per spec.md §4.5 Phase 4.
func (r *Registry) PerformGarbageCollection() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, idx := range r.indexes {
		idx.PerformGarbageCollection()
	}
}
