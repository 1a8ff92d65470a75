// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package offheap provides a memory.Backend serving memory outside the Go
// heap from modernc.org/memory, a pure Go allocator over pages obtained with
// mmap. It needs no cgo.
package offheap

import (
	"sync"
	"unsafe"

	"github.com/JohnCGriffin/overflow"
	"github.com/apache/arrow-alloc/memory"
	mmem "modernc.org/memory"
)

// NaturalAlign is the alignment modernc.org/memory guarantees for every
// block. Larger alignments are served by over-allocating.
const NaturalAlign = 2 * unsafe.Sizeof(uintptr(0))

func init() {
	memory.RegisterBackend("offheap", func() memory.Backend { return New() })
}

// Backend is a memory.Backend over a modernc.org/memory Allocator.
//
// The underlying allocator is not safe for concurrent use, so every call is
// serialized by a mutex. Blocks with an alignment above NaturalAlign are
// carved from a larger block; the table over maps their address to the
// address of that block.
type Backend struct {
	mu   sync.Mutex
	heap mmem.Allocator
	over map[uintptr]uintptr
}

func New() *Backend {
	return &Backend{over: make(map[uintptr]uintptr)}
}

func (b *Backend) Alloc(align, size uintptr) unsafe.Pointer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alloc(align, size, false)
}

func (b *Backend) AllocZeroed(align, size uintptr) unsafe.Pointer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alloc(align, size, true)
}

func (b *Backend) alloc(align, size uintptr, zero bool) unsafe.Pointer {
	if align <= NaturalAlign {
		p, err := b.raw(int(size), zero)
		if err != nil {
			return nil
		}
		return unsafe.Pointer(p)
	}

	n, ok := overflow.Add(int(size), int(align-1))
	if !ok {
		return nil
	}
	raw, err := b.raw(n, zero)
	if err != nil {
		return nil
	}
	p := memory.AlignUp(raw, align)
	b.over[p] = raw
	return unsafe.Pointer(p)
}

func (b *Backend) raw(n int, zero bool) (uintptr, error) {
	if zero {
		return b.heap.UintptrCalloc(n)
	}
	return b.heap.UintptrMalloc(n)
}

func (b *Backend) Dealloc(ptr unsafe.Pointer, _, _ uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.free(uintptr(ptr))
}

func (b *Backend) free(p uintptr) {
	if raw, ok := b.over[p]; ok {
		delete(b.over, p)
		p = raw
	}
	// only fails for pointers this allocator does not own
	_ = b.heap.UintptrFree(p)
}

func (b *Backend) Realloc(ptr unsafe.Pointer, align, oldSize, newSize uintptr) unsafe.Pointer {
	b.mu.Lock()
	defer b.mu.Unlock()

	if align <= NaturalAlign {
		p, err := b.heap.UintptrRealloc(uintptr(ptr), int(newSize))
		if err != nil {
			return nil
		}
		return unsafe.Pointer(p)
	}

	if newSize <= b.usable(uintptr(ptr)) {
		return ptr
	}
	out := b.alloc(align, newSize, false)
	if out == nil {
		return nil
	}
	copy(unsafe.Slice((*byte)(out), newSize), unsafe.Slice((*byte)(ptr), min(oldSize, newSize)))
	b.free(uintptr(ptr))
	return out
}

func (b *Backend) UsableSize(ptr unsafe.Pointer) uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usable(uintptr(ptr))
}

func (b *Backend) usable(p uintptr) uintptr {
	if raw, ok := b.over[p]; ok {
		return uintptr(mmem.UintptrUsableSize(raw)) - (p - raw)
	}
	return uintptr(mmem.UintptrUsableSize(p))
}

// Close releases all memory held by b, including blocks that were never
// deallocated. b must not be used afterwards.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.over)
	return b.heap.Close()
}

var _ memory.Backend = (*Backend)(nil)
