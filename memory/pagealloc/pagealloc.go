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

// Package pagealloc provides a memory.Backend over github.com/smasher164/mem,
// which requests pages from the operating system directly and manages them
// with a first-fit free list.
//
// That allocator only knows addresses and sizes, so every block carries a
// small header placed immediately before the address handed out:
//
//	raw                       ptr
//	 | padding | header{raw, usable} | usable bytes ... |
//
// The header recovers the raw address for Free and answers UsableSize.
//
// The page allocator converts raw addresses in ways the race detector's
// pointer checks reject, so this package's tests do not build with -race.
package pagealloc

import (
	"sync"
	"unsafe"

	"github.com/JohnCGriffin/overflow"
	"github.com/apache/arrow-alloc/memory"
	"github.com/smasher164/mem"
)

type header struct {
	raw    unsafe.Pointer
	usable uintptr
}

const (
	headerSize  = unsafe.Sizeof(header{})
	headerAlign = unsafe.Alignof(header{})
)

func init() {
	memory.RegisterBackend("pagealloc", func() memory.Backend { return Backend{} })
}

// the page allocator keeps process-wide state
var mu sync.Mutex

// Backend is a memory.Backend over the process-wide page allocator. It has
// no state of its own and is safe for concurrent use.
type Backend struct{}

func (Backend) Alloc(align, size uintptr) unsafe.Pointer {
	return alloc(align, size)
}

func (Backend) AllocZeroed(align, size uintptr) unsafe.Pointer {
	ptr := alloc(align, size)
	if ptr != nil {
		// freed pages are reused without being cleared
		memory.Set(unsafe.Slice((*byte)(ptr), size), 0)
	}
	return ptr
}

func alloc(align, size uintptr) unsafe.Pointer {
	align = max(align, headerAlign)
	n, ok := overflow.Add(int(size), int(headerSize))
	if !ok {
		return nil
	}
	if n, ok = overflow.Add(n, int(align-1)); !ok {
		return nil
	}

	raw := pageAlloc(uint(n))
	if raw == nil {
		return nil
	}

	off := memory.AlignUp(uintptr(raw)+headerSize, align) - uintptr(raw)
	ptr := unsafe.Add(raw, off)
	*hdr(ptr) = header{raw: raw, usable: uintptr(n) - off}
	return ptr
}

// pageAlloc requests n bytes from the page allocator, which panics when the
// operating system refuses to map more memory.
func pageAlloc(n uint) (raw unsafe.Pointer) {
	mu.Lock()
	defer mu.Unlock()
	defer func() {
		if recover() != nil {
			raw = nil
		}
	}()
	return mem.Alloc(n)
}

func hdr(ptr unsafe.Pointer) *header {
	return (*header)(unsafe.Add(ptr, -int(headerSize)))
}

func (Backend) Dealloc(ptr unsafe.Pointer, _, _ uintptr) {
	raw := hdr(ptr).raw
	mu.Lock()
	mem.Free(raw)
	mu.Unlock()
}

func (b Backend) Realloc(ptr unsafe.Pointer, align, oldSize, newSize uintptr) unsafe.Pointer {
	if newSize <= hdr(ptr).usable {
		return ptr
	}
	out := alloc(align, newSize)
	if out == nil {
		return nil
	}
	copy(unsafe.Slice((*byte)(out), newSize), unsafe.Slice((*byte)(ptr), oldSize))
	b.Dealloc(ptr, align, oldSize)
	return out
}

func (Backend) UsableSize(ptr unsafe.Pointer) uintptr {
	return hdr(ptr).usable
}

var _ memory.Backend = Backend{}
