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

//go:build cgo && !windows

package mallocator

// #include <stdlib.h>
// #include <string.h>
// #if defined(__APPLE__)
// #include <malloc/malloc.h>
// static size_t usable_size(void* ptr) { return malloc_size(ptr); }
// #else
// #include <malloc.h>
// static size_t usable_size(void* ptr) { return malloc_usable_size(ptr); }
// #endif
//
// // malloc and realloc already return blocks suitable for any fundamental type.
// #define MIN_ALIGN (2 * sizeof(void*))
//
// static void* aligned_alloc_or_null(size_t align, size_t size) {
//   void* ptr = NULL;
//   if (posix_memalign(&ptr, align, size) != 0) {
//     return NULL;
//   }
//   return ptr;
// }
//
// static void* mallocator_alloc(size_t align, size_t size) {
//   if (align <= MIN_ALIGN) {
//     return malloc(size);
//   }
//   return aligned_alloc_or_null(align, size);
// }
//
// static void* mallocator_alloc_zeroed(size_t align, size_t size) {
//   if (align <= MIN_ALIGN) {
//     return calloc(1, size);
//   }
//   void* ptr = aligned_alloc_or_null(align, size);
//   if (ptr != NULL) {
//     memset(ptr, 0, size);
//   }
//   return ptr;
// }
//
// static void* mallocator_realloc(void* ptr, size_t align, size_t old_size, size_t new_size) {
//   if (align <= MIN_ALIGN) {
//     return realloc(ptr, new_size);
//   }
//   void* out = aligned_alloc_or_null(align, new_size);
//   if (out == NULL) {
//     return NULL;
//   }
//   memcpy(out, ptr, old_size < new_size ? old_size : new_size);
//   free(ptr);
//   return out;
// }
import "C"

import (
	"sync/atomic"
	"unsafe"

	"github.com/apache/arrow-alloc/memory"
)

func init() {
	memory.RegisterBackend("mallocator", func() memory.Backend { return NewMallocator() })
}

// Mallocator is a memory.Backend over malloc, calloc, realloc and free, using
// posix_memalign for alignments malloc does not guarantee. It keeps a count
// of the bytes requested by live blocks.
//
// Mallocator is safe for concurrent use.
type Mallocator struct {
	allocatedBytes atomic.Int64
}

func NewMallocator() *Mallocator { return &Mallocator{} }

func (alloc *Mallocator) Alloc(align, size uintptr) unsafe.Pointer {
	ptr := C.mallocator_alloc(C.size_t(align), C.size_t(size))
	if ptr != nil {
		alloc.allocatedBytes.Add(int64(size))
	}
	return ptr
}

func (alloc *Mallocator) AllocZeroed(align, size uintptr) unsafe.Pointer {
	ptr := C.mallocator_alloc_zeroed(C.size_t(align), C.size_t(size))
	if ptr != nil {
		alloc.allocatedBytes.Add(int64(size))
	}
	return ptr
}

func (alloc *Mallocator) Dealloc(ptr unsafe.Pointer, _, size uintptr) {
	C.free(ptr)
	alloc.allocatedBytes.Add(-int64(size))
}

func (alloc *Mallocator) Realloc(ptr unsafe.Pointer, align, oldSize, newSize uintptr) unsafe.Pointer {
	out := C.mallocator_realloc(ptr, C.size_t(align), C.size_t(oldSize), C.size_t(newSize))
	if out != nil {
		alloc.allocatedBytes.Add(int64(newSize) - int64(oldSize))
	}
	return out
}

func (alloc *Mallocator) UsableSize(ptr unsafe.Pointer) uintptr {
	return uintptr(C.usable_size(ptr))
}

// AllocatedBytes returns the bytes requested by blocks that are still live.
func (alloc *Mallocator) AllocatedBytes() int64 {
	return alloc.allocatedBytes.Load()
}

// AssertSize reports an error through t if the allocated byte count is not sz.
func (alloc *Mallocator) AssertSize(t memory.TestingT, sz int) {
	cur := alloc.AllocatedBytes()
	if int64(sz) != cur {
		t.Helper()
		t.Errorf("invalid memory size exp=%d, got=%d", sz, cur)
	}
}

var _ memory.Backend = (*Mallocator)(nil)
