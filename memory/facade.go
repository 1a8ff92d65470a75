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

package memory

import (
	"unsafe"

	"github.com/apache/arrow-alloc/memory/internal/debug"
)

// Facade presents a Backend as a total allocation interface: every operation
// is defined for every valid Layout, including zero-size ones, and failure to
// allocate is reported as a nil pointer rather than a panic.
//
// A Facade holds nothing but its backend handle, so values may be copied
// freely and one value may be used from any number of goroutines at once.
// With a zero-sized backend such as GoBackend the Facade is itself
// zero-sized. Concurrent calls on different pointers are not ordered with
// respect to each other; calls on the same pointer must be sequenced by the
// caller.
type Facade[B Backend] struct {
	backend B
}

// NewFacade returns a Facade delegating to b.
func NewFacade[B Backend](b B) Facade[B] {
	return Facade[B]{backend: b}
}

// DefaultFacade delegates to DefaultBackend.
var DefaultFacade = NewFacade[Backend](processBackend{})

// Backend returns the engine f delegates to.
func (f Facade[B]) Backend() B { return f.backend }

// Allocate returns a block of l.Size() bytes aligned to l.Align(), or nil if
// the backend is exhausted. A zero-size layout yields Sentinel without
// consulting the backend.
func (f Facade[B]) Allocate(l Layout) unsafe.Pointer {
	if l.size == 0 {
		return sentinel
	}
	return f.backend.Alloc(l.align, l.size)
}

// AllocateAligned is Allocate under the name used by aligned allocation
// APIs.
func (f Facade[B]) AllocateAligned(l Layout) unsafe.Pointer {
	return f.Allocate(l)
}

// AllocateZeroed is like Allocate, but every byte of the returned block reads
// as zero.
func (f Facade[B]) AllocateZeroed(l Layout) unsafe.Pointer {
	if l.size == 0 {
		return sentinel
	}
	return f.backend.AllocZeroed(l.align, l.size)
}

// Deallocate releases the block at ptr. It does nothing when ptr is nil or
// l is zero-size.
//
// ptr must have been returned by this Facade for a Layout equal to l.
// Violating this is undefined behavior and is not detected.
func (f Facade[B]) Deallocate(ptr unsafe.Pointer, l Layout) {
	if ptr == nil || l.size == 0 {
		return
	}
	debug.Assert(ptr != sentinel, "memory: sentinel released with a non-zero layout")
	f.backend.Dealloc(ptr, l.align, l.size)
}

// Reallocate resizes the block at ptr, allocated with l, to newSize bytes
// keeping the alignment of l. The contents up to the smaller of the two sizes
// are preserved.
//
//   - old and new size zero: returns Sentinel.
//   - old size zero: behaves as Allocate with the new size.
//   - new size zero: releases ptr and returns nil.
//   - otherwise: delegates to the backend, which may move the block. On nil
//     the original block is still valid.
func (f Facade[B]) Reallocate(ptr unsafe.Pointer, l Layout, newSize uintptr) unsafe.Pointer {
	switch {
	case l.size == 0 && newSize == 0:
		return sentinel
	case l.size == 0:
		nl, err := l.WithSize(newSize)
		if err != nil {
			return nil
		}
		return f.Allocate(nl)
	case newSize == 0:
		f.Deallocate(ptr, l)
		return nil
	}

	if _, err := l.WithSize(newSize); err != nil {
		return nil
	}
	debug.Assert(ptr != nil && ptr != sentinel, "memory: Reallocate of a non-zero layout without a block")
	return f.backend.Realloc(ptr, l.align, l.size, newSize)
}

// UsableSize reports the capacity of the block at ptr as seen by the backend,
// which is at least the size it was allocated with. The second result is
// false when ptr is nil. The sentinel has a usable size of zero.
func (f Facade[B]) UsableSize(ptr unsafe.Pointer) (uintptr, bool) {
	switch ptr {
	case nil:
		return 0, false
	case sentinel:
		return 0, true
	}
	return f.backend.UsableSize(ptr), true
}
