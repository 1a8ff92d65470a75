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

import "unsafe"

const (
	alignment = 64
)

// Allocator hands out []byte buffers. Allocate and Reallocate return slices
// whose length and capacity equal the requested size, zero-filled beyond any
// preserved contents. They panic if memory is exhausted or size is negative.
//
// A buffer must be passed to Reallocate or Free with the length it was
// returned with.
type Allocator interface {
	Allocate(size int) []byte
	Reallocate(size int, b []byte) []byte
	Free(b []byte)
}

// DefaultAllocator is a default implementation of Allocator and can be used anywhere
// an Allocator is required. It allocates from DefaultBackend with
// DefaultAlignment.
//
// DefaultAllocator is safe to use from multiple goroutines.
var DefaultAllocator Allocator = NewAllocator(DefaultFacade, DefaultAlignment)

// NewGoAllocator returns an Allocator serving 64-byte aligned buffers from the
// Go heap.
func NewGoAllocator() Allocator {
	return NewAllocator(NewFacade(GoBackend{}), alignment)
}

type facadeAllocator[B Backend] struct {
	mem   Facade[B]
	align uintptr
}

// NewAllocator returns an Allocator whose buffers come from mem, aligned to
// align bytes. It panics if align is not a power of two.
func NewAllocator[B Backend](mem Facade[B], align int) Allocator {
	if align <= 0 || !isPowerOf2(uint(align)) {
		panic("memory: alignment must be a power of two")
	}
	return &facadeAllocator[B]{mem: mem, align: uintptr(align)}
}

func (a *facadeAllocator[B]) layout(size int) Layout {
	if size < 0 {
		panic("memory: negative size")
	}
	l, err := NewLayout(uintptr(size), a.align)
	if err != nil {
		panic("memory: out of memory")
	}
	return l
}

func (a *facadeAllocator[B]) Allocate(size int) []byte {
	ptr := a.mem.AllocateZeroed(a.layout(size))
	if ptr == nil {
		panic("memory: out of memory")
	}
	return unsafe.Slice((*byte)(ptr), size)
}

func (a *facadeAllocator[B]) Reallocate(size int, b []byte) []byte {
	if size == len(b) {
		return b
	}

	oldSize := len(b)
	l, nl := a.layout(oldSize), a.layout(size)

	ptr := a.mem.Reallocate(unsafe.Pointer(unsafe.SliceData(b)), l, nl.size)
	if size == 0 {
		return unsafe.Slice((*byte)(sentinel), 0)
	}
	if ptr == nil {
		panic("memory: out of memory")
	}

	out := unsafe.Slice((*byte)(ptr), size)
	if size > oldSize {
		// backends do not zero the grown tail
		Set(out[oldSize:], 0)
	}
	return out
}

func (a *facadeAllocator[B]) Free(b []byte) {
	a.mem.Deallocate(unsafe.Pointer(unsafe.SliceData(b)), Layout{size: uintptr(len(b)), align: a.align})
}

var (
	_ Allocator = (*facadeAllocator[Backend])(nil)
)
