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

package memory_test

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/apache/arrow-alloc/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBackend counts the calls that reach it and fills fresh blocks
// from Alloc with garbage so that zeroing is observable.
type recordingBackend struct {
	memory.GoBackend
	calls map[string]int
	fail  bool
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{calls: make(map[string]int)}
}

func (r *recordingBackend) total() int {
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func (r *recordingBackend) Alloc(align, size uintptr) unsafe.Pointer {
	r.calls["Alloc"]++
	if r.fail {
		return nil
	}
	ptr := r.GoBackend.Alloc(align, size)
	if ptr != nil {
		memory.Set(unsafe.Slice((*byte)(ptr), size), 0xAA)
	}
	return ptr
}

func (r *recordingBackend) AllocZeroed(align, size uintptr) unsafe.Pointer {
	r.calls["AllocZeroed"]++
	if r.fail {
		return nil
	}
	return r.GoBackend.AllocZeroed(align, size)
}

func (r *recordingBackend) Dealloc(ptr unsafe.Pointer, align, size uintptr) {
	r.calls["Dealloc"]++
	r.GoBackend.Dealloc(ptr, align, size)
}

func (r *recordingBackend) Realloc(ptr unsafe.Pointer, align, oldSize, newSize uintptr) unsafe.Pointer {
	r.calls["Realloc"]++
	if r.fail {
		return nil
	}
	return r.GoBackend.Realloc(ptr, align, oldSize, newSize)
}

func (r *recordingBackend) UsableSize(ptr unsafe.Pointer) uintptr {
	r.calls["UsableSize"]++
	return r.GoBackend.UsableSize(ptr)
}

func bytesAt(ptr unsafe.Pointer, n uintptr) []byte {
	return unsafe.Slice((*byte)(ptr), n)
}

func fillPattern(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i)
	}
}

func assertPattern(t *testing.T, b []byte, seed byte) {
	t.Helper()
	for i, c := range b {
		if c != seed+byte(i) {
			t.Fatalf("byte %d = %#x, want %#x", i, c, seed+byte(i))
		}
	}
}

func TestSentinel(t *testing.T) {
	s := memory.Sentinel()
	require.NotNil(t, s)
	assert.True(t, memory.IsAligned(s, memory.SentinelAlign))
	assert.True(t, memory.IsSentinel(s))
	assert.Equal(t, s, memory.Sentinel())
	assert.False(t, memory.IsSentinel(nil))
}

func TestFacadeZeroSize(t *testing.T) {
	for _, align := range []uintptr{1, 2, 8, 16, 32, 64} {
		t.Run(fmt.Sprintf("align=%d", align), func(t *testing.T) {
			rec := newRecordingBackend()
			mem := memory.NewFacade(rec)
			l := memory.MustLayout(0, align)

			for _, ptr := range []unsafe.Pointer{
				mem.Allocate(l),
				mem.AllocateAligned(l),
				mem.AllocateZeroed(l),
				mem.Reallocate(memory.Sentinel(), l, 0),
			} {
				assert.True(t, memory.IsSentinel(ptr))
				assert.True(t, memory.IsAligned(ptr, align))
			}

			mem.Deallocate(memory.Sentinel(), l)
			mem.Deallocate(nil, memory.MustLayout(8, 8))
			assert.Zero(t, rec.total(), "zero-size operations reached the backend: %v", rec.calls)
		})
	}
}

func TestFacadeAllocate(t *testing.T) {
	tests := []struct {
		size, align uintptr
	}{
		{1, 1},
		{8, 8},
		{33, 16},
		{65, 64},
		{4097, 32},
		{8192, 4096},
		{1 << 20, 64},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%d_%d", test.size, test.align), func(t *testing.T) {
			rec := newRecordingBackend()
			mem := memory.NewFacade(rec)
			l := memory.MustLayout(test.size, test.align)

			ptr := mem.Allocate(l)
			require.NotNil(t, ptr)
			assert.False(t, memory.IsSentinel(ptr))
			assert.True(t, memory.IsAligned(ptr, test.align))

			n, ok := mem.UsableSize(ptr)
			assert.True(t, ok)
			assert.GreaterOrEqual(t, n, test.size)

			fillPattern(bytesAt(ptr, test.size), 3)
			assertPattern(t, bytesAt(ptr, test.size), 3)

			mem.Deallocate(ptr, l)
			assert.Equal(t, 1, rec.calls["Alloc"])
			assert.Equal(t, 1, rec.calls["Dealloc"])
		})
	}
}

func TestFacadeAllocateZeroed(t *testing.T) {
	rec := newRecordingBackend()
	mem := memory.NewFacade(rec)

	// dirty a block of the same shape first
	l := memory.MustLayout(512, 64)
	dirty := mem.Allocate(l)
	require.NotNil(t, dirty)
	assert.Equal(t, byte(0xAA), bytesAt(dirty, 512)[0])
	mem.Deallocate(dirty, l)

	ptr := mem.AllocateZeroed(l)
	require.NotNil(t, ptr)
	defer mem.Deallocate(ptr, l)
	assert.Equal(t, make([]byte, 512), bytesAt(ptr, 512))
	assert.Equal(t, 1, rec.calls["AllocZeroed"])
}

func TestFacadeNeighbors(t *testing.T) {
	mem := memory.NewFacade(memory.GoBackend{})
	l := memory.MustLayout(100, 32)

	var blocks [3]unsafe.Pointer
	for i := range blocks {
		blocks[i] = mem.Allocate(l)
		require.NotNil(t, blocks[i])
		fillPattern(bytesAt(blocks[i], 100), byte(i*50))
	}

	mem.Deallocate(blocks[1], l)
	assertPattern(t, bytesAt(blocks[0], 100), 0)
	assertPattern(t, bytesAt(blocks[2], 100), 100)

	mem.Deallocate(blocks[0], l)
	mem.Deallocate(blocks[2], l)
}

func TestFacadeReallocate(t *testing.T) {
	tests := []struct {
		name          string
		before, after uintptr
		align         uintptr
	}{
		{"grow", 200, 300, 8},
		{"grow far", 16, 1 << 16, 64},
		{"shrink", 200, 100, 16},
		{"same", 200, 200, 32},
		{"overaligned", 100, 5000, 4096},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := newRecordingBackend()
			mem := memory.NewFacade(rec)
			l := memory.MustLayout(test.before, test.align)

			ptr := mem.Allocate(l)
			require.NotNil(t, ptr)
			fillPattern(bytesAt(ptr, test.before), 7)

			out := mem.Reallocate(ptr, l, test.after)
			require.NotNil(t, out)
			assert.True(t, memory.IsAligned(out, test.align))
			assertPattern(t, bytesAt(out, min(test.before, test.after)), 7)
			assert.Equal(t, 1, rec.calls["Realloc"])

			nl, err := l.WithSize(test.after)
			require.NoError(t, err)
			mem.Deallocate(out, nl)
		})
	}
}

func TestFacadeReallocateFromZero(t *testing.T) {
	rec := newRecordingBackend()
	mem := memory.NewFacade(rec)
	l := memory.MustLayout(0, 32)

	ptr := mem.Reallocate(mem.Allocate(l), l, 96)
	require.NotNil(t, ptr)
	assert.False(t, memory.IsSentinel(ptr))
	assert.True(t, memory.IsAligned(ptr, 32))
	assert.Equal(t, 1, rec.calls["Alloc"])
	assert.Zero(t, rec.calls["Realloc"])

	mem.Deallocate(ptr, memory.MustLayout(96, 32))
}

func TestFacadeReallocateToZero(t *testing.T) {
	rec := newRecordingBackend()
	mem := memory.NewFacade(rec)
	l := memory.MustLayout(64, 8)

	ptr := mem.Allocate(l)
	require.NotNil(t, ptr)

	assert.Nil(t, mem.Reallocate(ptr, l, 0))
	assert.Equal(t, 1, rec.calls["Dealloc"])
	assert.Zero(t, rec.calls["Realloc"])
	assert.Zero(t, rec.UsableSize(ptr), "block still live after shrinking to zero")
}

func TestFacadeReallocateFailure(t *testing.T) {
	rec := newRecordingBackend()
	mem := memory.NewFacade(rec)
	l := memory.MustLayout(64, 8)

	ptr := mem.Allocate(l)
	require.NotNil(t, ptr)
	fillPattern(bytesAt(ptr, 64), 9)

	rec.fail = true
	assert.Nil(t, mem.Reallocate(ptr, l, 1<<20))
	assert.Equal(t, 1, rec.calls["Realloc"])
	rec.fail = false

	// the original block is untouched and still owned by the caller
	assertPattern(t, bytesAt(ptr, 64), 9)
	mem.Deallocate(ptr, l)
	assert.Equal(t, 1, rec.calls["Dealloc"])
}

func TestFacadeReallocateOverflow(t *testing.T) {
	rec := newRecordingBackend()
	mem := memory.NewFacade(rec)
	l := memory.MustLayout(16, 64)

	ptr := mem.Allocate(l)
	require.NotNil(t, ptr)
	fillPattern(bytesAt(ptr, 16), 1)

	assert.Nil(t, mem.Reallocate(ptr, l, memory.MaxSize))
	assert.Nil(t, mem.Reallocate(memory.Sentinel(), memory.MustLayout(0, 64), memory.MaxSize))
	assert.Zero(t, rec.calls["Realloc"])
	assert.Equal(t, 1, rec.calls["Alloc"])

	assertPattern(t, bytesAt(ptr, 16), 1)
	mem.Deallocate(ptr, l)
}

func TestFacadeExhausted(t *testing.T) {
	rec := newRecordingBackend()
	rec.fail = true
	mem := memory.NewFacade(rec)
	l := memory.MustLayout(128, 16)

	assert.Nil(t, mem.Allocate(l))
	assert.Nil(t, mem.AllocateZeroed(l))
	assert.Nil(t, mem.Reallocate(memory.Sentinel(), memory.MustLayout(0, 16), 128))

	// the Go heap cannot satisfy this either
	huge := memory.MustLayout(memory.MaxSize/2, 1)
	assert.Nil(t, memory.NewFacade(memory.GoBackend{}).Allocate(huge))
}

func TestFacadeUsableSize(t *testing.T) {
	rec := newRecordingBackend()
	mem := memory.NewFacade(rec)

	n, ok := mem.UsableSize(nil)
	assert.False(t, ok)
	assert.Zero(t, n)

	n, ok = mem.UsableSize(memory.Sentinel())
	assert.True(t, ok)
	assert.Zero(t, n)
	assert.Zero(t, rec.calls["UsableSize"])

	l := memory.MustLayout(100, 64)
	ptr := mem.Allocate(l)
	require.NotNil(t, ptr)
	n, ok = mem.UsableSize(ptr)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, n, uintptr(100))
	mem.Deallocate(ptr, l)
}

func TestFacadeIsZeroSized(t *testing.T) {
	assert.Zero(t, unsafe.Sizeof(memory.NewFacade(memory.GoBackend{})))
	assert.Equal(t, unsafe.Sizeof(uintptr(0)), unsafe.Sizeof(memory.NewFacade(newRecordingBackend())))
}

func TestFacadeBackend(t *testing.T) {
	rec := newRecordingBackend()
	assert.Same(t, rec, memory.NewFacade(rec).Backend())
}

func TestDefaultFacade(t *testing.T) {
	l := memory.MustLayout(256, 64)
	ptr := memory.DefaultFacade.AllocateZeroed(l)
	require.NotNil(t, ptr)
	assert.True(t, memory.IsAligned(ptr, 64))
	assert.Equal(t, make([]byte, 256), bytesAt(ptr, 256))
	memory.DefaultFacade.Deallocate(ptr, l)
}
