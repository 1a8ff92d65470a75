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
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isAlignedTo(addr, alignment int) bool {
	return addr&(alignment-1) == 0
}

func TestGoBackend_Alloc(t *testing.T) {
	tests := []struct {
		name        string
		size, align uintptr
	}{
		{"lt alignment", 33, 64},
		{"gt alignment unaligned", 65, 64},
		{"eq alignment", 64, 64},
		{"large unaligned", 4097, 64},
		{"large aligned", 8192, 64},
		{"byte aligned", 7, 1},
		{"page aligned", 100, 4096},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var g GoBackend
			ptr := g.Alloc(test.align, test.size)
			require.NotNil(t, ptr)
			defer g.Dealloc(ptr, test.align, test.size)

			assert.True(t, isAlignedTo(int(uintptr(ptr)), int(test.align)))
			assert.GreaterOrEqual(t, g.UsableSize(ptr), test.size)
			assert.Equal(t, make([]byte, test.size), unsafe.Slice((*byte)(ptr), test.size))
		})
	}
}

func TestGoBackend_Realloc(t *testing.T) {
	tests := []struct {
		name     string
		sz1, sz2 uintptr
	}{
		{"smaller", 200, 100},
		{"same", 200, 200},
		{"larger", 200, 300},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var g GoBackend
			ptr := g.Alloc(alignment, test.sz1)
			require.NotNil(t, ptr)
			buf := unsafe.Slice((*byte)(ptr), test.sz1)
			for i := range buf {
				buf[i] = byte(i & 0xff)
			}

			exp := make([]byte, test.sz2)
			copy(exp, buf)

			out := g.Realloc(ptr, alignment, test.sz1, test.sz2)
			require.NotNil(t, out)
			assert.Equal(t, exp, unsafe.Slice((*byte)(out), test.sz2))
			g.Dealloc(out, alignment, test.sz2)
		})
	}
}

func TestGoBackend_ShrinkClearsTail(t *testing.T) {
	var g GoBackend
	ptr := g.Alloc(8, 64)
	require.NotNil(t, ptr)
	Set(unsafe.Slice((*byte)(ptr), 64), 0xff)

	ptr = g.Realloc(ptr, 8, 64, 16)
	ptr = g.Realloc(ptr, 8, 16, 64)
	require.NotNil(t, ptr)
	buf := unsafe.Slice((*byte)(ptr), 64)
	assert.Equal(t, make([]byte, 48), buf[16:])
	g.Dealloc(ptr, 8, 64)
}

func TestGoBackend_Unknown(t *testing.T) {
	var g GoBackend
	ptr := g.Alloc(8, 32)
	require.NotNil(t, ptr)
	g.Dealloc(ptr, 8, 32)

	assert.Zero(t, g.UsableSize(ptr))
	assert.Nil(t, g.Realloc(ptr, 8, 32, 64))
}

func TestGoBackend_TooLarge(t *testing.T) {
	var g GoBackend
	assert.Nil(t, g.Alloc(1, MaxSize/2))
	assert.Nil(t, g.Alloc(64, MaxSize))
}
