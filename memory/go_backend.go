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
	"sync"
	"unsafe"

	"github.com/JohnCGriffin/overflow"
)

// GoBackend serves blocks from the Go heap. Each block is a []byte padded so
// that an aligned window of the requested size fits inside it; live blocks
// are kept in a table keyed by address until Dealloc drops them, after which
// the garbage collector reclaims the memory.
//
// Blocks are always zero-filled. GoBackend is safe for concurrent use.
type GoBackend struct{}

// live maps the address of each outstanding block to the aligned window of
// its backing array, extended to the end of the array.
var live sync.Map

func init() {
	RegisterBackend(DefaultBackendName, func() Backend { return GoBackend{} })
}

func (GoBackend) Alloc(align, size uintptr) unsafe.Pointer {
	n, ok := overflow.Add(int(size), int(align-1))
	if !ok {
		return nil
	}
	buf := goMake(n)
	if buf == nil {
		return nil
	}

	addr := addressOf(buf)
	shift := AlignUp(addr, align) - addr
	blk := buf[shift:]
	ptr := unsafe.Pointer(&blk[0])
	live.Store(uintptr(ptr), blk)
	return ptr
}

func (g GoBackend) AllocZeroed(align, size uintptr) unsafe.Pointer {
	return g.Alloc(align, size)
}

func (GoBackend) Dealloc(ptr unsafe.Pointer, _, _ uintptr) {
	live.Delete(uintptr(ptr))
}

func (g GoBackend) Realloc(ptr unsafe.Pointer, align, oldSize, newSize uintptr) unsafe.Pointer {
	v, ok := live.Load(uintptr(ptr))
	if !ok {
		return nil
	}
	old := v.([]byte)
	if newSize <= uintptr(len(old)) {
		if newSize < oldSize {
			// the tail may be handed out again by a later grow in place
			clear(old[newSize:oldSize])
		}
		return ptr
	}

	out := g.Alloc(align, newSize)
	if out == nil {
		return nil
	}
	copy(unsafe.Slice((*byte)(out), newSize), old[:oldSize])
	live.Delete(uintptr(ptr))
	return out
}

func (GoBackend) UsableSize(ptr unsafe.Pointer) uintptr {
	v, ok := live.Load(uintptr(ptr))
	if !ok {
		return 0
	}
	return uintptr(len(v.([]byte)))
}

// goMake allocates n zeroed bytes, turning the runtime's panic for lengths it
// cannot represent into a nil result.
func goMake(n int) (buf []byte) {
	defer func() {
		if recover() != nil {
			buf = nil
		}
	}()
	return make([]byte, n)
}

var _ Backend = GoBackend{}
