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

/*
Package memory exposes a size and alignment based allocation engine through a
uniform, goroutine-safe, panic-free allocation interface.

# Backends

A Backend is any engine providing five primitives: Alloc, AllocZeroed, Dealloc,
Realloc and UsableSize. Backends are never asked for zero bytes and are never
handed a nil pointer. The packages mallocator (libc via cgo), offheap
(modernc.org/memory) and pagealloc (github.com/smasher164/mem) provide off-heap
engines; GoBackend in this package serves memory from the Go heap.

# Facade

Facade wraps a Backend and normalizes the degenerate requests most engines
refuse: zero-size allocations return a shared Sentinel address, freeing a nil
pointer or a zero-size block is a no-op, and Reallocate absorbs growth from and
shrinking to zero. Exhaustion is reported as a nil pointer, never a panic.

A pointer obtained with Layout L must be freed or resized with a Layout of the
same size and alignment. The facade does not check this; wrap the backend in a
CheckedBackend to have violations recorded during testing.

# Slices and Buffers

Allocator is the []byte oriented interface used by Buffer. NewAllocator adapts
any Facade to it, and DefaultAllocator uses the backend chosen by the
ARROW_ALLOC_BACKEND environment variable.
*/
package memory
