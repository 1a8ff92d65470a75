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
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CheckedBackend wraps a Backend and validates the calls made to it. It keeps
// a record of every live block with the layout and call site it was
// allocated with, and on Dealloc and Realloc checks that the pointer is live
// and that the layout matches. Mismatches are recorded as Violations instead
// of being forwarded: frees use the recorded layout, and frees of unknown
// pointers are dropped.
//
// A CheckedBackend costs a map operation and a stack walk per call. It is
// meant for tests and debugging; production code should use the wrapped
// backend directly.
type CheckedBackend struct {
	mem Backend

	_  cpu.CacheLinePad
	sz atomic.Int64
	_  cpu.CacheLinePad

	allocs sync.Map

	mu         sync.Mutex
	violations []Violation
}

func NewCheckedBackend(mem Backend) *CheckedBackend {
	return &CheckedBackend{mem: mem}
}

// ViolationKind classifies a contract violation observed by CheckedBackend.
type ViolationKind int8

const (
	// LayoutMismatch: a block was released or resized with a size or
	// alignment different from the one it was allocated with.
	LayoutMismatch ViolationKind = iota
	// UnknownPointer: a pointer that is not live was released or resized,
	// either a double free or a foreign pointer.
	UnknownPointer
	// SentinelReleased: the zero-size sentinel reached the backend.
	SentinelReleased
	// ZeroSizeRequest: a zero-size allocation reached the backend.
	ZeroSizeRequest
	// ShortUsableSize: the backend reported a usable size below the
	// requested size.
	ShortUsableSize
)

func (k ViolationKind) String() string {
	switch k {
	case LayoutMismatch:
		return "layout mismatch"
	case UnknownPointer:
		return "unknown pointer"
	case SentinelReleased:
		return "sentinel released"
	case ZeroSizeRequest:
		return "zero-size request"
	case ShortUsableSize:
		return "short usable size"
	}
	return "ViolationKind(" + strconv.Itoa(int(k)) + ")"
}

// Violation describes one misuse of the backend.
type Violation struct {
	Kind ViolationKind
	Op   string
	Addr uintptr
	// Want is the layout recorded at allocation, Got the one supplied.
	Want, Got Layout
	// Site is the caller that allocated the block, if known.
	Site string
}

func (v Violation) String() string {
	s := fmt.Sprintf("%s: %s of %#x", v.Op, v.Kind, v.Addr)
	switch v.Kind {
	case LayoutMismatch, ShortUsableSize:
		s += fmt.Sprintf(" (allocated %s, got %s)", v.Want, v.Got)
	case ZeroSizeRequest:
		s += fmt.Sprintf(" (%s)", v.Got)
	}
	if v.Site != "" {
		s += " allocated at " + v.Site
	}
	return s
}

type dalloc struct {
	pc     uintptr
	line   int
	layout Layout
}

func (d *dalloc) site() string {
	if f := runtime.FuncForPC(d.pc); f != nil {
		return f.Name() + " line " + strconv.Itoa(d.line)
	}
	return ""
}

// CurrentAlloc returns the number of bytes requested by live blocks.
func (a *CheckedBackend) CurrentAlloc() int { return int(a.sz.Load()) }

// Violations returns the violations observed so far.
func (a *CheckedBackend) Violations() []Violation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Violation(nil), a.violations...)
}

func (a *CheckedBackend) violate(v Violation) {
	a.mu.Lock()
	a.violations = append(a.violations, v)
	a.mu.Unlock()
}

func (a *CheckedBackend) record(ptr unsafe.Pointer, l Layout, frames int) {
	a.sz.Add(int64(l.size))
	d := &dalloc{layout: l}
	if pc, _, line, ok := runtime.Caller(frames); ok {
		d.pc, d.line = pc, line
	}
	a.allocs.Store(uintptr(ptr), d)
}

// release validates a block handed back by the caller and returns the
// layout it was allocated with.
func (a *CheckedBackend) release(op string, ptr unsafe.Pointer, got Layout) (Layout, bool) {
	if ptr == sentinel {
		a.violate(Violation{Kind: SentinelReleased, Op: op, Addr: uintptr(ptr), Got: got})
		return Layout{}, false
	}
	v, ok := a.allocs.LoadAndDelete(uintptr(ptr))
	if !ok {
		a.violate(Violation{Kind: UnknownPointer, Op: op, Addr: uintptr(ptr), Got: got})
		return Layout{}, false
	}
	d := v.(*dalloc)
	if d.layout != got {
		a.violate(Violation{Kind: LayoutMismatch, Op: op, Addr: uintptr(ptr), Want: d.layout, Got: got, Site: d.site()})
	}
	a.sz.Add(-int64(d.layout.size))
	return d.layout, true
}

func (a *CheckedBackend) Alloc(align, size uintptr) unsafe.Pointer {
	return a.alloc("Alloc", align, size, a.mem.Alloc)
}

func (a *CheckedBackend) AllocZeroed(align, size uintptr) unsafe.Pointer {
	return a.alloc("AllocZeroed", align, size, a.mem.AllocZeroed)
}

func (a *CheckedBackend) alloc(op string, align, size uintptr, fn func(uintptr, uintptr) unsafe.Pointer) unsafe.Pointer {
	l := Layout{size: size, align: align}
	if size == 0 {
		a.violate(Violation{Kind: ZeroSizeRequest, Op: op, Got: l})
		return sentinel
	}
	ptr := fn(align, size)
	if ptr != nil {
		a.record(ptr, l, allocFrames)
	}
	return ptr
}

func (a *CheckedBackend) Dealloc(ptr unsafe.Pointer, align, size uintptr) {
	if l, ok := a.release("Dealloc", ptr, Layout{size: size, align: align}); ok {
		a.mem.Dealloc(ptr, l.align, l.size)
	}
}

func (a *CheckedBackend) Realloc(ptr unsafe.Pointer, align, oldSize, newSize uintptr) unsafe.Pointer {
	l, ok := a.release("Realloc", ptr, Layout{size: oldSize, align: align})
	if !ok {
		return nil
	}
	out := a.mem.Realloc(ptr, l.align, l.size, newSize)
	if out == nil {
		// the original block is still live
		a.record(ptr, l, reallocFrames)
		return nil
	}
	a.record(out, Layout{size: newSize, align: l.align}, reallocFrames)
	return out
}

func (a *CheckedBackend) UsableSize(ptr unsafe.Pointer) uintptr {
	n := a.mem.UsableSize(ptr)
	if v, ok := a.allocs.Load(uintptr(ptr)); ok {
		d := v.(*dalloc)
		if n < d.layout.size {
			a.violate(Violation{Kind: ShortUsableSize, Op: "UsableSize", Addr: uintptr(ptr),
				Want: d.layout, Got: Layout{size: n, align: d.layout.align}, Site: d.site()})
		}
	}
	return n
}

// typically the allocations are happening through a Facade or a Buffer rather
// than by calling the backend directly. As a result, we want to skip the caller
// frames of the inner workings of the Facade in order to find the caller that
// actually triggered the allocation.
const (
	defAllocFrames   = 4
	defReallocFrames = 3
)

// Use the environment variables ARROW_CHECKED_ALLOC_FRAMES and ARROW_CHECKED_REALLOC_FRAMES
// to control how many frames up it checks when storing the caller for allocations/reallocs
// when using this to find memory leaks.
var allocFrames, reallocFrames int = defAllocFrames, defReallocFrames

func init() {
	if val, ok := os.LookupEnv("ARROW_CHECKED_ALLOC_FRAMES"); ok {
		if f, err := strconv.Atoi(val); err == nil {
			allocFrames = f
		}
	}

	if val, ok := os.LookupEnv("ARROW_CHECKED_REALLOC_FRAMES"); ok {
		if f, err := strconv.Atoi(val); err == nil {
			reallocFrames = f
		}
	}
}

type TestingT interface {
	Errorf(format string, args ...interface{})
	Helper()
}

// AssertSize reports every live block as a leak, every recorded violation,
// and an error if the live byte count differs from sz.
func (a *CheckedBackend) AssertSize(t TestingT, sz int) {
	a.allocs.Range(func(_, value interface{}) bool {
		info := value.(*dalloc)
		t.Errorf("LEAK of %d bytes FROM %s\n", info.layout.size, info.site())
		return true
	})

	for _, v := range a.Violations() {
		t.Helper()
		t.Errorf("VIOLATION %s", v)
	}

	if cur := a.CurrentAlloc(); cur != sz {
		t.Helper()
		t.Errorf("invalid memory size exp=%d, got=%d", sz, cur)
	}
}

type CheckedBackendScope struct {
	alloc *CheckedBackend
	sz    int
}

func NewCheckedBackendScope(alloc *CheckedBackend) *CheckedBackendScope {
	return &CheckedBackendScope{alloc: alloc, sz: alloc.CurrentAlloc()}
}

func (c *CheckedBackendScope) CheckSize(t TestingT) {
	sz := c.alloc.CurrentAlloc()
	if c.sz != sz {
		t.Helper()
		t.Errorf("invalid memory size exp=%d, got=%d", c.sz, sz)
	}
}

var (
	_ Backend = (*CheckedBackend)(nil)
)
