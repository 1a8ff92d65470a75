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
	"math"
	"strconv"
	"unsafe"

	"github.com/JohnCGriffin/overflow"
	"golang.org/x/xerrors"
)

var (
	ErrInvalidAlignment = xerrors.New("memory: alignment must be a non-zero power of two")
	ErrLayoutOverflow   = xerrors.New("memory: size rounded up to alignment overflows")
)

// MaxSize is the largest size a Layout can describe.
const MaxSize = uintptr(math.MaxInt)

// Layout describes a memory request: a size in bytes, which may be zero, and
// a power of two alignment.
//
// The zero Layout is not valid; use NewLayout.
type Layout struct {
	size  uintptr
	align uintptr
}

// NewLayout returns the Layout for size bytes aligned to align.
//
// It fails with ErrInvalidAlignment if align is not a power of two and with
// ErrLayoutOverflow if size rounded up to a multiple of align exceeds MaxSize.
func NewLayout(size, align uintptr) (Layout, error) {
	if !isPowerOf2(align) {
		return Layout{}, ErrInvalidAlignment
	}
	if size > MaxSize {
		return Layout{}, ErrLayoutOverflow
	}
	if _, ok := overflow.Add(int(size), int(align-1)); !ok {
		return Layout{}, ErrLayoutOverflow
	}
	return Layout{size: size, align: align}, nil
}

// MustLayout is like NewLayout but panics if the layout is invalid.
func MustLayout(size, align uintptr) Layout {
	l, err := NewLayout(size, align)
	if err != nil {
		panic(err)
	}
	return l
}

// LayoutOf returns the Layout of a single value of type T.
func LayoutOf[T any]() Layout {
	var v T
	return Layout{size: unsafe.Sizeof(v), align: unsafe.Alignof(v)}
}

func (l Layout) Size() uintptr  { return l.size }
func (l Layout) Align() uintptr { return l.align }

// WithSize returns a Layout with the alignment of l and the given size.
func (l Layout) WithSize(size uintptr) (Layout, error) {
	return NewLayout(size, l.align)
}

func (l Layout) String() string {
	return "Layout{size=" + strconv.FormatUint(uint64(l.size), 10) +
		", align=" + strconv.FormatUint(uint64(l.align), 10) + "}"
}
