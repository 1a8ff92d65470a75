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

// Package stress drives a memory.Facade from many goroutines at once and
// verifies that no block is disturbed by traffic on any other.
//
// Every worker keeps a small window of live blocks. Each block is filled with
// a pattern unique to the worker and iteration, hashed with xxh3, and hashed
// again just before it is resized or released; any difference is reported as
// ErrCorruption.
package stress

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/apache/arrow-alloc/memory"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

var (
	ErrCorruption = xerrors.New("stress: memory corruption detected")
	ErrConfig     = xerrors.New("stress: invalid configuration")
)

const (
	// Window is the number of blocks each worker keeps live at once.
	Window = 8

	MiB = 1 << 20
)

// Config controls a stress run. Zero fields take the defaults of
// DefaultConfig.
type Config struct {
	// Workers is the number of goroutines, default 4*GOMAXPROCS.
	Workers int
	// Iterations is the number of blocks each worker allocates.
	Iterations int
	// Sizes are the fixed sizes drawn from, in addition to a random size up
	// to MaxSize.
	Sizes []uintptr
	// Alignments are the alignments drawn from.
	Alignments []uintptr
	// MaxSize bounds the random sizes.
	MaxSize uintptr
	// Seed makes a run reproducible.
	Seed int64
}

// DefaultConfig oversubscribes the CPUs and mixes tiny, zero and 1 MiB
// blocks at alignments 1, 8, 32 and 64.
func DefaultConfig() Config {
	return Config{
		Workers:    4 * runtime.GOMAXPROCS(0),
		Iterations: 256,
		Sizes:      []uintptr{0, 8, 16, MiB},
		Alignments: []uintptr{1, 8, 32, 64},
		MaxSize:    64 << 10,
		Seed:       1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Iterations <= 0 {
		c.Iterations = def.Iterations
	}
	if len(c.Sizes) == 0 {
		c.Sizes = def.Sizes
	}
	if len(c.Alignments) == 0 {
		c.Alignments = def.Alignments
	}
	if c.MaxSize == 0 {
		c.MaxSize = def.MaxSize
	}
	return c
}

func (c Config) validate() error {
	for _, a := range c.Alignments {
		if _, err := memory.NewLayout(0, a); err != nil {
			return fmt.Errorf("%w: alignment %d: %w", ErrConfig, a, err)
		}
	}
	return nil
}

// Report summarizes a run.
type Report struct {
	Workers       int           `json:"workers"`
	Iterations    int           `json:"iterations"`
	Allocations   int64         `json:"allocations"`
	ZeroSize      int64         `json:"zero_size"`
	Reallocations int64         `json:"reallocations"`
	Exhausted     int64         `json:"exhausted"`
	Bytes         int64         `json:"bytes"`
	Elapsed       time.Duration `json:"elapsed_ns"`
}

type counters struct {
	allocs, zero, reallocs, exhausted, bytes atomic.Int64
}

type block struct {
	ptr    unsafe.Pointer
	layout memory.Layout
	sum    uint64
}

func (b *block) bytes() []byte {
	return unsafe.Slice((*byte)(b.ptr), b.layout.Size())
}

// Run executes cfg against mem and returns the combined report. The first
// corruption found by any worker cancels the others and is returned.
func Run[B memory.Backend](ctx context.Context, mem memory.Facade[B], cfg Config) (Report, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return Report{}, err
	}

	var (
		c     counters
		start = time.Now()
	)
	g, ctx := errgroup.WithContext(ctx)
	for w := range cfg.Workers {
		g.Go(func() error {
			wk := worker[B]{
				id:  w,
				mem: mem,
				cfg: cfg,
				rng: rand.New(rand.NewSource(cfg.Seed + int64(w))),
				c:   &c,
			}
			return wk.run(ctx)
		})
	}
	err := g.Wait()

	return Report{
		Workers:       cfg.Workers,
		Iterations:    cfg.Iterations,
		Allocations:   c.allocs.Load(),
		ZeroSize:      c.zero.Load(),
		Reallocations: c.reallocs.Load(),
		Exhausted:     c.exhausted.Load(),
		Bytes:         c.bytes.Load(),
		Elapsed:       time.Since(start),
	}, err
}

type worker[B memory.Backend] struct {
	id  int
	mem memory.Facade[B]
	cfg Config
	rng *rand.Rand
	c   *counters
}

func (w *worker[B]) run(ctx context.Context) (err error) {
	live := make([]*block, 0, Window)
	defer func() {
		for _, b := range live {
			if verr := w.release(b); verr != nil && err == nil {
				err = verr
			}
		}
	}()

	for i := 0; i < w.cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := w.allocate(i)
		if err != nil {
			return err
		}
		if b == nil {
			continue
		}

		if len(live) == Window {
			victim := w.rng.Intn(len(live))
			if w.rng.Intn(2) == 0 {
				if err := w.resize(live[victim], i); err != nil {
					return err
				}
			} else {
				if err := w.release(live[victim]); err != nil {
					return err
				}
				live[victim] = live[len(live)-1]
				live = live[:len(live)-1]
			}
		}
		if len(live) < Window {
			live = append(live, b)
		} else if err := w.release(b); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker[B]) pickSize() uintptr {
	if n := w.rng.Intn(len(w.cfg.Sizes) + 1); n < len(w.cfg.Sizes) {
		return w.cfg.Sizes[n]
	}
	return uintptr(w.rng.Int63n(int64(w.cfg.MaxSize))) + 1
}

func (w *worker[B]) pattern(i int) byte {
	return byte(w.id*31+i) | 1
}

func (w *worker[B]) allocate(i int) (*block, error) {
	l, err := memory.NewLayout(w.pickSize(), w.cfg.Alignments[w.rng.Intn(len(w.cfg.Alignments))])
	if err != nil {
		return nil, err
	}

	zeroed := w.rng.Intn(2) == 0
	var ptr unsafe.Pointer
	if zeroed {
		ptr = w.mem.AllocateZeroed(l)
	} else {
		ptr = w.mem.Allocate(l)
	}
	if ptr == nil {
		w.c.exhausted.Add(1)
		return nil, nil
	}
	w.c.allocs.Add(1)
	if l.Size() == 0 {
		w.c.zero.Add(1)
		if !memory.IsSentinel(ptr) {
			return nil, fmt.Errorf("%w: zero-size allocation returned %p, not the sentinel", ErrCorruption, ptr)
		}
	}
	w.c.bytes.Add(int64(l.Size()))

	b := &block{ptr: ptr, layout: l}
	if err := w.check(b, zeroed); err != nil {
		return nil, err
	}
	w.fill(b, w.pattern(i))
	return b, nil
}

func (w *worker[B]) check(b *block, zeroed bool) error {
	if b.layout.Size() == 0 {
		return nil
	}
	if !memory.IsAligned(b.ptr, b.layout.Align()) {
		return fmt.Errorf("%w: %p is not aligned for %s", ErrCorruption, b.ptr, b.layout)
	}
	if n, _ := w.mem.UsableSize(b.ptr); n < b.layout.Size() {
		return fmt.Errorf("%w: usable size %d below %s", ErrCorruption, n, b.layout)
	}
	if zeroed {
		for i, c := range b.bytes() {
			if c != 0 {
				return fmt.Errorf("%w: zeroed block %p has %#x at offset %d", ErrCorruption, b.ptr, c, i)
			}
		}
	}
	return nil
}

func (w *worker[B]) fill(b *block, c byte) {
	buf := b.bytes()
	memory.Set(buf, c)
	b.sum = xxh3.Hash(buf)
}

func (w *worker[B]) verify(b *block) error {
	if sum := xxh3.Hash(b.bytes()); sum != b.sum {
		return fmt.Errorf("%w: block %p (%s) was modified by another allocation", ErrCorruption, b.ptr, b.layout)
	}
	return nil
}

func (w *worker[B]) release(b *block) error {
	if err := w.verify(b); err != nil {
		return err
	}
	w.mem.Deallocate(b.ptr, b.layout)
	return nil
}

// resize reallocates b to a new size, checks that the common prefix
// survived and refills it.
func (w *worker[B]) resize(b *block, i int) error {
	if err := w.verify(b); err != nil {
		return err
	}

	newSize := w.pickSize()
	keep := min(b.layout.Size(), newSize)
	prefix := xxh3.Hash(b.bytes()[:keep])

	ptr := w.mem.Reallocate(b.ptr, b.layout, newSize)
	w.c.reallocs.Add(1)
	switch {
	case newSize == 0 && b.layout.Size() == 0:
		if !memory.IsSentinel(ptr) {
			return fmt.Errorf("%w: zero to zero reallocation returned %p", ErrCorruption, ptr)
		}
	case newSize == 0:
		if ptr != nil {
			return fmt.Errorf("%w: reallocation to zero returned %p", ErrCorruption, ptr)
		}
		// the old block is gone; continue with the sentinel
		ptr = memory.Sentinel()
	case ptr == nil:
		w.c.exhausted.Add(1)
		return nil
	}

	nl, err := b.layout.WithSize(newSize)
	if err != nil {
		return err
	}
	b.ptr, b.layout = ptr, nl
	if sum := xxh3.Hash(b.bytes()[:keep]); sum != prefix {
		return fmt.Errorf("%w: reallocation to %s lost its contents", ErrCorruption, nl)
	}
	if err := w.check(b, false); err != nil {
		return err
	}
	w.fill(b, w.pattern(i))
	return nil
}
