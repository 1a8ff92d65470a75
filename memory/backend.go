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
	"sort"
	"sync"
	"unsafe"

	"github.com/apache/arrow-alloc/memory/internal/debug"
	"golang.org/x/xerrors"
)

// Backend is an allocation engine addressed by size and alignment.
//
// Callers guarantee that size, oldSize and newSize are never zero, that align
// is a power of two and that ptr is never nil and was returned by the same
// backend for a block of the given size and alignment. Alloc, AllocZeroed and
// Realloc return nil when the request cannot be satisfied; a failed Realloc
// leaves the original block untouched.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Backend interface {
	Alloc(align, size uintptr) unsafe.Pointer
	AllocZeroed(align, size uintptr) unsafe.Pointer
	Dealloc(ptr unsafe.Pointer, align, size uintptr)
	Realloc(ptr unsafe.Pointer, align, oldSize, newSize uintptr) unsafe.Pointer
	// UsableSize returns the capacity of the block at ptr, which is at least
	// the size it was requested with.
	UsableSize(ptr unsafe.Pointer) uintptr
}

const (
	// BackendEnvVar names the environment variable consulted by
	// BackendFromEnv and DefaultBackend.
	BackendEnvVar = "ARROW_ALLOC_BACKEND"
	// DefaultBackendName is used when BackendEnvVar is unset.
	DefaultBackendName = "go"
)

var ErrUnknownBackend = xerrors.New("memory: unknown backend")

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]func() Backend)
)

// RegisterBackend makes a backend constructor available by name. It is
// intended to be called from the init function of the package implementing
// the backend and panics if fn is nil or name is already taken.
func RegisterBackend(name string, fn func() Backend) {
	if fn == nil {
		panic("memory: RegisterBackend constructor is nil")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("memory: RegisterBackend called twice for backend " + name)
	}
	backends[name] = fn
}

// GetBackend constructs the backend registered under name.
func GetBackend(name string) (Backend, error) {
	backendsMu.RLock()
	fn, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return fn(), nil
}

// Backends returns the sorted names of all registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BackendFromEnv constructs the backend named by ARROW_ALLOC_BACKEND, or the
// "go" backend if the variable is unset or empty.
func BackendFromEnv() (Backend, error) {
	name := os.Getenv(BackendEnvVar)
	if name == "" {
		name = DefaultBackendName
	}
	b, err := GetBackend(name)
	if err != nil {
		return nil, err
	}
	debug.Log(func() string { return "memory: using backend " + name })
	return b, nil
}

var (
	defaultBackendOnce sync.Once
	defaultBackend     Backend
)

// DefaultBackend returns the process-wide backend selected by
// BackendFromEnv, falling back to GoBackend if the configured name is not
// registered. The choice is made on first use so that backends registered by
// imported packages are visible.
func DefaultBackend() Backend {
	defaultBackendOnce.Do(func() {
		b, err := BackendFromEnv()
		if err != nil {
			debug.Log(func() string { return err.Error() + ", falling back to " + DefaultBackendName })
			b = GoBackend{}
		}
		defaultBackend = b
	})
	return defaultBackend
}

// processBackend forwards to DefaultBackend, deferring the choice of engine
// until the first allocation.
type processBackend struct{}

func (processBackend) Alloc(align, size uintptr) unsafe.Pointer {
	return DefaultBackend().Alloc(align, size)
}

func (processBackend) AllocZeroed(align, size uintptr) unsafe.Pointer {
	return DefaultBackend().AllocZeroed(align, size)
}

func (processBackend) Dealloc(ptr unsafe.Pointer, align, size uintptr) {
	DefaultBackend().Dealloc(ptr, align, size)
}

func (processBackend) Realloc(ptr unsafe.Pointer, align, oldSize, newSize uintptr) unsafe.Pointer {
	return DefaultBackend().Realloc(ptr, align, oldSize, newSize)
}

func (processBackend) UsableSize(ptr unsafe.Pointer) uintptr {
	return DefaultBackend().UsableSize(ptr)
}

var _ Backend = processBackend{}
