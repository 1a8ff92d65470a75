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
	"math/bits"

	"github.com/klauspost/cpuid/v2"
)

// DefaultAlignment is the alignment of buffers from DefaultAllocator: 64
// bytes, or the cache line size if the CPU reports a larger one, so that
// buffers never share a line.
var DefaultAlignment = max(alignment, CacheLineSize())

// CacheLineSize returns the L1 data cache line size reported by the CPU,
// rounded up to a power of two, or 64 if it cannot be detected.
func CacheLineSize() int {
	line := cpuid.CPU.CacheLine
	if line <= 0 {
		return 64
	}
	if !isPowerOf2(uint(line)) {
		line = 1 << bits.Len(uint(line))
	}
	return line
}
