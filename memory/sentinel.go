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

// SentinelAlign is the alignment of the address returned for zero-size
// allocations.
const SentinelAlign = 64

// Go cannot over-align a package variable, so the sentinel is placed at the
// first SentinelAlign boundary inside a buffer twice that size. Package
// variables never move and are never written.
var (
	sentinelStorage [2 * SentinelAlign]byte

	sentinel = func() unsafe.Pointer {
		base := uintptr(unsafe.Pointer(&sentinelStorage[0]))
		return unsafe.Pointer(&sentinelStorage[AlignUp(base, SentinelAlign)-base])
	}()
)

// Sentinel returns the address handed out for every zero-size allocation.
// It is the same for the lifetime of the process and must never be written
// through or passed to a Backend.
func Sentinel() unsafe.Pointer { return sentinel }

// IsSentinel reports whether p is the zero-size sentinel.
func IsSentinel(p unsafe.Pointer) bool { return p == sentinel }
