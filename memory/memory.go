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

// below this length a plain loop beats seeding and doubling with copy
const memsetCopyThreshold = 256

// Set assigns the value c to every element of the slice buf.
func Set(buf []byte, c byte) {
	switch {
	case c == 0:
		clear(buf)
	case len(buf) < memsetCopyThreshold:
		memory_memset_go(buf, c)
	default:
		memory_memset_copy(buf, c)
	}
}

// memory_memset_go reference implementation
func memory_memset_go(buf []byte, c byte) {
	for i := 0; i < len(buf); i++ {
		buf[i] = c
	}
}

// memory_memset_copy fills a short prefix and doubles it with copy, which
// the runtime performs with vector moves.
func memory_memset_copy(buf []byte, c byte) {
	if len(buf) == 0 {
		return
	}
	buf[0] = c
	for n := 1; n < len(buf); n *= 2 {
		copy(buf[n:], buf[:n])
	}
}
