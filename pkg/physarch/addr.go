// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package physarch provides physical address types and helpers shared by
// the granule protection packages.
package physarch

import (
	"fmt"
	"math/bits"
)

// Common block sizes.
const (
	Size4K   = 1 << 12
	Size16K  = 1 << 14
	Size64K  = 1 << 16
	Size2M   = 1 << 21
	Size32M  = 1 << 25
	Size512M = 1 << 29
	Size1G   = 1 << 30
)

// Addr represents a physical address.
type Addr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// IsAligned returns true if v is a multiple of align. align must be a power
// of two.
func (v Addr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// RoundDown returns v rounded down to the nearest multiple of align. align
// must be a power of two.
func (v Addr) RoundDown(align uint64) Addr {
	return v &^ Addr(align-1)
}

// RoundUp returns v rounded up to the nearest multiple of align. ok is true
// iff the rounding did not wrap around.
func (v Addr) RoundUp(align uint64) (addr Addr, ok bool) {
	addr = Addr(uint64(v)+align-1).RoundDown(align)
	ok = addr >= v
	return
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	sum, carry := bits.Add64(uint64(v), length, 0)
	return Addr(sum), carry == 0
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// IsPowerOfTwo returns true if x is a non-zero power of two.
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}
