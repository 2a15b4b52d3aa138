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

package gpt

import (
	"fmt"
	"strings"

	"gvisor.dev/rme/pkg/physarch"
)

// PPS is the protected physical address size selector of GPCCR_EL3.
type PPS uint64

// Protected physical address sizes.
const (
	PPS4GB PPS = iota
	PPS64GB
	PPS1TB
	PPS4TB
	PPS16TB
	PPS256TB
	PPS4PB
)

var ppsT = [...]uint{
	PPS4GB:   32,
	PPS64GB:  36,
	PPS1TB:   40,
	PPS4TB:   42,
	PPS16TB:  44,
	PPS256TB: 48,
	PPS4PB:   52,
}

var ppsNames = [...]string{
	PPS4GB:   "4GB",
	PPS64GB:  "64GB",
	PPS1TB:   "1TB",
	PPS4TB:   "4TB",
	PPS16TB:  "16TB",
	PPS256TB: "256TB",
	PPS4PB:   "4PB",
}

// T returns the width in bits of the protected physical address space.
func (p PPS) T() (uint, bool) {
	if uint64(p) >= uint64(len(ppsT)) {
		return 0, false
	}
	return ppsT[p], true
}

// String implements fmt.Stringer.String.
func (p PPS) String() string {
	if uint64(p) < uint64(len(ppsNames)) {
		return ppsNames[p]
	}
	return fmt.Sprintf("PPS(%d)", uint64(p))
}

// Set implements flag.Value.Set.
func (p *PPS) Set(v string) error {
	for i, s := range ppsNames {
		if strings.EqualFold(v, s) {
			*p = PPS(i)
			return nil
		}
	}
	return fmt.Errorf("invalid protected address size %q", v)
}

// PGS is the physical granule size selector of GPCCR_EL3.
type PGS uint64

// Physical granule sizes. The encoding is not in size order.
const (
	PGS4KB  PGS = 0
	PGS64KB PGS = 1
	PGS16KB PGS = 2
)

// P returns the granule size as a shift.
func (p PGS) P() (uint, bool) {
	switch p {
	case PGS4KB:
		return 12, true
	case PGS64KB:
		return 16, true
	case PGS16KB:
		return 14, true
	default:
		return 0, false
	}
}

// String implements fmt.Stringer.String.
func (p PGS) String() string {
	switch p {
	case PGS4KB:
		return "4KB"
	case PGS64KB:
		return "64KB"
	case PGS16KB:
		return "16KB"
	default:
		return fmt.Sprintf("PGS(%d)", uint64(p))
	}
}

// Set implements flag.Value.Set.
func (p *PGS) Set(v string) error {
	switch strings.ToUpper(v) {
	case "4KB", "4K":
		*p = PGS4KB
	case "16KB", "16K":
		*p = PGS16KB
	case "64KB", "64K":
		*p = PGS64KB
	default:
		return fmt.Errorf("invalid granule size %q", v)
	}
	return nil
}

// l0gptszS returns the L0 region size shift for the hardware-reported
// GPCCR_EL3.L0GPTSZ value.
func l0gptszS(v uint64) (uint, bool) {
	switch v {
	case 0:
		return 30, true
	case 4:
		return 34, true
	case 6:
		return 36, true
	case 9:
		return 39, true
	default:
		return 0, false
	}
}

// Geometry describes the shape of the tables.
type Geometry struct {
	PPS PPS
	PGS PGS

	// T is the protected address space width, P the granule shift and S
	// the L0 region shift.
	T uint
	P uint
	S uint
}

// ProtectedSize returns the size of the protected physical address space.
func (g Geometry) ProtectedSize() uint64 {
	return 1 << g.T
}

// GranuleSize returns the size of a granule.
func (g Geometry) GranuleSize() uint64 {
	return 1 << g.P
}

// L0RegionSize returns the size of the region covered by one L0 entry.
func (g Geometry) L0RegionSize() uint64 {
	return 1 << g.S
}

// L0Entries returns the number of entries in the L0 table.
func (g Geometry) L0Entries() uint64 {
	if g.T <= g.S {
		return 1
	}
	return 1 << (g.T - g.S)
}

// L0TableSize returns the size of the L0 table in bytes.
func (g Geometry) L0TableSize() uint64 {
	return g.L0Entries() * 8
}

// L1Entries returns the number of words in an L1 table.
func (g Geometry) L1Entries() uint64 {
	return 1 << (g.S - g.P - 4)
}

// L1TableSize returns the size of an L1 table in bytes.
func (g Geometry) L1TableSize() uint64 {
	return g.L1Entries() * 8
}

// wordSpan returns the size of the region covered by one L1 word.
func (g Geometry) wordSpan() uint64 {
	return 1 << (g.P + 4)
}

// Contains returns true if pa is inside the protected address space.
func (g Geometry) Contains(pa physarch.Addr) bool {
	return uint64(pa)>>g.T == 0
}

// L0Index returns the index of the L0 entry covering pa.
//
// Preconditions: g.Contains(pa).
func (g Geometry) L0Index(pa physarch.Addr) uint64 {
	return uint64(pa) >> g.S
}

// L1Index returns the index of the L1 word covering pa within its table.
//
// Preconditions: g.Contains(pa).
func (g Geometry) L1Index(pa physarch.Addr) uint64 {
	return (uint64(pa) & (g.L0RegionSize() - 1)) >> (g.P + 4)
}

// GPIIndex returns the index of the 4-bit field for pa within its L1 word.
func (g Geometry) GPIIndex(pa physarch.Addr) uint {
	return uint(uint64(pa)>>g.P) & 0xf
}

// String implements fmt.Stringer.String.
func (g Geometry) String() string {
	return fmt.Sprintf("PPS/T %v/%d, PGS/P %v/%d, S %d", g.PPS, g.T, g.PGS, g.P, g.S)
}
