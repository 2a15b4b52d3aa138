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

// Descriptor layout.
const (
	l0TypeMask      = 0xf
	l0TypeBlock     = 0x1
	l0TypeTable     = 0x3
	l0BlockGPIShift = 4

	// L1 table addresses occupy bits [51:12].
	l0TableAddrMask = ((1 << 52) - 1) &^ ((1 << 12) - 1)

	l1TypeMask        = 0xf
	l1TypeContig      = 0x1
	l1ContigGPIShift  = 4
	l1ContigSizeShift = 8
	l1ContigSizeMask  = 0x3

	// l1GranuleRepeat replicates a nibble into all sixteen fields.
	l1GranuleRepeat = 0x1111111111111111
)

// Contig is the contiguity of an L1 contiguous descriptor.
type Contig uint8

// Contiguity levels, in increasing size. The values are the hardware
// encoding of the contiguity field.
const (
	ContigNone Contig = iota
	Contig2MB
	Contig32MB
	Contig512MB
)

// Size returns the size of the block described by a descriptor of
// contiguity c.
func (c Contig) Size() uint64 {
	switch c {
	case Contig2MB:
		return physarch.Size2M
	case Contig32MB:
		return physarch.Size32M
	case Contig512MB:
		return physarch.Size512M
	default:
		panic(fmt.Sprintf("no block size for %v", c))
	}
}

// Smaller returns the next smaller contiguity. Each block of contiguity c
// holds sixteen blocks of c.Smaller(); a 2MB block holds granules.
func (c Contig) Smaller() Contig {
	switch c {
	case Contig512MB:
		return Contig32MB
	case Contig32MB:
		return Contig2MB
	case Contig2MB:
		return ContigNone
	default:
		panic(fmt.Sprintf("nothing smaller than %v", c))
	}
}

// Larger returns the next larger contiguity, or ContigNone above 512MB.
func (c Contig) Larger() Contig {
	switch c {
	case ContigNone:
		return Contig2MB
	case Contig2MB:
		return Contig32MB
	case Contig32MB:
		return Contig512MB
	case Contig512MB:
		return ContigNone
	default:
		panic(fmt.Sprintf("invalid contiguity %d", uint8(c)))
	}
}

// String implements fmt.Stringer.String.
func (c Contig) String() string {
	switch c {
	case ContigNone:
		return "none"
	case Contig2MB:
		return "2MB"
	case Contig32MB:
		return "32MB"
	case Contig512MB:
		return "512MB"
	default:
		return fmt.Sprintf("Contig(%d)", uint8(c))
	}
}

// Set implements flag.Value.Set.
func (c *Contig) Set(v string) error {
	switch strings.ToUpper(v) {
	case "NONE", "0":
		*c = ContigNone
	case "2MB", "2M":
		*c = Contig2MB
	case "32MB", "32M":
		*c = Contig32MB
	case "512MB", "512M":
		*c = Contig512MB
	default:
		return fmt.Errorf("invalid contiguity %q", v)
	}
	return nil
}

// Get implements flag.Getter.Get.
func (c *Contig) Get() any {
	return *c
}

// L0Desc is a level 0 table descriptor.
type L0Desc uint64

// L0Block returns a block descriptor giving an entire L0 region index gpi.
func L0Block(gpi GPI) L0Desc {
	return L0Desc(uint64(gpi)&gpiMask)<<l0BlockGPIShift | l0TypeBlock
}

// L0Table returns a table descriptor pointing to the L1 table at l1.
func L0Table(l1 physarch.Addr) L0Desc {
	return L0Desc(uint64(l1)&l0TableAddrMask) | l0TypeTable
}

// IsBlock returns true if d is a block descriptor.
func (d L0Desc) IsBlock() bool {
	return d&l0TypeMask == l0TypeBlock
}

// IsTable returns true if d is a table descriptor.
func (d L0Desc) IsTable() bool {
	return d&l0TypeMask == l0TypeTable
}

// GPI returns the index of a block descriptor.
func (d L0Desc) GPI() GPI {
	return GPI((d >> l0BlockGPIShift) & gpiMask)
}

// L1Addr returns the L1 table address of a table descriptor.
func (d L0Desc) L1Addr() physarch.Addr {
	return physarch.Addr(d & l0TableAddrMask)
}

// String implements fmt.Stringer.String.
func (d L0Desc) String() string {
	switch {
	case d.IsBlock():
		return fmt.Sprintf("block{%v}", d.GPI())
	case d.IsTable():
		return fmt.Sprintf("table{%v}", d.L1Addr())
	default:
		return fmt.Sprintf("L0Desc(%#x)", uint64(d))
	}
}

// L1Desc is a level 1 table word.
type L1Desc uint64

// L1Granules returns a granule descriptor with all sixteen granules set to
// gpi.
func L1Granules(gpi GPI) L1Desc {
	return L1Desc((uint64(gpi) & gpiMask) * l1GranuleRepeat)
}

// L1Contig returns a contiguous descriptor of contiguity c giving the block
// index gpi.
func L1Contig(gpi GPI, c Contig) L1Desc {
	if c == ContigNone {
		panic("contiguous descriptor without contiguity")
	}
	return L1Desc(uint64(c)&l1ContigSizeMask)<<l1ContigSizeShift |
		L1Desc(uint64(gpi)&gpiMask)<<l1ContigGPIShift |
		l1TypeContig
}

// IsContig returns true if d is a contiguous descriptor. Field 0 of a
// granule descriptor never holds 0x1, which is not a valid GPI.
func (d L1Desc) IsContig() bool {
	return d&l1TypeMask == l1TypeContig
}

// Contig returns the contiguity of d, or ContigNone for a granule
// descriptor.
func (d L1Desc) Contig() Contig {
	if !d.IsContig() {
		return ContigNone
	}
	return Contig((d >> l1ContigSizeShift) & l1ContigSizeMask)
}

// GPIAt returns the index of granule i of the sixteen covered by d.
func (d L1Desc) GPIAt(i uint) GPI {
	if d.IsContig() {
		return GPI((d >> l1ContigGPIShift) & gpiMask)
	}
	return GPI((d >> (i * 4)) & gpiMask)
}

// WithGPI returns granule descriptor d with field i set to gpi and every
// other field unchanged.
func (d L1Desc) WithGPI(i uint, gpi GPI) L1Desc {
	shift := i * 4
	return d&^(gpiMask<<shift) | L1Desc(uint64(gpi)&gpiMask)<<shift
}

// Uniform returns the common index if d is a granule descriptor whose
// fields are all equal.
func (d L1Desc) Uniform() (GPI, bool) {
	if d.IsContig() {
		return 0, false
	}
	gpi := GPI(d & gpiMask)
	return gpi, d == L1Granules(gpi)
}

// String implements fmt.Stringer.String.
func (d L1Desc) String() string {
	if d.IsContig() {
		return fmt.Sprintf("contig%v{%v}", d.Contig(), d.GPIAt(0))
	}
	return fmt.Sprintf("granules{%016x}", uint64(d))
}
