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

// Package sysreg encodes and decodes the EL3 system registers that control
// granule protection checks.
package sysreg

import (
	"fmt"

	"gvisor.dev/rme/pkg/physarch"
)

// GPCCR_EL3 field layout.
const (
	gpccrPPSShift     = 0
	gpccrPPSMask      = 0x7
	gpccrIRGNShift    = 8
	gpccrIRGNMask     = 0x3
	gpccrORGNShift    = 10
	gpccrORGNMask     = 0x3
	gpccrSHShift      = 12
	gpccrSHMask       = 0x3
	gpccrPGSShift     = 14
	gpccrPGSMask      = 0x3
	gpccrGPCBit       = 1 << 16
	gpccrGPCPBit      = 1 << 17
	gpccrL0GPTSZShift = 20
	gpccrL0GPTSZMask  = 0xf
)

// Shareability values for GPCCR_EL3.SH.
const (
	ShareNon   = 0x0
	ShareOuter = 0x2
	ShareInner = 0x3
)

// Cacheability values for GPCCR_EL3.IRGN and GPCCR_EL3.ORGN.
const (
	CacheNC      = 0x0
	CacheWBRAWA  = 0x1
	CacheWTRANWA = 0x2
	CacheWBRANWA = 0x3
)

// GPCCR is the value of GPCCR_EL3, the Granule Protection Check Control
// Register.
type GPCCR uint64

// PPS returns the protected physical address size selector.
func (g GPCCR) PPS() uint64 { return (uint64(g) >> gpccrPPSShift) & gpccrPPSMask }

// PGS returns the physical granule size selector.
func (g GPCCR) PGS() uint64 { return (uint64(g) >> gpccrPGSShift) & gpccrPGSMask }

// SH returns the shareability of table walks.
func (g GPCCR) SH() uint64 { return (uint64(g) >> gpccrSHShift) & gpccrSHMask }

// IRGN returns the inner cacheability of table walks.
func (g GPCCR) IRGN() uint64 { return (uint64(g) >> gpccrIRGNShift) & gpccrIRGNMask }

// ORGN returns the outer cacheability of table walks.
func (g GPCCR) ORGN() uint64 { return (uint64(g) >> gpccrORGNShift) & gpccrORGNMask }

// L0GPTSZ returns the level 0 region size selector. The field is read-only
// and reported by the implementation.
func (g GPCCR) L0GPTSZ() uint64 {
	return (uint64(g) >> gpccrL0GPTSZShift) & gpccrL0GPTSZMask
}

// Enabled returns true if granule protection checks are enabled.
func (g GPCCR) Enabled() bool { return uint64(g)&gpccrGPCBit != 0 }

// FaultOnAccess returns true if GPCCR_EL3.GPCP is set.
func (g GPCCR) FaultOnAccess() bool { return uint64(g)&gpccrGPCPBit != 0 }

// WithEnabled returns g with GPCCR_EL3.GPC set to enabled.
func (g GPCCR) WithEnabled(enabled bool) GPCCR {
	if enabled {
		return g | gpccrGPCBit
	}
	return g &^ gpccrGPCBit
}

// WithL0GPTSZ returns g with the L0GPTSZ field replaced.
func (g GPCCR) WithL0GPTSZ(v uint64) GPCCR {
	g &^= gpccrL0GPTSZMask << gpccrL0GPTSZShift
	return g | GPCCR((v&gpccrL0GPTSZMask)<<gpccrL0GPTSZShift)
}

// String implements fmt.Stringer.String.
func (g GPCCR) String() string {
	return fmt.Sprintf("GPCCR{PPS:%d PGS:%d SH:%d IRGN:%d ORGN:%d L0GPTSZ:%d GPC:%t}",
		g.PPS(), g.PGS(), g.SH(), g.IRGN(), g.ORGN(), g.L0GPTSZ(), g.Enabled())
}

// NewGPCCR returns the GPCCR_EL3 value used to enable granule protection
// checks with the given selectors. Table walks are inner shareable and
// write-back cacheable, matching the way EL3 maps the tables.
func NewGPCCR(pps, pgs uint64) GPCCR {
	v := (pps & gpccrPPSMask) << gpccrPPSShift
	v |= (pgs & gpccrPGSMask) << gpccrPGSShift
	v |= ShareInner << gpccrSHShift
	v |= CacheWBRAWA << gpccrORGNShift
	v |= CacheWBRAWA << gpccrIRGNShift
	v |= gpccrGPCBit
	return GPCCR(v)
}

// GPTBR_EL3 field layout.
const (
	gptbrBAddrShift = 0
	gptbrBAddrMask  = (1 << 40) - 1

	// GPTBRAddrShift is the shift applied to the L0 table address before
	// it is stored in GPTBR_EL3.BADDR.
	GPTBRAddrShift = 12
)

// GPTBR is the value of GPTBR_EL3, the Granule Protection Table Base
// Register.
type GPTBR uint64

// NewGPTBR returns the GPTBR_EL3 value that points to the L0 table at base.
func NewGPTBR(base physarch.Addr) GPTBR {
	return GPTBR(((uint64(base) >> GPTBRAddrShift) & gptbrBAddrMask) << gptbrBAddrShift)
}

// Base returns the physical address of the L0 table.
func (g GPTBR) Base() physarch.Addr {
	return physarch.Addr(((uint64(g) >> gptbrBAddrShift) & gptbrBAddrMask) << GPTBRAddrShift)
}
