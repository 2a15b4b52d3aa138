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

// Package el3 defines the hardware operations that the granule protection
// table manager issues on the core that calls it.
//
// The operations mirror the EL3 instructions used to maintain the table:
// system register accesses, data cache maintenance by physical address,
// TLB invalidation by physical address and barriers. Implementations must
// be safe for use by the single goroutine modelling a core; different
// cores use different CPU values.
package el3

import (
	"fmt"

	"gvisor.dev/rme/pkg/physarch"
	"gvisor.dev/rme/pkg/sysreg"
)

// PAS identifies a physical address space, the namespace tag used for cache
// maintenance to the point of physical aliasing.
type PAS uint8

// Physical address spaces.
const (
	PASSecure PAS = iota
	PASNonSecure
	PASRoot
	PASRealm
)

// String implements fmt.Stringer.String.
func (p PAS) String() string {
	switch p {
	case PASSecure:
		return "secure"
	case PASNonSecure:
		return "nonsecure"
	case PASRoot:
		return "root"
	case PASRealm:
		return "realm"
	default:
		return fmt.Sprintf("PAS(%d)", uint8(p))
	}
}

// Barrier is a memory or context synchronization barrier.
type Barrier uint8

// Barriers.
const (
	// DSBSY is a full system data synchronization barrier.
	DSBSY Barrier = iota
	// DSBISH is an inner shareable data synchronization barrier.
	DSBISH
	// DSBISHST orders stores in the inner shareable domain.
	DSBISHST
	// DSBOSH is an outer shareable data synchronization barrier.
	DSBOSH
	// DSBOSHST orders stores in the outer shareable domain.
	DSBOSHST
	// ISB is an instruction synchronization barrier.
	ISB
)

var barrierNames = [...]string{
	DSBSY:    "dsb sy",
	DSBISH:   "dsb ish",
	DSBISHST: "dsb ishst",
	DSBOSH:   "dsb osh",
	DSBOSHST: "dsb oshst",
	ISB:      "isb",
}

// String implements fmt.Stringer.String.
func (b Barrier) String() string {
	if int(b) < len(barrierNames) {
		return barrierNames[b]
	}
	return fmt.Sprintf("Barrier(%d)", uint8(b))
}

// CPU is the set of operations available on the calling core.
type CPU interface {
	// ReadGPCCR returns the value of GPCCR_EL3.
	ReadGPCCR() sysreg.GPCCR

	// WriteGPCCR sets GPCCR_EL3. Read-only fields are not affected.
	WriteGPCCR(v sysreg.GPCCR)

	// ReadGPTBR returns the value of GPTBR_EL3.
	ReadGPTBR() sysreg.GPTBR

	// WriteGPTBR sets GPTBR_EL3.
	WriteGPTBR(v sysreg.GPTBR)

	// CachesEnabled returns true if SCTLR_EL3.C is set.
	CachesEnabled() bool

	// SupportsGranule returns true if the translation regime supports
	// the given granule size.
	SupportsGranule(size uint64) bool

	// CleanDcacheRange cleans [pa, pa+size) to the point of coherency.
	CleanDcacheRange(pa physarch.Addr, size uint64)

	// FlushDcacheRange cleans and invalidates [pa, pa+size) to the point
	// of coherency.
	FlushDcacheRange(pa physarch.Addr, size uint64)

	// FlushDcacheToPoPA cleans and invalidates [pa, pa+size) to the point
	// of physical aliasing using the given physical address space.
	FlushDcacheToPoPA(pas PAS, pa physarch.Addr, size uint64)

	// TLBIPAAllOS invalidates all cached GPT entries in the outer
	// shareable domain.
	TLBIPAAllOS()

	// TLBIRange invalidates cached GPT entries covering [pa, pa+size).
	TLBIRange(pa physarch.Addr, size uint64)

	// TLBIPage invalidates cached GPT entries for the granule of the given
	// size at pa, in the outer shareable domain.
	TLBIPage(pa physarch.Addr, granule uint64)

	// Barrier issues b.
	Barrier(b Barrier)
}
