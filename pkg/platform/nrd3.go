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

package platform

import "gvisor.dev/rme/pkg/gpt"

// Neoverse reference design (third generation) memory map, first chip.
// L0 regions are 16GB, so an L1 table covers 16GB in 2MB.
const (
	nrd3TrustedSRAMBase = 0x0000_0000
	nrd3TrustedSRAMSize = 0x0008_0000
	nrd3NSUARTBase      = 0x0ef7_0000
	nrd3RealmUARTBase   = 0x0ef8_0000
	nrd3UARTSize        = 0x0001_0000
	nrd3GICBase         = 0x3000_0000
	nrd3GICSize         = 0x0100_0000

	nrd3DRAM1Base = 0x8000_0000
	nrd3DRAM1Size = 0x8000_0000

	// Carve-outs at the top of DRAM1: L1 tables, then the L0 table and
	// its lock bits, then the RMM.
	nrd3L1Base    = 0xfc00_0000
	nrd3L1Size    = 0x0080_0000
	nrd3L0Base    = 0xfc80_0000
	nrd3L0Size    = 0x0004_0000
	nrd3RootEnd   = 0xfd00_0000
	nrd3RealmBase = nrd3RootEnd
	nrd3RealmSize = nrd3DRAM1Base + nrd3DRAM1Size - nrd3RealmBase

	nrd3DRAM2Base = 0x80_0000_0000
	nrd3DRAM2Size = 0x8_0000_0000
)

func init() {
	Register(&Platform{
		Name:    "nrd3",
		PPS:     gpt.PPS256TB,
		PGS:     gpt.PGS4KB,
		L0GPTSZ: 4,
		L0Base:  nrd3L0Base,
		L0Size:  nrd3L0Size,
		Banks: []Bank{
			{
				Name:   "dram1",
				L1Base: nrd3L1Base,
				L1Size: nrd3L1Size,
				Regions: []gpt.PASRegion{
					gpt.MapRegionGranule(nrd3TrustedSRAMBase, nrd3TrustedSRAMSize, gpt.GPIRoot),
					gpt.MapRegionGranule(nrd3NSUARTBase, nrd3UARTSize, gpt.GPINonSecure),
					gpt.MapRegionGranule(nrd3RealmUARTBase, nrd3UARTSize, gpt.GPIRealm),
					gpt.MapRegionGranule(nrd3GICBase, nrd3GICSize, gpt.GPIAny),
					gpt.MapRegionGranule(nrd3DRAM1Base, nrd3L1Base-nrd3DRAM1Base, gpt.GPINonSecure),
					gpt.MapRegionGranule(nrd3L1Base, nrd3RootEnd-nrd3L1Base, gpt.GPIRoot),
					gpt.MapRegionGranule(nrd3RealmBase, nrd3RealmSize, gpt.GPIRealm),
				},
			},
			{
				Name:    "dram2",
				Regions: []gpt.PASRegion{gpt.MapRegionBlock(nrd3DRAM2Base, nrd3DRAM2Size, gpt.GPINonSecure)},
			},
		},
	})
}
