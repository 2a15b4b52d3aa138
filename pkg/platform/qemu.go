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

// QEMU virt memory map.
const (
	qemuSecSRAMBase = 0x0e00_0000
	qemuSecSRAMSize = 0x0010_0000
	qemuSecDRAMBase = 0x0e10_0000
	qemuSecDRAMSize = 0x00f0_0000

	// The tables sit at the end of secure DRAM.
	qemuL1Size = 0x0010_0000
	qemuL1Base = qemuSecDRAMBase + qemuSecDRAMSize - qemuL1Size
	qemuL0Size = 0x2000
	qemuL0Base = qemuL1Base - qemuL0Size

	qemuNSDRAMBase = 0x4000_0000
	qemuNSDRAMEnd  = 0x1_0000_0000
	qemuDTMaxSize  = 0x0010_0000
	qemuRealmBase  = qemuNSDRAMBase + qemuDTMaxSize
	qemuRealmSize  = 0x0180_0000

	// High memory, above 4GB.
	qemuHighBase = 0x1_0000_0000
	qemuHighSize = 0x1_0000_0000
)

func init() {
	Register(&Platform{
		Name:    "qemu",
		PPS:     gpt.PPS64GB,
		PGS:     gpt.PGS4KB,
		L0GPTSZ: 0,
		L0Base:  qemuL0Base,
		L0Size:  qemuL0Size,
		Banks: []Bank{
			{
				Name:   "low",
				L1Base: qemuL1Base,
				L1Size: qemuL1Size,
				Regions: []gpt.PASRegion{
					gpt.MapRegionGranule(0, qemuSecSRAMBase, gpt.GPINonSecure),
					gpt.MapRegionGranule(qemuSecSRAMBase, qemuL0Base-qemuSecSRAMBase, gpt.GPISecure),
					gpt.MapRegionGranule(qemuL0Base, qemuL0Size+qemuL1Size, gpt.GPIRoot),
					gpt.MapRegionGranule(qemuL1Base+qemuL1Size, qemuRealmBase-(qemuL1Base+qemuL1Size), gpt.GPINonSecure),
					gpt.MapRegionGranule(qemuRealmBase, qemuRealmSize, gpt.GPIRealm),
					gpt.MapRegionGranule(qemuRealmBase+qemuRealmSize, qemuNSDRAMEnd-(qemuRealmBase+qemuRealmSize), gpt.GPINonSecure),
				},
			},
			{
				Name:    "high",
				Regions: []gpt.PASRegion{gpt.MapRegionBlock(qemuHighBase, qemuHighSize, gpt.GPINonSecure)},
			},
		},
	})
}
