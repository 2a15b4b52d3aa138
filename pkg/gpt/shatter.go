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

	"gvisor.dev/rme/pkg/el3"
	"gvisor.dev/rme/pkg/physarch"
)

// shatter replaces contiguous descriptor desc, which covers pa, with
// descriptors of the next smaller contiguity, level by level, until the
// word covering pa is a granule descriptor. Every granule keeps its index.
//
// Preconditions: the lock covering pa is held.
func (m *Manager) shatter(cpu el3.CPU, geo Geometry, l1 []uint64, pa physarch.Addr, desc L1Desc) {
	gpi := desc.GPIAt(0)
	for c := desc.Contig(); c != ContigNone; c = c.Smaller() {
		words := geo.blockWords(l1, pa, c.Size())
		for i := range words {
			if d := L1Desc(loadWord(&words[i])); d != L1Contig(gpi, c) {
				panic(fmt.Sprintf("shattering %v block at %v: word %d is %v", c, pa.RoundDown(c.Size()), i, d))
			}
		}

		var sub L1Desc
		if s := c.Smaller(); s == ContigNone {
			sub = L1Granules(gpi)
		} else {
			sub = L1Contig(gpi, s)
		}
		fillDescs(words, uint64(sub))

		// The walker may hold the larger block.
		cpu.Barrier(el3.DSBOSHST)
		cpu.TLBIRange(pa.RoundDown(c.Size()), c.Size())
		cpu.Barrier(el3.DSBOSH)
		m.log.Debugf("Shattered %v block at %v into %v", c, pa.RoundDown(c.Size()), sub)
	}
}

// fuse collapses the blocks enclosing pa into contiguous descriptors while
// every word of the block holds the same descriptor, from 2MB up to the
// configured maximum. The word covering pa must hold a granule descriptor.
// Fusing never changes the index of any granule.
//
// Preconditions: the lock covering pa is held.
func (m *Manager) fuse(cpu el3.CPU, geo Geometry, l1 []uint64, pa physarch.Addr) {
	if m.cfg.MaxContig == ContigNone {
		return
	}
	gpi, ok := L1Desc(loadWord(&l1[geo.L1Index(pa)])).Uniform()
	if !ok {
		return
	}
	want := L1Granules(gpi)
	for c := Contig2MB; c != ContigNone && c <= m.cfg.MaxContig; c = c.Larger() {
		words := geo.blockWords(l1, pa, c.Size())
		for i := range words {
			if L1Desc(loadWord(&words[i])) != want {
				return
			}
		}
		want = L1Contig(gpi, c)
		fillDescs(words, uint64(want))
		cpu.Barrier(el3.DSBOSHST)
		m.log.Debugf("Fused %v block at %v as %v", c, pa.RoundDown(c.Size()), gpi)
	}
}
