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
	"sync/atomic"

	"gvisor.dev/rme/pkg/physarch"
)

// Table words are read by the hardware table walker and by other cores
// without locks, so every access is a single-copy-atomic 64-bit access.

func loadWord(w *uint64) uint64 {
	return atomic.LoadUint64(w)
}

func storeWord(w *uint64, v uint64) {
	atomic.StoreUint64(w, v)
}

// fillDescs stores desc into every word of words.
func fillDescs(words []uint64, desc uint64) {
	for i := range words {
		storeWord(&words[i], desc)
	}
}

// blockWords returns the words of l1 covering the block of the given size
// that contains pa.
func (g Geometry) blockWords(l1 []uint64, pa physarch.Addr, size uint64) []uint64 {
	first := g.L1Index(pa.RoundDown(size))
	n := size / g.wordSpan()
	return l1[first : first+n]
}

// fillL1Range sets the index of every granule in [first, last] to gpi.
// first and last are granule addresses in the same L0 region, covered by
// l1. Every block of up to max contiguity that is aligned and lies entirely
// in the range is written as contiguous descriptors; the remaining granules
// are written field by field, preserving the other fields of their words.
func (g Geometry) fillL1Range(l1 []uint64, gpi GPI, first, last physarch.Addr, max Contig) {
	if first > last || g.L0Index(first) != g.L0Index(last) ||
		!first.IsAligned(g.GranuleSize()) || !last.IsAligned(g.GranuleSize()) {
		panic(fmt.Sprintf("invalid L1 fill range [%v, %v]", first, last))
	}
	end := uint64(last) + g.GranuleSize()
	pa := uint64(first)
	for pa < end {
		if c := largestContig(pa, end, max); c != ContigNone {
			fillDescs(g.blockWords(l1, physarch.Addr(pa), c.Size()), uint64(L1Contig(gpi, c)))
			pa += c.Size()
			continue
		}

		// Partial word: from pa to the end of the word or the range.
		span := g.wordSpan()
		wordEnd := (pa &^ (span - 1)) + span
		if wordEnd > end {
			wordEnd = end
		}
		w := &l1[g.L1Index(physarch.Addr(pa))]
		if wordEnd-pa == span {
			storeWord(w, uint64(L1Granules(gpi)))
			pa = wordEnd
			continue
		}
		desc := L1Desc(loadWord(w))
		if desc.IsContig() {
			panic(fmt.Sprintf("granule fill at %#x over %v", pa, desc))
		}
		for ; pa < wordEnd; pa += g.GranuleSize() {
			desc = desc.WithGPI(g.GPIIndex(physarch.Addr(pa)), gpi)
		}
		storeWord(w, uint64(desc))
	}
}

// largestContig returns the largest contiguity not above max whose block at
// pa is aligned and ends at or before end.
func largestContig(pa, end uint64, max Contig) Contig {
	for c := max; c != ContigNone; c = c.Smaller() {
		if pa&(c.Size()-1) == 0 && end-pa >= c.Size() {
			return c
		}
	}
	return ContigNone
}
