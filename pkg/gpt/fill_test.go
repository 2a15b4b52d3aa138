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
	"testing"

	"gvisor.dev/rme/pkg/physarch"
)

var fillGeo = Geometry{T: 32, P: 12, S: 30}

func newL1(geo Geometry) []uint64 {
	l1 := make([]uint64, geo.L1Entries())
	fillDescs(l1, uint64(L1Granules(GPIAny)))
	return l1
}

func l1GPI(geo Geometry, l1 []uint64, pa physarch.Addr) GPI {
	return L1Desc(l1[geo.L1Index(pa)]).GPIAt(geo.GPIIndex(pa))
}

func TestFillL1RangeDescriptors(t *testing.T) {
	geo := fillGeo
	l1 := newL1(geo)
	geo.fillL1Range(l1, GPINonSecure, 0x1000, 0x3fff_f000, Contig512MB)

	for _, tc := range []struct {
		pa   physarch.Addr
		want L1Desc
	}{
		// Partial first word: granule 0 is untouched.
		{0x0, L1Desc(0x999999999999999f)},
		{0x10000, L1Granules(GPINonSecure)},
		{0x1f_0000, L1Granules(GPINonSecure)},
		{0x20_0000, L1Contig(GPINonSecure, Contig2MB)},
		{0x1e0_0000, L1Contig(GPINonSecure, Contig2MB)},
		{0x200_0000, L1Contig(GPINonSecure, Contig32MB)},
		{0x1e00_0000, L1Contig(GPINonSecure, Contig32MB)},
		{0x2000_0000, L1Contig(GPINonSecure, Contig512MB)},
		{0x3fff_0000, L1Contig(GPINonSecure, Contig512MB)},
	} {
		if got := L1Desc(l1[geo.L1Index(tc.pa)]); got != tc.want {
			t.Errorf("word at %v = %v, want %v", tc.pa, got, tc.want)
		}
	}
}

func TestFillL1RangeMaxContig(t *testing.T) {
	for _, max := range []Contig{ContigNone, Contig2MB, Contig32MB, Contig512MB} {
		geo := fillGeo
		l1 := newL1(geo)
		geo.fillL1Range(l1, GPIRealm, 0, 0x3fff_f000, max)
		for i := range l1 {
			if c := L1Desc(l1[i]).Contig(); c > max {
				t.Errorf("max %v: word %d has contiguity %v", max, i, c)
				break
			}
		}
		for pa := physarch.Addr(0); pa < 1<<30; pa += 0x7f_f000 {
			if got := l1GPI(geo, l1, pa); got != GPIRealm {
				t.Errorf("max %v: GPI at %v = %v, want realm", max, pa, got)
			}
		}
	}
}

func TestFillL1RangePartialWords(t *testing.T) {
	geo := fillGeo
	l1 := newL1(geo)

	// Two regions sharing a word.
	geo.fillL1Range(l1, GPISecure, 0x3000, 0x5000, Contig512MB)
	geo.fillL1Range(l1, GPIRoot, 0x6000, 0x1_2000, Contig512MB)

	for _, tc := range []struct {
		pa   physarch.Addr
		want GPI
	}{
		{0x2000, GPIAny},
		{0x3000, GPISecure},
		{0x5000, GPISecure},
		{0x6000, GPIRoot},
		{0xf000, GPIRoot},
		{0x1_0000, GPIRoot},
		{0x1_2000, GPIRoot},
		{0x1_3000, GPIAny},
	} {
		if got := l1GPI(geo, l1, tc.pa); got != tc.want {
			t.Errorf("GPI at %v = %v, want %v", tc.pa, got, tc.want)
		}
	}
}

func TestFillDescs(t *testing.T) {
	words := make([]uint64, 37)
	fillDescs(words[3:33], 0xabc)
	for i, w := range words {
		want := uint64(0)
		if i >= 3 && i < 33 {
			want = 0xabc
		}
		if w != want {
			t.Errorf("words[%d] = %#x, want %#x", i, w, want)
		}
	}
}
