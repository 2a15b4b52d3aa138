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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rme/pkg/el3"
	"gvisor.dev/rme/pkg/el3/sim"
	"gvisor.dev/rme/pkg/errors/linuxerr"
	"gvisor.dev/rme/pkg/physarch"
)

const page = physarch.Size4K

// newBootedEnv returns an environment whose first L0 region is NonSecure
// and mapped with granules, and whose second L0 region is a NonSecure block.
func newBootedEnv(t *testing.T, cfg Config, l1Tables uint64) *testEnv {
	t.Helper()
	e := newEnv(t, envOptions{cfg: cfg, l1Tables: l1Tables})
	e.boot(
		MapRegionGranule(0, gb, GPINonSecure),
		MapRegionBlock(gb, gb, GPINonSecure),
	)
	return e
}

func TestDelegateRoundTrip(t *testing.T) {
	for _, lock := range []LockStrategy{LockGlobal, LockBitlock} {
		for _, max := range []Contig{ContigNone, Contig2MB, Contig32MB, Contig512MB} {
			t.Run(fmt.Sprintf("%v/%v", lock, max), func(t *testing.T) {
				cfg := DefaultConfig()
				cfg.Lock = lock
				cfg.MaxContig = max
				e := newBootedEnv(t, cfg, 1)
				before := e.digest()

				for _, w := range []World{WorldRealm, WorldSecure} {
					const pa = physarch.Addr(0x123_4000)
					if err := e.m.Delegate(e.cpu, pa, page, w); err != nil {
						t.Fatalf("Delegate(%v): %v", w, err)
					}
					if got, want := e.gpiAt(pa), w.gpi(); got != want {
						t.Errorf("GPI after delegate = %v, want %v", got, want)
					}
					for _, n := range []physarch.Addr{pa - page, pa + page} {
						if got := e.gpiAt(n); got != GPINonSecure {
							t.Errorf("neighbour %v GPI = %v, want NS", n, got)
						}
					}
					if err := e.m.Undelegate(e.cpu, pa, page, w); err != nil {
						t.Fatalf("Undelegate(%v): %v", w, err)
					}
					if got := e.gpiAt(pa); got != GPINonSecure {
						t.Errorf("GPI after undelegate = %v, want NS", got)
					}
					if after := e.digest(); after != before {
						t.Errorf("tables differ after %v round trip", w)
					}
				}
			})
		}
	}
}

func TestTransitionPreconditions(t *testing.T) {
	e := newBootedEnv(t, DefaultConfig(), 1)
	const pa = physarch.Addr(0x5000)
	if err := e.m.Delegate(e.cpu, pa, page, WorldRealm); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	delegated := e.digest()

	wantErr(t, "Delegate of delegated granule", e.m.Delegate(e.cpu, pa, page, WorldRealm), linuxerr.EPERM)
	wantErr(t, "Delegate to another world", e.m.Delegate(e.cpu, pa, page, WorldSecure), linuxerr.EPERM)
	wantErr(t, "Undelegate from wrong world", e.m.Undelegate(e.cpu, pa, page, WorldSecure), linuxerr.EPERM)
	wantErr(t, "Undelegate of NS granule", e.m.Undelegate(e.cpu, pa+page, page, WorldRealm), linuxerr.EPERM)
	wantErr(t, "Delegate in Any block", e.m.Delegate(e.cpu, 2*gb, page, WorldRealm), linuxerr.EPERM)
	if after := e.digest(); after != delegated {
		t.Errorf("tables changed by rejected transitions")
	}
}

func TestTransitionRequestValidation(t *testing.T) {
	e := newBootedEnv(t, DefaultConfig(), 1)
	before := e.digest()
	for _, tc := range []struct {
		name string
		base physarch.Addr
		size uint64
	}{
		{"unaligned base", 0x5001, page},
		{"zero size", 0x5000, 0},
		{"partial granule", 0x5000, 0x800},
		{"two granules", 0x5000, 2 * page},
		{"end of protected space", 4*gb - page, page},
		{"beyond protected space", 4 * gb, page},
		{"overflow", 0xffff_ffff_ffff_f000, 2 * page},
	} {
		wantErr(t, "Delegate "+tc.name, e.m.Delegate(e.cpu, tc.base, tc.size, WorldRealm), linuxerr.EINVAL)
		wantErr(t, "Undelegate "+tc.name, e.m.Undelegate(e.cpu, tc.base, tc.size, WorldRealm), linuxerr.EINVAL)
	}
	if after := e.digest(); after != before {
		t.Errorf("tables changed by rejected requests")
	}
}

func TestTransitionBeforeInit(t *testing.T) {
	e := newEnv(t, envOptions{cfg: DefaultConfig(), l1Tables: 1})
	wantErr(t, "Delegate", e.m.Delegate(e.cpu, 0x5000, page, WorldRealm), linuxerr.EPERM)
	e.initL0()
	wantErr(t, "Undelegate", e.m.Undelegate(e.cpu, 0x5000, page, WorldRealm), linuxerr.EPERM)
	if _, err := e.m.GPIAt(0x5000); !linuxerr.Equals(linuxerr.EPERM, err) {
		t.Errorf("GPIAt = %v, want EPERM", err)
	}
}

func TestTransitionInvalidWorld(t *testing.T) {
	e := newBootedEnv(t, DefaultConfig(), 1)
	for _, w := range []World{WorldNonSecure, WorldRoot, World(42)} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Delegate to %v did not panic", w)
				}
			}()
			e.m.Delegate(e.cpu, 0x5000, page, w)
		}()
	}
}

func TestPromoteWithoutSpare(t *testing.T) {
	e := newBootedEnv(t, DefaultConfig(), 1)
	before := e.digest()
	wantErr(t, "Delegate in NS block", e.m.Delegate(e.cpu, gb+0x5000, page, WorldRealm), linuxerr.EINVAL)
	if after := e.digest(); after != before {
		t.Errorf("tables changed by rejected promotion")
	}
}

func TestPromoteSpare(t *testing.T) {
	e := newBootedEnv(t, DefaultConfig(), 2)
	s, err := e.m.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.SpareTables != 1 {
		t.Fatalf("SpareTables = %d, want 1", s.SpareTables)
	}

	pa := physarch.Addr(gb + 0x5000)
	if err := e.m.Delegate(e.cpu, pa, page, WorldRealm); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if got := e.gpiAt(pa); got != GPIRealm {
		t.Errorf("GPI = %v, want realm", got)
	}
	if got := e.gpiAt(gb); got != GPINonSecure {
		t.Errorf("GPI of neighbour = %v, want NS", got)
	}
	if err := e.m.Undelegate(e.cpu, pa, page, WorldRealm); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}

	var got []Extent
	e.m.Walk(func(x Extent) bool {
		if x.Start >= gb && x.Start < 2*gb {
			got = append(got, x)
		}
		return true
	})
	half := uint64(physarch.Size512M)
	want := []Extent{
		{Start: gb, Size: half, GPI: GPINonSecure, Level: LevelContig, Contig: Contig512MB},
		{Start: gb + physarch.Addr(half), Size: half, GPI: GPINonSecure, Level: LevelContig, Contig: Contig512MB},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("promoted region mismatch (-want +got):\n%s", diff)
	}
	if s, _ := e.m.Stats(); s.L0Tables != 2 || s.SpareTables != 0 {
		t.Errorf("Stats = %+v, want 2 tables and no spare", s)
	}
}

func TestDelegateInsideBlock(t *testing.T) {
	e := newEnv(t, envOptions{cfg: DefaultConfig(), l1Tables: 1})
	e.boot(MapRegionBlock(0, 2*gb, GPINonSecure))
	before := e.digest()

	if err := e.m.Delegate(e.cpu, 0x1000, page, WorldSecure); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	for _, tc := range []struct {
		pa   physarch.Addr
		want GPI
	}{
		{0, GPINonSecure},
		{0x1000, GPISecure},
		{0x2000, GPINonSecure},
		{gb, GPINonSecure},
	} {
		if got := e.gpiAt(tc.pa); got != tc.want {
			t.Errorf("GPI at %v = %v, want %v", tc.pa, got, tc.want)
		}
	}

	if err := e.m.Undelegate(e.cpu, 0x1000, page, WorldSecure); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	var got []Extent
	e.m.Walk(func(x Extent) bool {
		if x.Start < gb {
			got = append(got, x)
		}
		return true
	})
	half := uint64(physarch.Size512M)
	want := []Extent{
		{Start: 0, Size: half, GPI: GPINonSecure, Level: LevelContig, Contig: Contig512MB},
		{Start: physarch.Addr(half), Size: half, GPI: GPINonSecure, Level: LevelContig, Contig: Contig512MB},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("promoted region mismatch (-want +got):\n%s", diff)
	}
	if e.digest() == before {
		t.Errorf("digest unchanged after promotion")
	}
}

func TestDelegateOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxContig = ContigNone
	e := newBootedEnv(t, cfg, 1)

	const pa = physarch.Addr(0x5000)
	var hookErr error
	e.mach.OnOp(func(op sim.Op) {
		var want GPI
		switch {
		case op.Kind == sim.OpFlushPoPA && op.PAS == el3.PASNonSecure:
			want = GPINonSecure
		case op.Kind == sim.OpTLBIPage, op.Kind == sim.OpFlushPoPA:
			want = GPISecure
		default:
			return
		}
		if got, _ := e.m.GPIAt(pa); got != want && hookErr == nil {
			hookErr = fmt.Errorf("GPI at %v = %v, want %v", op, got, want)
		}
	})
	e.mach.StartRecording()
	if err := e.m.Delegate(e.cpu, pa, page, WorldSecure); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	got := e.mach.StopRecording()
	if hookErr != nil {
		t.Error(hookErr)
	}

	want := []sim.Op{
		{Kind: sim.OpFlushPoPA, PAS: el3.PASNonSecure, Addr: pa, Size: page},
		{Kind: sim.OpBarrier, Barrier: el3.DSBOSHST},
		{Kind: sim.OpTLBIPage, Addr: pa, Size: page},
		{Kind: sim.OpBarrier, Barrier: el3.DSBOSH},
		{Kind: sim.OpFlushPoPA, PAS: el3.PASSecure, Addr: pa, Size: page},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Delegate trace mismatch (-want +got):\n%s", diff)
	}
}

func TestUndelegateOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxContig = ContigNone
	e := newBootedEnv(t, cfg, 1)

	const pa = physarch.Addr(0x5000)
	if err := e.m.Delegate(e.cpu, pa, page, WorldRealm); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	var flushes []GPI
	e.mach.OnOp(func(op sim.Op) {
		if op.Kind == sim.OpFlushPoPA {
			gpi, _ := e.m.GPIAt(pa)
			flushes = append(flushes, gpi)
		}
	})
	e.mach.StartRecording()
	if err := e.m.Undelegate(e.cpu, pa, page, WorldRealm); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	got := e.mach.StopRecording()

	want := []sim.Op{
		{Kind: sim.OpBarrier, Barrier: el3.DSBOSHST},
		{Kind: sim.OpTLBIPage, Addr: pa, Size: page},
		{Kind: sim.OpBarrier, Barrier: el3.DSBOSH},
		{Kind: sim.OpFlushPoPA, PAS: el3.PASRealm, Addr: pa, Size: page},
		{Kind: sim.OpFlushPoPA, PAS: el3.PASNonSecure, Addr: pa, Size: page},
		{Kind: sim.OpBarrier, Barrier: el3.DSBOSHST},
		{Kind: sim.OpTLBIPage, Addr: pa, Size: page},
		{Kind: sim.OpBarrier, Barrier: el3.DSBOSH},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Undelegate trace mismatch (-want +got):\n%s", diff)
	}
	// Both flushes happen while the granule is inaccessible.
	if diff := cmp.Diff([]GPI{GPINoAccess, GPINoAccess}, flushes); diff != "" {
		t.Errorf("GPI during flushes mismatch (-want +got):\n%s", diff)
	}
}

func TestShatterTrace(t *testing.T) {
	e := newBootedEnv(t, DefaultConfig(), 1)
	const pa = physarch.Addr(0x5000)
	e.mach.StartRecording()
	if err := e.m.Delegate(e.cpu, pa, page, WorldRealm); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	got := e.mach.StopRecording()

	var want []sim.Op
	for _, size := range []uint64{physarch.Size512M, physarch.Size32M, physarch.Size2M} {
		want = append(want,
			sim.Op{Kind: sim.OpBarrier, Barrier: el3.DSBOSHST},
			sim.Op{Kind: sim.OpTLBIRange, Addr: 0, Size: size},
			sim.Op{Kind: sim.OpBarrier, Barrier: el3.DSBOSH},
		)
	}
	want = append(want,
		sim.Op{Kind: sim.OpFlushPoPA, PAS: el3.PASNonSecure, Addr: pa, Size: page},
		sim.Op{Kind: sim.OpBarrier, Barrier: el3.DSBOSHST},
		sim.Op{Kind: sim.OpTLBIPage, Addr: pa, Size: page},
		sim.Op{Kind: sim.OpBarrier, Barrier: el3.DSBOSH},
		sim.Op{Kind: sim.OpFlushPoPA, PAS: el3.PASRealm, Addr: pa, Size: page},
	)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestShatterPreservesIndices(t *testing.T) {
	e := newBootedEnv(t, DefaultConfig(), 1)
	before := e.digest()
	const (
		first  = physarch.Addr(0x5000)
		second = physarch.Addr(0x300_0000)
	)
	span := uint64(physarch.Size512M)
	want := e.expand(0, span)

	if err := e.m.Delegate(e.cpu, first, page, WorldRealm); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	for _, tc := range []struct {
		pa   physarch.Addr
		want L1Desc
	}{
		{0x0, L1Granules(GPINonSecure).WithGPI(5, GPIRealm)},
		{0x1_0000, L1Granules(GPINonSecure)},
		{0x20_0000, L1Contig(GPINonSecure, Contig2MB)},
		{0x200_0000, L1Contig(GPINonSecure, Contig32MB)},
		{0x2000_0000, L1Contig(GPINonSecure, Contig512MB)},
	} {
		if got := e.l1Word(tc.pa); got != tc.want {
			t.Errorf("word at %v = %v, want %v", tc.pa, got, tc.want)
		}
	}

	// The second delegation shatters a 32MB block produced by the first.
	if err := e.m.Delegate(e.cpu, second, page, WorldSecure); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	want[first>>12] = GPIRealm
	want[second>>12] = GPISecure
	if diff := cmp.Diff(want, e.expand(0, span)); diff != "" {
		t.Errorf("indices mismatch after shatter (-want +got):\n%s", diff)
	}

	if err := e.m.Undelegate(e.cpu, first, page, WorldRealm); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	// The 512MB block cannot fuse while the second granule is delegated.
	if got, want := e.l1Word(0), L1Contig(GPINonSecure, Contig32MB); got != want {
		t.Errorf("word at 0 = %v, want %v", got, want)
	}
	if err := e.m.Undelegate(e.cpu, second, page, WorldSecure); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	if after := e.digest(); after != before {
		t.Errorf("tables differ after both round trips")
	}
}

func TestFuseRespectsMaxContig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxContig = Contig2MB
	e := newBootedEnv(t, cfg, 1)
	if err := e.m.Delegate(e.cpu, 0x5000, page, WorldRealm); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if err := e.m.Undelegate(e.cpu, 0x5000, page, WorldRealm); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	if got, want := e.l1Word(0), L1Contig(GPINonSecure, Contig2MB); got != want {
		t.Errorf("word at 0 = %v, want %v", got, want)
	}
	s, err := e.m.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if diff := cmp.Diff(map[Contig]uint64{Contig2MB: 512}, s.Contig); diff != "" {
		t.Errorf("contiguous blocks mismatch (-want +got):\n%s", diff)
	}
}
