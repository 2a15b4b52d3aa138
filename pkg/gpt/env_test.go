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
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gvisor.dev/rme/pkg/el3/sim"
	"gvisor.dev/rme/pkg/physarch"
	"gvisor.dev/rme/pkg/physmem"
)

// Test memory layout. Tables live in the top of a 4GB protected space.
const (
	testL0Base = physarch.Addr(0xf000_0000)
	testL0Size = 0x2000
	testL1Base = physarch.Addr(0xf010_0000)

	// L1 tables for 4KB granules and 1GB L0 regions are 128KB.
	testL1TableSize = 0x2_0000
)

type testEnv struct {
	t    *testing.T
	mem  *physmem.Memory
	mach *sim.Machine
	cpu  *sim.Core
	m    *Manager
	logs *logtest.Hook
}

type envOptions struct {
	cfg      Config
	cores    int
	l0gptsz  uint64
	l1Tables uint64
	granules []uint64
}

func newEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	mem := physmem.New()
	t.Cleanup(func() {
		if err := mem.Release(); err != nil {
			t.Errorf("Release: %v", err)
		}
	})
	if err := mem.Reserve(physarch.AddrRange{Start: testL0Base, End: testL0Base + testL0Size}); err != nil {
		t.Fatalf("Reserve L0: %v", err)
	}
	if opts.l1Tables > 0 {
		r := physarch.AddrRange{Start: testL1Base, End: testL1Base + physarch.Addr(opts.l1Tables*testL1TableSize)}
		if err := mem.Reserve(r); err != nil {
			t.Fatalf("Reserve L1: %v", err)
		}
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cfg := opts.cfg
	cfg.Logger = logger

	m, err := New(mem, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mach := sim.New(sim.Options{Cores: opts.cores, L0GPTSZ: opts.l0gptsz, Granules: opts.granules})
	return &testEnv{
		t:    t,
		mem:  mem,
		mach: mach,
		cpu:  mach.Core(0),
		m:    m,
		logs: hook,
	}
}

func (e *testEnv) initL0() {
	e.t.Helper()
	if err := e.m.InitL0Tables(e.cpu, PPS4GB, testL0Base, testL0Size); err != nil {
		e.t.Fatalf("InitL0Tables: %v", err)
	}
}

func (e *testEnv) initL1(regions ...PASRegion) {
	e.t.Helper()
	if err := e.m.InitPASL1Tables(e.cpu, PGS4KB, testL1Base, e.l1Size(), regions); err != nil {
		e.t.Fatalf("InitPASL1Tables: %v", err)
	}
}

func (e *testEnv) l1Size() uint64 {
	var n uint64
	for _, r := range e.mem.Ranges() {
		if r.Start == testL1Base {
			n = r.Length()
		}
	}
	return n
}

// boot builds a 4GB table from regions and enables it on core 0.
func (e *testEnv) boot(regions ...PASRegion) {
	e.t.Helper()
	e.initL0()
	e.initL1(regions...)
	if err := e.m.Enable(e.cpu); err != nil {
		e.t.Fatalf("Enable: %v", err)
	}
}

func (e *testEnv) gpiAt(pa physarch.Addr) GPI {
	e.t.Helper()
	gpi, err := e.m.GPIAt(pa)
	if err != nil {
		e.t.Fatalf("GPIAt(%v): %v", pa, err)
	}
	return gpi
}

func (e *testEnv) digest() uint64 {
	e.t.Helper()
	d, err := e.m.Digest()
	if err != nil {
		e.t.Fatalf("Digest: %v", err)
	}
	return d
}

// checksum returns the checksum of the L0 carve-out and of the L1 pool.
func (e *testEnv) checksum() [2]uint64 {
	e.t.Helper()
	var sums [2]uint64
	for i, r := range e.mem.Ranges() {
		sum, err := e.mem.Checksum(r)
		if err != nil {
			e.t.Fatalf("Checksum(%v): %v", r, err)
		}
		sums[i] = sum
	}
	return sums
}

// l1Word returns the L1 word covering pa.
func (e *testEnv) l1Word(pa physarch.Addr) L1Desc {
	e.t.Helper()
	st := e.m.state.Load()
	d := st.l0Desc(pa)
	if !d.IsTable() {
		e.t.Fatalf("L0 descriptor for %v is %v", pa, d)
	}
	l1 := e.m.l1Table(st.geo, d)
	return L1Desc(l1[st.geo.L1Index(pa)])
}

// expand returns the index of every granule in [start, start+size).
func (e *testEnv) expand(start physarch.Addr, size uint64) []GPI {
	e.t.Helper()
	st := e.m.state.Load()
	gpis := make([]GPI, 0, size>>st.geo.P)
	for pa := start; pa < start+physarch.Addr(size); pa += physarch.Addr(st.geo.GranuleSize()) {
		d := st.l0Desc(pa)
		if d.IsBlock() {
			gpis = append(gpis, d.GPI())
			continue
		}
		l1 := e.m.l1Table(st.geo, d)
		gpis = append(gpis, L1Desc(l1[st.geo.L1Index(pa)]).GPIAt(st.geo.GPIIndex(pa)))
	}
	return gpis
}

func wantErr(t *testing.T, what string, err, want error) {
	t.Helper()
	if want == nil {
		if err != nil {
			t.Errorf("%s = %v, want success", what, err)
		}
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("%s = %v, want %v", what, err, want)
	}
}
