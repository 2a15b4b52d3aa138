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

	"github.com/sirupsen/logrus"
	"gvisor.dev/rme/pkg/el3"
	"gvisor.dev/rme/pkg/errors/linuxerr"
	"gvisor.dev/rme/pkg/physarch"
)

// checkRequest validates the address range of a transition request.
func checkRequest(geo Geometry, base physarch.Addr, size uint64) error {
	end, ok := base.AddLength(size)
	if !ok {
		return fmt.Errorf("transition of %v+%#x overflows: %w", base, size, linuxerr.EINVAL)
	}
	if !base.IsAligned(geo.GranuleSize()) || size&(geo.GranuleSize()-1) != 0 ||
		size == 0 || uint64(end) >= geo.ProtectedSize() {
		return fmt.Errorf("invalid granule transition range %v+%#x: %w", base, size, linuxerr.EINVAL)
	}
	if size != geo.GranuleSize() {
		return fmt.Errorf("transition of %#x bytes, only one granule supported: %w", size, linuxerr.EINVAL)
	}
	return nil
}

// Delegate moves the granule at base from the NonSecure world to world,
// which must be Secure or Realm. size must be exactly one granule.
//
// Delegate returns EINVAL for a bad range and EPERM if the granule is not
// NonSecure or the tables are not initialized. On error the table is
// unchanged.
func (m *Manager) Delegate(cpu el3.CPU, base physarch.Addr, size uint64, world World) error {
	target := world.gpi()
	st, err := m.runtimeState()
	if err != nil {
		return err
	}
	assertCaches(cpu)
	if err := checkRequest(st.geo, base, size); err != nil {
		m.log.WithFields(logrus.Fields{"base": base, "size": size}).Debug(err)
		return err
	}
	return m.transition(cpu, st, base, GPINonSecure, target)
}

// Undelegate returns the granule at base from world, which must be Secure
// or Realm, to the NonSecure world. size must be exactly one granule.
//
// Undelegate returns EINVAL for a bad range and EPERM if the granule is not
// owned by world or the tables are not initialized. On error the table is
// unchanged.
func (m *Manager) Undelegate(cpu el3.CPU, base physarch.Addr, size uint64, world World) error {
	owner := world.gpi()
	st, err := m.runtimeState()
	if err != nil {
		return err
	}
	assertCaches(cpu)
	if err := checkRequest(st.geo, base, size); err != nil {
		m.log.WithFields(logrus.Fields{"base": base, "size": size}).Debug(err)
		return err
	}
	return m.transition(cpu, st, base, owner, GPINonSecure)
}

// transition changes the index of the granule at base from cur to target.
func (m *Manager) transition(cpu el3.CPU, st *tableState, base physarch.Addr, cur, target GPI) error {
	geo := st.geo
	l0 := st.l0Desc(base)
	if l0.IsBlock() {
		if l0.GPI() != cur {
			m.log.Debugf("Granule %v in %v L0 block, want %v", base, l0.GPI(), cur)
			return fmt.Errorf("granule %v has GPI %v, want %v: %w", base, l0.GPI(), cur, linuxerr.EPERM)
		}
		var err error
		if l0, err = m.promote(cpu, st, base); err != nil {
			return err
		}
	}
	l1 := m.l1Table(geo, l0)
	idx := geo.L1Index(base)
	field := geo.GPIIndex(base)

	st.lock.Lock(base)
	defer st.lock.Unlock(base)

	desc := L1Desc(loadWord(&l1[idx]))
	if gpi := desc.GPIAt(field); gpi != cur {
		m.log.Debugf("Granule %v has GPI %v, want %v", base, gpi, cur)
		return fmt.Errorf("granule %v has GPI %v, want %v: %w", base, gpi, cur, linuxerr.EPERM)
	}
	if desc.IsContig() {
		m.shatter(cpu, geo, l1, base, desc)
		desc = L1Desc(loadWord(&l1[idx]))
	}

	gran := geo.GranuleSize()
	write := func(gpi GPI) {
		desc = desc.WithGPI(field, gpi)
		storeWord(&l1[idx], uint64(desc))
		cpu.Barrier(el3.DSBOSHST)
		cpu.TLBIPage(base, gran)
		cpu.Barrier(el3.DSBOSH)
	}

	if target != GPINonSecure {
		// Delegate. Remove data loaded speculatively in the NonSecure
		// space before the granule changes hands.
		cpu.FlushDcacheToPoPA(el3.PASNonSecure, base, gran)
		write(target)
		pas := mustPAS(target)
		cpu.FlushDcacheToPoPA(pas, base, gran)
	} else {
		// Undelegate. Pass through NoAccess so that no agent can observe
		// the granule in both worlds while it is scrubbed.
		write(GPINoAccess)
		cpu.FlushDcacheToPoPA(mustPAS(cur), base, gran)
		cpu.FlushDcacheToPoPA(el3.PASNonSecure, base, gran)
		write(GPINonSecure)
	}

	m.fuse(cpu, geo, l1, base)
	m.log.Debugf("Granule %v, GPI %v->%v", base, cur, target)
	return nil
}

func mustPAS(gpi GPI) el3.PAS {
	pas, ok := gpi.pas()
	if !ok {
		panic(fmt.Sprintf("no physical address space for %v", gpi))
	}
	return pas
}

// promote replaces the L0 block descriptor covering pa with a table
// descriptor pointing to a spare L1 table that gives every granule the
// block's index. It returns the new descriptor, or EINVAL if no spare table
// is available.
func (m *Manager) promote(cpu el3.CPU, st *tableState, pa physarch.Addr) (L0Desc, error) {
	m.promoteMu.Lock()
	defer m.promoteMu.Unlock()

	geo := st.geo
	idx := geo.L0Index(pa)
	d := L0Desc(loadWord(&st.l0[idx]))
	if d.IsTable() {
		// Promoted by another core.
		return d, nil
	}
	if len(m.spares) == 0 {
		m.log.Debugf("Granule %v is not covered by a table descriptor", pa)
		return 0, fmt.Errorf("granule %v is not covered by a table descriptor: %w", pa, linuxerr.EINVAL)
	}
	addr := m.spares[0]
	m.spares = m.spares[1:]

	l1, err := m.mem.Words(addr, geo.L1Entries())
	if err != nil {
		panic(fmt.Sprintf("spare L1 table at %v not present: %v", addr, err))
	}
	region := pa.RoundDown(geo.L0RegionSize())
	last := region + physarch.Addr(min(geo.L0RegionSize(), geo.ProtectedSize())) - physarch.Addr(geo.GranuleSize())
	fillDescs(l1, uint64(L1Granules(GPIAny)))
	geo.fillL1Range(l1, d.GPI(), region, last, m.cfg.MaxContig)
	cpu.CleanDcacheRange(addr, geo.L1TableSize())
	cpu.Barrier(el3.DSBISHST)

	td := L0Table(addr)
	storeWord(&st.l0[idx], uint64(td))
	cpu.CleanDcacheRange(st.l0Base+physarch.Addr(idx*8), 8)
	cpu.Barrier(el3.DSBOSHST)
	cpu.TLBIRange(region, min(geo.L0RegionSize(), geo.ProtectedSize()))
	cpu.Barrier(el3.DSBOSH)

	m.log.WithFields(logrus.Fields{"l0": idx, "l1": addr}).Infof("Promoted %v L0 block to table", d.GPI())
	return td, nil
}
