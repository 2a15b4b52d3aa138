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
	"math/bits"
	"slices"

	"github.com/sirupsen/logrus"
	"gvisor.dev/rme/pkg/el3"
	"gvisor.dev/rme/pkg/errors/linuxerr"
	"gvisor.dev/rme/pkg/physarch"
)

func assertCaches(cpu el3.CPU) {
	if !cpu.CachesEnabled() {
		panic("GPT operation with data caches disabled")
	}
}

// InitL0Tables initializes the L0 table for a protected physical address
// space selected by pps, in the memory [base, base+size). Every L0 entry
// becomes a block descriptor with index Any. When the bitlock strategy is
// configured, the lock bits are placed immediately after the table and
// count towards size.
//
// The L0 region size is read from GPCCR_EL3.L0GPTSZ on cpu. InitL0Tables
// must be called once, before InitPASL1Tables, on a single core.
func (m *Manager) InitL0Tables(cpu el3.CPU, pps PPS, base physarch.Addr, size uint64) error {
	assertCaches(cpu)

	if m.state.Load() != nil {
		m.log.Error("L0 tables already initialized")
		return fmt.Errorf("L0 tables already initialized: %w", linuxerr.EPERM)
	}

	t, ok := pps.T()
	if !ok {
		m.log.Errorf("Invalid PPS: %#x", uint64(pps))
		return fmt.Errorf("invalid PPS %#x: %w", uint64(pps), linuxerr.EINVAL)
	}
	l0gptsz := cpu.ReadGPCCR().L0GPTSZ()
	s, ok := l0gptszS(l0gptsz)
	if !ok {
		m.log.Errorf("Invalid L0GPTSZ: %#x", l0gptsz)
		return fmt.Errorf("invalid L0GPTSZ %#x: %w", l0gptsz, linuxerr.EINVAL)
	}
	geo := Geometry{PPS: pps, T: t, S: s}

	// Alignment must be the greater of 4KB or the L0 table size.
	align := uint64(physarch.Size4K)
	if geo.L0TableSize() > align {
		align = geo.L0TableSize()
	}
	if base == 0 || !base.IsAligned(align) {
		m.log.Errorf("Invalid L0 base address: %v", base)
		return fmt.Errorf("invalid L0 base address %v: %w", base, linuxerr.EFAULT)
	}

	need := geo.L0TableSize() + m.lockBytes(t)
	if size < need {
		m.log.Errorf("Inadequate L0 memory: need %#x, have %#x", need, size)
		return fmt.Errorf("inadequate L0 memory: need %#x, have %#x: %w", need, size, linuxerr.ENOMEM)
	}
	words, err := m.mem.Words(base, need/8)
	if err != nil {
		m.log.Errorf("L0 memory not present: %v", err)
		return fmt.Errorf("L0 memory: %v: %w", err, linuxerr.EFAULT)
	}
	l0 := words[:geo.L0Entries()]
	lockWords := words[geo.L0Entries():]

	fillDescs(l0, uint64(L0Block(GPIAny)))
	fillDescs(lockWords, 0)
	cpu.FlushDcacheRange(base, need)

	m.state.Store(&tableState{
		geo:    geo,
		l0Base: base,
		l0:     l0,
		lock:   m.newLocker(lockWords),
	})
	m.log.WithFields(logrus.Fields{
		"base":     base,
		"entries":  geo.L0Entries(),
		"l0gptsz":  l0gptsz,
		"lock":     m.cfg.Lock,
		"lockSize": need - geo.L0TableSize(),
	}).Infof("L0 tables initialized, PPS/T %v/%d, S %d", pps, t, s)
	return nil
}

// l1Pool hands out L1 tables from a caller-supplied memory range during a
// single InitPASL1Tables call.
type l1Pool struct {
	base  physarch.Addr
	size  uint64
	count uint64
	next  uint64
}

// InitPASL1Tables maps regions, allocating L1 tables for GRANULE regions
// from the memory [l1Base, l1Base+l1Size). It may be called several times,
// for example once per DRAM bank, as long as the regions of different calls
// do not share an L0 region. On failure the tables are unchanged.
//
// L1 tables left unused in the pool are kept for promoting L0 block
// descriptors at runtime.
func (m *Manager) InitPASL1Tables(cpu el3.CPU, pgs PGS, l1Base physarch.Addr, l1Size uint64, regions []PASRegion) error {
	assertCaches(cpu)

	p, ok := pgs.P()
	if !ok {
		m.log.Errorf("Invalid PGS: %#x", uint64(pgs))
		return fmt.Errorf("invalid PGS %#x: %w", uint64(pgs), linuxerr.EINVAL)
	}
	st := m.state.Load()
	if st == nil {
		m.log.Error("L0 tables must be initialized first")
		return fmt.Errorf("L0 tables not initialized: %w", linuxerr.EPERM)
	}
	if st.l1Ready && st.geo.PGS != pgs {
		m.log.Errorf("PGS %v differs from earlier %v", pgs, st.geo.PGS)
		return fmt.Errorf("PGS %v differs from earlier %v: %w", pgs, st.geo.PGS, linuxerr.EINVAL)
	}
	if len(regions) == 0 {
		m.log.Error("No PAS regions")
		return fmt.Errorf("no PAS regions: %w", linuxerr.EINVAL)
	}
	geo := st.geo
	geo.PGS, geo.P = pgs, p

	tables, err := m.validatePASRegions(st, geo, regions)
	if err != nil {
		return err
	}
	count := uint64(len(tables))
	m.log.Debugf("%d L1 GPTs requested", count)

	pool := l1Pool{base: l1Base, size: l1Size, count: count}
	if count > 0 {
		if err := m.validateL1Params(cpu, st, geo, &pool); err != nil {
			return err
		}
	}

	m.log.WithFields(logrus.Fields{
		"pps":      fmt.Sprintf("%v/%d", geo.PPS, geo.T),
		"pgs":      fmt.Sprintf("%v/%d", geo.PGS, geo.P),
		"s":        geo.S,
		"pasCount": len(regions),
		"l0Base":   st.l0Base,
	}).Info("Boot configuration")

	// Past this point nothing fails.
	for i, pas := range regions {
		m.log.WithField("pas", i).Infof("PAS[%d]: base %v, size %#x, GPI %v, type %v", i, pas.Base, pas.Size, pas.GPI(), pas.MapType())
		switch pas.MapType() {
		case MapBlock:
			m.generateL0Blocks(st, pas)
		case MapGranule:
			m.generateL0Tables(st, geo, &pool, pas)
		}
	}

	m.cleanL0ForRegions(cpu, st, regions)
	if pool.next > 0 {
		cpu.CleanDcacheRange(l1Base, pool.next*geo.L1TableSize())
	}

	// Make sure that all the entries are written to memory.
	cpu.Barrier(el3.DSBISHST)
	cpu.TLBIPAAllOS()
	cpu.Barrier(el3.DSBSY)
	cpu.Barrier(el3.ISB)

	m.addSpares(cpu, st, geo, &pool)

	next := *st
	next.geo = geo
	next.l1Ready = true
	m.state.Store(&next)
	return nil
}

// validateL1Params checks that the pool can hold pool.count L1 tables
// without overwriting the live L1 tables of st.
func (m *Manager) validateL1Params(cpu el3.CPU, st *tableState, geo Geometry, pool *l1Pool) error {
	if !cpu.SupportsGranule(geo.GranuleSize()) {
		m.log.Errorf("Granule size %#x not supported", geo.GranuleSize())
		return fmt.Errorf("granule size %#x not supported: %w", geo.GranuleSize(), linuxerr.EPERM)
	}
	if !pool.base.IsAligned(geo.L1TableSize()) {
		m.log.Errorf("Unaligned L1 GPT base address: %v", pool.base)
		return fmt.Errorf("unaligned L1 base address %v: %w", pool.base, linuxerr.EFAULT)
	}
	hi, need := bits.Mul64(pool.count, geo.L1TableSize())
	if hi != 0 {
		m.log.Error("Overflow calculating L1 memory size")
		return fmt.Errorf("overflow calculating L1 memory size: %w", linuxerr.ENOMEM)
	}
	if pool.size < need {
		m.log.Errorf("Inadequate memory for L1 GPTs: expected %#x bytes, got %#x bytes", need, pool.size)
		return fmt.Errorf("inadequate L1 memory: need %#x, have %#x: %w", need, pool.size, linuxerr.ENOMEM)
	}
	if _, err := m.mem.Words(pool.base, need/8); err != nil {
		m.log.Errorf("L1 memory not present: %v", err)
		return fmt.Errorf("L1 memory: %v: %w", err, linuxerr.EFAULT)
	}
	used := physarch.AddrRange{Start: pool.base, End: pool.base + physarch.Addr(need)}
	if live, ok := liveL1Table(st, geo, used); ok {
		m.log.Errorf("L1 memory %v overlaps live L1 GPT at %v", used, live)
		return fmt.Errorf("L1 memory %v overlaps live L1 table at %v: %w", used, live, linuxerr.EFAULT)
	}
	m.log.Debugf("Requested %#x bytes for L1 GPTs", need)
	return nil
}

// liveL1Table returns the address of an L1 table referenced by st that
// overlaps r.
func liveL1Table(st *tableState, geo Geometry, r physarch.AddrRange) (physarch.Addr, bool) {
	for i := range st.l0 {
		d := L0Desc(loadWord(&st.l0[i]))
		if !d.IsTable() {
			continue
		}
		t := physarch.AddrRange{Start: d.L1Addr(), End: d.L1Addr() + physarch.Addr(geo.L1TableSize())}
		if r.Overlaps(t) {
			return d.L1Addr(), true
		}
	}
	return 0, false
}

// generateL0Blocks writes block descriptors for a BLOCK region.
func (m *Manager) generateL0Blocks(st *tableState, pas PASRegion) {
	desc := uint64(L0Block(pas.GPI()))
	first := st.geo.L0Index(pas.Base)
	last := st.geo.L0Index(pas.Base + physarch.Addr(pas.Size) - 1)
	fillDescs(st.l0[first:last+1], desc)
	m.log.Debugf("L0 entries (BLOCK) %d-%d: GPI %v", first, last, pas.GPI())
}

// newL1Table takes the next table from pool and sets every granule to Any.
func (m *Manager) newL1Table(geo Geometry, pool *l1Pool) (physarch.Addr, []uint64) {
	if pool.next >= pool.count {
		panic(fmt.Sprintf("L1 pool exhausted after %d tables", pool.next))
	}
	addr := pool.base + physarch.Addr(pool.next*geo.L1TableSize())
	pool.next++
	l1, err := m.mem.Words(addr, geo.L1Entries())
	if err != nil {
		panic(fmt.Sprintf("validated L1 table at %v not present: %v", addr, err))
	}
	fillDescs(l1, uint64(L1Granules(GPIAny)))
	return addr, l1
}

// generateL0Tables fills the L1 tables covering a GRANULE region, creating
// table descriptors for L0 regions that do not have one yet.
func (m *Manager) generateL0Tables(st *tableState, geo Geometry, pool *l1Pool, pas PASRegion) {
	end := uint64(pas.Base) + pas.Size
	cur := uint64(pas.Base)
	for cur < end {
		l0 := geo.L0Index(physarch.Addr(cur))
		var l1 []uint64
		if d := L0Desc(loadWord(&st.l0[l0])); d.IsTable() {
			l1 = m.l1Table(geo, d)
		} else {
			var addr physarch.Addr
			addr, l1 = m.newL1Table(geo, pool)
			storeWord(&st.l0[l0], uint64(L0Table(addr)))
			m.log.Debugf("L0 entry (TABLE) %d ==> L1 %v", l0, addr)
		}

		// End of this L0 region or of the PAS, whichever is first.
		regionEnd := (cur &^ (geo.L0RegionSize() - 1)) + geo.L0RegionSize()
		if regionEnd > end || regionEnd == 0 {
			regionEnd = end
		}
		geo.fillL1Range(l1, pas.GPI(), physarch.Addr(cur), physarch.Addr(regionEnd-geo.GranuleSize()), m.cfg.MaxContig)
		cur = regionEnd
	}
}

// cleanL0ForRegions cleans the L0 entries spanned by regions. Unmodified
// entries between regions are cleaned too; one range is cheaper than many.
func (m *Manager) cleanL0ForRegions(cpu el3.CPU, st *tableState, regions []PASRegion) {
	first := st.geo.L0Index(regions[0].Base)
	last := st.geo.L0Index(regions[0].Base + physarch.Addr(regions[0].Size) - 1)
	for _, pas := range regions[1:] {
		first = min(first, st.geo.L0Index(pas.Base))
		last = max(last, st.geo.L0Index(pas.Base+physarch.Addr(pas.Size)-1))
	}
	cpu.CleanDcacheRange(st.l0Base+physarch.Addr(first*8), (last-first+1)*8)
}

// addSpares records the tables of pool that were not used, are present and
// are correctly aligned, for later promotion of L0 block descriptors. Spares
// recorded by an earlier call that this call allocated are dropped, and
// tables already recorded are not added twice. Live tables are never spares.
func (m *Manager) addSpares(cpu el3.CPU, st *tableState, geo Geometry, pool *l1Pool) {
	m.promoteMu.Lock()
	defer m.promoteMu.Unlock()

	used := physarch.AddrRange{Start: pool.base, End: pool.base + physarch.Addr(pool.next*geo.L1TableSize())}
	kept := m.spares[:0]
	for _, addr := range m.spares {
		if !used.Contains(addr) {
			kept = append(kept, addr)
		}
	}
	m.spares = kept

	if pool.size == 0 || !pool.base.IsAligned(geo.L1TableSize()) || !cpu.SupportsGranule(geo.GranuleSize()) {
		return
	}
	var spares []physarch.Addr
	for i := pool.next; i < pool.size/geo.L1TableSize(); i++ {
		addr := pool.base + physarch.Addr(i*geo.L1TableSize())
		if _, err := m.mem.Words(addr, geo.L1Entries()); err != nil {
			break
		}
		if slices.Contains(m.spares, addr) {
			continue
		}
		if _, ok := liveL1Table(st, geo, physarch.AddrRange{Start: addr, End: addr + physarch.Addr(geo.L1TableSize())}); ok {
			continue
		}
		spares = append(spares, addr)
	}
	if len(spares) == 0 {
		return
	}
	m.spares = append(m.spares, spares...)
	m.log.Debugf("%d spare L1 tables at %v", len(spares), spares[0])
}
