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
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"gvisor.dev/rme/pkg/errors/linuxerr"
	"gvisor.dev/rme/pkg/physarch"
)

// Geometry returns the shape of the tables. ok is false until the tables
// are fully initialized.
func (m *Manager) Geometry() (geo Geometry, ok bool) {
	st := m.state.Load()
	if st == nil || !st.l1Ready {
		return Geometry{}, false
	}
	return st.geo, true
}

// GPIAt returns the index of the granule containing pa.
func (m *Manager) GPIAt(pa physarch.Addr) (GPI, error) {
	st, err := m.runtimeState()
	if err != nil {
		return 0, err
	}
	if !st.geo.Contains(pa) {
		return 0, fmt.Errorf("%v outside protected space: %w", pa, linuxerr.EINVAL)
	}
	d := st.l0Desc(pa)
	if d.IsBlock() {
		return d.GPI(), nil
	}
	l1 := m.l1Table(st.geo, d)
	return L1Desc(loadWord(&l1[st.geo.L1Index(pa)])).GPIAt(st.geo.GPIIndex(pa)), nil
}

// Digest returns a hash of the L0 table and every L1 table it points to,
// in L0 order. Two tables with the same digest have, with overwhelming
// probability, identical bytes.
func (m *Manager) Digest() (uint64, error) {
	st, err := m.runtimeState()
	if err != nil {
		return 0, err
	}
	h := xxhash.New()
	buf := make([]byte, 0, 8*1024)
	write := func(words []uint64) {
		for i := range words {
			buf = binary.LittleEndian.AppendUint64(buf, loadWord(&words[i]))
			if len(buf) == cap(buf) {
				h.Write(buf)
				buf = buf[:0]
			}
		}
	}
	write(st.l0)
	for i := range st.l0 {
		if d := L0Desc(loadWord(&st.l0[i])); d.IsTable() {
			write(m.l1Table(st.geo, d))
		}
	}
	h.Write(buf)
	return h.Sum64(), nil
}

// Level identifies the descriptor that maps an Extent.
type Level uint8

// Levels.
const (
	LevelL0Block Level = iota
	LevelContig
	LevelGranule
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case LevelL0Block:
		return "L0 block"
	case LevelContig:
		return "L1 contiguous"
	case LevelGranule:
		return "L1 granules"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// Extent is a run of granules with one index mapped at one level.
type Extent struct {
	Start  physarch.Addr
	Size   uint64
	GPI    GPI
	Level  Level
	Contig Contig
}

// End returns the end of e.
func (e Extent) End() physarch.Addr {
	return e.Start + physarch.Addr(e.Size)
}

// String implements fmt.Stringer.String.
func (e Extent) String() string {
	if e.Level == LevelContig {
		return fmt.Sprintf("[%v, %v) %v %v %v", e.Start, e.End(), e.GPI, e.Level, e.Contig)
	}
	return fmt.Sprintf("[%v, %v) %v %v", e.Start, e.End(), e.GPI, e.Level)
}

// Walk calls fn for each extent of the protected space in address order,
// stopping if fn returns false. Adjacent granules with the same index are
// reported as one extent; each L0 block and each contiguous block is
// reported on its own.
func (m *Manager) Walk(fn func(Extent) bool) error {
	st, err := m.runtimeState()
	if err != nil {
		return err
	}
	geo := st.geo
	regionSize := min(geo.L0RegionSize(), geo.ProtectedSize())

	var run Extent
	flush := func() bool {
		if run.Size == 0 {
			return true
		}
		r := run
		run = Extent{}
		return fn(r)
	}
	emit := func(e Extent) bool {
		if e.Level == LevelGranule && run.Size != 0 && run.GPI == e.GPI && run.End() == e.Start {
			run.Size += e.Size
			return true
		}
		if !flush() {
			return false
		}
		if e.Level == LevelGranule {
			run = e
			return true
		}
		return fn(e)
	}

	for i := range st.l0 {
		region := physarch.Addr(uint64(i) * geo.L0RegionSize())
		d := L0Desc(loadWord(&st.l0[i]))
		if d.IsBlock() {
			if !emit(Extent{Start: region, Size: regionSize, GPI: d.GPI(), Level: LevelL0Block}) {
				return nil
			}
			continue
		}
		l1 := m.l1Table(geo, d)
		for pa := uint64(region); pa < uint64(region)+regionSize; {
			w := L1Desc(loadWord(&l1[geo.L1Index(physarch.Addr(pa))]))
			if c := w.Contig(); c != ContigNone {
				if !emit(Extent{Start: physarch.Addr(pa), Size: c.Size(), GPI: w.GPIAt(0), Level: LevelContig, Contig: c}) {
					return nil
				}
				pa += c.Size()
				continue
			}
			for f := uint(0); f < 16; f++ {
				if !emit(Extent{Start: physarch.Addr(pa), Size: geo.GranuleSize(), GPI: w.GPIAt(f), Level: LevelGranule}) {
					return nil
				}
				pa += geo.GranuleSize()
			}
		}
	}
	flush()
	return nil
}

// Stats counts descriptors by kind.
type Stats struct {
	L0Blocks     uint64
	L0Tables     uint64
	Contig       map[Contig]uint64
	GranuleWords uint64
	SpareTables  int
}

// Stats returns descriptor counts for the current tables. Contiguous blocks
// are counted once per block, not once per word.
func (m *Manager) Stats() (Stats, error) {
	st, err := m.runtimeState()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Contig: make(map[Contig]uint64)}
	for i := range st.l0 {
		d := L0Desc(loadWord(&st.l0[i]))
		if d.IsBlock() {
			s.L0Blocks++
			continue
		}
		s.L0Tables++
		l1 := m.l1Table(st.geo, d)
		for j := uint64(0); j < uint64(len(l1)); {
			w := L1Desc(loadWord(&l1[j]))
			if c := w.Contig(); c != ContigNone {
				s.Contig[c]++
				j += c.Size() / st.geo.wordSpan()
				continue
			}
			s.GranuleWords++
			j++
		}
	}
	m.promoteMu.Lock()
	s.SpareTables = len(m.spares)
	m.promoteMu.Unlock()
	return s, nil
}
