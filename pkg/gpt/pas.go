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

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"gvisor.dev/rme/pkg/errors/linuxerr"
	"gvisor.dev/rme/pkg/physarch"
)

// MapType is the way a PAS region is mapped.
type MapType uint8

// Map types.
const (
	// MapBlock maps a region with L0 block descriptors. The region must
	// be aligned to the L0 region size.
	MapBlock MapType = 0

	// MapGranule maps a region with L1 tables. The region must be
	// aligned to the granule size.
	MapGranule MapType = 1
)

// String implements fmt.Stringer.String.
func (t MapType) String() string {
	switch t {
	case MapBlock:
		return "block"
	case MapGranule:
		return "granule"
	default:
		return fmt.Sprintf("MapType(%d)", uint8(t))
	}
}

// PAS region attribute layout.
const (
	pasAttrGPIMask      = 0xf
	pasAttrMapTypeShift = 4
	pasAttrMapTypeMask  = 0x3
)

// PASRegion is a physical address space region passed to InitPASL1Tables.
type PASRegion struct {
	Base physarch.Addr
	Size uint64

	// Attrs holds the GPI in bits [3:0] and the MapType in bits [5:4].
	Attrs uint64
}

// PASAttrs returns region attributes for the given index and map type.
func PASAttrs(gpi GPI, t MapType) uint64 {
	return uint64(gpi)&pasAttrGPIMask | (uint64(t)&pasAttrMapTypeMask)<<pasAttrMapTypeShift
}

// MapRegionBlock returns a region mapped with L0 block descriptors.
func MapRegionBlock(base physarch.Addr, size uint64, gpi GPI) PASRegion {
	return PASRegion{Base: base, Size: size, Attrs: PASAttrs(gpi, MapBlock)}
}

// MapRegionGranule returns a region mapped with L1 tables.
func MapRegionGranule(base physarch.Addr, size uint64, gpi GPI) PASRegion {
	return PASRegion{Base: base, Size: size, Attrs: PASAttrs(gpi, MapGranule)}
}

// GPI returns the index of r.
func (r PASRegion) GPI() GPI {
	return GPI(r.Attrs & pasAttrGPIMask)
}

// MapType returns the map type of r.
func (r PASRegion) MapType() MapType {
	return MapType((r.Attrs >> pasAttrMapTypeShift) & pasAttrMapTypeMask)
}

// Range returns [r.Base, r.Base+r.Size). ok is false on overflow.
func (r PASRegion) Range() (physarch.AddrRange, bool) {
	return r.Base.ToRange(r.Size)
}

// String implements fmt.Stringer.String.
func (r PASRegion) String() string {
	return fmt.Sprintf("%v+%#x %v/%v", r.Base, r.Size, r.GPI(), r.MapType())
}

type pasItem struct {
	r   physarch.AddrRange
	idx int
}

func pasItemLess(a, b pasItem) bool {
	return a.r.Start < b.r.Start
}

// validatePASRegions checks every region for overflow, bounds, index
// validity, overlap with other regions and with L0 regions claimed by an
// earlier call, and map type alignment. It returns the set of L0 indices
// that need an L1 table.
func (m *Manager) validatePASRegions(st *tableState, geo Geometry, regions []PASRegion) (map[uint64]struct{}, error) {
	ranges := btree.NewG(2, pasItemLess)
	tables := make(map[uint64]struct{})
	for i, pas := range regions {
		log := m.log.WithFields(logrus.Fields{"pas": i, "region": pas})

		r, ok := pas.Range()
		if !ok {
			log.Error("Address overflow in PAS")
			return nil, fmt.Errorf("PAS[%d] address overflow: %w", i, linuxerr.EOVERFLOW)
		}
		if pas.Size == 0 || uint64(r.End) > geo.ProtectedSize() || !pas.GPI().Valid() {
			log.Error("PAS is invalid")
			return nil, fmt.Errorf("PAS[%d] is invalid: %w", i, linuxerr.EFAULT)
		}

		// Regions accepted so far are disjoint, so only the last one
		// starting before r.End can overlap r.
		other := -1
		ranges.DescendLessOrEqual(pasItem{r: physarch.AddrRange{Start: r.End - 1}}, func(it pasItem) bool {
			if it.r.Overlaps(r) {
				other = it.idx
			}
			return false
		})
		if other >= 0 {
			log.Errorf("PAS overlaps with PAS[%d]", other)
			return nil, fmt.Errorf("PAS[%d] overlaps PAS[%d]: %w", i, other, linuxerr.EFAULT)
		}
		ranges.ReplaceOrInsert(pasItem{r: r, idx: i})

		// L0 regions claimed by an earlier call cannot be initialized
		// again.
		for l0 := geo.L0Index(r.Start); l0 <= geo.L0Index(r.End-1); l0++ {
			if d := L0Desc(loadWord(&st.l0[l0])); d != L0Block(GPIAny) {
				log.Errorf("PAS overlaps with previous L0[%d] %v", l0, d)
				return nil, fmt.Errorf("PAS[%d] overlaps previous L0[%d]: %w", i, l0, linuxerr.EFAULT)
			}
		}

		switch pas.MapType() {
		case MapBlock:
			if !r.Start.IsAligned(geo.L0RegionSize()) || pas.Size&(geo.L0RegionSize()-1) != 0 {
				log.Error("PAS is not block-aligned")
				return nil, fmt.Errorf("PAS[%d] is not block-aligned: %w", i, linuxerr.EFAULT)
			}
		case MapGranule:
			if !r.Start.IsAligned(geo.GranuleSize()) || pas.Size&(geo.GranuleSize()-1) != 0 {
				log.Error("PAS is not granule-aligned")
				return nil, fmt.Errorf("PAS[%d] is not granule-aligned: %w", i, linuxerr.EFAULT)
			}
			for l0 := geo.L0Index(r.Start); l0 <= geo.L0Index(r.End-1); l0++ {
				tables[l0] = struct{}{}
			}
		default:
			log.Errorf("PAS has invalid mapping type %v", pas.MapType())
			return nil, fmt.Errorf("PAS[%d] has invalid mapping type %v: %w", i, pas.MapType(), linuxerr.EINVAL)
		}
	}
	return tables, nil
}
