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

// Package physmem simulates the reserved physical memory carve-outs that
// hold granule protection tables.
//
// Each carve-out is backed by an anonymous host mapping and is addressed by
// its simulated physical address. Only reserved ranges are present; any
// access outside them fails.
package physmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	"gvisor.dev/rme/pkg/physarch"
)

// ErrNotPresent is returned for accesses to physical memory that has not
// been reserved.
var ErrNotPresent = errors.New("physical memory not present")

// ErrOverlap is returned by Reserve if the range overlaps a reserved range.
var ErrOverlap = errors.New("physical memory range already reserved")

type bank struct {
	r     physarch.AddrRange
	bytes []byte
	words []uint64
}

func bankLess(a, b *bank) bool {
	return a.r.Start < b.r.Start
}

// Memory is a set of reserved physical memory ranges.
type Memory struct {
	// mu protects banks. The contents of the banks are not protected by
	// mu; callers synchronize access to them.
	mu    sync.RWMutex
	banks *btree.BTreeG[*bank]
}

// New returns an empty Memory.
func New() *Memory {
	return &Memory{
		banks: btree.NewG(2, bankLess),
	}
}

// Reserve makes r present. r must be page-aligned and must not overlap a
// range that is already present. The new range reads as zeroes.
func (m *Memory) Reserve(r physarch.AddrRange) error {
	if !r.WellFormed() || r.Length() == 0 ||
		!r.Start.IsAligned(physarch.Size4K) || !r.End.IsAligned(physarch.Size4K) {
		return fmt.Errorf("invalid range %v", r)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Banks are disjoint, so only the last bank starting before r.End can
	// overlap r.
	overlap := false
	m.banks.DescendLessOrEqual(&bank{r: physarch.AddrRange{Start: r.End - 1}}, func(b *bank) bool {
		overlap = b.r.Overlaps(r)
		return false
	})
	if overlap {
		return fmt.Errorf("%w: %v", ErrOverlap, r)
	}

	bytes, err := mapAnon(r.Length())
	if err != nil {
		return fmt.Errorf("mapping %v: %w", r, err)
	}
	m.banks.ReplaceOrInsert(&bank{
		r:     r,
		bytes: bytes,
		words: wordsOf(bytes),
	})
	return nil
}

// lookup returns the bank that contains r entirely, or nil.
//
// Preconditions: m.mu must be locked.
func (m *Memory) lookup(r physarch.AddrRange) *bank {
	var found *bank
	m.banks.DescendLessOrEqual(&bank{r: physarch.AddrRange{Start: r.Start}}, func(b *bank) bool {
		if b.r.IsSupersetOf(r) {
			found = b
		}
		return false
	})
	return found
}

// Present returns true if every byte of r is backed by a single reserved
// range.
func (m *Memory) Present(r physarch.AddrRange) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(r) != nil
}

// Words returns a view of n 64-bit words starting at pa. pa must be 8-byte
// aligned. The view aliases the simulated memory and remains valid until
// Release.
func (m *Memory) Words(pa physarch.Addr, n uint64) ([]uint64, error) {
	if !pa.IsAligned(8) {
		return nil, fmt.Errorf("unaligned word access at %v", pa)
	}
	if n > (1<<63)/8 {
		return nil, fmt.Errorf("%w: %v+%d words", ErrNotPresent, pa, n)
	}
	r, ok := pa.ToRange(n * 8)
	if !ok {
		return nil, fmt.Errorf("%w: %v+%d words", ErrNotPresent, pa, n)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.lookup(r)
	if b == nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPresent, r)
	}
	off := uint64(pa-b.r.Start) / 8
	return b.words[off : off+n : off+n], nil
}

// Checksum returns the xxhash digest of the bytes in r, which must be
// present.
func (m *Memory) Checksum(r physarch.AddrRange) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.lookup(r)
	if b == nil {
		return 0, fmt.Errorf("%w: %v", ErrNotPresent, r)
	}
	off := uint64(r.Start - b.r.Start)
	return xxhash.Sum64(b.bytes[off : off+r.Length()]), nil
}

// Ranges returns the reserved ranges in ascending order.
func (m *Memory) Ranges() []physarch.AddrRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := make([]physarch.AddrRange, 0, m.banks.Len())
	m.banks.Ascend(func(b *bank) bool {
		rs = append(rs, b.r)
		return true
	})
	return rs
}

// Release unmaps all reserved ranges. Views returned by Words must not be
// used afterwards.
func (m *Memory) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	m.banks.Ascend(func(b *bank) bool {
		if err := unmap(b.bytes); err != nil {
			errs = append(errs, fmt.Errorf("unmapping %v: %w", b.r, err))
		}
		return true
	})
	m.banks.Clear(false)
	return errors.Join(errs...)
}
