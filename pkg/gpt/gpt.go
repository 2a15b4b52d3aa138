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

// Package gpt manages the Granule Protection Table, the two level table the
// hardware consults to decide which world may access each physical granule.
//
// The L0 table has one entry per L0 region of 2^S bytes. An entry is either
// a block descriptor giving the whole region one GPI, or a table descriptor
// pointing to an L1 table. Each L1 word holds sixteen 4-bit GPI fields, one
// per granule, or a contiguous descriptor standing for every word of an
// aligned 2MB, 32MB or 512MB block.
//
// Tables are built once at boot by InitL0Tables and InitPASL1Tables and
// enabled with Enable. Afterwards only the contents of L1 words change, via
// Delegate and Undelegate; tables are never freed, grown or moved. A core
// that finds protection already enabled recovers the configuration with
// RuntimeInit.
package gpt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gvisor.dev/rme/pkg/errors/linuxerr"
	"gvisor.dev/rme/pkg/physarch"
)

// Memory provides access to physical memory holding tables.
type Memory interface {
	// Words returns a view of n 64-bit words at pa, or an error if any of
	// them is not present.
	Words(pa physarch.Addr, n uint64) ([]uint64, error)
}

// Config configures a Manager. It is fixed at construction.
type Config struct {
	// Lock selects the lock strategy for transitions.
	Lock LockStrategy

	// BitlockBlock is the size of the block covered by one bitlock bit,
	// in units of 512MB. It must be a power of two; zero means one. It is
	// ignored for LockGlobal.
	BitlockBlock uint64

	// MaxContig is the largest contiguous descriptor the manager writes.
	// ContigNone keeps every L1 word in granule form.
	MaxContig Contig

	// Logger receives diagnostics. Nil means the logrus standard logger.
	Logger logrus.FieldLogger
}

// DefaultConfig returns the configuration used unless a platform asks for
// something else.
func DefaultConfig() Config {
	return Config{
		Lock:         LockBitlock,
		BitlockBlock: 1,
		MaxContig:    Contig512MB,
	}
}

// tableState is an immutable snapshot of the table configuration. A new
// snapshot is published by each successful init call.
type tableState struct {
	geo Geometry

	// l1Ready is set once the granule size is known, after the first
	// successful InitPASL1Tables or RuntimeInit.
	l1Ready bool

	l0Base physarch.Addr
	l0     []uint64
	lock   Locker
}

// l0Desc returns the L0 descriptor covering pa.
func (s *tableState) l0Desc(pa physarch.Addr) L0Desc {
	return L0Desc(loadWord(&s.l0[s.geo.L0Index(pa)]))
}

// Manager manages one Granule Protection Table.
type Manager struct {
	mem Memory
	cfg Config
	log logrus.FieldLogger

	state atomic.Pointer[tableState]

	// promoteMu serializes promotion of L0 block descriptors and protects
	// spares.
	promoteMu sync.Mutex

	// spares holds the addresses of L1 tables left unused in the pools
	// passed to InitPASL1Tables.
	spares []physarch.Addr
}

// New returns a Manager for tables held in mem.
func New(mem Memory, cfg Config) (*Manager, error) {
	if cfg.Lock != LockGlobal && cfg.Lock != LockBitlock {
		return nil, fmt.Errorf("invalid lock strategy %v", cfg.Lock)
	}
	if cfg.BitlockBlock == 0 {
		cfg.BitlockBlock = 1
	}
	if !physarch.IsPowerOfTwo(cfg.BitlockBlock) {
		return nil, fmt.Errorf("bitlock block %d is not a power of two", cfg.BitlockBlock)
	}
	if cfg.MaxContig > Contig512MB {
		return nil, fmt.Errorf("invalid maximum contiguity %v", cfg.MaxContig)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		mem: mem,
		cfg: cfg,
		log: log.WithField("component", "gpt"),
	}, nil
}

// Config returns the configuration of m.
func (m *Manager) Config() Config {
	return m.cfg
}

// lockBytes returns the size of the lock metadata stored after the L0
// table for a protected space of 2^t bytes.
func (m *Manager) lockBytes(t uint) uint64 {
	if m.cfg.Lock != LockBitlock {
		return 0
	}
	return bitlockWords(t, bitlockShift(m.cfg.BitlockBlock)) * 8
}

// newLocker returns the Locker for a table whose lock metadata, if any, is
// lockWords.
func (m *Manager) newLocker(lockWords []uint64) Locker {
	switch m.cfg.Lock {
	case LockBitlock:
		return &bitlock{words: lockWords, shift: bitlockShift(m.cfg.BitlockBlock)}
	case LockGlobal:
		return &globalLock{}
	default:
		panic(fmt.Sprintf("invalid lock strategy %v", m.cfg.Lock))
	}
}

// runtimeState returns the table state for runtime operations, or EPERM if
// the tables are not ready.
func (m *Manager) runtimeState() (*tableState, error) {
	st := m.state.Load()
	if st == nil || !st.l1Ready {
		return nil, fmt.Errorf("tables not initialized: %w", linuxerr.EPERM)
	}
	return st, nil
}

// l1Table returns the L1 table of table descriptor d.
func (m *Manager) l1Table(geo Geometry, d L0Desc) []uint64 {
	l1, err := m.mem.Words(d.L1Addr(), geo.L1Entries())
	if err != nil {
		panic(fmt.Sprintf("L0 descriptor %v points outside table memory: %v", d, err))
	}
	return l1
}
