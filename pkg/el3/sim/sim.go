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

// Package sim provides a simulated multi-core machine implementing el3.CPU.
//
// Each Core carries its own copy of the granule protection registers, as on
// hardware, and every maintenance operation issued by any core is appended
// to a single machine-wide trace.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gvisor.dev/rme/pkg/el3"
	"gvisor.dev/rme/pkg/physarch"
	"gvisor.dev/rme/pkg/sysreg"
)

// OpKind is the kind of a recorded operation.
type OpKind uint8

// Operation kinds.
const (
	OpWriteGPCCR OpKind = iota
	OpWriteGPTBR
	OpCleanDcache
	OpFlushDcache
	OpFlushPoPA
	OpTLBIAll
	OpTLBIRange
	OpTLBIPage
	OpBarrier
)

var opKindNames = [...]string{
	OpWriteGPCCR:  "msr gpccr_el3",
	OpWriteGPTBR:  "msr gptbr_el3",
	OpCleanDcache: "dc cvac",
	OpFlushDcache: "dc civac",
	OpFlushPoPA:   "dc cipapa",
	OpTLBIAll:     "tlbi paallos",
	OpTLBIRange:   "tlbi rpalos",
	OpTLBIPage:    "tlbi paalos",
	OpBarrier:     "barrier",
}

// String implements fmt.Stringer.String.
func (k OpKind) String() string {
	if int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

// Op is one recorded operation.
type Op struct {
	Core    int
	Kind    OpKind
	PAS     el3.PAS
	Barrier el3.Barrier
	Addr    physarch.Addr
	Size    uint64
	Value   uint64
}

// String implements fmt.Stringer.String.
func (o Op) String() string {
	switch o.Kind {
	case OpWriteGPCCR:
		return fmt.Sprintf("cpu%d: %v <- %v", o.Core, o.Kind, sysreg.GPCCR(o.Value))
	case OpWriteGPTBR, OpTLBIAll:
		return fmt.Sprintf("cpu%d: %v %#x", o.Core, o.Kind, o.Value)
	case OpFlushPoPA:
		return fmt.Sprintf("cpu%d: %v %v %v+%#x", o.Core, o.Kind, o.PAS, o.Addr, o.Size)
	case OpBarrier:
		return fmt.Sprintf("cpu%d: %v", o.Core, o.Barrier)
	default:
		return fmt.Sprintf("cpu%d: %v %v+%#x", o.Core, o.Kind, o.Addr, o.Size)
	}
}

// Options configures a Machine.
type Options struct {
	// Cores is the number of cores. Zero means one.
	Cores int

	// L0GPTSZ is the value reported in GPCCR_EL3.L0GPTSZ.
	L0GPTSZ uint64

	// Granules lists the supported granule sizes. Empty means 4KB, 16KB
	// and 64KB.
	Granules []uint64

	// CachesDisabled leaves SCTLR_EL3.C clear on every core.
	CachesDisabled bool

	// Logger, if set, receives every recorded operation at trace level.
	Logger logrus.Ext1FieldLogger
}

// Machine is a simulated machine.
type Machine struct {
	l0gptsz  uint64
	granules map[uint64]struct{}
	cores    []*Core
	log      logrus.Ext1FieldLogger

	// recording enables the trace.
	recording atomic.Bool

	// onOp is called for every operation while recording.
	onOp atomic.Pointer[func(Op)]

	mu    sync.Mutex
	trace []Op
}

// New returns a new Machine.
func New(opts Options) *Machine {
	n := opts.Cores
	if n <= 0 {
		n = 1
	}
	granules := opts.Granules
	if len(granules) == 0 {
		granules = []uint64{physarch.Size4K, physarch.Size16K, physarch.Size64K}
	}
	m := &Machine{
		l0gptsz:  opts.L0GPTSZ,
		granules: make(map[uint64]struct{}, len(granules)),
		log:      opts.Logger,
	}
	for _, g := range granules {
		m.granules[g] = struct{}{}
	}
	for i := 0; i < n; i++ {
		c := &Core{id: i, m: m}
		c.caches.Store(!opts.CachesDisabled)
		c.WarmReset()
		m.cores = append(m.cores, c)
	}
	return m
}

// Core returns core i.
func (m *Machine) Core(i int) *Core {
	return m.cores[i]
}

// NumCores returns the number of cores.
func (m *Machine) NumCores() int {
	return len(m.cores)
}

// StartRecording clears the trace and starts recording operations.
func (m *Machine) StartRecording() {
	m.mu.Lock()
	m.trace = nil
	m.mu.Unlock()
	m.recording.Store(true)
}

// StopRecording stops recording and returns the trace.
func (m *Machine) StopRecording() []Op {
	m.recording.Store(false)
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trace
	m.trace = nil
	return t
}

// OnOp installs fn to be called synchronously, on the issuing core, for
// every operation while recording. A nil fn removes the hook.
func (m *Machine) OnOp(fn func(Op)) {
	if fn == nil {
		m.onOp.Store(nil)
		return
	}
	m.onOp.Store(&fn)
}

func (m *Machine) record(op Op) {
	if !m.recording.Load() {
		return
	}
	if m.log != nil {
		m.log.Trace(op.String())
	}
	m.mu.Lock()
	m.trace = append(m.trace, op)
	m.mu.Unlock()
	if fn := m.onOp.Load(); fn != nil {
		(*fn)(op)
	}
}

// Core is one simulated core. It implements el3.CPU.
type Core struct {
	id int
	m  *Machine

	gpccr  atomic.Uint64
	gptbr  atomic.Uint64
	caches atomic.Bool
}

var _ el3.CPU = (*Core)(nil)

// ID returns the core number.
func (c *Core) ID() int {
	return c.id
}

// WarmReset returns the core's granule protection registers to their reset
// values, as on resume from a power-down state.
func (c *Core) WarmReset() {
	c.gpccr.Store(uint64(sysreg.GPCCR(0).WithL0GPTSZ(c.m.l0gptsz)))
	c.gptbr.Store(0)
}

// SetCachesEnabled sets SCTLR_EL3.C.
func (c *Core) SetCachesEnabled(enabled bool) {
	c.caches.Store(enabled)
}

// ReadGPCCR implements el3.CPU.ReadGPCCR.
func (c *Core) ReadGPCCR() sysreg.GPCCR {
	return sysreg.GPCCR(c.gpccr.Load())
}

// WriteGPCCR implements el3.CPU.WriteGPCCR.
func (c *Core) WriteGPCCR(v sysreg.GPCCR) {
	v = v.WithL0GPTSZ(c.m.l0gptsz)
	c.gpccr.Store(uint64(v))
	c.m.record(Op{Core: c.id, Kind: OpWriteGPCCR, Value: uint64(v)})
}

// ReadGPTBR implements el3.CPU.ReadGPTBR.
func (c *Core) ReadGPTBR() sysreg.GPTBR {
	return sysreg.GPTBR(c.gptbr.Load())
}

// WriteGPTBR implements el3.CPU.WriteGPTBR.
func (c *Core) WriteGPTBR(v sysreg.GPTBR) {
	c.gptbr.Store(uint64(v))
	c.m.record(Op{Core: c.id, Kind: OpWriteGPTBR, Value: uint64(v)})
}

// CachesEnabled implements el3.CPU.CachesEnabled.
func (c *Core) CachesEnabled() bool {
	return c.caches.Load()
}

// SupportsGranule implements el3.CPU.SupportsGranule.
func (c *Core) SupportsGranule(size uint64) bool {
	_, ok := c.m.granules[size]
	return ok
}

// CleanDcacheRange implements el3.CPU.CleanDcacheRange.
func (c *Core) CleanDcacheRange(pa physarch.Addr, size uint64) {
	c.m.record(Op{Core: c.id, Kind: OpCleanDcache, Addr: pa, Size: size})
}

// FlushDcacheRange implements el3.CPU.FlushDcacheRange.
func (c *Core) FlushDcacheRange(pa physarch.Addr, size uint64) {
	c.m.record(Op{Core: c.id, Kind: OpFlushDcache, Addr: pa, Size: size})
}

// FlushDcacheToPoPA implements el3.CPU.FlushDcacheToPoPA.
func (c *Core) FlushDcacheToPoPA(pas el3.PAS, pa physarch.Addr, size uint64) {
	c.m.record(Op{Core: c.id, Kind: OpFlushPoPA, PAS: pas, Addr: pa, Size: size})
}

// TLBIPAAllOS implements el3.CPU.TLBIPAAllOS.
func (c *Core) TLBIPAAllOS() {
	c.m.record(Op{Core: c.id, Kind: OpTLBIAll})
}

// TLBIRange implements el3.CPU.TLBIRange.
func (c *Core) TLBIRange(pa physarch.Addr, size uint64) {
	c.m.record(Op{Core: c.id, Kind: OpTLBIRange, Addr: pa, Size: size})
}

// TLBIPage implements el3.CPU.TLBIPage.
func (c *Core) TLBIPage(pa physarch.Addr, granule uint64) {
	c.m.record(Op{Core: c.id, Kind: OpTLBIPage, Addr: pa, Size: granule})
}

// Barrier implements el3.CPU.Barrier.
func (c *Core) Barrier(b el3.Barrier) {
	c.m.record(Op{Core: c.id, Kind: OpBarrier, Barrier: b})
}
