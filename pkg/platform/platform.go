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

// Package platform describes the fixed memory layouts of the supported
// platforms and performs the table setup a boot stage would do for them.
package platform

import (
	"fmt"
	"maps"
	"slices"

	"github.com/sirupsen/logrus"
	"gvisor.dev/rme/pkg/el3"
	"gvisor.dev/rme/pkg/el3/sim"
	"gvisor.dev/rme/pkg/gpt"
	"gvisor.dev/rme/pkg/physarch"
	"gvisor.dev/rme/pkg/physmem"
)

// Bank is one group of PAS regions passed to a single InitPASL1Tables call,
// together with the memory its L1 tables are allocated from.
type Bank struct {
	Name    string
	L1Base  physarch.Addr
	L1Size  uint64
	Regions []gpt.PASRegion
}

// Platform is the fixed table layout of one platform.
type Platform struct {
	Name string
	PPS  gpt.PPS
	PGS  gpt.PGS

	// L0GPTSZ is the value the platform's cores report in
	// GPCCR_EL3.L0GPTSZ.
	L0GPTSZ uint64

	// L0Base and L0Size locate the L0 table carve-out, which also holds
	// the bitlock bits.
	L0Base physarch.Addr
	L0Size uint64

	Banks []Bank
}

var platforms = make(map[string]*Platform)

// Register registers p under p.Name. It panics if the name is taken.
func Register(p *Platform) {
	if _, ok := platforms[p.Name]; ok {
		panic(fmt.Sprintf("platform %q registered twice", p.Name))
	}
	platforms[p.Name] = p
}

// Lookup finds a platform by name.
func Lookup(name string) (*Platform, bool) {
	p, ok := platforms[name]
	return p, ok
}

// Names returns the names of all registered platforms, sorted.
func Names() []string {
	return slices.Sorted(maps.Keys(platforms))
}

// NewMachine returns a simulated machine with the given number of cores
// whose registers match p.
func (p *Platform) NewMachine(cores int, log logrus.Ext1FieldLogger) *sim.Machine {
	return sim.New(sim.Options{
		Cores:   cores,
		L0GPTSZ: p.L0GPTSZ,
		Logger:  log,
	})
}

// Reserve reserves the L0 and L1 table carve-outs of p in mem.
func (p *Platform) Reserve(mem *physmem.Memory) error {
	l0, ok := p.L0Base.ToRange(p.L0Size)
	if !ok {
		return fmt.Errorf("platform %s: L0 carve-out %v+%#x overflows", p.Name, p.L0Base, p.L0Size)
	}
	if err := mem.Reserve(l0); err != nil {
		return fmt.Errorf("platform %s: L0 carve-out: %w", p.Name, err)
	}
	for _, b := range p.Banks {
		if b.L1Size == 0 {
			continue
		}
		l1, ok := b.L1Base.ToRange(b.L1Size)
		if !ok {
			return fmt.Errorf("platform %s: bank %s: L1 carve-out %v+%#x overflows", p.Name, b.Name, b.L1Base, b.L1Size)
		}
		if err := mem.Reserve(l1); err != nil {
			return fmt.Errorf("platform %s: bank %s: L1 carve-out: %w", p.Name, b.Name, err)
		}
	}
	return nil
}

// Setup builds the tables of p on the boot core and enables granule
// protection checks on it. Other cores call m.Enable as they come up.
func (p *Platform) Setup(m *gpt.Manager, cpu el3.CPU) error {
	if err := m.InitL0Tables(cpu, p.PPS, p.L0Base, p.L0Size); err != nil {
		return fmt.Errorf("platform %s: %w", p.Name, err)
	}
	for _, b := range p.Banks {
		if err := m.InitPASL1Tables(cpu, p.PGS, b.L1Base, b.L1Size, b.Regions); err != nil {
			return fmt.Errorf("platform %s: bank %s: %w", p.Name, b.Name, err)
		}
	}
	if err := m.Enable(cpu); err != nil {
		return fmt.Errorf("platform %s: %w", p.Name, err)
	}
	return nil
}

// Regions returns the regions of every bank in order.
func (p *Platform) Regions() []gpt.PASRegion {
	var rs []gpt.PASRegion
	for _, b := range p.Banks {
		rs = append(rs, b.Regions...)
	}
	return rs
}
