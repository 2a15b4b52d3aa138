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
	"gvisor.dev/rme/pkg/sysreg"
)

// Enable turns on granule protection checks on cpu using the initialized
// tables. It is called once on the boot core after the tables are built
// and again on every core as it comes up or resumes.
func (m *Manager) Enable(cpu el3.CPU) error {
	st, err := m.runtimeState()
	if err != nil {
		m.log.Error("Tables have not been initialized")
		return err
	}

	// Invalidate any stale TLB entries.
	cpu.TLBIPAAllOS()
	cpu.Barrier(el3.DSBSY)

	cpu.WriteGPTBR(sysreg.NewGPTBR(st.l0Base))

	// EL3 maps the tables inner shareable and write-back; NewGPCCR uses
	// the same attributes for table walks.
	cpu.WriteGPCCR(sysreg.NewGPCCR(uint64(st.geo.PPS), uint64(st.geo.PGS)))
	cpu.Barrier(el3.ISB)
	cpu.TLBIPAAllOS()
	cpu.Barrier(el3.DSBSY)
	cpu.Barrier(el3.ISB)
	return nil
}

// Disable turns off granule protection checks on cpu.
func (m *Manager) Disable(cpu el3.CPU) {
	cpu.WriteGPCCR(cpu.ReadGPCCR().WithEnabled(false))
	cpu.Barrier(el3.DSBSY)
	cpu.Barrier(el3.ISB)
}

// RuntimeInit recovers the table configuration from the registers of cpu,
// on which granule protection checks must already be enabled. It is used by
// a boot stage or core that did not build the tables. If m already has a
// configuration, the registers must describe the same tables.
func (m *Manager) RuntimeInit(cpu el3.CPU) error {
	assertCaches(cpu)

	gpccr := cpu.ReadGPCCR()
	if !gpccr.Enabled() {
		m.log.Error("Granule protection checks are not enabled")
		return fmt.Errorf("granule protection checks not enabled: %w", linuxerr.EPERM)
	}
	pps, pgs := PPS(gpccr.PPS()), PGS(gpccr.PGS())
	t, okT := pps.T()
	p, okP := pgs.P()
	s, okS := l0gptszS(gpccr.L0GPTSZ())
	if !okT || !okP || !okS {
		m.log.Errorf("Invalid %v", gpccr)
		return fmt.Errorf("invalid %v: %w", gpccr, linuxerr.EINVAL)
	}
	geo := Geometry{PPS: pps, PGS: pgs, T: t, P: p, S: s}
	base := cpu.ReadGPTBR().Base()

	if st := m.state.Load(); st != nil {
		if !st.l1Ready || st.geo != geo || st.l0Base != base {
			m.log.Errorf("Runtime configuration %v at %v differs from %v at %v", geo, base, st.geo, st.l0Base)
			return fmt.Errorf("runtime configuration %v at %v differs from %v at %v: %w", geo, base, st.geo, st.l0Base, linuxerr.EINVAL)
		}
		return nil
	}

	words, err := m.mem.Words(base, (geo.L0TableSize()+m.lockBytes(t))/8)
	if err != nil {
		m.log.Errorf("L0 table at %v not present: %v", base, err)
		return fmt.Errorf("L0 table at %v: %v: %w", base, err, linuxerr.EFAULT)
	}
	st := &tableState{
		geo:     geo,
		l1Ready: true,
		l0Base:  base,
		l0:      words[:geo.L0Entries()],
		lock:    m.newLocker(words[geo.L0Entries():]),
	}
	if !m.state.CompareAndSwap(nil, st) {
		return m.RuntimeInit(cpu)
	}
	m.log.WithFields(logrus.Fields{
		"pps":    fmt.Sprintf("%v/%d", pps, t),
		"pgs":    fmt.Sprintf("%v/%d", pgs, p),
		"s":      s,
		"l0Base": base,
	}).Debug("Runtime configuration")
	return nil
}
