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

// Package cmd holds implementations of the gptsim commands.
package cmd

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"gvisor.dev/rme/gptsim/cmd/util"
	"gvisor.dev/rme/gptsim/config"
	"gvisor.dev/rme/pkg/el3/sim"
	"gvisor.dev/rme/pkg/gpt"
	"gvisor.dev/rme/pkg/physarch"
	"gvisor.dev/rme/pkg/physmem"
	"gvisor.dev/rme/pkg/platform"
)

// system is a booted simulated machine.
type system struct {
	plat *platform.Platform
	mem  *physmem.Memory
	mach *sim.Machine

	// gpt built the tables and serves transitions. It owns the spare L1
	// tables left over from setup.
	gpt *gpt.Manager
}

// boot builds the tables of the configured platform on core 0 and enables
// granule protection checks on every core.
func boot(conf *config.Config, log logrus.FieldLogger) (*system, error) {
	plat, ok := platform.Lookup(conf.Platform)
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", conf.Platform)
	}
	mem := physmem.New()
	s := &system{plat: plat, mem: mem}
	if err := plat.Reserve(mem); err != nil {
		s.release()
		return nil, err
	}
	s.mach = plat.NewMachine(conf.Cores, log.WithField("component", "sim"))

	m, err := gpt.New(mem, conf.ManagerConfig(log.WithField("component", "gpt")))
	if err != nil {
		s.release()
		return nil, err
	}
	if err := plat.Setup(m, s.mach.Core(0)); err != nil {
		s.release()
		return nil, err
	}
	for i := 1; i < s.mach.NumCores(); i++ {
		if err := m.Enable(s.mach.Core(i)); err != nil {
			s.release()
			return nil, fmt.Errorf("enabling core %d: %w", i, err)
		}
	}
	// Every core must now report the tables m built.
	for i := 0; i < s.mach.NumCores(); i++ {
		if err := m.RuntimeInit(s.mach.Core(i)); err != nil {
			s.release()
			return nil, fmt.Errorf("core %d: %w", i, err)
		}
	}
	s.gpt = m
	log.WithFields(logrus.Fields{
		"platform": plat.Name,
		"cores":    s.mach.NumCores(),
	}).Info("Booted")
	return s, nil
}

func (s *system) release() {
	if err := s.mem.Release(); err != nil {
		util.Log.Warningf("Releasing simulated memory: %v", err)
	}
}

// parseAddr parses a physical address in any base strconv accepts.
func parseAddr(v string) (physarch.Addr, error) {
	pa, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", v, err)
	}
	return physarch.Addr(pa), nil
}
