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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/rme/gptsim/cmd/util"
	"gvisor.dev/rme/gptsim/config"
	"gvisor.dev/rme/pkg/errors/linuxerr"
	"gvisor.dev/rme/pkg/gpt"
	"gvisor.dev/rme/pkg/physarch"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	iterations int
	granules   uint64
	seed       uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent delegate and undelegate round trips on every core"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - boot the platform selected with --platform, then have every
simulated core delegate random granules from a shared pool and give them back.
Granules another core holds are reported as conflicts. At the end every pool
granule must be NonSecure again.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.iterations, "iterations", 10000, "round trips attempted by each core.")
	f.Uint64Var(&s.granules, "granules", 64, "granules taken from each NonSecure region for the shared pool.")
	f.Uint64Var(&s.seed, "seed", 1, "random seed.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	log := args[1].(logrus.FieldLogger)

	sys, err := boot(conf, log)
	if err != nil {
		return util.Errorf("booting %s: %v", conf.Platform, err)
	}
	defer sys.release()

	res, err := s.run(ctx, sys, log)
	if err != nil {
		return util.Errorf("%v", err)
	}
	res.print(os.Stdout)
	return subcommands.ExitSuccess
}

// stressResult is the outcome of a stress run.
type stressResult struct {
	pool      int
	delegated uint64
	conflicts uint64
	elapsed   time.Duration
}

func (r *stressResult) print(w io.Writer) {
	fmt.Fprintf(w, "pool: %d granules\nround trips: %d\nconflicts: %d\nelapsed: %v\n",
		r.pool, r.delegated, r.conflicts, r.elapsed)
}

// pool returns up to n granules from the middle of every NonSecure region.
func (s *Stress) pool(sys *system) []physarch.Addr {
	geo, _ := sys.gpt.Geometry()
	gran := geo.GranuleSize()
	var pool []physarch.Addr
	for _, r := range sys.plat.Regions() {
		if r.GPI() != gpt.GPINonSecure {
			continue
		}
		n := min(s.granules, r.Size/gran)
		start := r.Base + physarch.Addr((r.Size/gran-n)/2*gran)
		for i := uint64(0); i < n; i++ {
			pool = append(pool, start+physarch.Addr(i*gran))
		}
	}
	return pool
}

func (s *Stress) run(ctx context.Context, sys *system, log logrus.FieldLogger) (*stressResult, error) {
	pool := s.pool(sys)
	if len(pool) == 0 {
		return nil, fmt.Errorf("platform %s has no NonSecure granules", sys.plat.Name)
	}
	geo, _ := sys.gpt.Geometry()
	gran := geo.GranuleSize()

	var delegated, conflicts atomic.Uint64
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < sys.mach.NumCores(); i++ {
		cpu := sys.mach.Core(i)
		rng := rand.New(rand.NewPCG(s.seed, uint64(i)))
		world := gpt.WorldRealm
		if i%2 == 1 {
			world = gpt.WorldSecure
		}
		g.Go(func() error {
			for n := 0; n < s.iterations; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				pa := pool[rng.IntN(len(pool))]
				err := sys.gpt.Delegate(cpu, pa, gran, world)
				if linuxerr.Equals(linuxerr.EPERM, err) {
					conflicts.Add(1)
					continue
				}
				if err != nil {
					return fmt.Errorf("core %d: delegate %v to %v: %w", cpu.ID(), pa, world, err)
				}
				if err := sys.gpt.Undelegate(cpu, pa, gran, world); err != nil {
					return fmt.Errorf("core %d: undelegate %v from %v: %w", cpu.ID(), pa, world, err)
				}
				delegated.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res := &stressResult{
		pool:      len(pool),
		delegated: delegated.Load(),
		conflicts: conflicts.Load(),
		elapsed:   time.Since(start),
	}

	for _, pa := range pool {
		gpi, err := sys.gpt.GPIAt(pa)
		if err != nil {
			return nil, err
		}
		if gpi != gpt.GPINonSecure {
			return nil, fmt.Errorf("granule %v left with GPI %v", pa, gpi)
		}
	}
	log.WithFields(logrus.Fields{
		"round-trips": res.delegated,
		"conflicts":   res.conflicts,
	}).Info("Stress run complete")
	return res, nil
}
