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
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gvisor.dev/rme/gptsim/cmd/util"
	"gvisor.dev/rme/gptsim/config"
	"gvisor.dev/rme/pkg/el3/sim"
	"gvisor.dev/rme/pkg/errors/linuxerr"
	"gvisor.dev/rme/pkg/gpt"
	"gvisor.dev/rme/pkg/physarch"
)

// request is one granule transition requested on the command line.
type request struct {
	delegate bool
	world    gpt.World
	base     physarch.Addr
	count    uint64
}

// parseRequest parses <delegate|undelegate>:<world>:<addr>[:<count>].
func parseRequest(v string) (request, error) {
	parts := strings.Split(v, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return request{}, fmt.Errorf("invalid request %q, want <delegate|undelegate>:<world>:<addr>[:<count>]", v)
	}
	var r request
	switch parts[0] {
	case "delegate":
		r.delegate = true
	case "undelegate":
	default:
		return request{}, fmt.Errorf("invalid request %q: unknown operation %q", v, parts[0])
	}
	if err := r.world.Set(parts[1]); err != nil {
		return request{}, fmt.Errorf("invalid request %q: %w", v, err)
	}
	if r.world != gpt.WorldSecure && r.world != gpt.WorldRealm {
		return request{}, fmt.Errorf("invalid request %q: only secure and realm granules can be delegated", v)
	}
	var err error
	if r.base, err = parseAddr(parts[2]); err != nil {
		return request{}, fmt.Errorf("invalid request %q: %w", v, err)
	}
	r.count = 1
	if len(parts) == 4 {
		if r.count, err = strconv.ParseUint(parts[3], 0, 64); err != nil || r.count == 0 {
			return request{}, fmt.Errorf("invalid request %q: bad granule count %q", v, parts[3])
		}
	}
	return r, nil
}

func (r request) String() string {
	op := "undelegate"
	if r.delegate {
		op = "delegate"
	}
	return fmt.Sprintf("%s %v %v", op, r.world, r.base)
}

// Transition implements subcommands.Command for the "transition" command.
type Transition struct {
	core  int
	trace bool
}

// Name implements subcommands.Command.Name.
func (*Transition) Name() string {
	return "transition"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Transition) Synopsis() string {
	return "boot a platform and delegate or undelegate granules"
}

// Usage implements subcommands.Command.Usage.
func (*Transition) Usage() string {
	return `transition [flags] <request>... - run each request in order. A request is

  <delegate|undelegate>:<secure|realm>:<addr>[:<count>]

and transitions count consecutive granules starting at addr.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Transition) SetFlags(f *flag.FlagSet) {
	f.IntVar(&t.core, "core", 0, "simulated core issuing the requests.")
	f.BoolVar(&t.trace, "trace", false, "print the cache, TLB and barrier operations of each transition.")
}

// Execute implements subcommands.Command.Execute.
func (t *Transition) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var reqs []request
	for _, arg := range f.Args() {
		r, err := parseRequest(arg)
		if err != nil {
			return util.Errorf("%v", err)
		}
		reqs = append(reqs, r)
	}
	conf := args[0].(*config.Config)
	log := args[1].(logrus.FieldLogger)
	if t.core < 0 || t.core >= conf.Cores {
		return util.Errorf("core %d out of range [0, %d)", t.core, conf.Cores)
	}

	s, err := boot(conf, log)
	if err != nil {
		return util.Errorf("booting %s: %v", conf.Platform, err)
	}
	defer s.release()

	if failed := t.run(os.Stdout, s, reqs); failed > 0 {
		return util.Errorf("%d of %d requests failed", failed, len(reqs))
	}
	return subcommands.ExitSuccess
}

// run applies reqs in order and returns the number of failed granule
// transitions. It stops each request at its first failure.
func (t *Transition) run(w io.Writer, s *system, reqs []request) int {
	geo, _ := s.gpt.Geometry()
	cpu := s.mach.Core(t.core)
	failed := 0
	for _, r := range reqs {
		for i := uint64(0); i < r.count; i++ {
			pa := r.base + physarch.Addr(i*geo.GranuleSize())
			if t.trace {
				s.mach.StartRecording()
			}
			var err error
			if r.delegate {
				err = s.gpt.Delegate(cpu, pa, geo.GranuleSize(), r.world)
			} else {
				err = s.gpt.Undelegate(cpu, pa, geo.GranuleSize(), r.world)
			}
			var ops []sim.Op
			if t.trace {
				ops = s.mach.StopRecording()
			}

			one := request{delegate: r.delegate, world: r.world, base: pa, count: 1}
			if gpi, gerr := s.gpt.GPIAt(pa); gerr != nil {
				fmt.Fprintf(w, "%v: %d (%v)\n", one, linuxerr.ReturnCode(err), gerr)
			} else {
				fmt.Fprintf(w, "%v: %d, now %v\n", one, linuxerr.ReturnCode(err), gpi)
			}
			for _, op := range ops {
				fmt.Fprintf(w, "  %v\n", op)
			}
			if err != nil {
				failed++
				break
			}
		}
	}
	return failed
}
