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
	"maps"
	"os"
	"slices"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gvisor.dev/rme/gptsim/cmd/util"
	"gvisor.dev/rme/gptsim/config"
	"gvisor.dev/rme/pkg/gpt"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	stats bool
	raw   bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "boot a platform and print its granule protection tables"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] - boot the platform selected with --platform and print the
extents of its tables, a descriptor census and a digest of the table memory.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.stats, "stats", true, "print descriptor counts.")
	f.BoolVar(&d.raw, "raw", false, "print every L0 block on its own instead of merging adjacent blocks with the same index.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	log := args[1].(logrus.FieldLogger)

	s, err := boot(conf, log)
	if err != nil {
		return util.Errorf("booting %s: %v", conf.Platform, err)
	}
	defer s.release()

	if err := d.dump(os.Stdout, s.gpt); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (d *Dump) dump(w io.Writer, m *gpt.Manager) error {
	geo, ok := m.Geometry()
	if !ok {
		return fmt.Errorf("tables not initialized")
	}
	fmt.Fprintf(w, "%v\n", geo)

	var run gpt.Extent
	var werr error
	if err := m.Walk(func(e gpt.Extent) bool {
		if !d.raw && e.Level == gpt.LevelL0Block && run.Level == gpt.LevelL0Block &&
			run.Size != 0 && run.GPI == e.GPI && run.End() == e.Start {
			run.Size += e.Size
			return true
		}
		if run.Size != 0 {
			_, werr = fmt.Fprintf(w, "%v\n", run)
		}
		run = e
		return werr == nil
	}); err != nil {
		return err
	}
	if werr != nil {
		return werr
	}
	if run.Size != 0 {
		fmt.Fprintf(w, "%v\n", run)
	}

	if d.stats {
		st, err := m.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "L0 blocks: %d\nL0 tables: %d\nL1 granule words: %d\nspare L1 tables: %d\n",
			st.L0Blocks, st.L0Tables, st.GranuleWords, st.SpareTables)
		for _, c := range slices.Sorted(maps.Keys(st.Contig)) {
			fmt.Fprintf(w, "%v contiguous blocks: %d\n", c, st.Contig[c])
		}
	}

	digest, err := m.Digest()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "digest: %#016x\n", digest)
	return err
}
