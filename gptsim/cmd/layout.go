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
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/rme/gptsim/cmd/util"
	"gvisor.dev/rme/gptsim/config"
	"gvisor.dev/rme/pkg/platform"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the table carve-outs and PAS regions of a platform"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout - print the memory layout of the platform selected with --platform.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	plat, ok := platform.Lookup(conf.Platform)
	if !ok {
		return util.Errorf("unknown platform %q", conf.Platform)
	}
	if err := printLayout(os.Stdout, plat); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func printLayout(out io.Writer, p *platform.Platform) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "platform\t%s\n", p.Name)
	fmt.Fprintf(w, "protected size\t%v\n", p.PPS)
	fmt.Fprintf(w, "granule size\t%v\n", p.PGS)
	fmt.Fprintf(w, "L0GPTSZ\t%d\n", p.L0GPTSZ)
	fmt.Fprintf(w, "L0 table\t%v+%#x\n", p.L0Base, p.L0Size)
	for _, b := range p.Banks {
		fmt.Fprintf(w, "\nbank %s", b.Name)
		if b.L1Size != 0 {
			fmt.Fprintf(w, "\tL1 tables %v+%#x", b.L1Base, b.L1Size)
		}
		fmt.Fprintln(w)
		for _, r := range b.Regions {
			fmt.Fprintf(w, "  %v\t%#x\t%v\t%v\n", r.Base, r.Size, r.GPI(), r.MapType())
		}
	}
	return w.Flush()
}
