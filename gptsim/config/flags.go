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

package config

import (
	"flag"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/rme/pkg/gpt"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with flag values. Flags given on the command line take precedence.")

	// Machine flags.
	flagSet.String("platform", "qemu", "platform memory layout to simulate: qemu (default), nrd3.")
	flagSet.Int("cores", 4, "number of simulated cores.")

	// Table manager flags.
	flagSet.Var(lockPtr(gpt.LockBitlock), "lock", "transition lock strategy: bitlock (default), global.")
	flagSet.Uint64("bitlock-block", 1, "size of the block guarded by one bitlock bit, in units of 512MB. Must be a power of two.")
	flagSet.Var(contigPtr(gpt.Contig512MB), "max-contig", "largest contiguous descriptor to write: 512MB (default), 32MB, 2MB, none.")

	// Logging flags.
	flagSet.String("log-level", "info", "log level: panic, fatal, error, warn, info (default), debug, trace.")
	flagSet.String("log-format", "text", "log format: text (default), json.")
}

func lockPtr(v gpt.LockStrategy) *gpt.LockStrategy {
	return &v
}

func contigPtr(v gpt.Contig) *gpt.Contig {
	return &v
}

// fields calls fn for each Config field bound to a flag, with the flag of
// that name in flagSet.
func (c *Config) fields(flagSet *flag.FlagSet, fn func(fl *flag.Flag, v reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	for _, f := range reflect.VisibleFields(obj.Type()) {
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("config field %s bound to unregistered flag %q", f.Name, name))
		}
		fn(fl, obj.FieldByIndex(f.Index))
	}
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.fields(flagSet, func(fl *flag.Flag, v reflect.Value) {
		v.Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	})
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile sets flags from the TOML file at path. Keys are flag names. Flags
// already set on the command line keep their value.
func LoadFile(flagSet *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("error reading config file %q: %w", path, err)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	for _, name := range slices.Sorted(maps.Keys(values)) {
		if name == "config" {
			return fmt.Errorf("config file %q: key %q cannot be set from a file", path, name)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			return fmt.Errorf("config file %q: unknown key %q", path, name)
		}
		if explicit[name] {
			continue
		}
		var val string
		switch v := values[name].(type) {
		case string:
			val = v
		case bool:
			val = strconv.FormatBool(v)
		case int64:
			val = strconv.FormatInt(v, 10)
		default:
			return fmt.Errorf("config file %q: key %q has unsupported type %T", path, name, v)
		}
		if err := flagSet.Set(name, val); err != nil {
			return fmt.Errorf("config file %q: error setting %s=%q: %w", path, name, val, err)
		}
	}
	return nil
}

// ToFlags returns the command line flags that reproduce c. Fields holding
// their default value are omitted.
func (c *Config) ToFlags() []string {
	defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(defaults)

	var rv []string
	c.fields(defaults, func(fl *flag.Flag, v reflect.Value) {
		if val := fmt.Sprint(v.Interface()); val != fl.DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
		}
	})
	return rv
}
