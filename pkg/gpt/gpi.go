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
	"strings"

	"gvisor.dev/rme/pkg/el3"
)

// GPI is a granule protection index: the world permitted to access a
// granule.
type GPI uint8

// Granule protection indices, as encoded in table descriptors.
const (
	GPINoAccess  GPI = 0x0
	GPISecure    GPI = 0x8
	GPINonSecure GPI = 0x9
	GPIRoot      GPI = 0xa
	GPIRealm     GPI = 0xb
	GPIAny       GPI = 0xf
)

const gpiMask = 0xf

// Valid returns true if g is one of the defined indices.
func (g GPI) Valid() bool {
	switch g {
	case GPINoAccess, GPISecure, GPINonSecure, GPIRoot, GPIRealm, GPIAny:
		return true
	default:
		return false
	}
}

// pas returns the physical address space that accesses granules with index
// g. NoAccess and Any have none.
func (g GPI) pas() (el3.PAS, bool) {
	switch g {
	case GPISecure:
		return el3.PASSecure, true
	case GPINonSecure:
		return el3.PASNonSecure, true
	case GPIRoot:
		return el3.PASRoot, true
	case GPIRealm:
		return el3.PASRealm, true
	default:
		return 0, false
	}
}

var gpiNames = map[GPI]string{
	GPINoAccess:  "noaccess",
	GPISecure:    "secure",
	GPINonSecure: "ns",
	GPIRoot:      "root",
	GPIRealm:     "realm",
	GPIAny:       "any",
}

// String implements fmt.Stringer.String.
func (g GPI) String() string {
	if s, ok := gpiNames[g]; ok {
		return s
	}
	return fmt.Sprintf("GPI(%#x)", uint8(g))
}

// Set implements flag.Value.Set.
func (g *GPI) Set(v string) error {
	for k, s := range gpiNames {
		if strings.EqualFold(v, s) {
			*g = k
			return nil
		}
	}
	return fmt.Errorf("invalid GPI %q", v)
}

// World is the security state of the caller of a granule transition, as
// determined by the service call dispatcher.
type World uint8

// Worlds.
const (
	WorldNonSecure World = iota
	WorldSecure
	WorldRealm
	WorldRoot
)

// String implements fmt.Stringer.String.
func (w World) String() string {
	switch w {
	case WorldNonSecure:
		return "nonsecure"
	case WorldSecure:
		return "secure"
	case WorldRealm:
		return "realm"
	case WorldRoot:
		return "root"
	default:
		return fmt.Sprintf("World(%d)", uint8(w))
	}
}

// Set implements flag.Value.Set.
func (w *World) Set(v string) error {
	switch strings.ToLower(v) {
	case "nonsecure", "ns":
		*w = WorldNonSecure
	case "secure":
		*w = WorldSecure
	case "realm":
		*w = WorldRealm
	case "root":
		*w = WorldRoot
	default:
		return fmt.Errorf("invalid world %q", v)
	}
	return nil
}

// gpi returns the index a granule owned by w carries. Only Secure and Realm
// may own delegated granules; the dispatcher must never route a request from
// any other world here.
func (w World) gpi() GPI {
	switch w {
	case WorldSecure:
		return GPISecure
	case WorldRealm:
		return GPIRealm
	default:
		panic(fmt.Sprintf("granule transition requested by %v world", w))
	}
}
