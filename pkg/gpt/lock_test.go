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
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/rme/pkg/errors/linuxerr"
	"gvisor.dev/rme/pkg/physarch"
)

func TestBitlockExclusion(t *testing.T) {
	l := &bitlock{words: make([]uint64, 1), shift: bitlockShift(1)}
	l.Lock(0x1000)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		l.Lock(0x2000)
		acquired.Store(true)
		l.Unlock(0x2000)
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("lock in the same block acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	if acquired.Load() {
		t.Fatalf("lock in the same block acquired while held")
	}

	// Another block is independent.
	l.Lock(physarch.Size512M)
	l.Unlock(physarch.Size512M)

	l.Unlock(0x1000)
	<-done
	if w := atomic.LoadUint64(&l.words[0]); w != 0 {
		t.Errorf("lock word = %#x after unlock, want 0", w)
	}
}

func TestBitlockUnlockUnlocked(t *testing.T) {
	l := &bitlock{words: make([]uint64, 1), shift: bitlockShift(1)}
	defer func() {
		if recover() == nil {
			t.Errorf("Unlock of unlocked bitlock did not panic")
		}
	}()
	l.Unlock(0)
}

func TestBitlockSize(t *testing.T) {
	for _, tc := range []struct {
		t     uint
		block uint64
		want  uint64
	}{
		{32, 1, 1},
		{32, 16, 1},
		{40, 1, 32},
		{48, 1, 8192},
		{48, 4, 2048},
		{52, 2, 1 << 16},
	} {
		if got := bitlockWords(tc.t, bitlockShift(tc.block)); got != tc.want {
			t.Errorf("bitlockWords(%d, block %d) = %d, want %d", tc.t, tc.block, got, tc.want)
		}
	}
	if got := bitlockShift(4); got != 31 {
		t.Errorf("bitlockShift(4) = %d, want 31", got)
	}
}

func TestNewRejectsConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Lock: 7},
		{Lock: LockBitlock, BitlockBlock: 3},
		{Lock: LockGlobal, MaxContig: 9},
	} {
		if _, err := New(nil, cfg); err == nil {
			t.Errorf("New(%+v) succeeded", cfg)
		}
	}
}

func newMultiCoreEnv(t *testing.T, lock LockStrategy, cores int) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Lock = lock
	e := newEnv(t, envOptions{cfg: cfg, cores: cores, l1Tables: 1})
	e.boot(MapRegionGranule(0, gb, GPINonSecure))
	for i := 1; i < cores; i++ {
		if err := e.m.Enable(e.mach.Core(i)); err != nil {
			t.Fatalf("Enable(core %d): %v", i, err)
		}
	}
	return e
}

func TestConcurrentTransitions(t *testing.T) {
	const (
		cores  = 4
		rounds = 64
	)
	for _, lock := range []LockStrategy{LockGlobal, LockBitlock} {
		t.Run(lock.String(), func(t *testing.T) {
			e := newMultiCoreEnv(t, lock, cores)
			before := e.digest()

			// Two cores share each 512MB block.
			var g errgroup.Group
			for i := 0; i < cores; i++ {
				cpu := e.mach.Core(i)
				base := physarch.Addr(uint64(i) * 128 * physarch.Size2M)
				world := []World{WorldRealm, WorldSecure}[i%2]
				g.Go(func() error {
					for r := 0; r < rounds; r++ {
						pa := base + physarch.Addr(uint64(r%16)*page)
						if err := e.m.Delegate(cpu, pa, page, world); err != nil {
							return fmt.Errorf("core %d: Delegate(%v): %w", cpu.ID(), pa, err)
						}
						if err := e.m.Undelegate(cpu, pa, page, world); err != nil {
							return fmt.Errorf("core %d: Undelegate(%v): %w", cpu.ID(), pa, err)
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
			if after := e.digest(); after != before {
				t.Errorf("tables differ after concurrent round trips")
			}
		})
	}
}

func TestConcurrentDelegateSameGranule(t *testing.T) {
	const cores = 8
	for _, lock := range []LockStrategy{LockGlobal, LockBitlock} {
		t.Run(lock.String(), func(t *testing.T) {
			e := newMultiCoreEnv(t, lock, cores)
			var won, lost atomic.Int32
			var g errgroup.Group
			for i := 0; i < cores; i++ {
				cpu := e.mach.Core(i)
				g.Go(func() error {
					err := e.m.Delegate(cpu, 0x5000, page, WorldRealm)
					switch {
					case err == nil:
						won.Add(1)
					case linuxerr.Equals(linuxerr.EPERM, err):
						lost.Add(1)
					default:
						return err
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
			if won.Load() != 1 || lost.Load() != cores-1 {
				t.Errorf("%d delegations succeeded and %d failed, want 1 and %d", won.Load(), lost.Load(), cores-1)
			}
			if got := e.gpiAt(0x5000); got != GPIRealm {
				t.Errorf("GPI = %v, want realm", got)
			}
		})
	}
}
