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
	"math/bits"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"gvisor.dev/rme/pkg/physarch"
)

// LockStrategy selects how granule transitions are serialized.
type LockStrategy uint8

// Lock strategies.
const (
	// LockGlobal serializes every transition behind one mutex.
	LockGlobal LockStrategy = iota

	// LockBitlock serializes transitions per block of protected memory,
	// using one bit per block stored after the L0 table.
	LockBitlock
)

// String implements fmt.Stringer.String.
func (l LockStrategy) String() string {
	switch l {
	case LockGlobal:
		return "global"
	case LockBitlock:
		return "bitlock"
	default:
		return fmt.Sprintf("LockStrategy(%d)", uint8(l))
	}
}

// Set implements flag.Value.Set.
func (l *LockStrategy) Set(v string) error {
	switch strings.ToLower(v) {
	case "global":
		*l = LockGlobal
	case "bitlock":
		*l = LockBitlock
	default:
		return fmt.Errorf("invalid lock strategy %q", v)
	}
	return nil
}

// Get implements flag.Getter.Get.
func (l *LockStrategy) Get() any {
	return *l
}

// Locker guards the table entries covering a physical address.
type Locker interface {
	// Lock acquires the lock covering pa.
	Lock(pa physarch.Addr)

	// Unlock releases the lock covering pa.
	Unlock(pa physarch.Addr)
}

// globalLock is a Locker with a single lock for the whole table.
type globalLock struct {
	mu sync.Mutex
}

// Lock implements Locker.Lock.
func (l *globalLock) Lock(physarch.Addr) { l.mu.Lock() }

// Unlock implements Locker.Unlock.
func (l *globalLock) Unlock(physarch.Addr) { l.mu.Unlock() }

// bitlock is a Locker with one bit per block of 2^shift bytes. The bits
// live in table memory, so they are visible to every core sharing the
// table.
type bitlock struct {
	words []uint64
	shift uint
}

// bitlockWords returns the number of 64-bit words needed for a bitlock
// covering 2^t bytes in blocks of 2^shift bytes.
func bitlockWords(t, shift uint) uint64 {
	if t <= shift {
		return 1
	}
	blocks := uint64(1) << (t - shift)
	return (blocks + 63) / 64
}

// bitlockShift returns the block shift for blocks of n 512MB units. n must
// be a power of two.
func bitlockShift(n uint64) uint {
	return 29 + uint(bits.TrailingZeros64(n))
}

func (l *bitlock) bit(pa physarch.Addr) (*uint64, uint64) {
	i := uint64(pa) >> l.shift
	return &l.words[i/64], 1 << (i % 64)
}

// Lock implements Locker.Lock.
func (l *bitlock) Lock(pa physarch.Addr) {
	w, bit := l.bit(pa)
	for atomic.OrUint64(w, bit)&bit != 0 {
		runtime.Gosched()
	}
}

// Unlock implements Locker.Unlock.
func (l *bitlock) Unlock(pa physarch.Addr) {
	w, bit := l.bit(pa)
	if atomic.AndUint64(w, ^bit)&bit == 0 {
		panic(fmt.Sprintf("unlock of unlocked bitlock for %v", pa))
	}
}
