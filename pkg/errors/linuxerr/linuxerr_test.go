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

package linuxerr

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestReturnCode(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{nil, 0},
		{EPERM, -1},
		{fmt.Errorf("PAS[3]: %w", EFAULT), -14},
		{EINVAL, -22},
		{ENOMEM, -12},
		{EOVERFLOW, -int(unix.EOVERFLOW)},
		{errors.New("untyped"), -22},
	} {
		if got := ReturnCode(tc.err); got != tc.want {
			t.Errorf("ReturnCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestEquals(t *testing.T) {
	wrapped := fmt.Errorf("granule 0x1000: %w", EPERM)
	if !Equals(EPERM, wrapped) {
		t.Errorf("Equals(EPERM, %v) = false", wrapped)
	}
	if Equals(EINVAL, wrapped) {
		t.Errorf("Equals(EINVAL, %v) = true", wrapped)
	}
	if !errors.Is(wrapped, unix.EPERM) {
		t.Errorf("errors.Is(%v, unix.EPERM) = false", wrapped)
	}
	if !Equals(nil, nil) {
		t.Errorf("Equals(nil, nil) = false")
	}
}
