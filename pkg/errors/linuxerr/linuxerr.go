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

// Package linuxerr contains the error codes returned across the firmware
// service boundary, exported as error interface pointers. Callers that need
// the signed integer form use ReturnCode.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/rme/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name; errors.Is matches either form.
var (
	EPERM     = errors.New(unix.EPERM, "operation not permitted")
	ENOMEM    = errors.New(unix.ENOMEM, "out of memory")
	EFAULT    = errors.New(unix.EFAULT, "bad address")
	EINVAL    = errors.New(unix.EINVAL, "invalid argument")
	EOVERFLOW = errors.New(unix.EOVERFLOW, "value too large for defined data type")
)

// ToUnix returns the unix.Errno carried by err, or zero if err is nil.
// Errors that do not wrap an *errors.Error map to EINVAL.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	return unix.EINVAL
}

// ReturnCode returns the signed integer form of err expected by service
// call dispatchers: zero on success, a negative errno otherwise.
func ReturnCode(err error) int {
	return -int(ToUnix(err))
}

// Equals returns true if err is, or wraps, e.
func Equals(e *errors.Error, err error) bool {
	if e == nil {
		return err == nil
	}
	return goerrors.Is(err, e)
}
