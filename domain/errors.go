//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import (
	"syscall"

	"github.com/pkg/errors"
)

// Sentinel errors used across the daemons. Each maps onto a POSIX errno so
// that return codes can travel the wire and become CLI exit codes.
var (
	ErrAgain       = syscall.EAGAIN
	ErrBusy        = syscall.EBUSY
	ErrExist       = syscall.EEXIST
	ErrIO          = syscall.EIO
	ErrInval       = syscall.EINVAL
	ErrNoDev       = syscall.ENODEV
	ErrNoEnt       = syscall.ENOENT
	ErrNoSpc       = syscall.ENOSPC
	ErrNotSup      = syscall.ENOTSUP
	ErrPerm        = syscall.EPERM
	ErrProto       = syscall.EPROTO
	ErrRangeExceed = syscall.ERANGE
	ErrTimedOut    = syscall.ETIMEDOUT
)

// RcOf extracts the negated errno carried by err, walking wrap chains. An
// error with no errno in its chain maps to -EIO.
func RcOf(err error) int {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}

	return -int(syscall.EIO)
}

// ErrnoOf is the reverse mapping used when a return code comes off the wire.
func ErrnoOf(rc int) error {
	if rc == 0 {
		return nil
	}
	if rc < 0 {
		rc = -rc
	}

	return syscall.Errno(rc)
}

// ExitCode converts an error to the CLI process exit code: 0 on success,
// the errno of the first failure otherwise, capped to 125.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	rc := -RcOf(err)
	if rc > 125 {
		rc = 125
	}

	return rc
}
