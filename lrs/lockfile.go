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

package lrs

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nestybox/phobos/domain"
)

// lockFile prevents two LRS instances per host. It is atomically created
// and flocked at startup and removed on graceful shutdown; a stale file
// left by a crash is detected by the failed flock of the living owner, or
// reclaimed freely when no owner remains.
type lockFile struct {
	path string
	f    *os.File
}

func takeLockFile(path string) (*lockFile, error) {

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating lock file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(domain.ErrBusy,
			"another LRS instance holds %s", path)
	}

	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Sync()

	return &lockFile{path: path, f: f}, nil
}

func (l *lockFile) release() {

	if l.f == nil {
		return
	}

	os.Remove(l.path)
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
}
