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

import "fmt"

// ResourceFamily identifies the class of storage resources a medium or a
// device belongs to. The family determines which adapter operates on the
// resource and which library (if any) arbitrates its placement.
type ResourceFamily string

const (
	FamilyTape      ResourceFamily = "tape"
	FamilyDir       ResourceFamily = "dir"
	FamilyRadosPool ResourceFamily = "rados_pool"
)

// ParseFamily validates a user-supplied family string.
func ParseFamily(s string) (ResourceFamily, error) {
	switch ResourceFamily(s) {
	case FamilyTape, FamilyDir, FamilyRadosPool:
		return ResourceFamily(s), nil
	}

	return "", fmt.Errorf("unsupported family %q", s)
}

// FsType identifies the filesystem laid on a medium.
type FsType string

const (
	FsTypeLtfs  FsType = "ltfs"
	FsTypePosix FsType = "posix"
	FsTypeRados FsType = "rados"
)

// AddrType identifies how extents are addressed within a medium filesystem.
type AddrType string

const (
	AddrTypePath   AddrType = "path"
	AddrTypeHash1  AddrType = "hash1"
	AddrTypeOpaque AddrType = "opaque"
)

// AdmStatus is the administrative status of a medium or device.
type AdmStatus string

const (
	AdmStatusUnlocked AdmStatus = "unlocked"
	AdmStatusLocked   AdmStatus = "locked"
	AdmStatusFailed   AdmStatus = "failed"
)

// FsStatus is the lifecycle status of a medium's filesystem.
type FsStatus string

const (
	FsStatusBlank     FsStatus = "blank"
	FsStatusEmpty     FsStatus = "empty"
	FsStatusImporting FsStatus = "importing"
	FsStatusUsed      FsStatus = "used"
	FsStatusFull      FsStatus = "full"
)

// DefaultFsType returns the filesystem type natively paired with a family.
func DefaultFsType(family ResourceFamily) FsType {
	switch family {
	case FamilyTape:
		return FsTypeLtfs
	case FamilyRadosPool:
		return FsTypeRados
	default:
		return FsTypePosix
	}
}

// DefaultAddrType returns the extent addressing scheme natively paired with
// a family.
func DefaultAddrType(family ResourceFamily) AddrType {
	switch family {
	case FamilyRadosPool:
		return AddrTypeOpaque
	default:
		return AddrTypeHash1
	}
}
