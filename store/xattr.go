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

package store

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nestybox/phobos/domain"
)

// Extent xattrs laid alongside the data so that a medium can be imported
// back into an empty catalog.
const (
	XattrMD5        = "user.md5"
	XattrXXH128     = "user.xxh128"
	XattrUserMD     = "user.user_md"
	XattrObjectSize = "user.object_size"
	XattrExtentOff  = "user.extent_offset"
)

// ExtentName builds the on-medium file name of one extent:
// <oid>.<version>.<layout>-<repl>_<idx>.<uuid>
func ExtentName(oid string, version int, layout string, repl, idx int,
	extentUUID string) string {

	return fmt.Sprintf("%s.%d.%s-%d_%d.%s", oid, version, layout, repl, idx,
		extentUUID)
}

// ExtentPath resolves where an extent lives under a medium root for an
// addressing scheme. hash1 spreads extents over two hashed directory
// levels; path stores them flat; opaque addresses are not paths at all.
func ExtentPath(root string, addrType domain.AddrType, name string) (string, error) {

	switch addrType {

	case domain.AddrTypePath:
		return filepath.Join(root, name), nil

	case domain.AddrTypeHash1:
		sum := md5.Sum([]byte(name))
		hexed := hex.EncodeToString(sum[:])
		return filepath.Join(root, hexed[0:2], hexed[2:4], name), nil

	case domain.AddrTypeOpaque:
		return name, nil

	default:
		return "", errors.Wrapf(domain.ErrInval,
			"unknown addressing scheme %q", addrType)
	}
}

// ExtentXattrs is the metadata set stamped on every extent file.
type ExtentXattrs struct {
	MD5        string
	XXH128     string
	UserMD     map[string]string
	ObjectSize int64
	ExtentOff  int64
}

// Apply stamps the xattr set onto the extent at path. Filesystems without
// xattr support degrade silently: the catalog keeps the authoritative
// copy, the xattrs only serve import.
func (x *ExtentXattrs) Apply(path string) error {

	set := func(name, value string) error {
		err := unix.Setxattr(path, name, []byte(value), 0)
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
			return nil
		}
		return err
	}

	if x.MD5 != "" {
		if err := set(XattrMD5, x.MD5); err != nil {
			return errors.Wrapf(err, "setting %s on %s", XattrMD5, path)
		}
	}
	if x.XXH128 != "" {
		if err := set(XattrXXH128, x.XXH128); err != nil {
			return errors.Wrapf(err, "setting %s on %s", XattrXXH128, path)
		}
	}

	userMD, err := json.Marshal(x.UserMD)
	if err != nil {
		return errors.Wrap(err, "marshaling user metadata")
	}
	if err := set(XattrUserMD, string(userMD)); err != nil {
		return errors.Wrapf(err, "setting %s on %s", XattrUserMD, path)
	}

	if err := set(XattrObjectSize,
		strconv.FormatInt(x.ObjectSize, 10)); err != nil {
		return errors.Wrapf(err, "setting %s on %s", XattrObjectSize, path)
	}
	if err := set(XattrExtentOff,
		strconv.FormatInt(x.ExtentOff, 10)); err != nil {
		return errors.Wrapf(err, "setting %s on %s", XattrExtentOff, path)
	}

	return nil
}
