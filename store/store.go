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
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/ipc"
)

// Store drives whole-object operations through the LRS and records the
// results in the catalog. Objects are laid out as a single extent (raid1
// and friends are the layout encoders' business, out of scope here; the
// extent-addressing contract is what matters for import).
type Store struct {
	lrs *LrsClient
	dss domain.DssIface
}

const storeLayout = "r1"

func New(lrs *LrsClient, dss domain.DssIface) *Store {
	return &Store{lrs: lrs, dss: dss}
}

// Put stores data under oid on some medium of the family.
func (s *Store) Put(oid string, data io.Reader, size int64,
	family domain.ResourceFamily, tags []string,
	userMD map[string]string) error {

	if _, err := s.dss.ObjectGet(oid); err == nil {
		return errors.Wrapf(domain.ErrExist, "object %q already exists", oid)
	}

	alloc, err := s.lrs.Write(size, tags, family)
	if err != nil {
		return err
	}

	extentUUID := uuid.NewString()
	name := ExtentName(oid, 1, storeLayout, 1, 0, extentUUID)

	path, err := ExtentPath(alloc.RootPath, alloc.AddrType, name)
	if err != nil {
		return err
	}

	written, md5Hex, xxhHex, err := writeExtentFile(path, data)

	rc := 0
	if err != nil {
		rc = domain.RcOf(err)
	}

	relErr := s.lrs.Release([]ipc.ReleaseMedium{{
		Medium:      alloc.Medium,
		SizeWritten: written,
		NbExtents:   1,
		ToSync:      err == nil,
		Rc:          rc,
	}})

	if err != nil {
		return err
	}
	if relErr != nil {
		return relErr
	}

	xattrs := &ExtentXattrs{
		MD5:        md5Hex,
		UserMD:     userMD,
		ObjectSize: size,
		ExtentOff:  0,
	}
	if err := xattrs.Apply(path); err != nil {
		return err
	}

	obj := &domain.ObjectMeta{
		OID:     oid,
		UUID:    uuid.NewString(),
		Version: 1,
		UserMD:  userMD,
		Size:    written,
		Created: time.Now(),
	}
	if err := s.dss.ObjectSet(obj); err != nil {
		return err
	}

	return s.dss.ExtentSet(&domain.ExtentMeta{
		ObjectUUID: obj.UUID,
		ExtentUUID: extentUUID,
		Medium:     alloc.Medium,
		Address:    path,
		Offset:     0,
		Size:       written,
		Layout:     storeLayout,
		LayoutIdx:  0,
		HashMD5:    md5Hex,
		HashXXH64:  xxhHex,
	})
}

func writeExtentFile(path string, data io.Reader) (int64, string, string, error) {

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, "", "", errors.Wrapf(err, "creating extent directory for %s",
			path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return 0, "", "", errors.Wrapf(err, "creating extent %s", path)
	}
	defer f.Close()

	md5Sum := md5.New()
	xxhSum := xxhash.New64()

	written, err := io.Copy(io.MultiWriter(f, md5Sum, xxhSum), data)
	if err != nil {
		return written, "", "", errors.Wrapf(err, "writing extent %s", path)
	}

	return written,
		hex.EncodeToString(md5Sum.Sum(nil)),
		hex.EncodeToString(xxhSum.Sum(nil)),
		nil
}

// Get streams the object's bytes into w.
func (s *Store) Get(oid string, w io.Writer) error {

	extents, err := s.dss.ExtentList(oid)
	if err != nil {
		return err
	}
	if len(extents) == 0 {
		return errors.Wrapf(domain.ErrNoEnt, "object %q has no extents", oid)
	}

	var media []domain.MediumID
	for _, e := range extents {
		media = append(media, e.Medium)
	}

	resp, err := s.lrs.Read(media, ipc.ReadOpRead)
	if err != nil {
		return err
	}

	readErr := copyExtents(extents, w)

	var release []ipc.ReleaseMedium
	for _, loc := range resp.Media {
		release = append(release, ipc.ReleaseMedium{Medium: loc.Medium})
	}
	if err := s.lrs.Release(release); err != nil && readErr == nil {
		readErr = err
	}

	return readErr
}

func copyExtents(extents []*domain.ExtentMeta, w io.Writer) error {

	for _, e := range extents {
		f, err := os.Open(e.Address)
		if err != nil {
			return errors.Wrapf(err, "opening extent %s", e.Address)
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return errors.Wrapf(err, "reading extent %s", e.Address)
		}
	}

	return nil
}

// GetMD returns the object metadata without touching any medium.
func (s *Store) GetMD(oid string) (*domain.ObjectMeta, error) {
	return s.dss.ObjectGet(oid)
}

// Delete removes the object from the catalog. Extent bytes on tape are
// reclaimed by a later repack, not here.
func (s *Store) Delete(oid string) error {
	return s.dss.ObjectDel(oid)
}

// List returns the objects matching an optional filter.
func (s *Store) List(filter *domain.Filter) ([]*domain.ObjectMeta, error) {
	return s.dss.ObjectList(filter)
}
