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

package dss

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/nestybox/phobos/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bucket names of the catalog store.
var (
	bucketMedia   = []byte("media")
	bucketDevices = []byte("devices")
	bucketObjects = []byte("objects")
	bucketExtents = []byte("extents")
	bucketLocks   = []byte("locks")
	bucketLogs    = []byte("logs")
)

// Ensure the store satisfies the domain contract.
var _ domain.DssIface = (*Store)(nil)

// Store is the catalog adapter. It backs the DSS contract with a
// transactional bolt store; the lock service piggybacks on the same
// transactions for its insert-or-fail semantics.
type Store struct {
	db    *bolt.DB
	locks *lockService
	logs  *logService
}

// Open opens (or creates) the catalog store at path.
func Open(path string) (*Store, error) {

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening catalog store %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMedia, bucketDevices,
			bucketObjects, bucketExtents, bucketLocks, bucketLogs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing catalog buckets")
	}

	s := &Store{db: db}
	s.locks = &lockService{db: db}
	s.logs = &logService{db: db}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Locks() domain.LockServiceIface {
	return s.locks
}

func (s *Store) Logs() domain.LogServiceIface {
	return s.logs
}

func (s *Store) put(bucket []byte, key string, v interface{}) error {

	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling catalog record")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), raw)
	})
}

func (s *Store) get(bucket []byte, key string, v interface{}) error {

	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return domain.ErrNoEnt
		}
		return json.Unmarshal(raw, v)
	})
}

func (s *Store) del(bucket []byte, key string) error {

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucket).Get([]byte(key)) == nil {
			return domain.ErrNoEnt
		}
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

//
// Media table.
//

func (s *Store) MediumGet(id domain.MediumID) (*domain.Medium, error) {

	var m domain.Medium
	if err := s.get(bucketMedia, id.String(), &m); err != nil {
		return nil, err
	}

	return &m, nil
}

func (s *Store) MediumSet(m *domain.Medium) error {
	return s.put(bucketMedia, m.ID.String(), m)
}

func (s *Store) MediumDel(id domain.MediumID) error {
	return s.del(bucketMedia, id.String())
}

func (s *Store) MediumList(family domain.ResourceFamily,
	filter *domain.Filter) ([]*domain.Medium, error) {

	var out []*domain.Medium

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMedia).ForEach(func(k, raw []byte) error {
			var m domain.Medium
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			if family != "" && m.ID.Family != family {
				return nil
			}
			ok, err := matchRecord(filter, raw)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, &m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

//
// Device table.
//

func (s *Store) DeviceGet(id domain.DeviceID) (*domain.Device, error) {

	var d domain.Device
	if err := s.get(bucketDevices, id.String(), &d); err != nil {
		return nil, err
	}

	return &d, nil
}

func (s *Store) DeviceSet(d *domain.Device) error {
	return s.put(bucketDevices, d.ID.String(), d)
}

func (s *Store) DeviceDel(id domain.DeviceID) error {
	return s.del(bucketDevices, id.String())
}

func (s *Store) DeviceList(family domain.ResourceFamily,
	filter *domain.Filter) ([]*domain.Device, error) {

	var out []*domain.Device

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, raw []byte) error {
			var d domain.Device
			if err := json.Unmarshal(raw, &d); err != nil {
				return err
			}
			if family != "" && d.ID.Family != family {
				return nil
			}
			ok, err := matchRecord(filter, raw)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, &d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

//
// Object/extent tables.
//

func (s *Store) ObjectGet(oid string) (*domain.ObjectMeta, error) {

	var o domain.ObjectMeta
	if err := s.get(bucketObjects, oid, &o); err != nil {
		return nil, err
	}

	return &o, nil
}

func (s *Store) ObjectSet(o *domain.ObjectMeta) error {
	return s.put(bucketObjects, o.OID, o)
}

func (s *Store) ObjectDel(oid string) error {
	return s.del(bucketObjects, oid)
}

func (s *Store) ObjectList(filter *domain.Filter) ([]*domain.ObjectMeta, error) {

	var out []*domain.ObjectMeta

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(k, raw []byte) error {
			var o domain.ObjectMeta
			if err := json.Unmarshal(raw, &o); err != nil {
				return err
			}
			ok, err := matchRecord(filter, raw)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, &o)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Store) ExtentSet(e *domain.ExtentMeta) error {
	return s.put(bucketExtents, e.ObjectUUID+"/"+e.ExtentUUID, e)
}

func (s *Store) ExtentList(oid string) ([]*domain.ExtentMeta, error) {

	obj, err := s.ObjectGet(oid)
	if err != nil {
		return nil, err
	}

	var out []*domain.ExtentMeta

	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExtents).Cursor()
		prefix := []byte(obj.UUID + "/")
		for k, raw := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, raw = c.Next() {
			var e domain.ExtentMeta
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}

	return true
}
