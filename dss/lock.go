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
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/nestybox/phobos/domain"
)

// Ensure the lock service satisfies the domain contract.
var _ domain.LockServiceIface = (*lockService)(nil)

// lockService persists exclusive (type, id) locks inside the catalog
// store. A lock row is inserted or the transaction fails; there is no TTL,
// stale locks are reclaimed by hostname at daemon startup.
type lockService struct {
	db *bolt.DB
}

func lockKey(t domain.LockType, id string) []byte {
	return []byte(string(t) + "/" + id)
}

func (ls *lockService) Acquire(t domain.LockType, id, hostname string,
	owner int) error {

	return ls.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		key := lockKey(t, id)

		if raw := b.Get(key); raw != nil {
			var holder domain.Lock
			if err := json.Unmarshal(raw, &holder); err != nil {
				return err
			}
			// Re-acquisition by the same owner refreshes the timestamp.
			if holder.Hostname == hostname && holder.OwnerPid == owner {
				holder.Timestamp = time.Now()
				raw, err := json.Marshal(&holder)
				if err != nil {
					return err
				}
				return b.Put(key, raw)
			}
			return &domain.LockConflictError{Holder: holder}
		}

		raw, err := json.Marshal(&domain.Lock{
			Type:      t,
			ID:        id,
			Hostname:  hostname,
			OwnerPid:  owner,
			Timestamp: time.Now(),
		})
		if err != nil {
			return err
		}

		return b.Put(key, raw)
	})
}

func (ls *lockService) Refresh(t domain.LockType, id, hostname string,
	owner int) error {

	return ls.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		key := lockKey(t, id)

		raw := b.Get(key)
		if raw == nil {
			return domain.ErrNoEnt
		}

		var holder domain.Lock
		if err := json.Unmarshal(raw, &holder); err != nil {
			return err
		}
		if holder.Hostname != hostname || holder.OwnerPid != owner {
			return &domain.LockConflictError{Holder: holder}
		}

		holder.Timestamp = time.Now()
		out, err := json.Marshal(&holder)
		if err != nil {
			return err
		}

		return b.Put(key, out)
	})
}

func (ls *lockService) Release(t domain.LockType, id, hostname string,
	owner int, force bool) error {

	return ls.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		key := lockKey(t, id)

		raw := b.Get(key)
		if raw == nil {
			return domain.ErrNoEnt
		}

		var holder domain.Lock
		if err := json.Unmarshal(raw, &holder); err != nil {
			return err
		}

		if !force &&
			(holder.Hostname != hostname || holder.OwnerPid != owner) {
			return &domain.LockConflictError{Holder: holder}
		}

		return b.Delete(key)
	})
}

func (ls *lockService) Lookup(t domain.LockType, id string) (*domain.Lock, error) {

	var holder domain.Lock

	err := ls.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLocks).Get(lockKey(t, id))
		if raw == nil {
			return domain.ErrNoEnt
		}
		return json.Unmarshal(raw, &holder)
	})
	if err != nil {
		return nil, err
	}

	return &holder, nil
}

// CleanAll wipes every lock. Administrative; the CLI refuses to issue it
// unless both the global and force flags are given and no local daemon is
// running.
func (ls *lockService) CleanAll() error {

	return ls.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketLocks); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketLocks)
		return err
	})
}

// CleanSelective removes locks matching the filter; any omitted field
// matches all. Daemons call it at startup with their own hostname to
// reclaim locks left over by a crash.
func (ls *lockService) CleanSelective(filter domain.LockCleanFilter) (int, error) {

	removed := 0

	err := ls.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)

		var victims [][]byte
		err := b.ForEach(func(k, raw []byte) error {
			var l domain.Lock
			if err := json.Unmarshal(raw, &l); err != nil {
				return err
			}
			if !lockMatches(&l, filter) {
				return nil
			}
			victims = append(victims, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range victims {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(victims)

		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		logrus.Infof("Cleaned %v stale lock(s) (hostname=%q type=%q)",
			removed, filter.Hostname, filter.Type)
	}

	return removed, nil
}

func lockMatches(l *domain.Lock, filter domain.LockCleanFilter) bool {

	if filter.Hostname != "" && l.Hostname != filter.Hostname {
		return false
	}
	if filter.Type != "" && l.Type != filter.Type {
		return false
	}
	if filter.Family != "" &&
		!strings.HasPrefix(l.ID, string(filter.Family)+":") {
		return false
	}
	if len(filter.IDs) > 0 {
		found := false
		for _, id := range filter.IDs {
			if l.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
