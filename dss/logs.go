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
	"encoding/binary"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/nestybox/phobos/domain"
)

// Ensure the log service satisfies the domain contract.
var _ domain.LogServiceIface = (*logService)(nil)

// logService is the out-of-band log channel: adapter and SCSI operations
// are journaled here, sequence-keyed, for later dump/clear by the admin
// CLI.
type logService struct {
	db *bolt.DB
}

func (ls *logService) Emit(rec domain.LogRecord) {

	err := ls.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		raw, err := json.Marshal(&rec)
		if err != nil {
			return err
		}

		return b.Put(key, raw)
	})
	if err != nil {
		// The journal is best-effort; the operation outcome itself is
		// reported through the regular return path.
		logrus.Warnf("Failed to journal %v operation: %v", rec.Op, err)
	}
}

func (ls *logService) Dump(filter *domain.Filter) ([]domain.LogRecord, error) {

	var out []domain.LogRecord

	err := ls.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLogs).ForEach(func(k, raw []byte) error {
			ok, err := matchRecord(filter, raw)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			var rec domain.LogRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (ls *logService) Clear(filter *domain.Filter) error {

	return ls.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)

		var victims [][]byte
		err := b.ForEach(func(k, raw []byte) error {
			ok, err := matchRecord(filter, raw)
			if err != nil {
				return err
			}
			if ok {
				victims = append(victims, append([]byte(nil), k...))
			}
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

		return nil
	})
}
