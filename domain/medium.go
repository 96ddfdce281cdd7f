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
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// MediumID uniquely identifies a medium across the fleet.
type MediumID struct {
	Family  ResourceFamily `json:"family"`
	Label   string         `json:"label"`
	Library string         `json:"library"`
}

func (id MediumID) String() string {
	return fmt.Sprintf("%s:%s:%s", id.Family, id.Library, id.Label)
}

// MediumStats carries the usage counters persisted with each medium.
type MediumStats struct {
	BytesUsed   int64     `json:"bytes_used"`
	BytesFree   int64     `json:"bytes_free"`
	ObjectCount int64     `json:"object_count"`
	LoadCount   int64     `json:"load_count"`
	ErrorCount  int64     `json:"error_count"`
	LastLoad    time.Time `json:"last_load"`
}

// Medium is the catalog view of a piece of removable (or pooled) storage.
//
// A medium may be mounted in at most one drive at any instant across the
// whole fleet; the combination of the TLC's single-library ownership and the
// DSS media lock enforces this.
type Medium struct {
	ID        MediumID    `json:"id"`
	AdmStatus AdmStatus   `json:"adm_status"`
	FsStatus  FsStatus    `json:"fs_status"`
	FsType    FsType      `json:"fs_type"`
	AddrType  AddrType    `json:"addr_type"`
	Stats     MediumStats `json:"stats"`
	Tags      []string    `json:"tags,omitempty"`

	// Host currently holding the media lock, empty when unlocked.
	LockHostname string `json:"lock_hostname,omitempty"`
}

// TagSet returns the medium tags as a set for subset admission checks.
func (m *Medium) TagSet() mapset.Set[string] {
	return mapset.NewSet(m.Tags...)
}

// HasTags reports whether every requested tag is present on the medium.
func (m *Medium) HasTags(tags []string) bool {
	return mapset.NewSet(tags...).IsSubset(m.TagSet())
}

// Writable reports whether write traffic may be admitted on the medium.
func (m *Medium) Writable() bool {
	return m.AdmStatus == AdmStatusUnlocked &&
		(m.FsStatus == FsStatusEmpty || m.FsStatus == FsStatusUsed)
}
