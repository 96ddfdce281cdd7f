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
	"strings"

	"github.com/pkg/errors"
)

// ParseMediumID parses the "family:library:label" form used on the wire
// and in lock ids.
func ParseMediumID(s string) (MediumID, error) {

	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return MediumID{}, errors.Wrapf(ErrInval, "malformed medium id %q", s)
	}

	family, err := ParseFamily(parts[0])
	if err != nil {
		return MediumID{}, err
	}

	return MediumID{Family: family, Library: parts[1], Label: parts[2]}, nil
}

// ParseDeviceID parses the "family:library:serial" form.
func ParseDeviceID(s string) (DeviceID, error) {

	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return DeviceID{}, errors.Wrapf(ErrInval, "malformed device id %q", s)
	}

	family, err := ParseFamily(parts[0])
	if err != nil {
		return DeviceID{}, err
	}

	return DeviceID{Family: family, Library: parts[1], Serial: parts[2]}, nil
}
