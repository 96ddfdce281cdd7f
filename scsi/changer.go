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

package scsi

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/phobos/domain"
)

// Ensure the changer satisfies the domain contract.
var _ domain.ChangerIface = (*Changer)(nil)

// Options tunes one changer instance. Zero values fall back to the
// defaults.
type Options struct {
	Library string
	Retry   RetryPolicy

	// MaxElemStatus caps each READ ELEMENT STATUS window. 0 means
	// unlimited; the driver halves the window on failure down to a floor
	// of 1 so that libraries which refuse large windows still succeed.
	MaxElemStatus int

	// SepSnQuery works around libraries that refuse to return the drive
	// serial and the volume label in one request.
	SepSnQuery bool

	MoveTimeout  time.Duration
	QueryTimeout time.Duration

	Logs domain.LogServiceIface
}

// Changer drives one SCSI media-changer through four primitives, each
// wrapped in the retry loop of the retry policy.
type Changer struct {
	dev  SgDeviceIface
	opts Options
}

func NewChanger(dev SgDeviceIface, opts Options) *Changer {

	if opts.Retry.Count == 0 && opts.Retry.Short == 0 {
		opts.Retry = DefaultRetryPolicy
	}
	if opts.MoveTimeout == 0 {
		opts.MoveTimeout = 5 * time.Minute
	}
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = 1 * time.Minute
	}

	return &Changer{dev: dev, opts: opts}
}

func (c *Changer) Close() error {
	return c.dev.Close()
}

func (c *Changer) journal(op string, start time.Time, scErr *Error) {
	if c.opts.Logs == nil {
		return
	}

	rec := domain.LogRecord{
		Time:    start,
		Op:      op,
		Library: c.opts.Library,
		Elapsed: time.Since(start).Seconds(),
	}
	if scErr != nil {
		rec.Error = scErr.Error()
		rec.Message = scErr.JSON()
	}

	c.opts.Logs.Emit(rec)
}

// Inquiry is the liveness probe behind TLC PING. Never moves media.
func (c *Changer) Inquiry() error {

	start := time.Now()
	scErr := withRetry("inquiry", c.opts.Retry, func() *Error {
		data := make([]byte, 96)
		st, err := c.dev.Exec(inquiryCDB(byte(len(data))), data,
			DxferFromDev, c.opts.QueryTimeout)
		if err != nil {
			return &Error{Kind: "ioctl_error", Op: "inquiry",
				Message: err.Error(), cause: err}
		}
		return classifyExec("inquiry", st)
	})

	c.journal("inquiry", start, scErr)
	if scErr != nil {
		return scErr
	}

	return nil
}

// ModeSense reads the element address assignment page.
func (c *Changer) ModeSense() (map[domain.ElementKind]domain.ElementAddressAssignment, error) {

	var out map[domain.ElementKind]domain.ElementAddressAssignment

	start := time.Now()
	scErr := withRetry("mode_sense", c.opts.Retry, func() *Error {
		data := make([]byte, 0xff)
		st, err := c.dev.Exec(modeSenseCDB(byte(len(data))), data,
			DxferFromDev, c.opts.QueryTimeout)
		if err != nil {
			return &Error{Kind: "ioctl_error", Op: "mode_sense",
				Message: err.Error(), cause: err}
		}
		if e := classifyExec("mode_sense", st); e != nil {
			return e
		}

		parsed, perr := parseModeSense(data)
		if perr != nil {
			return perr.(*Error)
		}
		out = parsed

		return nil
	})

	c.journal("mode_sense", start, scErr)
	if scErr != nil {
		return nil, scErr
	}

	logrus.Debugf("Library geometry: arms=%v slots=%v impexp=%v drives=%v",
		out[domain.ElementArm].Count, out[domain.ElementSlot].Count,
		out[domain.ElementImpExp].Count, out[domain.ElementDrive].Count)

	return out, nil
}

// ElementStatus reads count element descriptors starting at firstAddress,
// splitting the window when the library refuses large requests.
func (c *Changer) ElementStatus(kind domain.ElementKind, firstAddress,
	count uint16, flags domain.ElementStatusFlags) ([]domain.ElementStatus, error) {

	out := make([]domain.ElementStatus, 0, count)

	window := int(count)
	if c.opts.MaxElemStatus > 0 && window > c.opts.MaxElemStatus {
		window = c.opts.MaxElemStatus
	}

	addr := int(firstAddress)
	remaining := int(count)

	for remaining > 0 {
		n := window
		if n > remaining {
			n = remaining
		}

		chunk, err := c.elementStatusOnce(kind, uint16(addr), uint16(n), flags)
		if err != nil {
			if window > 1 {
				// Library refused the window: halve and retry the same
				// position.
				window /= 2
				logrus.Warnf("element_status window rejected, halving to %v",
					window)
				continue
			}
			return nil, err
		}

		if len(chunk) != n {
			return nil, &Error{
				Kind: "short_element_count", Op: "element_status",
				Message: fmt.Sprintf("wanted %v elements, got %v", n,
					len(chunk)),
			}
		}

		out = append(out, chunk...)
		addr += n
		remaining -= n
	}

	if c.opts.SepSnQuery && kind == domain.ElementDrive && flags.GetLabel &&
		flags.GetDriveID {
		if err := c.mergeDriveSerials(firstAddress, count, out); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (c *Changer) elementStatusOnce(kind domain.ElementKind, first,
	count uint16, flags domain.ElementStatusFlags) ([]domain.ElementStatus, error) {

	// Under sep_sn_query the first pass asks for labels only; serials are
	// fetched by a dedicated second pass.
	if c.opts.SepSnQuery {
		flags.GetDriveID = false
	}

	var out []domain.ElementStatus

	start := time.Now()
	scErr := withRetry("element_status", c.opts.Retry, func() *Error {
		allocLen := 64 + int(count)*128
		if allocLen > 0xffffff {
			allocLen = 0xffffff
		}
		data := make([]byte, allocLen)

		st, err := c.dev.Exec(
			readElementStatusCDB(kind, first, count, flags, allocLen),
			data, DxferFromDev, c.opts.QueryTimeout)
		if err != nil {
			return &Error{Kind: "ioctl_error", Op: "element_status",
				Message: err.Error(), cause: err}
		}
		if e := classifyExec("element_status", st); e != nil {
			return e
		}

		parsed, perr := parseElementStatus(kind, data)
		if perr != nil {
			return perr.(*Error)
		}
		out = parsed

		return nil
	})

	c.journal("element_status", start, scErr)
	if scErr != nil {
		return nil, scErr
	}

	return out, nil
}

// mergeDriveSerials issues the second, serial-only ELEMENT STATUS pass and
// merges the device ids into the prior reply by address.
func (c *Changer) mergeDriveSerials(first, count uint16,
	prior []domain.ElementStatus) error {

	flags := domain.ElementStatusFlags{GetDriveID: true}

	var serials []domain.ElementStatus

	start := time.Now()
	scErr := withRetry("element_status_sn", c.opts.Retry, func() *Error {
		allocLen := 64 + int(count)*128
		data := make([]byte, allocLen)

		cdb := readElementStatusCDB(domain.ElementDrive, first, count,
			flags, allocLen)
		st, err := c.dev.Exec(cdb, data, DxferFromDev, c.opts.QueryTimeout)
		if err != nil {
			return &Error{Kind: "ioctl_error", Op: "element_status_sn",
				Message: err.Error(), cause: err}
		}
		if e := classifyExec("element_status_sn", st); e != nil {
			return e
		}

		parsed, perr := parseElementStatus(domain.ElementDrive, data)
		if perr != nil {
			return perr.(*Error)
		}
		serials = parsed

		return nil
	})

	c.journal("element_status_sn", start, scErr)
	if scErr != nil {
		return scErr
	}

	byAddr := make(map[uint16]string, len(serials))
	for _, s := range serials {
		byAddr[s.Address] = s.DeviceID
	}

	for i := range prior {
		if id, ok := byAddr[prior[i].Address]; ok && id != "" {
			prior[i].DeviceID = id
		}
	}

	return nil
}

// MoveMedium returns only when the library reports completion or a
// definitive error.
func (c *Changer) MoveMedium(armAddress, srcAddress, dstAddress uint16) error {

	logrus.Infof("Moving medium %#x -> %#x (arm %#x)", srcAddress,
		dstAddress, armAddress)

	start := time.Now()
	scErr := withRetry("move_medium", c.opts.Retry, func() *Error {
		st, err := c.dev.Exec(moveMediumCDB(armAddress, srcAddress,
			dstAddress), nil, DxferNone, c.opts.MoveTimeout)
		if err != nil {
			return &Error{Kind: "ioctl_error", Op: "move_medium",
				Message: err.Error(), cause: err}
		}
		return classifyExec("move_medium", st)
	})

	c.journal("move_medium", start, scErr)
	if scErr != nil {
		return scErr
	}

	return nil
}
