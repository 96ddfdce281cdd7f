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

	jsoniter "github.com/json-iterator/go"

	"github.com/nestybox/phobos/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SCSI status codes (masked).
const (
	statusGood          = 0x00
	statusCheckCond     = 0x01
	statusBusy          = 0x04
	statusResvConflict  = 0x0c
	statusTaskSetFull   = 0x14
	statusCondGood      = 0x02
	statusIntermGood    = 0x08
	statusIntermCondMet = 0x0a
)

// Sense keys.
const (
	senseNoSense        = 0x0
	senseRecoveredError = 0x1
	senseNotReady       = 0x2
	senseMediumError    = 0x3
	senseHardwareError  = 0x4
	senseIllegalRequest = 0x5
	senseUnitAttention  = 0x6
	senseAbortedCommand = 0xb
)

// errorClass tells the retry loop how to treat a failed attempt.
type errorClass int

const (
	classFatal errorClass = iota
	classRetryShort
	classRetryLong
)

// Error is the tagged failure returned by every changer primitive. The
// JSON() payload is the diagnostic blob journaled with the operation.
type Error struct {
	Kind     string `json:"kind"`
	Op       string `json:"op"`
	SenseKey byte   `json:"scsi_sense_key,omitempty"`
	ASC      byte   `json:"scsi_asc,omitempty"`
	ASCQ     byte   `json:"scsi_ascq,omitempty"`
	Retried  bool   `json:"retried,omitempty"`
	Message  string `json:"message,omitempty"`

	class errorClass
	cause error
}

func (e *Error) Error() string {
	if e.SenseKey != 0 || e.ASC != 0 {
		return fmt.Sprintf("%s: %s (sense key %#x asc %#x ascq %#x)",
			e.Op, e.Kind, e.SenseKey, e.ASC, e.ASCQ)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}

	switch e.class {
	case classRetryShort:
		return domain.ErrAgain
	case classRetryLong:
		return domain.ErrBusy
	}

	switch e.Kind {
	case "illegal_request":
		return domain.ErrInval
	default:
		return domain.ErrIO
	}
}

// JSON renders the diagnostic blob attached to error payloads and log
// records.
func (e *Error) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		return `{"kind":"diagnostic_marshal_failed"}`
	}

	return string(b)
}

// classifyExec turns one SG_IO completion into nil (success) or a tagged
// Error carrying the retry class.
func classifyExec(op string, st *ExecStatus) *Error {

	switch st.MaskedStatus {
	case statusGood, statusCondGood, statusIntermGood, statusIntermCondMet:
		if st.HostStatus == 0 && st.DriverStatus&0x0f == 0 {
			return nil
		}
		return &Error{
			Kind:    "transport_error",
			Op:      op,
			Message: fmt.Sprintf("host %#x driver %#x", st.HostStatus, st.DriverStatus),
			class:   classRetryLong,
		}

	case statusBusy, statusTaskSetFull, statusResvConflict:
		return &Error{Kind: "device_busy", Op: op, class: classRetryLong}

	case statusCheckCond:
		return classifySense(op, st.Sense)

	default:
		return &Error{
			Kind:    "bad_status",
			Op:      op,
			Message: fmt.Sprintf("scsi status %#x", st.Status),
			class:   classFatal,
		}
	}
}

func classifySense(op string, sense []byte) *Error {

	e := &Error{Kind: "check_condition", Op: op, class: classFatal}

	if len(sense) >= 14 {
		// Fixed-format sense data: key in byte 2, ASC/ASCQ in 12/13.
		e.SenseKey = sense[2] & 0x0f
		e.ASC = sense[12]
		e.ASCQ = sense[13]
	}

	switch e.SenseKey {
	case senseNoSense, senseRecoveredError:
		return nil

	case senseUnitAttention, senseAbortedCommand:
		e.Kind = "unit_attention"
		e.class = classRetryShort

	case senseNotReady:
		e.Kind = "not_ready"
		e.class = classRetryLong

	case senseMediumError, senseHardwareError:
		e.Kind = "hardware_error"
		e.class = classFatal

	case senseIllegalRequest:
		e.Kind = "illegal_request"
		e.class = classFatal
	}

	return e
}
