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
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SG_IO plumbing against the Linux sg driver. Only little-endian hosts are
// supported: the sg_io_hdr layout below matches the kernel ABI on amd64 and
// arm64, and all multi-byte SCSI fields are converted explicitly from the
// wire's big-endian order.

const sgIO = 0x2285

// Data transfer directions, as defined by scsi/sg.h.
type DataDirection int32

const (
	DxferNone    DataDirection = -1
	DxferToDev   DataDirection = -2
	DxferFromDev DataDirection = -3
)

const senseBufLen = 32

type sgIoHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         uintptr
	cmdp           uintptr
	sbp            uintptr
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         uintptr
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

// SgDeviceIface issues one raw SCSI command against an opened device node.
// The concrete implementation talks SG_IO; tests substitute a scripted
// device.
type SgDeviceIface interface {
	Exec(cdb []byte, data []byte, dir DataDirection,
		timeout time.Duration) (*ExecStatus, error)
	Close() error
}

// ExecStatus is the raw completion state of one SG_IO round trip. Each
// attempt gets a fresh sense buffer.
type ExecStatus struct {
	Status       uint8
	MaskedStatus uint8
	HostStatus   uint16
	DriverStatus uint16
	Sense        []byte
	Resid        int32
	Duration     time.Duration
}

type sgDevice struct {
	fd   int
	path string
}

// OpenDevice opens the media-changer device node for SG_IO traffic.
func OpenDevice(path string) (SgDeviceIface, error) {

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening changer device %s", path)
	}

	return &sgDevice{fd: fd, path: path}, nil
}

func (d *sgDevice) Exec(cdb []byte, data []byte, dir DataDirection,
	timeout time.Duration) (*ExecStatus, error) {

	sense := make([]byte, senseBufLen)

	hdr := sgIoHdr{
		interfaceID:    'S',
		dxferDirection: int32(dir),
		cmdLen:         uint8(len(cdb)),
		mxSbLen:        senseBufLen,
		timeout:        uint32(timeout / time.Millisecond),
		cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
		sbp:            uintptr(unsafe.Pointer(&sense[0])),
	}

	if len(data) > 0 {
		hdr.dxferLen = uint32(len(data))
		hdr.dxferp = uintptr(unsafe.Pointer(&data[0]))
	}

	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), sgIO,
			uintptr(unsafe.Pointer(&hdr)))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return nil, errors.Wrapf(errno, "SG_IO ioctl on %s", d.path)
		}
		break
	}

	st := &ExecStatus{
		Status:       hdr.status,
		MaskedStatus: hdr.maskedStatus,
		HostStatus:   hdr.hostStatus,
		DriverStatus: hdr.driverStatus,
		Sense:        sense[:hdr.sbLenWr],
		Resid:        hdr.resid,
		Duration:     time.Duration(hdr.duration) * time.Millisecond,
	}

	return st, nil
}

func (d *sgDevice) Close() error {
	return unix.Close(d.fd)
}
