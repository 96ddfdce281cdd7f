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
	"encoding/binary"
	"strings"

	"github.com/nestybox/phobos/domain"
)

// CDB construction and reply parsing per the T10 SMC specification. All
// multi-byte fields are big-endian on the wire.

const (
	opInquiry           = 0x12
	opModeSense6        = 0x1a
	opMoveMedium        = 0xa5
	opReadElementStatus = 0xb8

	// Element address assignment mode page.
	pageElementAddr    = 0x1d
	pageElementAddrLen = 0x12
)

// SMC element type codes.
const (
	typeAll             = 0x0
	typeMediumTransport = 0x1
	typeStorage         = 0x2
	typeImportExport    = 0x3
	typeDataTransfer    = 0x4
)

func kindToType(kind domain.ElementKind) byte {
	switch kind {
	case domain.ElementArm:
		return typeMediumTransport
	case domain.ElementSlot:
		return typeStorage
	case domain.ElementImpExp:
		return typeImportExport
	case domain.ElementDrive:
		return typeDataTransfer
	}

	return typeAll
}

func inquiryCDB(allocLen byte) []byte {
	return []byte{opInquiry, 0, 0, 0, allocLen, 0}
}

func modeSenseCDB(allocLen byte) []byte {
	// DBD set: no block descriptors wanted.
	return []byte{opModeSense6, 0x08, pageElementAddr, 0, allocLen, 0}
}

func moveMediumCDB(arm, src, dst uint16) []byte {
	cdb := make([]byte, 12)
	cdb[0] = opMoveMedium
	binary.BigEndian.PutUint16(cdb[2:4], arm)
	binary.BigEndian.PutUint16(cdb[4:6], src)
	binary.BigEndian.PutUint16(cdb[6:8], dst)

	return cdb
}

func readElementStatusCDB(kind domain.ElementKind, first, count uint16,
	flags domain.ElementStatusFlags, allocLen int) []byte {

	cdb := make([]byte, 12)
	cdb[0] = opReadElementStatus
	cdb[1] = kindToType(kind)
	if flags.GetLabel {
		cdb[1] |= 0x10 // VolTag
	}
	binary.BigEndian.PutUint16(cdb[2:4], first)
	binary.BigEndian.PutUint16(cdb[4:6], count)
	if flags.GetDriveID {
		cdb[6] |= 0x01 // DVCID
	}
	if !flags.AllowMotion {
		cdb[6] |= 0x02 // CurData: answer from cache, no motion
	}
	cdb[7] = byte(allocLen >> 16)
	cdb[8] = byte(allocLen >> 8)
	cdb[9] = byte(allocLen)

	return cdb
}

// parseModeSense decodes the element-address-assignment page, validating
// page code and length before converting the big-endian address windows.
func parseModeSense(data []byte) (map[domain.ElementKind]domain.ElementAddressAssignment, error) {

	if len(data) < 4 {
		return nil, &Error{Kind: "short_mode_reply", Op: "mode_sense"}
	}

	// Mode parameter header(6): data length, medium type, dev-specific,
	// block descriptor length.
	blockDescLen := int(data[3])
	page := data[4+blockDescLen:]

	if len(page) < 2+pageElementAddrLen {
		return nil, &Error{Kind: "short_mode_page", Op: "mode_sense"}
	}
	if page[0]&0x3f != pageElementAddr {
		return nil, &Error{Kind: "bad_page_code", Op: "mode_sense"}
	}
	if int(page[1]) < pageElementAddrLen {
		return nil, &Error{Kind: "bad_page_len", Op: "mode_sense"}
	}

	body := page[2:]
	out := map[domain.ElementKind]domain.ElementAddressAssignment{
		domain.ElementArm: {
			Kind:         domain.ElementArm,
			FirstAddress: binary.BigEndian.Uint16(body[0:2]),
			Count:        binary.BigEndian.Uint16(body[2:4]),
		},
		domain.ElementSlot: {
			Kind:         domain.ElementSlot,
			FirstAddress: binary.BigEndian.Uint16(body[4:6]),
			Count:        binary.BigEndian.Uint16(body[6:8]),
		},
		domain.ElementImpExp: {
			Kind:         domain.ElementImpExp,
			FirstAddress: binary.BigEndian.Uint16(body[8:10]),
			Count:        binary.BigEndian.Uint16(body[10:12]),
		},
		domain.ElementDrive: {
			Kind:         domain.ElementDrive,
			FirstAddress: binary.BigEndian.Uint16(body[12:14]),
			Count:        binary.BigEndian.Uint16(body[14:16]),
		},
	}

	return out, nil
}

// parseElementStatus decodes a READ ELEMENT STATUS reply into element
// descriptors.
func parseElementStatus(kind domain.ElementKind, data []byte) ([]domain.ElementStatus, error) {

	if len(data) < 8 {
		return nil, &Error{Kind: "short_status_reply", Op: "element_status"}
	}

	reportLen := int(data[5])<<16 | int(data[6])<<8 | int(data[7])
	body := data[8:]
	if reportLen < len(body) {
		body = body[:reportLen]
	}

	var out []domain.ElementStatus

	// The reply is a sequence of element status pages, each carrying
	// fixed-size descriptors.
	for len(body) >= 8 {
		pVolTag := body[1]&0x80 != 0
		descLen := int(binary.BigEndian.Uint16(body[2:4]))
		pageBytes := int(body[5])<<16 | int(body[6])<<8 | int(body[7])

		descs := body[8:]
		if pageBytes < len(descs) {
			descs = descs[:pageBytes]
		}
		body = body[8+len(descs):]

		if descLen < 12 {
			return nil, &Error{Kind: "bad_descriptor_len", Op: "element_status"}
		}

		for len(descs) >= descLen {
			d := descs[:descLen]
			descs = descs[descLen:]

			es := domain.ElementStatus{
				Kind:          kind,
				Address:       binary.BigEndian.Uint16(d[0:2]),
				Full:          d[2]&0x01 != 0,
				Except:        d[2]&0x04 != 0,
				Accessible:    d[2]&0x08 != 0,
				ExceptASC:     d[4],
				ExceptASCQ:    d[5],
				InvertedMedia: d[9]&0x40 != 0,
				SourceIsSet:   d[9]&0x80 != 0,
			}
			if es.SourceIsSet {
				es.SourceAddress = binary.BigEndian.Uint16(d[10:12])
			}

			off := 12
			if pVolTag && descLen >= off+36 {
				es.VolumeLabel = cleanLabel(d[off : off+36])
				off += 36
			}

			// Drive descriptors may carry a device identification
			// descriptor after the volume tags.
			if kind == domain.ElementDrive && descLen >= off+4 {
				idLen := int(d[off+3])
				if idLen > 0 && descLen >= off+4+idLen {
					es.DeviceID = strings.TrimRight(
						string(d[off+4:off+4+idLen]), " \x00")
				}
			}

			out = append(out, es)
		}
	}

	return out, nil
}

func cleanLabel(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
