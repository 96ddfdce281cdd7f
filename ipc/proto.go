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

package ipc

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/nestybox/phobos/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProtocolVersion tags every framed message. A peer speaking another
// version is a fatal protocol error for that connection.
const ProtocolVersion = 1

// Message kinds, LRS side.
const (
	KindPing          = "ping"
	KindPingResp      = "ping_resp"
	KindRead          = "read"
	KindReadResp      = "read_resp"
	KindWrite         = "write"
	KindWriteResp     = "write_resp"
	KindFormat        = "format"
	KindFormatResp    = "format_resp"
	KindRelease       = "release"
	KindReleaseResp   = "release_resp"
	KindNotify        = "notify"
	KindNotifyResp    = "notify_resp"
	KindMonitor       = "monitor"
	KindMonitorResp   = "monitor_resp"
	KindConfigure     = "configure"
	KindConfigureResp = "configure_resp"
	KindError         = "error"
)

// Message kinds, TLC side.
const (
	KindTlcPing            = "tlc_ping"
	KindTlcPingResp        = "tlc_ping_resp"
	KindTlcDriveLookup     = "tlc_drive_lookup"
	KindTlcDriveLookupResp = "tlc_drive_lookup_resp"
	KindTlcLoad            = "tlc_load"
	KindTlcLoadResp        = "tlc_load_resp"
	KindTlcUnload          = "tlc_unload"
	KindTlcUnloadResp      = "tlc_unload_resp"
	KindTlcStatus          = "tlc_status"
	KindTlcStatusResp      = "tlc_status_resp"
	KindTlcRefresh         = "tlc_refresh"
	KindTlcRefreshResp     = "tlc_refresh_resp"
)

// ReadOp selects what a read request wants from its media.
type ReadOp string

const (
	ReadOpRead  ReadOp = "read"
	ReadOpGetMD ReadOp = "get_md"
)

// NotifyOp enumerates the resource-change notifications a client may send.
type NotifyOp string

const (
	NotifyDeviceAdd    NotifyOp = "device_add"
	NotifyDeviceLock   NotifyOp = "device_lock"
	NotifyDeviceUnlock NotifyOp = "device_unlock"
	NotifyMediumUpdate NotifyOp = "medium_update"

	// NotifyAddDevice is the historical spelling of device_add, still
	// accepted on the wire.
	NotifyAddDevice NotifyOp = "add_device"
)

// ConfigureOp selects get or set on a configure request.
type ConfigureOp string

const (
	ConfigureGet ConfigureOp = "get"
	ConfigureSet ConfigureOp = "set"
)

//
// LRS message bodies. Every body embeds the request id; responses echo it
// verbatim so clients can correlate. Optional fields are pointers or
// omitempty so their absence stays explicit on the wire.
//

type Ping struct {
	ID string `json:"id"`
}

type PingResp struct {
	ID string `json:"id"`
}

type Read struct {
	ID            string            `json:"id"`
	RequiredMedia []domain.MediumID `json:"required_media"`
	Operation     ReadOp            `json:"operation"`
}

type MediumLocation struct {
	Medium   domain.MediumID `json:"medium_id"`
	RootPath string          `json:"root_path"`
	FsType   domain.FsType   `json:"fs_type"`
	AddrType domain.AddrType `json:"addr_type"`
}

type ReadResp struct {
	ID    string           `json:"id"`
	Media []MediumLocation `json:"media"`
}

type Write struct {
	ID       string                `json:"id"`
	Size     int64                 `json:"size"`
	Tags     []string              `json:"tags,omitempty"`
	Family   domain.ResourceFamily `json:"family"`
	CopyName *string               `json:"copy_name,omitempty"`
}

type WriteResp struct {
	ID       string          `json:"id"`
	Drive    string          `json:"drive"`
	Medium   domain.MediumID `json:"medium"`
	RootPath string          `json:"root_path"`
	FsType   domain.FsType   `json:"fs_type"`
	AddrType domain.AddrType `json:"addr_type"`
}

type Format struct {
	ID     string          `json:"id"`
	Medium domain.MediumID `json:"medium_id"`
	FsType domain.FsType   `json:"fs_type"`
	Unlock *bool           `json:"unlock,omitempty"`
	Force  *bool           `json:"force,omitempty"`
}

type FormatResp struct {
	ID     string          `json:"id"`
	Medium domain.MediumID `json:"medium_id"`
}

type ReleaseMedium struct {
	Medium      domain.MediumID `json:"medium_id"`
	SizeWritten int64           `json:"size_written"`
	NbExtents   int             `json:"n_extents"`
	ToSync      bool            `json:"to_sync"`
	Rc          int             `json:"rc"`
}

type Release struct {
	ID    string          `json:"id"`
	Media []ReleaseMedium `json:"media"`
}

type ReleaseResp struct {
	ID    string            `json:"id"`
	Media []domain.MediumID `json:"media,omitempty"`
}

type Notify struct {
	ID     string   `json:"id"`
	Op     NotifyOp `json:"op"`
	RsrcID string   `json:"rsrc_id"`
	Wait   *bool    `json:"wait,omitempty"`
}

type NotifyResp struct {
	ID string `json:"id"`
}

type Monitor struct {
	ID     string                `json:"id"`
	Family domain.ResourceFamily `json:"family"`
}

type MonitorResp struct {
	ID     string              `json:"id"`
	Status jsoniter.RawMessage `json:"status"`
}

type Configure struct {
	ID            string              `json:"id"`
	Op            ConfigureOp         `json:"op"`
	Configuration jsoniter.RawMessage `json:"configuration"`
}

type ConfigureResp struct {
	ID            string              `json:"id"`
	Configuration jsoniter.RawMessage `json:"configuration,omitempty"`
}

// Error is the uniform failure response. Rc is a negated POSIX errno.
type Error struct {
	ID      string `json:"id"`
	ReqKind string `json:"req_kind"`
	Rc      int    `json:"rc"`
	Message string `json:"message,omitempty"`
}

//
// TLC message bodies.
//

type TlcPing struct {
	ID string `json:"id"`
}

type TlcPingResp struct {
	ID          string `json:"id"`
	LibraryIsUp bool   `json:"library_is_up"`
}

type TlcDriveLookup struct {
	ID     string `json:"id"`
	Serial string `json:"serial"`
}

type TlcDriveLookupResp struct {
	ID                string `json:"id"`
	DriveAddress      uint16 `json:"drive_address"`
	FirstDriveAddress uint16 `json:"first_drive_address"`
	Loaded            bool   `json:"loaded"`
	LoadedLabel       string `json:"loaded_medium_label,omitempty"`
}

type TlcLoad struct {
	ID          string `json:"id"`
	DriveSerial string `json:"drive_serial"`
	TapeLabel   string `json:"tape_label"`
}

type TlcLoadResp struct {
	ID string `json:"id"`
}

type TlcUnload struct {
	ID            string  `json:"id"`
	DriveSerial   string  `json:"drive_serial"`
	ExpectedLabel *string `json:"expected_label,omitempty"`
}

type TlcUnloadResp struct {
	ID                 string `json:"id"`
	UnloadedLabel      string `json:"tape_label"`
	DestinationAddress uint16 `json:"destination_address"`
}

type TlcStatus struct {
	ID      string `json:"id"`
	Refresh *bool  `json:"refresh,omitempty"`
}

type TlcStatusResp struct {
	ID       string              `json:"id"`
	Elements jsoniter.RawMessage `json:"elements"`
}

type TlcRefresh struct {
	ID string `json:"id"`
}

type TlcRefreshResp struct {
	ID string `json:"id"`
}
