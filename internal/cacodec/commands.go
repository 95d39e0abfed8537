// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

// Package cacodec implements the Channel Access wire codec: the 16-byte
// header, 8-byte frame padding, and the 35-type value encoder/decoder of
// spec.md §4.1.
package cacodec

import "fmt"

// Command codes, spec.md §4.1.
const (
	CmdVersion       uint16 = 0
	CmdEventAdd      uint16 = 1
	CmdEventCancel   uint16 = 2
	CmdRead          uint16 = 3
	CmdWrite         uint16 = 4
	CmdSearch        uint16 = 6
	CmdClearChannel  uint16 = 12
	CmdNotFound      uint16 = 14
	CmdReadNotify    uint16 = 15
	CmdCreateChan    uint16 = 18
	CmdWriteNotify   uint16 = 19
	CmdClientName    uint16 = 20
	CmdHostName      uint16 = 21
	CmdAccessRights  uint16 = 22
	CmdEcho          uint16 = 23
	CmdCreateChFail  uint16 = 26
	CmdServerDisconn uint16 = 27
)

var commandNames = map[uint16]string{
	CmdVersion:       "VERSION",
	CmdEventAdd:      "EVENT_ADD",
	CmdEventCancel:   "EVENT_CANCEL",
	CmdRead:          "READ",
	CmdWrite:         "WRITE",
	CmdSearch:        "SEARCH",
	CmdClearChannel:  "CLEAR_CHANNEL",
	CmdNotFound:      "NOT_FOUND",
	CmdReadNotify:    "READ_NOTIFY",
	CmdCreateChan:    "CREATE_CHAN",
	CmdWriteNotify:   "WRITE_NOTIFY",
	CmdClientName:    "CLIENT_NAME",
	CmdHostName:      "HOST_NAME",
	CmdAccessRights:  "ACCESS_RIGHTS",
	CmdEcho:          "ECHO",
	CmdCreateChFail:  "CREATE_CH_FAIL",
	CmdServerDisconn: "SERVER_DISCONN",
}

// CommandName renders a command code for logs; unknown codes render
// numerically rather than panicking, matching the codec's general
// "never fail on unrecognized input" posture (spec.md §4.1 decoder
// tolerance, §7 protocol error handling).
func CommandName(code uint16) string {
	if name, ok := commandNames[code]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", code)
}

// Monitor mask bits (spec.md §4.3).
const (
	MonitorValue = 1 << 0
	MonitorLog   = 1 << 1
	MonitorAlarm = 1 << 2
	MonitorMask  = MonitorValue | MonitorLog | MonitorAlarm
)

// SEARCH reply_flag values (spec.md §4.2).
const (
	SearchNoReplyOnFail = 5
	SearchReplyOnFail   = 10
)

// Default CA ports (spec.md §6).
const (
	DefaultPort = 5064
)
