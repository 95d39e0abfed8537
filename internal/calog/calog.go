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

// Package calog provides the small leveled logger shared by the client and
// server engines. It deliberately stays a thin wrapper around the standard
// log.Logger: the wire engines log on hot paths (every decoded frame, every
// dispatcher tick) and a heavier logging library would make Debug-gated
// calls expensive even when tracing is off.
package calog

import (
	"fmt"
	"log"
	"os"
)

// Debug gates Debugln/Debugf. It is set once at process start from the
// CA_DEBUG environment variable; nothing in the engine mutates it at
// runtime.
var Debug = os.Getenv("CA_DEBUG") != ""

// SetDebug overrides the CA_DEBUG-derived default, for callers (such as a
// -debug CLI flag) that want to enable tracing programmatically.
func SetDebug(enabled bool) {
	Debug = enabled
}

var std = log.New(os.Stderr, "CA: ", log.Ltime|log.Lmicroseconds)

func Debugln(vals ...interface{}) {
	if Debug {
		std.Output(2, "DEBUG: "+fmt.Sprintln(vals...))
	}
}

func Debugf(format string, vals ...interface{}) {
	if Debug {
		std.Output(2, "DEBUG: "+fmt.Sprintf(format, vals...))
	}
}

func Infoln(vals ...interface{}) {
	std.Output(2, "INFO: "+fmt.Sprintln(vals...))
}

func Infof(format string, vals ...interface{}) {
	std.Output(2, "INFO: "+fmt.Sprintf(format, vals...))
}

func Warnln(vals ...interface{}) {
	std.Output(2, "WARN: "+fmt.Sprintln(vals...))
}

func Warnf(format string, vals ...interface{}) {
	std.Output(2, "WARN: "+fmt.Sprintf(format, vals...))
}
