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

// Command caserver is a thin demo launcher for internal/caserver: it
// registers a handful of counter and sine-wave PVs and serves them until
// interrupted. It exists to exercise the engine end to end, not as a
// deployable IOC.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/vstadnytskyi/EPICS-CA/internal/calog"
	"github.com/vstadnytskyi/EPICS-CA/internal/caserver"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

func init() {
	maxprocs.Set()
}

func main() {
	app := cli.NewApp()
	app.Name = "caserver"
	app.Usage = "Channel Access demo server"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "port", Value: 5064, Usage: "UDP/TCP port to bind"},
		cli.DurationFlag{Name: "sweep", Value: time.Second, Usage: "change-detection sweep interval"},
		cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.Bool("debug") {
		calog.SetDebug(true)
	}

	opts := caserver.DefaultOptions()
	opts.Port = ctx.Int("port")
	opts.SweepInterval = ctx.Duration("sweep")

	s := caserver.New(opts)
	seedDemoPVs(s)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		calog.Infoln("caserver: shutting down")
		cancel()
	}()

	calog.Infof("caserver: serving demo PVs on port %d", opts.Port)
	return s.ListenAndServe(rootCtx)
}

// seedDemoPVs registers a counter that increments once a second and a
// sine-wave PV driven by a background goroutine, plus a writable setpoint.
func seedDemoPVs(s *caserver.Server) {
	var counter int64
	s.RegisterProperty("DEMO:COUNTER", func() catypes.Value {
		return catypes.Of(int32(atomic.LoadInt64(&counter)))
	}, nil)

	var setpoint float64 = 10
	s.RegisterProperty("DEMO:SETPOINT", func() catypes.Value {
		return catypes.Of(setpoint)
	}, func(v catypes.Value) error {
		f, ok := v.Native.(float64)
		if !ok {
			return fmt.Errorf("caserver: DEMO:SETPOINT wants a float, got %T", v.Native)
		}
		setpoint = f
		return nil
	})

	go func() {
		t0 := time.Now()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			atomic.AddInt64(&counter, 1)
			elapsed := time.Since(t0).Seconds()
			s.Put("DEMO:SINE", catypes.Of(math.Sin(elapsed/5)*setpoint), false)
		}
	}()
}
