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

// Command cags is a thin caget/camonitor/caput demo launcher for
// internal/caclient. It exists to exercise the client engine from the
// command line, not as a replacement for a real EPICS toolset.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/urfave/cli"

	"github.com/vstadnytskyi/EPICS-CA/internal/caclient"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

func main() {
	app := cli.NewApp()
	app.Name = "cags"
	app.Usage = "Channel Access demo client (get/put/monitor)"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.DurationFlag{Name: "timeout", Value: 2 * time.Second, Usage: "per-operation timeout"},
	}
	app.Commands = []cli.Command{
		{
			Name:      "get",
			Usage:     "read a PV's current value",
			ArgsUsage: "PVNAME",
			Action:    cmdGet,
		},
		{
			Name:      "put",
			Usage:     "write a PV's value and wait for confirmation",
			ArgsUsage: "PVNAME VALUE",
			Action:    cmdPut,
		},
		{
			Name:      "monitor",
			Usage:     "print every update to a PV until interrupted",
			ArgsUsage: "PVNAME",
			Action:    cmdMonitor,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cmdGet(ctx *cli.Context) error {
	name := ctx.Args().First()
	if name == "" {
		return cli.NewExitError("usage: cags get PVNAME", 1)
	}
	c := caclient.New(caclient.DefaultOptions())
	defer c.Close()

	v, ok := c.Get(name, globalTimeout(ctx))
	if !ok {
		return cli.NewExitError(fmt.Sprintf("cags: %s: timed out", name), 1)
	}
	fmt.Printf("%s %s\n", name, v.String())
	return nil
}

func cmdPut(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) < 2 {
		return cli.NewExitError("usage: cags put PVNAME VALUE", 1)
	}
	name, raw := args[0], args[1]
	c := caclient.New(caclient.DefaultOptions())
	defer c.Close()

	if !c.Put(name, parseValue(raw), true, globalTimeout(ctx)) {
		return cli.NewExitError(fmt.Sprintf("cags: %s: write not confirmed", name), 1)
	}
	fmt.Printf("%s %s\n", name, raw)
	return nil
}

func cmdMonitor(ctx *cli.Context) error {
	name := ctx.Args().First()
	if name == "" {
		return cli.NewExitError("usage: cags monitor PVNAME", 1)
	}
	c := caclient.New(caclient.DefaultOptions())
	defer c.Close()

	sub := c.Monitor(name, func(name string, value catypes.Value, text string, timestamp time.Time) {
		fmt.Printf("%s %s %s\n", timestamp.Format(time.RFC3339Nano), name, text)
	})
	defer c.MonitorClear(sub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh
	return nil
}

func globalTimeout(ctx *cli.Context) time.Duration {
	if p := ctx.Parent(); p != nil {
		if d := p.Duration("timeout"); d > 0 {
			return d
		}
	}
	return ctx.Duration("timeout")
}

// parseValue guesses a native Go type for a command-line string: integer,
// float, then falls back to the raw string.
func parseValue(raw string) catypes.Value {
	if i, err := strconv.ParseInt(raw, 10, 32); err == nil {
		return catypes.Of(int32(i))
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return catypes.Of(f)
	}
	return catypes.Of(raw)
}
