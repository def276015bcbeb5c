// Pankha
// Copyright (C) 2025 Pankha, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command pankha runs the Pankha central server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/pankhahq/pankha"
	"github.com/pankhahq/pankha/lib/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("pankha", "Pankha central cooling control server.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the server.")
	configPath := start.Flag("config", "Path to the YAML configuration file.").
		Short('c').Default("/etc/pankha.yaml").String()
	debug := start.Flag("debug", "Enable debug logging.").Short('d').Bool()

	ver := app.Command("version", "Print the server version.")

	cmd, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	switch cmd {
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath, *debug))
	case ver.FullCommand():
		fmt.Println(pankha.Version)
		return nil
	}
	return nil
}

func onStart(configPath string, debug bool) error {
	cfg := &service.Config{}
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = service.ReadConfigFile(configPath)
		if err != nil {
			return trace.Wrap(err)
		}
	} else if !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	if debug {
		cfg.Log.Severity = "debug"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := service.New(ctx, *cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer srv.Close()
	return trace.Wrap(srv.Run(ctx))
}
