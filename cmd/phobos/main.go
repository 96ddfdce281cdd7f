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

package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nestybox/phobos/config"
	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/dss"
	"github.com/nestybox/phobos/lrs"
	"github.com/nestybox/phobos/store"
)

const usage = `phobos object store administration

phobos drives the phobosd and phobos-tlc daemons: device and media
management, object put/get, lock administration and library inspection.
`

func main() {

	app := cli.NewApp()
	app.Name = "phobos"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration file path (defaults to $PHOBOS_CFG_FILE)",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug output in logs",
		},
	}

	app.Before = func(ctx *cli.Context) error {
		if ctx.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}

	app.Commands = []cli.Command{
		deviceCommand,
		driveCommand,
		mediaCommand(domain.FamilyTape, "tape"),
		mediaCommand(domain.FamilyDir, "dir"),
		objectCommand,
		extentCommand,
		lockCommand,
		logsCommand,
		libCommand,
		pingCommand,
	}

	// Exit-coded errors are handled inside Run; anything else still maps
	// to the errno contract.
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "phobos: %v\n", err)
		os.Exit(domain.ExitCode(err))
	}
}

// fail turns an internal error into the CLI contract: one human line on
// stderr, the negated errno (capped) as exit code.
func fail(err error) error {
	return cli.NewExitError(fmt.Sprintf("phobos: %v", err),
		domain.ExitCode(err))
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	return config.Load(ctx.GlobalString("config"))
}

func openStore(cfg *config.Config) (*dss.Store, error) {
	return dss.Open(cfg.GetString(config.SectionDss, "path",
		"/var/lib/phobos/dss.db"))
}

func dialLrs(cfg *config.Config) (*store.LrsClient, error) {
	return store.DialLrs(cfg.GetString(config.SectionLrs, "server_socket",
		"/run/phobosd/phobosd.sock"))
}

func dialTlc(cfg *config.Config, library string) (domain.TlcClientIface, error) {

	if library == "" {
		library = cfg.GetString(config.SectionLrs, "default_tape_library",
			"legacy")
	}

	section := config.TlcSection(library)
	addr := fmt.Sprintf("%s:%d",
		cfg.GetString(section, "hostname",
			cfg.GetString(config.SectionTlc, "hostname", "localhost")),
		cfg.GetInt(section, "port",
			cfg.GetInt(config.SectionTlc, "port", 20123)))

	return lrs.DialTlc(addr, 0)
}

var pingCommand = cli.Command{
	Name:  "ping",
	Usage: "check that a phobos daemon is serving",
	Subcommands: []cli.Command{
		{
			Name:  "lrs",
			Usage: "ping the local resource scheduler",
			Action: func(ctx *cli.Context) error {
				cfg, err := loadConfig(ctx)
				if err != nil {
					return fail(err)
				}
				client, err := dialLrs(cfg)
				if err != nil {
					return fail(err)
				}
				defer client.Close()

				if err := client.Ping(); err != nil {
					return fail(err)
				}
				fmt.Println("phobosd is up")
				return nil
			},
		},
		{
			Name:  "tlc",
			Usage: "ping the tape library controller",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "library", Usage: "library name"},
			},
			Action: func(ctx *cli.Context) error {
				cfg, err := loadConfig(ctx)
				if err != nil {
					return fail(err)
				}
				client, err := dialTlc(cfg, ctx.String("library"))
				if err != nil {
					return fail(err)
				}
				defer client.Close()

				up, err := client.Ping()
				if err != nil {
					return fail(err)
				}
				if !up {
					fmt.Println("phobos-tlc is up, library is DOWN")
					return cli.NewExitError("", domain.ExitCode(domain.ErrNoDev))
				}
				fmt.Println("phobos-tlc and library are up")
				return nil
			},
		},
	},
}
