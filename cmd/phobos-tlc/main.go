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
	"os/signal"
	"syscall"

	sdDaemon "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nestybox/phobos/config"
	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/dss"
	"github.com/nestybox/phobos/scsi"
	"github.com/nestybox/phobos/tlc"
)

const usage = `phobos tape library controller

phobos-tlc is a daemon that owns one SCSI media-changer and serializes
every library-mutating operation (load, unload, scan, refresh) on behalf
of the local resource schedulers and the admin CLI.
`

// signalHandler stops the TLC loop so that Serve returns and the process
// can exit cleanly.
func signalHandler(signalChan chan os.Signal, srv *tlc.Server) {

	s := <-signalChan
	logrus.Infof("phobos-tlc caught signal: %v, exiting", s)

	srv.Stop()
}

func main() {

	app := cli.NewApp()
	app.Name = "phobos-tlc"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "library, l",
			Value: "legacy",
			Usage: "name of the library this controller owns",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration file path (defaults to $PHOBOS_CFG_FILE)",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug output in logs",
		},
		cli.StringFlag{
			Name:  "log",
			Usage: "log file path",
		},
		cli.BoolFlag{
			Name:  "profile",
			Usage: "enable cpu profiling",
		},
	}

	// Define 'debug' and 'log' settings.
	app.Before = func(ctx *cli.Context) error {

		if ctx.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}

		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(
				path,
				os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC,
				0666,
			)
			if err != nil {
				logrus.Fatalf("Error opening log file %v: %v", path, err)
				return err
			}
			logrus.SetOutput(f)
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {

		if ctx.GlobalBool("profile") {
			defer profile.Start(profile.ProfilePath(".")).Stop()
		}

		cfg, err := config.Load(ctx.GlobalString("config"))
		if err != nil {
			return err
		}

		libraryName := ctx.GlobalString("library")
		section := config.TlcSection(libraryName)

		libDevice := cfg.GetString(section, "lib_device", "")
		if libDevice == "" {
			libDevice = cfg.GetString(config.SectionTlc, "lib_device",
				"/dev/changer")
		}

		listenHost := cfg.GetString(section, "listen_hostname",
			cfg.GetString(config.SectionTlc, "listen_hostname", "0.0.0.0"))
		listenPort := cfg.GetInt(section, "listen_port",
			cfg.GetInt(config.SectionTlc, "listen_port", 20123))

		store, err := dss.Open(cfg.GetString(config.SectionDss, "path",
			"/var/lib/phobos/dss.db"))
		if err != nil {
			return err
		}
		defer store.Close()

		opener := func() (domain.ChangerIface, error) {
			dev, err := scsi.OpenDevice(libDevice)
			if err != nil {
				return nil, err
			}
			return scsi.NewChanger(dev, scsi.Options{
				Library: libraryName,
				Retry: scsi.RetryPolicy{
					Count: cfg.GetInt(config.SectionScsi, "retry_count", 5),
					Short: cfg.GetDuration(config.SectionScsi,
						"retry_short", scsi.DefaultRetryPolicy.Short),
					Long: cfg.GetDuration(config.SectionScsi,
						"retry_long", scsi.DefaultRetryPolicy.Long),
				},
				MaxElemStatus: cfg.GetInt(config.SectionLibScsi,
					"max_element_status", 0),
				SepSnQuery: cfg.GetBool(config.SectionLibScsi,
					"sep_sn_query", false),
				Logs: store.Logs(),
			}), nil
		}

		srv, err := tlc.NewServer(libraryName, opener, store.Logs())
		if err != nil {
			return err
		}

		var signalChan = make(chan os.Signal, 1)
		signal.Notify(
			signalChan,
			syscall.SIGHUP,
			syscall.SIGINT,
			syscall.SIGTERM,
			syscall.SIGQUIT)
		go signalHandler(signalChan, srv)

		sdDaemon.SdNotify(false, sdDaemon.SdNotifyReady)

		addr := fmt.Sprintf("%s:%d", listenHost, listenPort)

		return srv.Serve(addr)
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
