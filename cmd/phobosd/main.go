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
	"strings"
	"syscall"
	"time"

	sdDaemon "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nestybox/phobos/adapter"
	"github.com/nestybox/phobos/config"
	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/dss"
	"github.com/nestybox/phobos/lrs"
	"github.com/nestybox/phobos/state"
	"github.com/nestybox/phobos/sysio"
)

const usage = `phobos local resource scheduler

phobosd is a per-host daemon that multiplexes client read, write, format,
release and notify requests onto the locally attached drives and media,
negotiates loads with the tape library controller, and persists
distributed locks so other hosts cannot steal resources mid-operation.
`

// signalHandler drives the graceful shutdown sequence.
func signalHandler(signalChan chan os.Signal, srv *lrs.Server) {

	s := <-signalChan
	logrus.Infof("phobosd caught signal: %v, shutting down", s)

	srv.Stop()
}

func main() {

	app := cli.NewApp()
	app.Name = "phobosd"
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

		store, err := dss.Open(cfg.GetString(config.SectionDss, "path",
			"/var/lib/phobos/dss.db"))
		if err != nil {
			return err
		}
		defer store.Close()

		// Initialize phobosd's services.
		var deviceStateService = state.NewDeviceStateService()
		var ioService = sysio.NewIOService(domain.IOOsFileService)

		var adapterService = adapter.NewAdapterService()
		err = adapterService.Setup(adapter.DefaultAdapters(ioService),
			store.Logs())
		if err != nil {
			return err
		}

		opts := lrs.Options{
			SocketPath: cfg.GetString(config.SectionLrs, "server_socket",
				"/run/phobosd/phobosd.sock"),
			Hostname: cfg.Hostname(config.SectionLrs),
			Library: cfg.GetString(config.SectionLrs,
				"default_tape_library", "legacy"),
			LockFilePath: cfg.GetString(config.SectionLrs, "lock_file",
				"/run/phobosd/phobosd.lock"),
			GracePeriod: cfg.GetDuration(config.SectionLrs, "grace_period",
				30*time.Second),
			TlcRequired: cfg.GetBool(config.SectionLrs, "tlc_required",
				false),
			TlcTimeout: cfg.GetDuration(config.SectionTlc, "timeout",
				2*time.Minute),
		}

		// The TLC connection only exists when the tape family is served.
		var tlcClient domain.TlcClientIface
		families := cfg.GetString(config.SectionLrs, "families", "tape,dir")
		if containsFamily(families, domain.FamilyTape) {
			section := config.TlcSection(opts.Library)
			opts.TlcAddr = fmt.Sprintf("%s:%d",
				cfg.GetString(section, "hostname",
					cfg.GetString(config.SectionTlc, "hostname", "localhost")),
				cfg.GetInt(section, "port",
					cfg.GetInt(config.SectionTlc, "port", 20123)))

			tlcClient, err = lrs.DialTlc(opts.TlcAddr, opts.TlcTimeout)
			if err != nil {
				if opts.TlcRequired {
					return err
				}
				logrus.Warnf("TLC connection failed, running degraded: %v",
					err)
				tlcClient = nil
			}
		}

		srv := lrs.NewServer(opts, cfg, store, deviceStateService,
			adapterService, tlcClient)

		if err := srv.Init(); err != nil {
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

		return srv.Serve()
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func containsFamily(families string, family domain.ResourceFamily) bool {

	for _, f := range strings.Split(families, ",") {
		if strings.TrimSpace(f) == string(family) {
			return true
		}
	}

	return false
}
