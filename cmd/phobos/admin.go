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

	"github.com/urfave/cli"

	"github.com/nestybox/phobos/domain"
)

var lockCommand = cli.Command{
	Name:  "lock",
	Usage: "distributed lock administration",
	Subcommands: []cli.Command{
		{
			Name:  "clean",
			Usage: "remove distributed locks",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "global",
					Usage: "wipe every lock in the catalog"},
				cli.BoolFlag{Name: "force",
					Usage: "confirm a destructive clean"},
				cli.StringFlag{Name: "hostname",
					Usage: "only locks held by this host"},
				cli.StringFlag{Name: "type, t",
					Usage: "only locks of this type (device, media, media_update, object)"},
				cli.StringFlag{Name: "family, f",
					Usage: "only locks on resources of this family"},
			},
			Action: lockClean,
		},
	},
}

func lockClean(ctx *cli.Context) error {

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer st.Close()

	if ctx.Bool("global") {
		// Wiping every lock requires both flags and no running local LRS.
		if !ctx.Bool("force") {
			return fail(fmt.Errorf(
				"global lock clean requires --force: %w", domain.ErrPerm))
		}
		if client, err := dialLrs(cfg); err == nil {
			client.Close()
			return fail(fmt.Errorf(
				"phobosd is running, refusing global clean: %w",
				domain.ErrBusy))
		}

		if err := st.Locks().CleanAll(); err != nil {
			return fail(err)
		}
		fmt.Println("all locks cleaned")
		return nil
	}

	removed, err := st.Locks().CleanSelective(domain.LockCleanFilter{
		Hostname: ctx.String("hostname"),
		Type:     domain.LockType(ctx.String("type")),
		Family:   domain.ResourceFamily(ctx.String("family")),
		IDs:      ctx.Args(),
	})
	if err != nil {
		return fail(err)
	}

	fmt.Printf("cleaned %d lock(s)\n", removed)

	return nil
}

var logsCommand = cli.Command{
	Name:  "logs",
	Usage: "inspect the catalog operation journal",
	Subcommands: []cli.Command{
		{
			Name:  "dump",
			Usage: "print journaled operations",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "op",
					Usage: "only records of this operation type"},
			},
			Action: logsDump,
		},
		{
			Name:   "clear",
			Usage:  "drop journaled operations",
			Action: logsClear,
		},
	},
}

func logsFilter(ctx *cli.Context) *domain.Filter {

	if op := ctx.String("op"); op != "" {
		f := domain.FilterEqual("op", op)
		return &f
	}

	return nil
}

func logsDump(ctx *cli.Context) error {

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer st.Close()

	records, err := st.Logs().Dump(logsFilter(ctx))
	if err != nil {
		return fail(err)
	}

	for _, rec := range records {
		raw, err := json.Marshal(&rec)
		if err != nil {
			return fail(err)
		}
		fmt.Println(string(raw))
	}

	return nil
}

func logsClear(ctx *cli.Context) error {

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer st.Close()

	if err := st.Logs().Clear(logsFilter(ctx)); err != nil {
		return fail(err)
	}

	return nil
}

var libCommand = cli.Command{
	Name:  "lib",
	Usage: "tape library inspection",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "library", Usage: "library name"},
	},
	Subcommands: []cli.Command{
		{
			Name:  "scan",
			Usage: "dump every library element",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "refresh",
					Usage: "reload the element model from SCSI first"},
			},
			Action: libScan,
		},
	},
}

func libScan(ctx *cli.Context) error {

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	client, err := dialTlc(cfg, ctx.Parent().String("library"))
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	elements, err := client.Status(ctx.Bool("refresh"))
	if err != nil {
		return fail(err)
	}

	fmt.Println(string(elements))

	return nil
}
