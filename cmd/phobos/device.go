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
	"github.com/nestybox/phobos/ipc"
)

var deviceCommand = cli.Command{
	Name:  "device",
	Usage: "manage drives and directory devices",
	Subcommands: []cli.Command{
		{
			Name:      "add",
			Usage:     "register a local device with the running phobosd",
			ArgsUsage: "<path>...",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "family, f", Value: "tape"},
				cli.StringFlag{Name: "library", Value: "legacy"},
			},
			Action: deviceAdd,
		},
		{
			Name:      "lock",
			Usage:     "administratively lock a device (immediate)",
			ArgsUsage: "<family:library:serial>...",
			Action: func(ctx *cli.Context) error {
				return deviceAdm(ctx, ipc.NotifyDeviceLock)
			},
		},
		{
			Name:      "unlock",
			Usage:     "administratively unlock a device",
			ArgsUsage: "<family:library:serial>...",
			Action: func(ctx *cli.Context) error {
				return deviceAdm(ctx, ipc.NotifyDeviceUnlock)
			},
		},
		{
			Name:      "delete",
			Usage:     "retire a device from the catalog",
			ArgsUsage: "<family:library:serial>...",
			Action:    deviceDelete,
		},
		{
			Name:  "status",
			Usage: "show the drive table of the local phobosd",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "family, f"},
			},
			Action: deviceStatus,
		},
		{
			Name:      "migrate",
			Usage:     "move a device to another host",
			ArgsUsage: "<family:library:serial>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "host", Required: true},
			},
			Action: deviceMigrate,
		},
	},
}

func deviceAdd(ctx *cli.Context) error {

	if ctx.NArg() == 0 {
		return fail(domain.ErrInval)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	client, err := dialLrs(cfg)
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	family := ctx.String("family")
	library := ctx.String("library")

	for _, path := range ctx.Args() {
		rsrc := fmt.Sprintf("%s:%s:%s", family, library, path)
		if err := client.Notify(ipc.NotifyDeviceAdd, rsrc); err != nil {
			return fail(err)
		}
		fmt.Printf("added device %s\n", path)
	}

	return nil
}

func deviceAdm(ctx *cli.Context, op ipc.NotifyOp) error {

	if ctx.NArg() == 0 {
		return fail(domain.ErrInval)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	client, err := dialLrs(cfg)
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	for _, id := range ctx.Args() {
		if err := client.Notify(op, id); err != nil {
			return fail(err)
		}
		fmt.Printf("%s: %s\n", op, id)
	}

	return nil
}

func deviceDelete(ctx *cli.Context) error {

	if ctx.NArg() == 0 {
		return fail(domain.ErrInval)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer st.Close()

	for _, arg := range ctx.Args() {
		id, err := domain.ParseDeviceID(arg)
		if err != nil {
			return fail(err)
		}

		// A device still owned by an LRS cannot be retired.
		if lock, err := st.Locks().Lookup(domain.LockTypeDevice,
			id.String()); err == nil {
			return fail(fmt.Errorf("device %s is in use on host %s: %w",
				id, lock.Hostname, domain.ErrBusy))
		}

		if err := st.DeviceDel(id); err != nil {
			return fail(err)
		}
		fmt.Printf("deleted device %s\n", id)
	}

	return nil
}

func deviceStatus(ctx *cli.Context) error {

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	client, err := dialLrs(cfg)
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	status, err := client.Monitor(domain.ResourceFamily(ctx.String("family")))
	if err != nil {
		return fail(err)
	}

	fmt.Println(string(status))

	return nil
}

func deviceMigrate(ctx *cli.Context) error {

	if ctx.NArg() != 1 {
		return fail(domain.ErrInval)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer st.Close()

	id, err := domain.ParseDeviceID(ctx.Args().First())
	if err != nil {
		return fail(err)
	}

	// Migration requires that no LRS currently holds the device lock.
	if lock, err := st.Locks().Lookup(domain.LockTypeDevice,
		id.String()); err == nil {
		return fail(fmt.Errorf("device %s is locked on host %s: %w", id,
			lock.Hostname, domain.ErrBusy))
	}

	dev, err := st.DeviceGet(id)
	if err != nil {
		return fail(err)
	}

	dev.Host = ctx.String("host")
	if err := st.DeviceSet(dev); err != nil {
		return fail(err)
	}

	fmt.Printf("device %s migrated to %s\n", id, dev.Host)

	return nil
}

var driveCommand = cli.Command{
	Name:  "drive",
	Usage: "drive operations against the tape library controller",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "library", Usage: "library name"},
	},
	Subcommands: []cli.Command{
		{
			Name:      "lookup",
			Usage:     "resolve a drive serial to its library address",
			ArgsUsage: "<serial>",
			Action:    driveLookup,
		},
		{
			Name:      "load",
			Usage:     "load a tape into a drive",
			ArgsUsage: "<serial> <label>",
			Action:    driveLoad,
		},
		{
			Name:      "unload",
			Usage:     "unload the tape held by a drive",
			ArgsUsage: "<serial> [label]",
			Action:    driveUnload,
		},
	},
}

func driveLookup(ctx *cli.Context) error {

	if ctx.NArg() != 1 {
		return fail(domain.ErrInval)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	client, err := dialTlc(cfg, ctx.Parent().String("library"))
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	info, err := client.DriveLookup(ctx.Args().First())
	if err != nil {
		return fail(err)
	}

	fmt.Printf("address: %#x (first drive %#x)\n", info.Address,
		info.FirstAddress)
	if info.Loaded {
		fmt.Printf("loaded medium: %s\n", info.LoadedLabel)
	} else {
		fmt.Println("drive is empty")
	}

	return nil
}

func driveLoad(ctx *cli.Context) error {

	if ctx.NArg() != 2 {
		return fail(domain.ErrInval)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	client, err := dialTlc(cfg, ctx.Parent().String("library"))
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	serial, label := ctx.Args().Get(0), ctx.Args().Get(1)
	if err := client.Load(serial, label); err != nil {
		return fail(err)
	}

	fmt.Printf("loaded %s into drive %s\n", label, serial)

	return nil
}

func driveUnload(ctx *cli.Context) error {

	if ctx.NArg() < 1 {
		return fail(domain.ErrInval)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	client, err := dialTlc(cfg, ctx.Parent().String("library"))
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	var expected *string
	if ctx.NArg() > 1 {
		label := ctx.Args().Get(1)
		expected = &label
	}

	label, dest, err := client.Unload(ctx.Args().First(), expected)
	if err != nil {
		return fail(err)
	}

	if label == "" {
		fmt.Println("drive was already empty")
	} else {
		fmt.Printf("unloaded %s to slot %#x\n", label, dest)
	}

	return nil
}
