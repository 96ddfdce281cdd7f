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
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// openObjectStore wires the two handles an object operation needs: the
// catalog and the local resource scheduler.
func openObjectStore(ctx *cli.Context) (*store.Store, func(), error) {

	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	client, err := dialLrs(cfg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	cleanup := func() {
		client.Close()
		st.Close()
	}

	return store.New(client, st), cleanup, nil
}

var objectCommand = cli.Command{
	Name:  "object",
	Usage: "store, retrieve and list objects",
	Subcommands: []cli.Command{
		{
			Name:      "put",
			Usage:     "store a file as an object",
			ArgsUsage: "<file> <oid>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "family, f", Value: "tape"},
				cli.StringSliceFlag{Name: "tag, T"},
				cli.StringFlag{Name: "metadata, m",
					Usage: "comma-separated k=v user metadata"},
			},
			Action: objectPut,
		},
		{
			Name:      "get",
			Usage:     "retrieve an object into a file",
			ArgsUsage: "<oid> <file>",
			Action:    objectGet,
		},
		{
			Name:      "getmd",
			Usage:     "print object metadata",
			ArgsUsage: "<oid>",
			Action:    objectGetMD,
		},
		{
			Name:      "delete",
			Usage:     "delete an object from the catalog",
			ArgsUsage: "<oid>...",
			Action:    objectDelete,
		},
		{
			Name:   "list",
			Usage:  "list objects",
			Action: objectList,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "pattern, p",
					Usage: "regex on object ids"},
			},
		},
	},
}

func objectPut(ctx *cli.Context) error {

	if ctx.NArg() != 2 {
		return fail(domain.ErrInval)
	}

	file, oid := ctx.Args().Get(0), ctx.Args().Get(1)

	f, err := os.Open(file)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fail(err)
	}

	family, err := domain.ParseFamily(ctx.String("family"))
	if err != nil {
		return fail(fmt.Errorf("%s: %w", err, domain.ErrInval))
	}

	userMD := make(map[string]string)
	if md := ctx.String("metadata"); md != "" {
		for _, kv := range strings.Split(md, ",") {
			k, v, found := strings.Cut(kv, "=")
			if !found {
				return fail(fmt.Errorf("malformed metadata %q: %w", kv,
					domain.ErrInval))
			}
			userMD[k] = v
		}
	}

	objStore, cleanup, err := openObjectStore(ctx)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	if err := objStore.Put(oid, f, info.Size(), family,
		ctx.StringSlice("tag"), userMD); err != nil {
		return fail(err)
	}

	fmt.Printf("stored %s as %q\n", file, oid)

	return nil
}

func objectGet(ctx *cli.Context) error {

	if ctx.NArg() != 2 {
		return fail(domain.ErrInval)
	}

	oid, file := ctx.Args().Get(0), ctx.Args().Get(1)

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	objStore, cleanup, err := openObjectStore(ctx)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	if err := objStore.Get(oid, f); err != nil {
		os.Remove(file)
		return fail(err)
	}

	fmt.Printf("retrieved %q into %s\n", oid, file)

	return nil
}

func objectGetMD(ctx *cli.Context) error {

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

	obj, err := st.ObjectGet(ctx.Args().First())
	if err != nil {
		return fail(err)
	}

	raw, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fail(err)
	}
	fmt.Println(string(raw))

	return nil
}

func objectDelete(ctx *cli.Context) error {

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

	for _, oid := range ctx.Args() {
		if err := st.ObjectDel(oid); err != nil {
			return fail(err)
		}
		fmt.Printf("deleted %q\n", oid)
	}

	return nil
}

func objectList(ctx *cli.Context) error {

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fail(err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	defer st.Close()

	var filter *domain.Filter
	if pattern := ctx.String("pattern"); pattern != "" {
		f := domain.FilterMatch("oid", pattern)
		filter = &f
	}

	objects, err := st.ObjectList(filter)
	if err != nil {
		return fail(err)
	}

	for _, o := range objects {
		fmt.Printf("%-40s v%-3d %10d bytes\n", o.OID, o.Version, o.Size)
	}

	return nil
}

var extentCommand = cli.Command{
	Name:  "extent",
	Usage: "inspect extent placement",
	Subcommands: []cli.Command{
		{
			Name:      "list",
			Usage:     "list the extents of an object",
			ArgsUsage: "<oid>",
			Action:    extentList,
		},
	},
}

func extentList(ctx *cli.Context) error {

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

	extents, err := st.ExtentList(ctx.Args().First())
	if err != nil {
		return fail(err)
	}

	for _, e := range extents {
		fmt.Printf("%s  %s  off=%d size=%d  %s\n", e.ExtentUUID, e.Medium,
			e.Offset, e.Size, e.Address)
	}

	return nil
}
