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

	units "github.com/docker/go-units"
	"github.com/urfave/cli"

	"github.com/nestybox/phobos/domain"
)

// mediaCommand builds the per-family media command tree; tape and dir
// share the verbs.
func mediaCommand(family domain.ResourceFamily, name string) cli.Command {

	return cli.Command{
		Name:  name,
		Usage: fmt.Sprintf("manage %s media", name),
		Subcommands: []cli.Command{
			{
				Name:      "add",
				Usage:     "declare media in the catalog",
				ArgsUsage: "<label>...",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "library", Value: "legacy"},
					cli.StringSliceFlag{Name: "tag, T"},
					cli.BoolFlag{Name: "unlock",
						Usage: "make the media immediately schedulable"},
				},
				Action: func(ctx *cli.Context) error {
					return mediaAdd(ctx, family)
				},
			},
			{
				Name:      "format",
				Usage:     "lay an empty filesystem on media",
				ArgsUsage: "<label>...",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "library", Value: "legacy"},
					cli.IntFlag{Name: "nb-streams, n",
						Usage: "bound on concurrent format requests (0 = all at once)"},
					cli.BoolFlag{Name: "unlock",
						Usage: "unlock the media after format"},
					cli.BoolFlag{Name: "force",
						Usage: "reformat non-blank tape media"},
				},
				Action: func(ctx *cli.Context) error {
					return mediaFormat(ctx, family)
				},
			},
			{
				Name:      "lock",
				Usage:     "administratively lock media",
				ArgsUsage: "<label>...",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "library", Value: "legacy"},
				},
				Action: func(ctx *cli.Context) error {
					return mediaAdm(ctx, family, domain.AdmStatusLocked)
				},
			},
			{
				Name:      "unlock",
				Usage:     "administratively unlock media",
				ArgsUsage: "<label>...",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "library", Value: "legacy"},
				},
				Action: func(ctx *cli.Context) error {
					return mediaAdm(ctx, family, domain.AdmStatusUnlocked)
				},
			},
			{
				Name:  "list",
				Usage: "list catalog media of this family",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "tag, T",
						Usage: "only media carrying this tag"},
				},
				Action: func(ctx *cli.Context) error {
					return mediaList(ctx, family)
				},
			},
			{
				Name:      "delete",
				Usage:     "retire media from the catalog",
				ArgsUsage: "<label>...",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "library", Value: "legacy"},
				},
				Action: func(ctx *cli.Context) error {
					return mediaDelete(ctx, family)
				},
			},
		},
	}
}

func mediaAdd(ctx *cli.Context, family domain.ResourceFamily) error {

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

	adm := domain.AdmStatusLocked
	if ctx.Bool("unlock") {
		adm = domain.AdmStatusUnlocked
	}

	for _, label := range ctx.Args() {
		id := domain.MediumID{
			Family:  family,
			Label:   label,
			Library: ctx.String("library"),
		}

		if _, err := st.MediumGet(id); err == nil {
			return fail(fmt.Errorf("medium %s already exists: %w", id,
				domain.ErrExist))
		}

		m := &domain.Medium{
			ID:        id,
			AdmStatus: adm,
			FsStatus:  domain.FsStatusBlank,
			FsType:    domain.DefaultFsType(family),
			AddrType:  domain.DefaultAddrType(family),
			Tags:      ctx.StringSlice("tag"),
		}

		if err := st.MediumSet(m); err != nil {
			return fail(err)
		}
		fmt.Printf("added medium %s\n", id)
	}

	return nil
}

func mediaFormat(ctx *cli.Context, family domain.ResourceFamily) error {

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

	var media []domain.MediumID
	for _, label := range ctx.Args() {
		media = append(media, domain.MediumID{
			Family:  family,
			Label:   label,
			Library: ctx.String("library"),
		})
	}

	outcomes := client.FormatMany(media, domain.DefaultFsType(family),
		ctx.Bool("unlock"), ctx.Bool("force"), ctx.Int("nb-streams"))

	// Partial failures are aggregated: every outcome is listed, the exit
	// code is the first failure's.
	var firstErr error
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Printf("%s: FAILED: %v\n", o.Medium, o.Err)
			if firstErr == nil {
				firstErr = o.Err
			}
		} else {
			fmt.Printf("%s: formatted\n", o.Medium)
		}
	}

	if firstErr != nil {
		return fail(firstErr)
	}

	return nil
}

func mediaAdm(ctx *cli.Context, family domain.ResourceFamily,
	adm domain.AdmStatus) error {

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

	for _, label := range ctx.Args() {
		id := domain.MediumID{
			Family:  family,
			Label:   label,
			Library: ctx.String("library"),
		}

		m, err := st.MediumGet(id)
		if err != nil {
			return fail(fmt.Errorf("unknown medium %s: %w", id,
				domain.ErrNoEnt))
		}

		m.AdmStatus = adm
		if err := st.MediumSet(m); err != nil {
			return fail(err)
		}
		fmt.Printf("medium %s is now %s\n", id, adm)
	}

	return nil
}

func mediaList(ctx *cli.Context, family domain.ResourceFamily) error {

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
	if tag := ctx.String("tag"); tag != "" {
		f := domain.FilterInJSONField("tags", tag)
		filter = &f
	}

	media, err := st.MediumList(family, filter)
	if err != nil {
		return fail(err)
	}

	for _, m := range media {
		fmt.Printf("%-30s %-8s %-9s %8s used %8s free  %s\n",
			m.ID, m.AdmStatus, m.FsStatus,
			units.BytesSize(float64(m.Stats.BytesUsed)),
			units.BytesSize(float64(m.Stats.BytesFree)),
			formatTags(m.Tags))
	}

	return nil
}

func formatTags(tags []string) string {

	if len(tags) == 0 {
		return "-"
	}

	out := tags[0]
	for _, t := range tags[1:] {
		out += "," + t
	}

	return out
}

func mediaDelete(ctx *cli.Context, family domain.ResourceFamily) error {

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

	for _, label := range ctx.Args() {
		id := domain.MediumID{
			Family:  family,
			Label:   label,
			Library: ctx.String("library"),
		}

		if lock, err := st.Locks().Lookup(domain.LockTypeMedia,
			id.String()); err == nil {
			return fail(fmt.Errorf("medium %s is in use on host %s: %w",
				id, lock.Hostname, domain.ErrBusy))
		}

		if err := st.MediumDel(id); err != nil {
			return fail(err)
		}
		fmt.Printf("deleted medium %s\n", id)
	}

	return nil
}
