// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfsprogs/btrfsinspect/chunkrecover"
	"git.lukeshu.com/btrfs-progs-ng/lib/maps"
)

func init() {
	var yesFlag bool
	var noDevExtentsFlag bool

	cmd := subcommand{
		Command: cobra.Command{
			Use:   "chunk-recover",
			Short: "Reconstruct the chunk tree from raw device scans",
			Long: "Scan every member device for chunk, block-group, and device-extent\n" +
				"items, cross-check them against each other and (once the chunk map\n" +
				"is populated) the still-persisted extent and device trees, and\n" +
				"write back a fresh chunk tree, device-item set, and superblock\n" +
				"system-chunk array.  Similar to `btrfs rescue chunk-recover`.",
			Args: cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *btrfs.FS, cmd *cobra.Command, _ []string) error {
			driver := &chunkrecover.Driver{
				FS:                 fs,
				CheckDeviceExtents: !noDevExtentsFlag,
			}
			if !yesFlag {
				driver.Confirm = chunkrecover.Prompt(os.Stdin, os.Stdout)
			}

			devsByID := fs.LV.PhysicalVolumes()
			devs := make([]*btrfs.Device, 0, len(devsByID))
			for _, id := range maps.SortedKeys(devsByID) {
				devs = append(devs, devsByID[id])
			}

			err := driver.Run(cmd.Context(), devs)
			if errors.Is(err, chunkrecover.ErrAborted) {
				cmd.PrintErrln(err)
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "skip the destructive-write confirmation prompt")
	cmd.Flags().BoolVar(&noDevExtentsFlag, "no-dev-extents", false, "skip the per-stripe device-extent cross-check")

	repairers = append(repairers, cmd)
}
