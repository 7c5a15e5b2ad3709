// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkrecover

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
)

// ErrAborted is returned by Run when the operator declines the
// destructive-write confirmation prompt, or when the recovery cannot
// proceed for a reason that is not itself a bug (nothing to recover,
// orphans left unresolved). The CLI front-end translates this to a
// clean process exit rather than an error exit.
var ErrAborted = errors.New("chunk recovery aborted")

// maxPromptLen bounds how many bytes of an answer the confirmation
// prompt will read before giving up and re-prompting, so that a
// pasted or garbled line of input can't be read as a stray affirmative
// past its first few bytes.
const maxPromptLen = 16

// Driver owns a single run of the recovery pipeline: prepare, scan,
// check, cross-check, confirm, rebuild.
type Driver struct {
	FS *btrfs.FS

	// Confirm, if non-nil, is called to obtain destructive-write
	// consent from the operator; Run aborts unless it returns true.
	// When nil, Run behaves as though passed -y (no prompt).
	Confirm func(ctx context.Context) (bool, error)

	// CheckDeviceExtents mirrors Checker.CheckDeviceExtents.
	CheckDeviceExtents bool
}

// Prompt returns a Confirm function that asks a yes/no question on w,
// reading the answer from r. A bounded-length reader is used so that a
// too-long answer triggers a re-prompt instead of being silently
// truncated.
func Prompt(r io.Reader, w io.Writer) func(ctx context.Context) (bool, error) {
	br := bufio.NewReader(r)
	return func(ctx context.Context) (bool, error) {
		for {
			fmt.Fprint(w, "this will overwrite the chunk tree, continue? [y/N] ")
			line, err := readBoundedLine(br, maxPromptLen)
			if err != nil {
				return false, err
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true, nil
			case "", "n", "no":
				return false, nil
			default:
				fmt.Fprintln(w, "please answer y or n")
			}
		}
	}
}

// readBoundedLine reads up to max bytes looking for a newline; if none
// is seen within that bound, it discards the rest of the line and
// returns a marker that Prompt's switch will treat as an invalid
// answer rather than a truncated match for a valid one.
func readBoundedLine(br *bufio.Reader, max int) (string, error) {
	var sb strings.Builder
	for sb.Len() <= max {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		if b == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return "\x00overflow\x00", nil
		}
	}
}

// Run drives the full pipeline described for Control/Flow: scan every
// device, abort early if nothing turned up, check, abort if orphans
// remain, open the remaining trees against the good set, cross-check,
// confirm, and rebuild.
func (d *Driver) Run(ctx context.Context, devs []*btrfs.Device) error {
	sb, err := d.FS.Superblock()
	if err != nil {
		return fmt.Errorf("chunk-recover: prepare: %w", err)
	}

	store := NewRecordStore()
	scanner := &Scanner{
		Store:               store,
		RootGeneration:      sb.Generation,
		ChunkRootGeneration: sb.ChunkRootGeneration,
	}

	dlog.Infof(ctx, "plan: 1/5 scan %d devices", len(devs))
	for i, dev := range devs {
		devSB, err := dev.Superblock()
		if err != nil {
			return fmt.Errorf("chunk-recover: scan: %q: %w", dev.Name(), err)
		}
		dlog.Infof(ctx, "1/5: scanning dev[%q] (%d/%d)...", dev.Name(), i+1, len(devs))
		if err := scanner.ScanDevice(ctx, dev, *devSB); err != nil {
			return fmt.Errorf("chunk-recover: scan: %q: %w", dev.Name(), err)
		}
	}
	dlog.Info(ctx, "... done scanning")

	if store.Empty() {
		return fmt.Errorf("%w: no recoverable chunk metadata found on any device", ErrAborted)
	}

	dlog.Infof(ctx, "plan: 2/5 check %d chunks, %d block groups, %d device extents",
		store.Chunks.Len(), store.BlockGroups.Len(), store.DeviceExtents.Len())
	checker := NewChecker(store)
	checker.CheckDeviceExtents = d.CheckDeviceExtents
	dlog.Info(ctx, "2/5: checking...")
	result := checker.Run()
	dlog.Infof(ctx, "... done checking: %d good, %d bad, %d orphan block groups, %d orphan device extents",
		len(result.GoodChunks), len(result.BadChunks), len(result.OrphanBlockGroups), len(result.OrphanDeviceExtents))

	if len(result.OrphanBlockGroups) > 0 || len(result.OrphanDeviceExtents) > 0 {
		return fmt.Errorf("%w: orphan block groups and device extents, we can't repair them now", ErrAborted)
	}

	dlog.Infof(ctx, "plan: 3/5 open remaining trees using %d good chunks", len(result.GoodChunks))
	dlog.Info(ctx, "3/5: installing good chunks into the logical volume...")
	for _, dc := range result.GoodChunks {
		for _, mapping := range dc.Chunk.Chunk.Mappings(dc.Chunk.Key) {
			if err := d.FS.LV.AddMapping(mapping); err != nil {
				return fmt.Errorf("chunk-recover: open trees: %w", err)
			}
		}
	}
	dlog.Info(ctx, "... done installing")

	dlog.Info(ctx, "plan: 4/5 cross-check good chunks against the persisted trees")
	dlog.Info(ctx, "4/5: cross-checking...")
	crossCheck := &CrossCheck{FS: d.FS}
	result = crossCheck.Run(result)
	dlog.Infof(ctx, "... done cross-checking: %d good, %d bad", len(result.GoodChunks), len(result.BadChunks))

	if len(result.BadChunks) > 0 {
		return fmt.Errorf("%w: %d chunks remain unconfirmed after cross-check", ErrAborted, len(result.BadChunks))
	}

	if d.Confirm != nil {
		ok, err := d.Confirm(ctx)
		if err != nil {
			return fmt.Errorf("chunk-recover: confirm: %w", err)
		}
		if !ok {
			return ErrAborted
		}
	}

	dlog.Infof(ctx, "plan: 5/5 rebuild chunk tree from %d good chunks", len(result.GoodChunks))
	rebuilder := &Rebuilder{FS: d.FS}
	if _, err := rebuilder.PurgeSystemChunkResidue(ctx, result.GoodChunks); err != nil {
		return fmt.Errorf("chunk-recover: rebuild: purge: %w", err)
	}
	dlog.Info(ctx, "5/5: rebuilding...")
	if err := rebuilder.Rebuild(ctx, result.GoodChunks); err != nil {
		return fmt.Errorf("chunk-recover: rebuild: %w", err)
	}
	dlog.Info(ctx, "... done rebuilding")

	return nil
}
