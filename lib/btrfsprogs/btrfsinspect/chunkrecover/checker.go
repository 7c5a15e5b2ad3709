// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkrecover

import "git.lukeshu.com/btrfs-progs-ng/lib/btrfs"

// CheckResult partitions everything a Scanner harvested into the chunks
// that can be trusted and the evidence that could not be attached to
// any chunk.
type CheckResult struct {
	GoodChunks []DerivedChunk
	BadChunks  []DerivedChunk

	OrphanBlockGroups   []BlockGroupRecord
	OrphanDeviceExtents []DeviceExtentRecord
}

func (r CheckResult) Clean() bool {
	return len(r.BadChunks) == 0 && len(r.OrphanBlockGroups) == 0 && len(r.OrphanDeviceExtents) == 0
}

// Checker partitions the chunks held by a RecordStore into good and bad,
// using the block-group and device-extent stores as mutually
// corroborating evidence, per the recovery tool's own consistency
// rules.
type Checker struct {
	Store *RecordStore

	// CheckDeviceExtents, when false, skips the per-stripe
	// device-extent check (default: on; see NewChecker).
	CheckDeviceExtents bool
}

func NewChecker(store *RecordStore) *Checker {
	return &Checker{
		Store:              store,
		CheckDeviceExtents: true,
	}
}

// Run performs the check-and-partition sweep described for the
// Consistency Checker: each chunk is paired with its block group and
// its device extents (one per stripe); claimed block groups and device
// extents are removed from the orphan pools, and whatever is left
// unclaimed afterward is reported as orphaned.
func (c *Checker) Run() CheckResult {
	claimedBlockGroups := make(map[btrfs.Key]struct{})
	claimedDeviceExtents := make(map[btrfs.Key]struct{})

	var result CheckResult
	for _, chunkRec := range c.Store.Chunks.All() {
		dc, ok := c.checkOne(chunkRec)
		if ok {
			result.GoodChunks = append(result.GoodChunks, dc)
			claimedBlockGroups[dc.BlockGroup.Key] = struct{}{}
			for _, dext := range dc.DeviceExtents {
				claimedDeviceExtents[dext.Key] = struct{}{}
			}
		} else {
			result.BadChunks = append(result.BadChunks, dc)
		}
	}

	for _, bg := range c.Store.BlockGroups.All() {
		if _, ok := claimedBlockGroups[bg.Key]; !ok {
			result.OrphanBlockGroups = append(result.OrphanBlockGroups, bg)
		}
	}
	for _, dext := range c.Store.DeviceExtents.All() {
		if _, ok := claimedDeviceExtents[dext.Key]; !ok {
			result.OrphanDeviceExtents = append(result.OrphanDeviceExtents, dext)
		}
	}

	return result
}

// checkOne attempts to corroborate one chunk against its paired block
// group and its per-stripe device extents. The chunk's own Mappings
// method treats every stripe as spanning the chunk's full logical
// length (rather than splitting by RAID profile), so the device-extent
// length check here does the same.
func (c *Checker) checkOne(chunkRec ChunkRecord) (DerivedChunk, bool) {
	dc := DerivedChunk{Chunk: chunkRec}

	bg, ok := c.Store.BlockGroups.Lookup(chunkRec.LAddr(), chunkRec.Length())
	if !ok {
		return dc, false
	}
	if bg.LAddr() != chunkRec.LAddr() || bg.Length() != chunkRec.Length() {
		// Lookup only guarantees the found record's interval
		// overlaps the one asked for; an overlapping-but
		// differently-sized block group is not the same block
		// group, so it isn't evidence for this chunk.
		return dc, false
	}
	if bg.BlockGroup.Flags != chunkRec.Chunk.Head.Type {
		return dc, false
	}
	dc.BlockGroup = &bg

	if c.CheckDeviceExtents {
		for _, stripe := range chunkRec.Chunk.Stripes {
			dext, ok := c.Store.DeviceExtents.Lookup(stripe.DeviceID, stripe.Offset, chunkRec.Length())
			if !ok {
				return dc, false
			}
			if dext.PAddr() != stripe.Offset || dext.DevExtent.Length != chunkRec.Length() {
				return dc, false
			}
			if dext.DevExtent.ChunkOffset != chunkRec.LAddr() {
				return dc, false
			}
			dc.DeviceExtents = append(dc.DeviceExtents, dext)
		}
		if len(dc.DeviceExtents) != int(chunkRec.Chunk.Head.NumStripes) {
			return dc, false
		}
	}

	return dc, true
}
