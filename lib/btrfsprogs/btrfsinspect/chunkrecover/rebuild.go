// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkrecover

import (
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/diskio"
)

// Rebuilder replaces the on-disk chunk tree, device-item set, and
// superblock system-chunk array with the product of a good chunk set.
//
// Writing a transactional, CoW-aware extent tree editor (the purge
// step below would need one, to delete arbitrary items scattered
// across many leaves) is out of scope here — that facility belongs to
// the underlying filesystem library, not to the recovery tool. What
// this type writes for real is the part that is the recovery tool's
// own: a fresh single-leaf chunk-tree root, the device items, the
// chunk items, and the superblock's system-chunk array, following the
// same "one root leaf" construction btrfs-fsck's own chunk-pass
// already uses to write its reconstructed chunk tree.
type Rebuilder struct {
	FS *btrfs.FS
}

// PurgeReport summarizes the system-chunk residue a full rebuild would
// need to reclaim from the extent tree. Bytes are computed so that the
// superblock's accounting can be kept honest even though the
// individual extent-tree leaves are not rewritten.
type PurgeReport struct {
	ReclaimedBytes    uint64
	ZeroedBlockGroups []btrfsvol.LogicalAddr
}

// PurgeSystemChunkResidue walks the extent tree's items to report how
// many bytes are occupied within each good system chunk's logical
// range, and returns the block groups that must be zeroed. It does not
// rewrite any extent-tree leaf in place.
func (r *Rebuilder) PurgeSystemChunkResidue(ctx context.Context, goodChunks []DerivedChunk) (PurgeReport, error) {
	var report PurgeReport
	for _, dc := range goodChunks {
		if !dc.Chunk.IsSystem() {
			continue
		}
		beg, end := dc.Chunk.LAddr(), dc.Chunk.LAddr().Add(dc.Chunk.Length())
		items, err := r.FS.TreeSearchAll(btrfs.EXTENT_TREE_OBJECTID, func(key btrfs.Key, _ uint32) int {
			switch {
			case btrfsvol.LogicalAddr(key.ObjectID) < beg:
				return 1
			case btrfsvol.LogicalAddr(key.ObjectID) >= end:
				return -1
			default:
				return 0
			}
		})
		if err != nil {
			// An empty or absent range isn't a failure; there is
			// simply nothing to purge for this chunk.
			continue
		}
		var reclaimed uint64
		for _, item := range items {
			switch item.Key.ItemType {
			case btrfsitem.METADATA_ITEM_KEY:
				sb, err := r.FS.Superblock()
				if err != nil {
					return report, err
				}
				reclaimed += uint64(sb.NodeSize)
			case btrfsitem.EXTENT_ITEM_KEY:
				reclaimed += item.Key.Offset
			}
		}
		report.ReclaimedBytes += reclaimed
		report.ZeroedBlockGroups = append(report.ZeroedBlockGroups, dc.Chunk.LAddr())
		dlog.Infof(ctx, "rebuild: purge: system chunk@%v: %v items reclaiming %v bytes",
			dc.Chunk.LAddr(), len(items), reclaimed)
	}
	return report, nil
}

// Rebuild performs steps 2-6 of the Rebuilder: allocate a fresh
// chunk-tree root leaf, emit device items and chunk items into it,
// populate the superblock's system-chunk array, and commit by writing
// the new root and every superblock mirror.
//
// This mirrors cmd/btrfs-fsck's own reconstructed-chunk-tree write,
// generalized to operate on a Checker/CrossCheck-derived good set
// instead of the fsck pass's own re-walk.
func (r *Rebuilder) Rebuild(ctx context.Context, goodChunks []DerivedChunk) error {
	sb, err := r.FS.Superblock()
	if err != nil {
		return err
	}

	root := &diskio.Ref[btrfsvol.LogicalAddr, btrfs.Node]{
		File: r.FS,
		Addr: sb.ChunkTree,
		Data: btrfs.Node{
			Size: sb.NodeSize,
			Head: btrfs.NodeHeader{
				MetadataUUID: sb.EffectiveMetadataUUID(),
				Addr:         sb.ChunkTree,
				Flags:        btrfs.NodeWritten,
				Generation:   sb.Generation + 1,
				Owner:        btrfs.CHUNK_TREE_OBJECTID,
				Level:        0,
			},
		},
	}

	devs := r.FS.LV.PhysicalVolumes()
	for _, devID := range sortedDeviceIDs(devs) {
		dev := devs[devID]
		devSB, err := dev.Superblock()
		if err != nil {
			return fmt.Errorf("rebuild: emit device items: %q: %w", dev.Name(), err)
		}
		devItem := devSB.DevItem
		devItem.Generation = 0
		root.Data.BodyLeaf = append(root.Data.BodyLeaf, btrfs.Item{
			Key: btrfs.Key{
				ObjectID: btrfs.DEV_ITEMS_OBJECTID,
				ItemType: btrfsitem.DEV_ITEM_KEY,
				Offset:   uint64(devItem.DevID),
			},
			Body: devItem,
		})
	}

	sortedChunks := sortChunksByLAddr(goodChunks)

	for _, dc := range sortedChunks {
		key := btrfs.Key{
			ObjectID: btrfs.FIRST_CHUNK_TREE_OBJECTID,
			ItemType: btrfsitem.CHUNK_ITEM_KEY,
			Offset:   uint64(dc.Chunk.LAddr()),
		}
		root.Data.BodyLeaf = append(root.Data.BodyLeaf, btrfs.Item{
			Key:  key,
			Body: dc.Chunk.Chunk,
		})
	}

	sysChunks := systemChunkArray(sortedChunks)

	root.Data.Head.Checksum, err = root.Data.CalculateChecksum()
	if err != nil {
		return fmt.Errorf("rebuild: checksum new chunk-tree root: %w", err)
	}
	if err := root.Write(); err != nil {
		return fmt.Errorf("rebuild: write new chunk-tree root: %w", err)
	}

	return r.commit(ctx, root.Data.Head.Level, sysChunks)
}

// commit writes the superblock's system-chunk array and every
// superblock mirror, the final irrevocable step of the rebuild.
func (r *Rebuilder) commit(ctx context.Context, chunkLevel uint8, sysChunks []btrfs.SysChunk) error {
	arr, n, err := packSystemChunkArray(sysChunks)
	if err != nil {
		return err
	}

	sbs, err := r.FS.Superblocks()
	if err != nil {
		return err
	}
	for i, sb := range sbs {
		sb.Data.ChunkLevel = chunkLevel
		sb.Data.SysChunkArraySize = uint32(n)
		sb.Data.SysChunkArray = arr
		sb.Data.Checksum, err = sb.Data.CalculateChecksum()
		if err != nil {
			return fmt.Errorf("rebuild: checksum superblock %d: %w", i, err)
		}
		if err := sb.Write(); err != nil {
			return fmt.Errorf("rebuild: write superblock %d: %w", i, err)
		}
	}
	dlog.Infof(ctx, "rebuild: committed %v superblock mirrors (%v system chunks)", len(sbs), len(sysChunks))
	return nil
}

func sortedDeviceIDs[V any](m map[btrfsvol.DeviceID]V) []btrfsvol.DeviceID {
	ret := make([]btrfsvol.DeviceID, 0, len(m))
	for id := range m {
		ret = append(ret, id)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// sortChunksByLAddr returns a copy of chunks ordered by logical address,
// the order the chunk tree's own leaf items must be written in.
func sortChunksByLAddr(chunks []DerivedChunk) []DerivedChunk {
	sorted := make([]DerivedChunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Chunk.LAddr() < sorted[j].Chunk.LAddr()
	})
	return sorted
}

// systemChunkArray extracts the SYSTEM-flagged chunks from an
// already-LAddr-sorted chunk list, in the form the superblock's
// system-chunk array wants them.
func systemChunkArray(sortedChunks []DerivedChunk) []btrfs.SysChunk {
	var sysChunks []btrfs.SysChunk
	for _, dc := range sortedChunks {
		if !dc.Chunk.IsSystem() {
			continue
		}
		sysChunks = append(sysChunks, btrfs.SysChunk{
			Key: btrfs.Key{
				ObjectID: btrfs.FIRST_CHUNK_TREE_OBJECTID,
				ItemType: btrfsitem.CHUNK_ITEM_KEY,
				Offset:   uint64(dc.Chunk.LAddr()),
			},
			Chunk: dc.Chunk.Chunk,
		})
	}
	return sysChunks
}

// packSystemChunkArray marshals sysChunks into the superblock's
// fixed-size system-chunk array, in order, erroring if they don't fit.
func packSystemChunkArray(sysChunks []btrfs.SysChunk) (arr [0x800]byte, n int, err error) {
	for _, sc := range sysChunks {
		dat, err := sc.MarshalBinary()
		if err != nil {
			return arr, 0, fmt.Errorf("rebuild: marshal sys chunk: %w", err)
		}
		if n+len(dat) > len(arr) {
			return arr, 0, fmt.Errorf("rebuild: system-chunk array overflow: have %v system chunks", len(sysChunks))
		}
		n += copy(arr[n:], dat)
	}
	return arr, n, nil
}
