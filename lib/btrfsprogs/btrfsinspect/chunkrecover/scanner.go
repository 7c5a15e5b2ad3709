// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkrecover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
	"git.lukeshu.com/btrfs-progs-ng/lib/textui"
	"git.lukeshu.com/btrfs-progs-ng/lib/util"
)

// Scanner reads every device of a filesystem block-by-block, looking for
// leaves (level-0 nodes) of the chunk, extent, and device trees, and
// feeds whatever block-group, chunk, and device-extent items it finds
// into a RecordStore.
//
// Unlike btrfsutil.ScanForNodes (which this mirrors the shape of), the
// Scanner filters to leaves only, and fences each leaf's items by the
// owning tree's root generation, per the recovery tool's own rules
// rather than the generic node reader's.
type Scanner struct {
	Store *RecordStore

	// RootGeneration is the superblock's overall generation, the
	// fence for extent-tree and device-tree leaves.
	RootGeneration btrfs.Generation
	// ChunkRootGeneration is the superblock's chunk-root generation,
	// the fence for chunk-tree leaves.
	ChunkRootGeneration btrfs.Generation
}

// ScanDevice walks one device from offset 0 to EOF, submitting
// discovered records to s.Store.
func (s *Scanner) ScanDevice(ctx context.Context, dev *btrfs.Device, sb btrfs.Superblock) error {
	devSize := dev.Size()
	if sb.NodeSize < sb.SectorSize {
		return fmt.Errorf("node_size(%v) < sector_size(%v)", sb.NodeSize, sb.SectorSize)
	}

	progress := textui.NewProgress[textui.Portion[btrfsvol.PhysicalAddr]](ctx, dlog.LogLevelInfo, 1*time.Second)
	defer progress.Done()

	leafLevel := containers.Optional[uint8]{OK: true, Val: 0}

	for pos := btrfsvol.PhysicalAddr(0); pos+btrfsvol.PhysicalAddr(sb.NodeSize) < devSize; pos += btrfsvol.PhysicalAddr(sb.SectorSize) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if util.InSlice(pos, btrfs.SuperblockAddrs) {
			continue
		}

		progress.Set(textui.Portion[btrfsvol.PhysicalAddr]{N: pos, D: devSize})

		nodeRef, err := btrfs.ReadNode[btrfsvol.PhysicalAddr](dev, sb, pos, btrfs.NodeExpectations{
			Level: leafLevel,
		})
		if err != nil {
			if !errors.Is(err, btrfs.ErrNotANode) {
				// The UUID matched, so this really is a node
				// of this filesystem; it's just not a leaf
				// (or it's corrupt, or its generation/owner
				// didn't matter to ReadNode here since we
				// didn't constrain them). Either way it still
				// occupies a full node's worth of space, so
				// skip past it like a hit instead of
				// continuing at the sector stride.
				pos += btrfsvol.PhysicalAddr(sb.NodeSize) - btrfsvol.PhysicalAddr(sb.SectorSize)
			}
			continue
		}

		if err := s.submitLeaf(nodeRef.Data); err != nil {
			return fmt.Errorf("dev[%q]@%v: %w", dev.Name(), pos, err)
		}

		pos += btrfsvol.PhysicalAddr(sb.NodeSize) - btrfsvol.PhysicalAddr(sb.SectorSize)
	}

	progress.Set(textui.Portion[btrfsvol.PhysicalAddr]{N: devSize, D: devSize})
	return nil
}

func (s *Scanner) submitLeaf(node btrfs.Node) error {
	var maxGeneration btrfs.Generation
	switch node.Head.Owner {
	case btrfs.EXTENT_TREE_OBJECTID, btrfs.DEV_TREE_OBJECTID:
		maxGeneration = s.RootGeneration
	case btrfs.CHUNK_TREE_OBJECTID:
		maxGeneration = s.ChunkRootGeneration
	default:
		return nil
	}
	if node.Head.Generation > maxGeneration {
		return nil
	}

	for _, item := range node.BodyLeaf {
		switch item.Key.ItemType {
		case btrfsitem.CHUNK_ITEM_KEY:
			chunk, ok := item.Body.(btrfsitem.Chunk)
			if !ok {
				continue
			}
			if err := s.Store.Chunks.Insert(ChunkRecord{
				Key:        item.Key,
				Generation: node.Head.Generation,
				Chunk:      chunk,
			}); err != nil {
				return err
			}
		case btrfsitem.BLOCK_GROUP_ITEM_KEY:
			bg, ok := item.Body.(btrfsitem.BlockGroup)
			if !ok {
				continue
			}
			if err := s.Store.BlockGroups.Insert(BlockGroupRecord{
				Key:        item.Key,
				Generation: node.Head.Generation,
				BlockGroup: bg,
			}); err != nil {
				return err
			}
		case btrfsitem.DEV_EXTENT_KEY:
			devext, ok := item.Body.(btrfsitem.DevExtent)
			if !ok {
				continue
			}
			if err := s.Store.DeviceExtents.Insert(DeviceExtentRecord{
				Key:        item.Key,
				Generation: node.Head.Generation,
				DevExtent:  devext,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
