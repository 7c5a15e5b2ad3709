// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package chunkrecover reconstructs a filesystem's chunk tree from raw
// device scans, mimicking btrfs-progs cmds/rescue-chunk-recover.c but
// built on top of this module's own tree-reading and tree-writing
// primitives rather than the original's libbtrfs.
package chunkrecover

import (
	"reflect"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

// ChunkRecord is the authoritative description of one logical-to-physical
// mapping, as harvested from a CHUNK_ITEM leaf entry.
type ChunkRecord struct {
	Key        btrfs.Key
	Generation btrfs.Generation
	Chunk      btrfsitem.Chunk
}

func (r ChunkRecord) LAddr() btrfsvol.LogicalAddr {
	return btrfsvol.LogicalAddr(r.Key.Offset)
}

func (r ChunkRecord) Length() btrfsvol.AddrDelta {
	return r.Chunk.Head.Size
}

func (r ChunkRecord) IsSystem() bool {
	return r.Chunk.Head.Type.Has(btrfsvol.BLOCK_GROUP_SYSTEM)
}

func (a ChunkRecord) cmpRange(b ChunkRecord) int {
	return cmpInterval(a.LAddr(), a.LAddr().Add(a.Length()), b.LAddr(), b.LAddr().Add(b.Length()))
}

func (a ChunkRecord) equalPastGeneration(b ChunkRecord) bool {
	return a.Key == b.Key && reflect.DeepEqual(a.Chunk, b.Chunk)
}

// BlockGroupRecord is the extent-tree entry describing space accounting
// for one chunk.
type BlockGroupRecord struct {
	Key        btrfs.Key
	Generation btrfs.Generation
	BlockGroup btrfsitem.BlockGroup
}

func (r BlockGroupRecord) LAddr() btrfsvol.LogicalAddr {
	return btrfsvol.LogicalAddr(r.Key.ObjectID)
}

func (r BlockGroupRecord) Length() btrfsvol.AddrDelta {
	return btrfsvol.AddrDelta(r.Key.Offset)
}

func (a BlockGroupRecord) cmpRange(b BlockGroupRecord) int {
	return cmpInterval(a.LAddr(), a.LAddr().Add(a.Length()), b.LAddr(), b.LAddr().Add(b.Length()))
}

func (a BlockGroupRecord) equalPastGeneration(b BlockGroupRecord) bool {
	return a.Key == b.Key && a.BlockGroup == b.BlockGroup
}

// DeviceExtentRecord is the device-tree entry declaring that a region of
// one device backs a specific chunk.
type DeviceExtentRecord struct {
	Key        btrfs.Key
	Generation btrfs.Generation
	DevExtent  btrfsitem.DevExtent
}

func (r DeviceExtentRecord) DeviceID() btrfsvol.DeviceID {
	return btrfsvol.DeviceID(r.Key.ObjectID)
}

func (r DeviceExtentRecord) PAddr() btrfsvol.PhysicalAddr {
	return btrfsvol.PhysicalAddr(r.Key.Offset)
}

func (a DeviceExtentRecord) cmpRange(b DeviceExtentRecord) int {
	return cmpInterval(a.PAddr(), a.PAddr().Add(a.DevExtent.Length), b.PAddr(), b.PAddr().Add(b.DevExtent.Length))
}

func (a DeviceExtentRecord) equalPastGeneration(b DeviceExtentRecord) bool {
	return a.Key == b.Key && a.DevExtent == b.DevExtent
}

// DerivedChunk is a ChunkRecord after checking: it carries a back-pointer
// to its paired BlockGroupRecord (or nil) and to its list of
// DeviceExtentRecords (one per stripe, possibly incomplete).
type DerivedChunk struct {
	Chunk         ChunkRecord
	BlockGroup    *BlockGroupRecord
	DeviceExtents []DeviceExtentRecord

	// ENOENT is set by CrossCheck on a bad chunk whose block group
	// does not resolve in the persisted extent tree either, marking
	// it doubly unrecoverable rather than merely unconfirmed.
	ENOENT bool
}

func (dc DerivedChunk) complete() bool {
	return dc.BlockGroup != nil && len(dc.DeviceExtents) == int(dc.Chunk.Chunk.Head.NumStripes)
}

// cmpInterval returns <0 if [aBeg,aEnd) is wholly left of [bBeg,bEnd), >0
// if wholly to the right, and 0 if they overlap.
func cmpInterval[T interface{ ~int64 }](aBeg, aEnd, bBeg, bEnd T) int {
	switch {
	case aEnd <= bBeg:
		return -1
	case bEnd <= aBeg:
		return 1
	default:
		return 0
	}
}
