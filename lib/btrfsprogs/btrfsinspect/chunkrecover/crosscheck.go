// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkrecover

import (
	"errors"
	iofs "io/fs"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
)

// treeLookuper is the slice of *btrfs.FS that CrossCheck actually needs;
// narrowing to it lets tests exercise the demotion/ENOENT logic below
// against a fake tree instead of a fully opened filesystem.
type treeLookuper interface {
	TreeLookup(treeID btrfs.ObjID, key btrfs.Key) (btrfs.Item, error)
}

// CrossCheck re-verifies chunks the Checker called good against the
// persisted device and extent trees, once those trees can be opened
// using the in-memory good-chunk mapping. The Checker only had scanned
// leaves to go on, some of which may be stale copies that no longer
// belong to the live tree; once the tree roots are reachable, the
// persisted state overrides scanned evidence.
type CrossCheck struct {
	FS treeLookuper
}

// Run re-examines every chunk in result.GoodChunks, demoting any that
// fail, and returns the updated result. Chunks already marked bad are
// given a lighter-weight re-check: only their block-group pairing is
// confirmed, since a bad chunk's stripe list is not trusted.
func (cc *CrossCheck) Run(result CheckResult) CheckResult {
	var stillGood, demoted []DerivedChunk
	for _, dc := range result.GoodChunks {
		if cc.verifyGood(dc) {
			stillGood = append(stillGood, dc)
		} else {
			demoted = append(demoted, dc)
		}
	}
	result.GoodChunks = stillGood
	result.BadChunks = append(result.BadChunks, demoted...)

	for i, dc := range result.BadChunks {
		result.BadChunks[i].ENOENT = cc.resolvesToENOENT(dc)
	}

	return result
}

func (cc *CrossCheck) verifyGood(dc DerivedChunk) bool {
	for _, stripe := range dc.Chunk.Chunk.Stripes {
		key := btrfs.Key{
			ObjectID: btrfs.ObjID(stripe.DeviceID),
			ItemType: btrfsitem.DEV_EXTENT_KEY,
			Offset:   uint64(stripe.Offset),
		}
		item, err := cc.FS.TreeLookup(btrfs.DEV_TREE_OBJECTID, key)
		if err != nil {
			return false
		}
		devext, ok := item.Body.(btrfsitem.DevExtent)
		if !ok || devext.ChunkOffset != dc.Chunk.LAddr() {
			return false
		}
	}

	return cc.verifyBlockGroup(dc)
}

func (cc *CrossCheck) verifyBlockGroup(dc DerivedChunk) bool {
	key := btrfs.Key{
		ObjectID: btrfs.ObjID(dc.Chunk.LAddr()),
		ItemType: btrfsitem.BLOCK_GROUP_ITEM_KEY,
		Offset:   uint64(dc.Chunk.Length()),
	}
	item, err := cc.FS.TreeLookup(btrfs.EXTENT_TREE_OBJECTID, key)
	if err != nil {
		return false
	}
	bg, ok := item.Body.(btrfsitem.BlockGroup)
	if !ok {
		return false
	}
	return bg.Flags == dc.Chunk.Chunk.Head.Type
}

// resolvesToENOENT reports whether a bad chunk's block group cannot be
// found at all in the persisted extent tree, i.e. it is doubly
// unrecoverable rather than merely unconfirmed.
func (cc *CrossCheck) resolvesToENOENT(dc DerivedChunk) bool {
	key := btrfs.Key{
		ObjectID: btrfs.ObjID(dc.Chunk.LAddr()),
		ItemType: btrfsitem.BLOCK_GROUP_ITEM_KEY,
		Offset:   uint64(dc.Chunk.Length()),
	}
	_, err := cc.FS.TreeLookup(btrfs.EXTENT_TREE_OBJECTID, key)
	return errors.Is(err, iofs.ErrNotExist)
}
