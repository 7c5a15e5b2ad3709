// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkrecover_test

import (
	iofs "io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfsprogs/btrfsinspect/chunkrecover"
)

// fakeTree is a stand-in for *btrfs.FS that answers TreeLookup from a
// fixed item map, keyed by (treeID, key), so CrossCheck's demotion logic
// can be exercised without opening a real filesystem.
type fakeTree struct {
	items map[btrfs.ObjID]map[btrfs.Key]btrfs.Item
}

func newFakeTree() *fakeTree {
	return &fakeTree{items: make(map[btrfs.ObjID]map[btrfs.Key]btrfs.Item)}
}

func (t *fakeTree) put(treeID btrfs.ObjID, item btrfs.Item) {
	tree, ok := t.items[treeID]
	if !ok {
		tree = make(map[btrfs.Key]btrfs.Item)
		t.items[treeID] = tree
	}
	tree[item.Key] = item
}

func (t *fakeTree) TreeLookup(treeID btrfs.ObjID, key btrfs.Key) (btrfs.Item, error) {
	if item, ok := t.items[treeID][key]; ok {
		return item, nil
	}
	return btrfs.Item{}, iofs.ErrNotExist
}

func goodDerivedChunk(laddr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta) chunkrecover.DerivedChunk {
	return chunkrecover.DerivedChunk{
		Chunk: chunkrecover.ChunkRecord{
			Key: btrfs.Key{
				ObjectID: btrfs.FIRST_CHUNK_TREE_OBJECTID,
				ItemType: btrfsitem.CHUNK_ITEM_KEY,
				Offset:   uint64(laddr),
			},
			Chunk: btrfsitem.Chunk{
				Head: btrfsitem.ChunkHeader{
					Size:       length,
					Type:       btrfsvol.BLOCK_GROUP_DATA,
					NumStripes: 1,
				},
				Stripes: []btrfsitem.ChunkStripe{
					{DeviceID: 1, Offset: btrfsvol.PhysicalAddr(laddr)},
				},
			},
		},
	}
}

func seedGoodTree(tree *fakeTree, dc chunkrecover.DerivedChunk) {
	for _, stripe := range dc.Chunk.Chunk.Stripes {
		tree.put(btrfs.DEV_TREE_OBJECTID, btrfs.Item{
			Key: btrfs.Key{
				ObjectID: btrfs.ObjID(stripe.DeviceID),
				ItemType: btrfsitem.DEV_EXTENT_KEY,
				Offset:   uint64(stripe.Offset),
			},
			Body: btrfsitem.DevExtent{ChunkOffset: dc.Chunk.LAddr(), Length: dc.Chunk.Length()},
		})
	}
	tree.put(btrfs.EXTENT_TREE_OBJECTID, btrfs.Item{
		Key: btrfs.Key{
			ObjectID: btrfs.ObjID(dc.Chunk.LAddr()),
			ItemType: btrfsitem.BLOCK_GROUP_ITEM_KEY,
			Offset:   uint64(dc.Chunk.Length()),
		},
		Body: btrfsitem.BlockGroup{Flags: dc.Chunk.Chunk.Head.Type},
	})
}

func TestCrossCheckGoodChunkSurvives(t *testing.T) {
	t.Parallel()
	dc := goodDerivedChunk(0, 0x1000)
	tree := newFakeTree()
	seedGoodTree(tree, dc)

	cc := &chunkrecover.CrossCheck{FS: tree}
	result := cc.Run(chunkrecover.CheckResult{GoodChunks: []chunkrecover.DerivedChunk{dc}})

	assert.Len(t, result.GoodChunks, 1)
	assert.Empty(t, result.BadChunks)
}

func TestCrossCheckDemotesOnMissingDeviceExtent(t *testing.T) {
	t.Parallel()
	dc := goodDerivedChunk(0, 0x1000)
	tree := newFakeTree()
	// Seed only the block group, not the device extent.
	tree.put(btrfs.EXTENT_TREE_OBJECTID, btrfs.Item{
		Key: btrfs.Key{
			ObjectID: btrfs.ObjID(dc.Chunk.LAddr()),
			ItemType: btrfsitem.BLOCK_GROUP_ITEM_KEY,
			Offset:   uint64(dc.Chunk.Length()),
		},
		Body: btrfsitem.BlockGroup{Flags: dc.Chunk.Chunk.Head.Type},
	})

	cc := &chunkrecover.CrossCheck{FS: tree}
	result := cc.Run(chunkrecover.CheckResult{GoodChunks: []chunkrecover.DerivedChunk{dc}})

	assert.Empty(t, result.GoodChunks)
	require.Len(t, result.BadChunks, 1)
}

func TestCrossCheckDemotesOnBlockGroupMismatch(t *testing.T) {
	t.Parallel()
	dc := goodDerivedChunk(0, 0x1000)
	tree := newFakeTree()
	seedGoodTree(tree, dc)
	// Overwrite the block group with a mismatched flag set, as if the
	// persisted extent tree no longer agrees with the scanned chunk.
	tree.put(btrfs.EXTENT_TREE_OBJECTID, btrfs.Item{
		Key: btrfs.Key{
			ObjectID: btrfs.ObjID(dc.Chunk.LAddr()),
			ItemType: btrfsitem.BLOCK_GROUP_ITEM_KEY,
			Offset:   uint64(dc.Chunk.Length()),
		},
		Body: btrfsitem.BlockGroup{Flags: btrfsvol.BLOCK_GROUP_SYSTEM},
	})

	cc := &chunkrecover.CrossCheck{FS: tree}
	result := cc.Run(chunkrecover.CheckResult{GoodChunks: []chunkrecover.DerivedChunk{dc}})

	assert.Empty(t, result.GoodChunks)
	require.Len(t, result.BadChunks, 1)
}

func TestCrossCheckBadChunkResolvesToENOENT(t *testing.T) {
	t.Parallel()
	dc := goodDerivedChunk(0, 0x1000)
	tree := newFakeTree() // nothing seeded at all

	cc := &chunkrecover.CrossCheck{FS: tree}
	result := cc.Run(chunkrecover.CheckResult{BadChunks: []chunkrecover.DerivedChunk{dc}})

	require.Len(t, result.BadChunks, 1)
	assert.True(t, result.BadChunks[0].ENOENT)
}

func TestCrossCheckBadChunkNotENOENTWhenBlockGroupExists(t *testing.T) {
	t.Parallel()
	dc := goodDerivedChunk(0, 0x1000)
	tree := newFakeTree()
	// The block group exists, just with the wrong flags; this chunk is
	// unconfirmed, not doubly unrecoverable.
	tree.put(btrfs.EXTENT_TREE_OBJECTID, btrfs.Item{
		Key: btrfs.Key{
			ObjectID: btrfs.ObjID(dc.Chunk.LAddr()),
			ItemType: btrfsitem.BLOCK_GROUP_ITEM_KEY,
			Offset:   uint64(dc.Chunk.Length()),
		},
		Body: btrfsitem.BlockGroup{Flags: btrfsvol.BLOCK_GROUP_SYSTEM},
	})

	cc := &chunkrecover.CrossCheck{FS: tree}
	result := cc.Run(chunkrecover.CheckResult{BadChunks: []chunkrecover.DerivedChunk{dc}})

	require.Len(t, result.BadChunks, 1)
	assert.False(t, result.BadChunks[0].ENOENT)
}
