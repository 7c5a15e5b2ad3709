// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkrecover_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfsprogs/btrfsinspect/chunkrecover"
)

func populatedChunk(t *testing.T, store *chunkrecover.RecordStore, laddr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta, flags btrfsvol.BlockGroupFlags, withDevExtents bool) {
	t.Helper()

	chunkKey := btrfs.Key{
		ObjectID: btrfs.FIRST_CHUNK_TREE_OBJECTID,
		ItemType: btrfsitem.CHUNK_ITEM_KEY,
		Offset:   uint64(laddr),
	}
	require.NoError(t, store.Chunks.Insert(chunkrecover.ChunkRecord{
		Key:        chunkKey,
		Generation: 10,
		Chunk: btrfsitem.Chunk{
			Head: btrfsitem.ChunkHeader{
				Size:       length,
				Type:       flags,
				NumStripes: 1,
			},
			Stripes: []btrfsitem.ChunkStripe{
				{DeviceID: 1, Offset: btrfsvol.PhysicalAddr(laddr)},
			},
		},
	}))

	require.NoError(t, store.BlockGroups.Insert(chunkrecover.BlockGroupRecord{
		Key: btrfs.Key{
			ObjectID: btrfs.ObjID(laddr),
			ItemType: btrfsitem.BLOCK_GROUP_ITEM_KEY,
			Offset:   uint64(length),
		},
		Generation: 10,
		BlockGroup: btrfsitem.BlockGroup{Flags: flags},
	}))

	if withDevExtents {
		require.NoError(t, store.DeviceExtents.Insert(chunkrecover.DeviceExtentRecord{
			Key: btrfs.Key{
				ObjectID: 1,
				ItemType: btrfsitem.DEV_EXTENT_KEY,
				Offset:   uint64(laddr),
			},
			Generation: 10,
			DevExtent: btrfsitem.DevExtent{
				ChunkOffset: laddr,
				Length:      length,
			},
		}))
	}
}

func TestCheckerGoodChunk(t *testing.T) {
	t.Parallel()
	store := chunkrecover.NewRecordStore()
	populatedChunk(t, store, 0, 0x1000, btrfsvol.BLOCK_GROUP_DATA, true)

	result := chunkrecover.NewChecker(store).Run()

	require.Len(t, result.GoodChunks, 1)
	assert.Empty(t, result.BadChunks)
	assert.Empty(t, result.OrphanBlockGroups)
	assert.Empty(t, result.OrphanDeviceExtents)

	dc := result.GoodChunks[0]
	require.NotNil(t, dc.BlockGroup)
	assert.Len(t, dc.DeviceExtents, 1)
}

func TestCheckerMissingDeviceExtentIsBad(t *testing.T) {
	t.Parallel()
	store := chunkrecover.NewRecordStore()
	populatedChunk(t, store, 0, 0x1000, btrfsvol.BLOCK_GROUP_DATA, false)

	result := chunkrecover.NewChecker(store).Run()

	assert.Empty(t, result.GoodChunks)
	require.Len(t, result.BadChunks, 1)
}

func TestCheckerOrphanBlockGroup(t *testing.T) {
	t.Parallel()
	store := chunkrecover.NewRecordStore()
	require.NoError(t, store.BlockGroups.Insert(chunkrecover.BlockGroupRecord{
		Key: btrfs.Key{
			ObjectID: 0,
			ItemType: btrfsitem.BLOCK_GROUP_ITEM_KEY,
			Offset:   0x1000,
		},
		Generation: 1,
		BlockGroup: btrfsitem.BlockGroup{Flags: btrfsvol.BLOCK_GROUP_DATA},
	}))

	result := chunkrecover.NewChecker(store).Run()

	assert.Empty(t, result.GoodChunks)
	assert.Empty(t, result.BadChunks)
	require.Len(t, result.OrphanBlockGroups, 1)
}

func TestCheckerEveryChunkPartitioned(t *testing.T) {
	t.Parallel()
	store := chunkrecover.NewRecordStore()
	populatedChunk(t, store, 0, 0x1000, btrfsvol.BLOCK_GROUP_SYSTEM, true)
	populatedChunk(t, store, 0x1000, 0x2000, btrfsvol.BLOCK_GROUP_DATA, false)

	result := chunkrecover.NewChecker(store).Run()

	assert.Equal(t, store.Chunks.Len(), len(result.GoodChunks)+len(result.BadChunks))
}
