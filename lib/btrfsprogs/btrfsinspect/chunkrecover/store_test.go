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

func chunkRecordAt(laddr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta, generation btrfs.Generation) chunkrecover.ChunkRecord {
	return chunkrecover.ChunkRecord{
		Key: btrfs.Key{
			ObjectID: btrfs.FIRST_CHUNK_TREE_OBJECTID,
			ItemType: btrfsitem.CHUNK_ITEM_KEY,
			Offset:   uint64(laddr),
		},
		Generation: generation,
		Chunk: btrfsitem.Chunk{
			Head: btrfsitem.ChunkHeader{
				Size:       length,
				NumStripes: 1,
			},
			Stripes: []btrfsitem.ChunkStripe{
				{DeviceID: 1, Offset: 0},
			},
		},
	}
}

func TestChunkStoreInsertIdempotent(t *testing.T) {
	t.Parallel()
	store := chunkrecover.NewChunkStore()
	rec := chunkRecordAt(0, 0x1000, 5)

	require.NoError(t, store.Insert(rec))
	require.NoError(t, store.Insert(rec))

	assert.Equal(t, 1, store.Len())
}

func TestChunkStoreNewerGenerationWins(t *testing.T) {
	t.Parallel()
	store := chunkrecover.NewChunkStore()

	older := chunkRecordAt(0, 0x1000, 5)
	newer := chunkRecordAt(0, 0x1000, 7)
	newer.Chunk.Stripes[0].Offset = 0x4000

	require.NoError(t, store.Insert(older))
	require.NoError(t, store.Insert(newer))

	assert.Equal(t, 1, store.Len())
	got, ok := store.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, btrfs.Generation(7), got.Generation)
	assert.Equal(t, btrfsvol.PhysicalAddr(0x4000), got.Chunk.Stripes[0].Offset)
}

func TestChunkStoreOlderGenerationDiscarded(t *testing.T) {
	t.Parallel()
	store := chunkrecover.NewChunkStore()

	newer := chunkRecordAt(0, 0x1000, 7)
	older := chunkRecordAt(0, 0x1000, 5)

	require.NoError(t, store.Insert(newer))
	require.NoError(t, store.Insert(older))

	assert.Equal(t, 1, store.Len())
	got, ok := store.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, btrfs.Generation(7), got.Generation)
}

func TestChunkStoreEqualGenerationConflict(t *testing.T) {
	t.Parallel()
	store := chunkrecover.NewChunkStore()

	a := chunkRecordAt(0, 0x1000, 5)
	b := chunkRecordAt(0, 0x1000, 5)
	b.Chunk.Stripes[0].Offset = 0x4000

	require.NoError(t, store.Insert(a))
	err := store.Insert(b)
	assert.ErrorIs(t, err, chunkrecover.ErrInconsistentDuplicate)
	assert.Equal(t, 1, store.Len())
}

func TestChunkStoreEqualGenerationIdenticalIsIdempotent(t *testing.T) {
	t.Parallel()
	store := chunkrecover.NewChunkStore()

	a := chunkRecordAt(0, 0x1000, 5)
	b := chunkRecordAt(0, 0x1000, 5)

	require.NoError(t, store.Insert(a))
	require.NoError(t, store.Insert(b))
	assert.Equal(t, 1, store.Len())
}

func TestDeviceExtentStoreKeyedPerDevice(t *testing.T) {
	t.Parallel()
	store := chunkrecover.NewDeviceExtentStore()

	rec1 := chunkrecover.DeviceExtentRecord{
		Key: btrfs.Key{
			ObjectID: 1,
			ItemType: btrfsitem.DEV_EXTENT_KEY,
			Offset:   0x1000,
		},
		Generation: 1,
		DevExtent: btrfsitem.DevExtent{
			ChunkOffset: 0,
			Length:      0x1000,
		},
	}
	rec2 := rec1
	rec2.Key.ObjectID = 2

	require.NoError(t, store.Insert(rec1))
	require.NoError(t, store.Insert(rec2))

	assert.Equal(t, 2, store.Len())
	got, ok := store.Lookup(1, 0x1000, 0x1000)
	require.True(t, ok)
	assert.Equal(t, btrfsvol.DeviceID(1), got.DeviceID())
}
