// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkrecover

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

func derivedChunk(laddr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta, sys bool) DerivedChunk {
	typ := btrfsvol.BLOCK_GROUP_DATA
	if sys {
		typ = btrfsvol.BLOCK_GROUP_SYSTEM
	}
	return DerivedChunk{
		Chunk: ChunkRecord{
			Key: btrfs.Key{
				ObjectID: btrfs.FIRST_CHUNK_TREE_OBJECTID,
				ItemType: btrfsitem.CHUNK_ITEM_KEY,
				Offset:   uint64(laddr),
			},
			Chunk: btrfsitem.Chunk{
				Head: btrfsitem.ChunkHeader{
					Size: length,
					Type: typ,
				},
			},
		},
	}
}

func TestSortChunksByLAddr(t *testing.T) {
	t.Parallel()
	in := []DerivedChunk{
		derivedChunk(0x3000, 0x1000, false),
		derivedChunk(0x1000, 0x1000, false),
		derivedChunk(0x2000, 0x1000, false),
	}

	out := sortChunksByLAddr(in)

	require.Len(t, out, 3)
	assert.Equal(t, btrfsvol.LogicalAddr(0x1000), out[0].Chunk.LAddr())
	assert.Equal(t, btrfsvol.LogicalAddr(0x2000), out[1].Chunk.LAddr())
	assert.Equal(t, btrfsvol.LogicalAddr(0x3000), out[2].Chunk.LAddr())

	// The input slice itself is untouched.
	assert.Equal(t, btrfsvol.LogicalAddr(0x3000), in[0].Chunk.LAddr())
}

func TestSystemChunkArraySelectsSystemChunksOnly(t *testing.T) {
	t.Parallel()
	sorted := []DerivedChunk{
		derivedChunk(0x1000, 0x1000, true),
		derivedChunk(0x2000, 0x1000, false),
		derivedChunk(0x3000, 0x1000, true),
	}

	sysChunks := systemChunkArray(sorted)

	require.Len(t, sysChunks, 2)
	assert.Equal(t, uint64(0x1000), sysChunks[0].Key.Offset)
	assert.Equal(t, uint64(0x3000), sysChunks[1].Key.Offset)
}

func TestPackSystemChunkArrayRoundTrips(t *testing.T) {
	t.Parallel()
	sorted := []DerivedChunk{
		derivedChunk(0x1000, 0x1000, true),
		derivedChunk(0x2000, 0x2000, true),
	}
	sysChunks := systemChunkArray(sorted)

	arr, n, err := packSystemChunkArray(sysChunks)
	require.NoError(t, err)
	require.Positive(t, n)

	sb := btrfs.Superblock{
		SysChunkArraySize: uint32(n),
		SysChunkArray:     arr,
	}
	parsed, err := sb.ParseSysChunkArray()
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, sysChunks[0].Key, parsed[0].Key)
	assert.Equal(t, sysChunks[1].Key, parsed[1].Key)
}

func TestPackSystemChunkArrayOverflow(t *testing.T) {
	t.Parallel()
	// A single stripe-less SYSTEM chunk item still costs several
	// dozen bytes once marshaled; comfortably more than 0x800/64 of
	// them overflows the fixed-size array.
	var sorted []DerivedChunk
	for i := 0; i < 128; i++ {
		sorted = append(sorted, derivedChunk(btrfsvol.LogicalAddr(i+1)*0x1000, 0x1000, true))
	}
	sysChunks := systemChunkArray(sorted)

	_, _, err := packSystemChunkArray(sysChunks)
	require.Error(t, err)
}

func TestSortedDeviceIDs(t *testing.T) {
	t.Parallel()
	m := map[btrfsvol.DeviceID]int{3: 0, 1: 0, 2: 0}

	ids := sortedDeviceIDs(m)

	assert.Equal(t, []btrfsvol.DeviceID{1, 2, 3}, ids)
}
