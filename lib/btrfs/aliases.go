// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
)

type (
	// (u)int64 types

	Generation = btrfsprim.Generation
	ObjID      = btrfsprim.ObjID

	// complex types

	Key  = btrfsprim.Key
	Time = btrfsprim.Time
	UUID = btrfsprim.UUID
)

const (
	ROOT_TREE_OBJECTID        = btrfsprim.ROOT_TREE_OBJECTID
	EXTENT_TREE_OBJECTID      = btrfsprim.EXTENT_TREE_OBJECTID
	CHUNK_TREE_OBJECTID       = btrfsprim.CHUNK_TREE_OBJECTID
	DEV_TREE_OBJECTID         = btrfsprim.DEV_TREE_OBJECTID
	FS_TREE_OBJECTID          = btrfsprim.FS_TREE_OBJECTID
	ROOT_TREE_DIR_OBJECTID    = btrfsprim.ROOT_TREE_DIR_OBJECTID
	CSUM_TREE_OBJECTID        = btrfsprim.CSUM_TREE_OBJECTID
	QUOTA_TREE_OBJECTID       = btrfsprim.QUOTA_TREE_OBJECTID
	UUID_TREE_OBJECTID        = btrfsprim.UUID_TREE_OBJECTID
	FREE_SPACE_TREE_OBJECTID  = btrfsprim.FREE_SPACE_TREE_OBJECTID
	BLOCK_GROUP_TREE_OBJECTID = btrfsprim.BLOCK_GROUP_TREE_OBJECTID

	DEV_STATS_OBJECTID = btrfsprim.DEV_STATS_OBJECTID

	BALANCE_OBJECTID         = btrfsprim.BALANCE_OBJECTID
	ORPHAN_OBJECTID          = btrfsprim.ORPHAN_OBJECTID
	TREE_LOG_OBJECTID        = btrfsprim.TREE_LOG_OBJECTID
	TREE_LOG_FIXUP_OBJECTID  = btrfsprim.TREE_LOG_FIXUP_OBJECTID
	TREE_RELOC_OBJECTID      = btrfsprim.TREE_RELOC_OBJECTID
	DATA_RELOC_TREE_OBJECTID = btrfsprim.DATA_RELOC_TREE_OBJECTID
	EXTENT_CSUM_OBJECTID     = btrfsprim.EXTENT_CSUM_OBJECTID
	FREE_SPACE_OBJECTID      = btrfsprim.FREE_SPACE_OBJECTID
	FREE_INO_OBJECTID        = btrfsprim.FREE_INO_OBJECTID

	MULTIPLE_OBJECTIDS = btrfsprim.MULTIPLE_OBJECTIDS

	FIRST_FREE_OBJECTID = btrfsprim.FIRST_FREE_OBJECTID
	LAST_FREE_OBJECTID  = btrfsprim.LAST_FREE_OBJECTID

	DEV_ITEMS_OBJECTID        = btrfsprim.DEV_ITEMS_OBJECTID
	FIRST_CHUNK_TREE_OBJECTID = btrfsprim.FIRST_CHUNK_TREE_OBJECTID

	EMPTY_SUBVOL_DIR_OBJECTID = btrfsprim.EMPTY_SUBVOL_DIR_OBJECTID
)
