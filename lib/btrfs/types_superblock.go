// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
)

type (
	Superblock    = btrfstree.Superblock
	SysChunk      = btrfstree.SysChunk
	RootBackup    = btrfstree.RootBackup
	IncompatFlags = btrfstree.IncompatFlags
)

const (
	FeatureIncompatMixedBackref   = btrfstree.FeatureIncompatMixedBackref
	FeatureIncompatDefaultSubvol  = btrfstree.FeatureIncompatDefaultSubvol
	FeatureIncompatMixedGroups    = btrfstree.FeatureIncompatMixedGroups
	FeatureIncompatCompressLZO    = btrfstree.FeatureIncompatCompressLZO
	FeatureIncompatCompressZSTD   = btrfstree.FeatureIncompatCompressZSTD
	FeatureIncompatBigMetadata    = btrfstree.FeatureIncompatBigMetadata
	FeatureIncompatExtendedIRef   = btrfstree.FeatureIncompatExtendedIRef
	FeatureIncompatRAID56         = btrfstree.FeatureIncompatRAID56
	FeatureIncompatSkinnyMetadata = btrfstree.FeatureIncompatSkinnyMetadata
	FeatureIncompatNoHoles        = btrfstree.FeatureIncompatNoHoles
	FeatureIncompatMetadataUUID   = btrfstree.FeatureIncompatMetadataUUID
	FeatureIncompatRAID1C34       = btrfstree.FeatureIncompatRAID1C34
	FeatureIncompatZoned          = btrfstree.FeatureIncompatZoned
	FeatureIncompatExtentTreeV2   = btrfstree.FeatureIncompatExtentTreeV2
)
