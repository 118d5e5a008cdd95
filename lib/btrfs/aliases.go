// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/diskio"
)

// ReadableFS is everything that's needed to open a btrfs filesystem
// read-only and walk it via the modern, context-based Tree/Forrest
// API: a name for diagnostics, tree lookup, node acquisition, and raw
// logical-address reads. *btrfsutil.RebuiltForrest and
// *btrfscheck/ebcache.Arena both implement it.
type ReadableFS interface {
	Name() string
	btrfstree.Forrest
	btrfstree.NodeSource
	diskio.ReaderAt[btrfsvol.LogicalAddr]
}

type (
	// (u)int64 types

	Generation = btrfsprim.Generation
	ObjID      = btrfsprim.ObjID

	// complex types

	Key  = btrfsprim.Key
	Time = btrfsprim.Time
	UUID = btrfsprim.UUID

	// superblock types

	Superblock    = btrfstree.Superblock
	SysChunk      = btrfstree.SysChunk
	RootBackup    = btrfstree.RootBackup
	IncompatFlags = btrfstree.IncompatFlags
)

const (
	FeatureIncompatMixedBackref  = btrfstree.FeatureIncompatMixedBackref
	FeatureIncompatDefaultSubvol = btrfstree.FeatureIncompatDefaultSubvol
	FeatureIncompatMixedGroups   = btrfstree.FeatureIncompatMixedGroups
	FeatureIncompatCompressLZO   = btrfstree.FeatureIncompatCompressLZO
	FeatureIncompatCompressZSTD  = btrfstree.FeatureIncompatCompressZSTD
	FeatureIncompatBigMetadata   = btrfstree.FeatureIncompatBigMetadata
	FeatureIncompatExtendedIRef  = btrfstree.FeatureIncompatExtendedIRef
	FeatureIncompatRAID56        = btrfstree.FeatureIncompatRAID56
	FeatureIncompatSkinnyMetadata = btrfstree.FeatureIncompatSkinnyMetadata
	FeatureIncompatNoHoles       = btrfstree.FeatureIncompatNoHoles
	FeatureIncompatMetadataUUID  = btrfstree.FeatureIncompatMetadataUUID
	FeatureIncompatRAID1C34      = btrfstree.FeatureIncompatRAID1C34
	FeatureIncompatZoned         = btrfstree.FeatureIncompatZoned
	FeatureIncompatExtentTreeV2  = btrfstree.FeatureIncompatExtentTreeV2
)
