// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsimage implements the on-disk format of a btrfs-image
// metadump: a compressed, chunked dump of a filesystem's metadata
// (and optionally data) blocks, addressed by their logical bytenr
// rather than by their position in the dump file.
package btrfsimage

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
)

// HeaderMagic identifies a metadump cluster header, same bit pattern
// btrfs-image has used since the format's introduction.
const HeaderMagic = 0xbd5c25e27295668b

// BlockSize is the granularity that cluster data is grouped and
// padded to; it has nothing to do with the filesystem's own sector
// or node size.
const BlockSize = 1024

// MaxPendingSize bounds how much raw (pre-compression) data a Writer
// accumulates before flushing a cluster.
const MaxPendingSize = 256 * 1024

// ClusterHeader is the fixed-size header at the front of every
// cluster: the cluster's own bytenr (for self-consistency checking
// on restore), how many ClusterItems follow, and whether the bytes
// after the item table are compressed.
//
// PayloadSize is the on-wire (possibly compressed) length of the
// payload that follows the item table; the upstream C tool instead
// over-allocates a fixed 2x buffer and lets zlib's stream framing
// find its own end, which Go's zlib reader doesn't support against
// an unbounded io.Reader, so this Go implementation records the
// length explicitly instead.
type ClusterHeader struct {
	Magic         uint64       `bin:"off=0x0,  siz=0x8"`
	Bytenr        uint64       `bin:"off=0x8,  siz=0x8"`
	NumItems      uint32       `bin:"off=0x10, siz=0x4"`
	Compress      CompressType `bin:"off=0x14, siz=0x1"`
	PayloadSize   uint32       `bin:"off=0x15, siz=0x4"`
	binstruct.End `bin:"off=0x19"`
}

// ClusterItem indexes one dumped block within a cluster: its
// original logical bytenr and its uncompressed size. The blocks
// follow the item table concatenated in item order, and compression
// (if any) applies to that whole payload.
type ClusterItem struct {
	Bytenr        uint64 `bin:"off=0x0, siz=0x8"`
	Size          uint32 `bin:"off=0x8, siz=0x4"`
	binstruct.End `bin:"off=0xc"`
}

var (
	clusterHeaderSize = binstruct.StaticSize(ClusterHeader{})
	clusterItemSize   = binstruct.StaticSize(ClusterItem{})
)

// itemsPerClusterDivisor is the size of a cluster's first block, which
// holds the ClusterHeader and the ClusterItem table; itemsPerCluster
// reports how many ClusterItems fit in it alongside the header.
const itemsPerClusterDivisor = BlockSize

func itemsPerCluster() int {
	return (itemsPerClusterDivisor - clusterHeaderSize) / clusterItemSize
}
