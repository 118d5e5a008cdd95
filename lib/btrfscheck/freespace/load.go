// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package freespace

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

// ErrInvalidCache is returned by LoadV1/LoadV2 when the stored cache
// fails validation; per spec.md §4.F step 5, the caller should discard
// any partial state and fall back to rebuilding from scratch.
var ErrInvalidCache = errors.New("freespace: invalid cache")

// Header mirrors the on-disk FreeSpaceHeader that LoadV1 looks up
// before following the free-space inode.
type Header struct {
	Generation  btrfsprim.Generation
	NumEntries  int64
	NumBitmaps  int64
}

// V1Source is the minimal contract LoadV1 needs from the tree
// primitive interface (component C) plus BlockIO (component A): look
// up the free-space header for a block group, find the free-space
// inode's on-disk bytes, and read a raw span of its content.
type V1Source interface {
	FreeSpaceHeader(blockGroup btrfsvol.LogicalAddr) (Header, bool, error)
	FreeSpaceInodeGeneration(blockGroup btrfsvol.LogicalAddr) (btrfsprim.Generation, int64, error)
	ReadFreeSpaceInode(blockGroup btrfsvol.LogicalAddr, isize int64) ([]byte, error)
}

const pageSize = 4096

// LoadV1 implements spec.md §4.F `load_v1`.
func LoadV1(src V1Source, blockGroup btrfsvol.LogicalAddr, csumType btrfssum.CSumType) (*Index, error) {
	hdr, ok, err := src.FreeSpaceHeader(blockGroup)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("freespace: no header for block group %v: %w", blockGroup, ErrInvalidCache)
	}

	inodeGen, isize, err := src.FreeSpaceInodeGeneration(blockGroup)
	if err != nil {
		return nil, err
	}
	if inodeGen != hdr.Generation {
		return nil, fmt.Errorf("freespace: header generation %v != inode generation %v for block group %v: %w",
			hdr.Generation, inodeGen, blockGroup, ErrInvalidCache)
	}

	buf, err := src.ReadFreeSpaceInode(blockGroup, isize)
	if err != nil {
		return nil, err
	}

	// Per page: one u32 checksum followed (across all pages) by a
	// trailing u64 generation, then the entry/bitmap payload itself.
	numPages := (len(buf) + pageSize - 1) / pageSize
	csumAreaLen := numPages*4 + 8
	if len(buf) < csumAreaLen {
		return nil, fmt.Errorf("freespace: inode too small for checksum area: %w", ErrInvalidCache)
	}

	storedGen := binary.LittleEndian.Uint64(buf[numPages*4 : csumAreaLen])
	if btrfsprim.Generation(storedGen) != hdr.Generation {
		return nil, fmt.Errorf("freespace: checksum-area generation mismatch: %w", ErrInvalidCache)
	}

	body := buf[csumAreaLen:]
	for i := 0; i < numPages; i++ {
		pageStart := i * pageSize
		pageEnd := pageStart + pageSize
		if pageEnd > len(body) {
			pageEnd = len(body)
		}
		if pageStart >= len(body) {
			break
		}
		want := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		got := crc32.Checksum(body[pageStart:pageEnd], crc32.MakeTable(crc32.Castagnoli))
		if want != got {
			return nil, fmt.Errorf("freespace: page %d checksum mismatch (block group %v): %w", i, blockGroup, ErrInvalidCache)
		}
	}

	idx := NewIndex(btrfsvol.AddrDelta(4096))

	const entrySize = 24 // offset(8) + bytes(8) + type(1), padded
	off := 0
	type rawEntry struct {
		offset btrfsvol.LogicalAddr
		bytes  btrfsvol.AddrDelta
		bitmap bool
	}
	var bitmapEntries []rawEntry
	for n := int64(0); n < hdr.NumEntries; n++ {
		if off+entrySize > len(body) {
			return nil, fmt.Errorf("freespace: truncated entry table: %w", ErrInvalidCache)
		}
		offset := btrfsvol.LogicalAddr(binary.LittleEndian.Uint64(body[off:]))
		bytes := btrfsvol.AddrDelta(binary.LittleEndian.Uint64(body[off+8:]))
		typ := body[off+16]
		off += entrySize
		if typ == 1 {
			bitmapEntries = append(bitmapEntries, rawEntry{offset, bytes, true})
		} else {
			if err := idx.Add(offset, bytes); err != nil {
				return nil, err
			}
		}
	}

	for _, be := range bitmapEntries {
		if off+4+pageSize > len(body) {
			return nil, fmt.Errorf("freespace: truncated bitmap payload: %w", ErrInvalidCache)
		}
		wantSum := binary.LittleEndian.Uint32(body[off:])
		page := body[off+4 : off+4+pageSize]
		gotSum := crc32.Checksum(page, crc32.MakeTable(crc32.Castagnoli))
		if wantSum != gotSum {
			return nil, fmt.Errorf("freespace: bitmap page checksum mismatch: %w", ErrInvalidCache)
		}
		idx.AddBitmap(be.offset, append([]byte(nil), page...))
		off += 4 + pageSize
	}

	idx.Merge()
	return idx, nil
}

// V2Source is the tree-walking contract LoadV2 needs: every
// FreeSpaceInfo/FreeSpaceBitmap/FreeSpaceExtent item whose key falls
// within [blockGroup, blockGroup+length).
type V2Source interface {
	FreeSpaceTreeItems(blockGroup btrfsvol.LogicalAddr, length btrfsvol.AddrDelta) ([]btrfstree.Item, error)
}

// LoadV2 implements spec.md §4.F `load_v2`.
func LoadV2(src V2Source, blockGroup btrfsvol.LogicalAddr, length btrfsvol.AddrDelta, unit btrfsvol.AddrDelta) (*Index, error) {
	items, err := src.FreeSpaceTreeItems(blockGroup, length)
	if err != nil {
		return nil, err
	}

	idx := NewIndex(unit)
	var sawInfo bool
	for _, item := range items {
		switch body := item.Body.(type) {
		case btrfsitem.FreeSpaceInfo:
			sawInfo = true
			_ = body
		case btrfsitem.FreeSpaceBitmap:
			offset := btrfsvol.LogicalAddr(item.Key.ObjectID)
			idx.AddBitmap(offset, []byte(body))
		default:
			// FREE_SPACE_EXTENT_KEY items carry no body payload; their
			// key alone (objectid=offset, offset=length) names the
			// free range.
			if item.Key.ItemType == btrfsprim.FREE_SPACE_EXTENT_KEY {
				if err := idx.Add(btrfsvol.LogicalAddr(item.Key.ObjectID), btrfsvol.AddrDelta(item.Key.Offset)); err != nil {
					return nil, err
				}
			}
		}
	}
	if !sawInfo {
		return nil, fmt.Errorf("freespace: no FreeSpaceInfo item for block group %v: %w", blockGroup, ErrInvalidCache)
	}

	if err := idx.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %w", err, ErrInvalidCache)
	}

	var total btrfsvol.AddrDelta
	idx.walkOrdered(func(e *Entry) bool {
		if e.end() > blockGroup.Add(length) || e.Offset < blockGroup {
			total = -1
			return false
		}
		return true
	})
	if total < 0 {
		return nil, fmt.Errorf("freespace: entry range exceeds block group bounds: %w", ErrInvalidCache)
	}

	return idx, nil
}

// sha256Sum is unused by the on-disk format (which uses CRC-32C
// throughout) but kept available for callers that want a
// stronger-than-CRC identity check when diffing two cache dumps
// (e.g. the round-trip test in spec.md §8).
func sha256Sum(b []byte) [32]byte { return sha256.Sum256(b) }
