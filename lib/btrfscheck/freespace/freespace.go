// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package freespace implements the per-block-group free-space index
// (the "FreeSpaceCore") described in spec.md §4.F: an ordered set of
// extent and bitmap entries, kept merged, that the checker derives
// independently from walking block groups and then reconciles against
// the on-disk v1 inode cache or v2 free-space tree.
package freespace

import (
	"fmt"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
)

// BitsPerBitmap matches BTRFS_FSC_BITS_PER_BITMAP: a bitmap entry
// covers this many `unit`-sized blocks.
const BitsPerBitmap = 4096 * 8 // S*8 for S=4096; callers with a
// different sector size should scale accordingly via NewIndex's unit
// parameter.

// EntryKind discriminates the two FreeSpaceEntry shapes in spec.md §3.
type EntryKind int

const (
	KindExtent EntryKind = iota
	KindBitmap
)

// Entry is one FreeSpaceEntry: either a plain extent, or a bitmap
// spanning BitsPerBitmap*Unit bytes starting at Offset.
type Entry struct {
	Kind   EntryKind
	Offset btrfsvol.LogicalAddr
	Bytes  btrfsvol.AddrDelta

	// Bitmap is nil unless Kind == KindBitmap; one bit per Unit bytes
	// starting at Offset, set meaning "free".
	Bitmap []byte
}

func (e *Entry) end() btrfsvol.LogicalAddr { return e.Offset.Add(e.Bytes) }

// Index is the FreeSpaceCore for one BlockGroup.
type Index struct {
	Unit btrfsvol.AddrDelta

	entries containers.RBTree[containers.NativeOrdered[btrfsvol.LogicalAddr], *Entry]

	FreeSpace    btrfsvol.AddrDelta
	FreeExtents  int
	TotalBitmaps int
}

// NewIndex constructs an empty Index; unit is normally the sector
// size S.
func NewIndex(unit btrfsvol.AddrDelta) *Index {
	idx := &Index{Unit: unit}
	idx.entries.KeyFn = func(e *Entry) containers.NativeOrdered[btrfsvol.LogicalAddr] {
		return containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: e.Offset}
	}
	return idx
}

func (idx *Index) walkOrdered(fn func(*Entry) bool) {
	_ = idx.entries.Walk(func(n *containers.RBNode[*Entry]) error {
		if !fn(n.Value) {
			return errStopWalk
		}
		return nil
	})
}

var errStopWalk = fmt.Errorf("freespace: stop walk") //nolint:errname // internal sentinel, never escapes this package

func (idx *Index) searchLE(offset btrfsvol.LogicalAddr) *Entry {
	// The rightmost entry whose Offset <= offset.
	var found *Entry
	idx.walkOrdered(func(e *Entry) bool {
		if e.Offset <= offset {
			found = e
			return true
		}
		return false
	})
	return found
}

func (idx *Index) delete(e *Entry) {
	idx.entries.Delete(containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: e.Offset})
}

// Add implements spec.md §4.F `add`: insert a free extent, then merge
// with the adjacent right entry (if non-bitmap and abutting) and the
// adjacent left entry (same rule).
func (idx *Index) Add(offset btrfsvol.LogicalAddr, bytes btrfsvol.AddrDelta) error {
	if bytes <= 0 {
		return nil
	}
	e := &Entry{Kind: KindExtent, Offset: offset, Bytes: bytes}
	idx.entries.Insert(e)
	idx.FreeSpace += bytes
	idx.FreeExtents++

	idx.mergeRight(e)
	idx.mergeLeft(e)
	return nil
}

func (idx *Index) mergeRight(e *Entry) {
	node := idx.entries.Lookup(containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: e.Offset})
	if node == nil {
		return
	}
	next := idx.entries.Next(node)
	if next == nil {
		return
	}
	right := next.Value
	if right.Kind == KindBitmap || e.Kind == KindBitmap {
		return
	}
	if e.end() != right.Offset {
		return
	}
	e.Bytes += right.Bytes
	idx.delete(right)
	idx.FreeExtents--
}

func (idx *Index) mergeLeft(e *Entry) {
	node := idx.entries.Lookup(containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: e.Offset})
	if node == nil {
		return
	}
	prev := idx.entries.Prev(node)
	if prev == nil {
		return
	}
	left := prev.Value
	if left.Kind == KindBitmap || e.Kind == KindBitmap {
		return
	}
	if left.end() != e.Offset {
		return
	}
	left.Bytes += e.Bytes
	idx.delete(e)
	idx.FreeExtents--
}

// Search implements spec.md §4.F `search`: a left-leaning search with
// a fuzzy-forward option returning the nearest entry that covers
// offset or lies strictly after it.
func (idx *Index) Search(offset btrfsvol.LogicalAddr, bytes btrfsvol.AddrDelta, fuzzy bool) (*Entry, bool) {
	e := idx.searchLE(offset)
	if e != nil {
		switch e.Kind {
		case KindExtent:
			if e.Offset <= offset && offset < e.end() && e.end().Sub(offset) >= bytes {
				return e, true
			}
		case KindBitmap:
			if runStart, runBytes, ok := idx.bitmapSearch(e, offset, bytes); ok {
				_ = runStart
				_ = runBytes
				return e, true
			}
		}
	}
	if !fuzzy {
		return nil, false
	}
	var best *Entry
	idx.walkOrdered(func(cand *Entry) bool {
		if cand.Offset >= offset && (best == nil || cand.Offset < best.Offset) {
			if cand.Kind == KindExtent && cand.Bytes >= bytes {
				best = cand
				return false
			}
			if cand.Kind == KindBitmap {
				if _, _, ok := idx.bitmapSearch(cand, cand.Offset, bytes); ok {
					best = cand
					return false
				}
			}
		}
		return true
	})
	return best, best != nil
}

// bitmapSearch implements spec.md §4.F `bitmap.search`: walk bits from
// max(offset, entry.offset) forward; accept the first run of
// >= bytes/unit set bits; return the run's byte range.
func (idx *Index) bitmapSearch(e *Entry, offset btrfsvol.LogicalAddr, bytes btrfsvol.AddrDelta) (btrfsvol.LogicalAddr, btrfsvol.AddrDelta, bool) {
	if e.Kind != KindBitmap {
		return 0, 0, false
	}
	start := offset
	if start < e.Offset {
		start = e.Offset
	}
	needBits := int((bytes + idx.Unit - 1) / idx.Unit)
	if needBits <= 0 {
		needBits = 1
	}

	firstBit := int(start.Sub(e.Offset) / idx.Unit)
	totalBits := len(e.Bitmap) * 8

	run := 0
	runStartBit := -1
	for bit := firstBit; bit < totalBits; bit++ {
		if bitSet(e.Bitmap, bit) {
			if run == 0 {
				runStartBit = bit
			}
			run++
			if run >= needBits {
				runStart := e.Offset.Add(btrfsvol.AddrDelta(runStartBit) * idx.Unit)
				return runStart, btrfsvol.AddrDelta(run) * idx.Unit, true
			}
		} else {
			run = 0
		}
	}
	return 0, 0, false
}

func bitSet(bitmap []byte, bit int) bool {
	byteIdx := bit / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(bit%8)) != 0
}

// AddBitmap registers a bitmap entry (used by Load* below).
func (idx *Index) AddBitmap(offset btrfsvol.LogicalAddr, bitmap []byte) {
	e := &Entry{
		Kind:   KindBitmap,
		Offset: offset,
		Bytes:  btrfsvol.AddrDelta(len(bitmap)*8) * idx.Unit,
		Bitmap: bitmap,
	}
	idx.entries.Insert(e)
	idx.TotalBitmaps++
	free := btrfsvol.AddrDelta(0)
	for i := 0; i < len(bitmap)*8; i++ {
		if bitSet(bitmap, i) {
			free += idx.Unit
		}
	}
	idx.FreeSpace += free
}

// Merge implements spec.md §4.F "After load, merge() eagerly fuses
// adjacent extent entries and flattens bitmap entries into extents
// until stable." Bitmap-to-extent flattening only happens when an
// entire bitmap entry is free or empty, mirroring the on-disk
// cache's own opportunistic defragmentation; partially-free bitmaps
// stay bitmaps.
func (idx *Index) Merge() {
	changed := true
	for changed {
		changed = false
		var all []*Entry
		idx.walkOrdered(func(e *Entry) bool { all = append(all, e); return true })
		for _, e := range all {
			if e.Kind != KindBitmap {
				continue
			}
			allFree := true
			allZero := true
			for i := 0; i < len(e.Bitmap)*8; i++ {
				if bitSet(e.Bitmap, i) {
					allZero = false
				} else {
					allFree = false
				}
			}
			if allZero {
				idx.delete(e)
				idx.TotalBitmaps--
				changed = true
				continue
			}
			if allFree {
				idx.delete(e)
				idx.TotalBitmaps--
				idx.FreeSpace -= e.Bytes
				idx.Add(e.Offset, e.Bytes) //nolint:errcheck // Add never errors for bytes>0
				changed = true
			}
		}
	}
}

// Verify checks the spec.md §8 FreeSpaceEntry invariants: no two
// extent entries overlap or abut, and FreeSpace equals the sum of
// entry sizes.
func (idx *Index) Verify() error {
	var prev *Entry
	var sum btrfsvol.AddrDelta
	var err error
	idx.walkOrdered(func(e *Entry) bool {
		if e.Kind == KindExtent {
			sum += e.Bytes
		} else {
			for i := 0; i < len(e.Bitmap)*8; i++ {
				if bitSet(e.Bitmap, i) {
					sum += idx.Unit
				}
			}
		}
		if prev != nil && prev.Kind == KindExtent && e.Kind == KindExtent {
			if prev.end() > e.Offset {
				err = fmt.Errorf("freespace: overlapping entries at %v and %v", prev.Offset, e.Offset)
				return false
			}
			if prev.end() == e.Offset {
				err = fmt.Errorf("freespace: unmerged abutting entries at %v and %v", prev.Offset, e.Offset)
				return false
			}
		}
		prev = e
		return true
	})
	if err != nil {
		return err
	}
	if sum != idx.FreeSpace {
		return fmt.Errorf("freespace: free_space=%v but summed entries=%v", idx.FreeSpace, sum)
	}
	return nil
}

// Clear implements spec.md §4.F `clear`: drop all entries and reset
// counters. The caller is responsible for the on-disk side (deleting
// the free-space inode / tree items), since that requires the tree
// primitive interface (component C), which this package does not
// depend on.
func (idx *Index) Clear() {
	idx.entries = containers.RBTree[containers.NativeOrdered[btrfsvol.LogicalAddr], *Entry]{
		KeyFn: idx.entries.KeyFn,
	}
	idx.FreeSpace = 0
	idx.FreeExtents = 0
	idx.TotalBitmaps = 0
}
