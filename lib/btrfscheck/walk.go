// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfscheck implements the consistency-checking core: walking
// every subvolume tree to build per-inode bookkeeping (this file, the
// "FsRootWalker"), alongside the extentcache, freespace, and quota
// packages that the walk's findings are cross-checked against.
package btrfscheck

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfscheck/extentcache"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfsutil"
	"git.lukeshu.com/btrfs-progs-ng/lib/linux"
)

// WalkMode selects one of the two strategies check/main.c offers for
// walking a subvolume: "original" mode keeps every InodeRecord for the
// root resident until the root finishes; "lowmem" mode frees each
// record as soon as its invariants are verified. Both produce the same
// findings; lowmem trades time (no cross-inode cache reuse within a
// root) for a bounded working set.
type WalkMode int

const (
	WalkModeOriginal WalkMode = iota
	WalkModeLowmem
)

// ErrKind is one bit of InodeRecord.Errors, named after the check
// condition in spec.md §4.H that sets it.
type ErrKind uint32

const (
	ErrDupInodeItem ErrKind = 1 << iota
	ErrOrphanItem
	ErrOddFlags
	ErrInvalidNlink
	ErrInvalidGen
	ErrMismatchDirHash
	ErrDupDirIndex
	ErrFileExtentOverlap
	ErrInlineRamBytesWrong
	ErrFileExtentTooLarge
	ErrDirIsizeWrong
)

// HoleInterval is one gap in an inode's file-extent coverage.
type HoleInterval struct {
	Start, End int64
}

// InodeRecord is the per-(root,ino) bookkeeping described in spec.md
// §3 "InodeRecord". The walker owns one of these per inode currently
// under examination (WalkModeOriginal keeps the whole root's set
// resident; WalkModeLowmem evicts each as soon as checkInodeInvariants
// is satisfied).
type InodeRecord struct {
	Root btrfsprim.ObjID
	Ino  btrfsprim.ObjID

	HasInodeItem, HasDirItem, HasFileExtent, HasCsumItem bool

	NLink      int32
	FoundLink  int32
	IMode      linux.StatMode
	ISize      int64
	NBytes     int64
	FoundSize  int64
	ExtentEnd  int64
	Holes      []HoleInterval
	Generation btrfsprim.Generation

	Errors ErrKind
}

func (r *InodeRecord) setErr(kind ErrKind) { r.Errors |= kind }

// RootRecord is spec.md §3 "RootRecord": one per subvolume id,
// tracking whether anything in the tree of tree roots still
// references it.
type RootRecord struct {
	ID        btrfsprim.ObjID
	Reachable bool
	FoundRefs int
}

// Walker drives FsRootWalker over every reachable subvolume, feeding
// discovered extent references into the shared ExtentRefModel the
// Orchestrator (component M) owns across all roots.
type Walker struct {
	FS         btrfs.ReadableFS
	Mode       WalkMode
	SectorSize int64
	Extents    *extentcache.Model

	Roots  map[btrfsprim.ObjID]*RootRecord
	inodes map[btrfsprim.ObjID]*InodeRecord // populated transiently per-root

	// OnInodeChecked, if set, is called once per inode as soon as its
	// invariants have been checked and it is about to be released (both
	// WalkModeLowmem's per-item eviction and WalkModeOriginal's
	// end-of-root sweep go through it), letting the Orchestrator (spec.md
	// §4.M) drive repairs without re-walking the tree.
	OnInodeChecked func(treeID btrfsprim.ObjID, rec *InodeRecord)

	// BadTrees counts BadTree callbacks from the most recent WalkAll
	// call, the signal the Orchestrator uses to decide whether a phase
	// needs a bounded retry (spec.md §4.M's "-EAGAIN" restart).
	BadTrees int
}

// NewWalker returns a Walker ready to check every subvolume reachable
// from the root tree of fs.
func NewWalker(fs btrfs.ReadableFS, mode WalkMode, sectorSize int64) *Walker {
	return &Walker{
		FS:         fs,
		Mode:       mode,
		SectorSize: sectorSize,
		Extents:    &extentcache.Model{},
		Roots:      make(map[btrfsprim.ObjID]*RootRecord),
	}
}

func (w *Walker) roundUp(n int64) int64 {
	s := w.SectorSize
	if s == 0 {
		s = 4096
	}
	return (n + s - 1) / s * s
}

// WalkAll visits the root tree and every subvolume/snapshot it
// references, the same traversal btrfsutil.WalkAllTrees performs, but
// dispatching leaf items into per-inode InodeRecords instead of a
// rebuild graph.
func (w *Walker) WalkAll(ctx context.Context) {
	w.BadTrees = 0
	btrfsutil.WalkAllTrees(ctx, w.FS, btrfsutil.WalkAllTreesHandler{
		PreTree: func(name string, id btrfsprim.ObjID) {
			if _, ok := w.Roots[id]; !ok {
				w.Roots[id] = &RootRecord{ID: id}
			}
			w.inodes = make(map[btrfsprim.ObjID]*InodeRecord)
		},
		BadTree: func(name string, id btrfsprim.ObjID, err error) {
			w.BadTrees++
			dlog.Errorf(ctx, "btrfscheck: walk: tree %v (%v): %v", id, name, err)
		},
		Tree: btrfstree.TreeWalkHandler{
			Item: func(path btrfstree.Path, item btrfstree.Item) {
				treeID := path[0].(btrfstree.PathRoot).TreeID
				w.handleItem(treeID, item)
				if w.Mode == WalkModeLowmem {
					if rec, ok := w.inodes[item.Key.ObjectID]; ok {
						if w.checkInodeInvariants(ctx, rec) {
							if w.OnInodeChecked != nil {
								w.OnInodeChecked(treeID, rec)
							}
							delete(w.inodes, item.Key.ObjectID)
						}
					}
				}
			},
			BadItem: func(path btrfstree.Path, item btrfstree.Item) {
				dlog.Errorf(ctx, "btrfscheck: walk: bad item at %v", path)
			},
		},
		PostTree: func(name string, id btrfsprim.ObjID) {
			for _, rec := range w.inodes {
				w.checkInodeInvariants(ctx, rec)
				if w.OnInodeChecked != nil {
					w.OnInodeChecked(id, rec)
				}
			}
			w.inodes = nil
		},
	})
}

func (w *Walker) recordFor(root, ino btrfsprim.ObjID) *InodeRecord {
	rec, ok := w.inodes[ino]
	if !ok {
		rec = &InodeRecord{Root: root, Ino: ino}
		w.inodes[ino] = rec
	}
	return rec
}

// handleItem dispatches one leaf item, implementing the per-item-type
// rules of spec.md §4.H.
func (w *Walker) handleItem(root btrfsprim.ObjID, item btrfstree.Item) {
	switch body := item.Body.(type) {
	case btrfsitem.Inode:
		rec := w.recordFor(root, item.Key.ObjectID)
		if rec.HasInodeItem {
			rec.setErr(ErrDupInodeItem)
		}
		rec.HasInodeItem = true
		rec.NLink = body.NLink
		rec.IMode = body.Mode
		rec.ISize = body.Size
		rec.NBytes = body.NumBytes
		rec.Generation = body.Generation
		if body.NLink == 0 {
			rec.setErr(ErrOrphanItem) // cleared below if an ORPHAN_ITEM shows up
		}
		if body.Mode&linux.ModeFmt == linux.ModeFmtSymlink && body.Flags&(btrfsitem.INODE_IMMUTABLE|btrfsitem.INODE_APPEND) != 0 {
			rec.setErr(ErrOddFlags)
		}
	case btrfsitem.Empty:
		if item.Key.ItemType == btrfsprim.ORPHAN_ITEM_KEY {
			rec := w.recordFor(root, item.Key.ObjectID)
			rec.Errors &^= ErrOrphanItem
		}
	case btrfsitem.DirEntry:
		rec := w.recordFor(root, body.Location.ObjectID)
		rec.HasDirItem = true
		if item.Key.ItemType == btrfsprim.DIR_INDEX_KEY {
			rec.FoundLink++
		}
	case btrfsitem.InodeRef:
		rec := w.recordFor(root, item.Key.ObjectID)
		rec.FoundLink++
	case btrfsitem.FileExtent:
		rec := w.recordFor(root, item.Key.ObjectID)
		rec.HasFileExtent = true
		w.handleFileExtent(rec, item.Key, body)
	}
}

func (w *Walker) handleFileExtent(rec *InodeRecord, key btrfsprim.Key, body btrfsitem.FileExtent) {
	if body.Type == btrfsitem.FILE_EXTENT_INLINE {
		if int64(len(body.BodyInline)) > body.RAMBytes {
			rec.setErr(ErrInlineRamBytesWrong)
		}
		return
	}
	start := int64(key.Offset)
	end := start + body.BodyExtent.NumBytes
	switch {
	case start < rec.ExtentEnd:
		rec.setErr(ErrFileExtentOverlap)
	case start > rec.ExtentEnd:
		rec.Holes = append(rec.Holes, HoleInterval{Start: rec.ExtentEnd, End: start})
	}
	if end > rec.ExtentEnd {
		rec.ExtentEnd = end
	}
	rec.FoundSize += body.BodyExtent.NumBytes
	if body.BodyExtent.NumBytes%w.roundUp(1) != 0 {
		rec.setErr(ErrFileExtentTooLarge)
	}
	if body.BodyExtent.DiskByteNr != 0 {
		w.Extents.AddDataBackref(
			body.BodyExtent.DiskByteNr,
			0, rec.Root, false,
			rec.Ino, key.Offset,
			1, body.Generation, true,
			body.BodyExtent.DiskByteNr, body.BodyExtent.DiskNumBytes,
		)
	}
}

// checkInodeInvariants applies spec.md §4.H's size/link/hole rules,
// returning true if rec's findings are final (no pending items could
// still change them) so WalkModeLowmem can release it immediately.
func (w *Walker) checkInodeInvariants(ctx context.Context, rec *InodeRecord) bool {
	if rec.HasInodeItem && rec.NLink != 0 {
		if rec.FoundSize != rec.NBytes && len(rec.Holes) == 0 {
			rec.setErr(ErrDirIsizeWrong)
		}
		if rec.ExtentEnd < w.roundUp(rec.ISize) && rec.IMode.IsRegular() {
			rec.setErr(ErrFileExtentTooLarge)
		}
	}
	if rec.Errors != 0 {
		dlog.Debugf(ctx, "btrfscheck: inode (root=%v ino=%v): errors=%#x", rec.Root, rec.Ino, rec.Errors)
	}
	return rec.HasInodeItem
}
