// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsimage

import (
	"context"
	"fmt"
	"io"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
)

// WriterOptions controls what a Writer includes in a dump and whether
// it compresses it, covering btrfs-image's -w flag and whether -c
// compression is on. There is no name-sanitising option (btrfs-image's
// -s): names and xattrs are dumped as stored.
type WriterOptions struct {
	// Compress selects the codec clusters are written with.
	Compress CompressType
	// IncludeData also dumps file data extents, not just metadata
	// nodes. btrfs-image calls this "-w" ("walk data too").
	IncludeData bool
}

// Writer streams a metadump of an open filesystem to an io.Writer,
// clustering and compressing blocks the way btrfs-image's
// create_metadump does.
type Writer struct {
	fs   btrfs.ReadableFS
	opts WriterOptions

	out     io.Writer
	pending []pendingBlock
	size    int
}

type pendingBlock struct {
	bytenr uint64
	data   []byte
}

// NewWriter returns a Writer that will stream a metadump of fs to out.
func NewWriter(out io.Writer, fs btrfs.ReadableFS, opts WriterOptions) *Writer {
	return &Writer{fs: fs, opts: opts, out: out}
}

// Dump walks every metadata tree (and, if opts.IncludeData, every
// file extent) reachable from the superblock and streams them as
// compressed clusters to out.
func (w *Writer) Dump(ctx context.Context) error {
	sb, err := w.fs.Superblock()
	if err != nil {
		return fmt.Errorf("btrfsimage: dump: %w", err)
	}

	seen := make(containers.Set[btrfsvol.LogicalAddr])
	treeIDs := []btrfsprim.ObjID{btrfsprim.ROOT_TREE_OBJECTID, btrfsprim.CHUNK_TREE_OBJECTID}
	if sb.LogTree != 0 {
		treeIDs = append(treeIDs, btrfsprim.TREE_LOG_OBJECTID)
	}
	if sb.BlockGroupRoot != 0 {
		treeIDs = append(treeIDs, btrfsprim.BLOCK_GROUP_TREE_OBJECTID)
	}

	seenTrees := make(containers.Set[btrfsprim.ObjID])
	for i := 0; i < len(treeIDs); i++ {
		treeID := treeIDs[i]
		if seenTrees.Has(treeID) {
			continue
		}
		seenTrees.Insert(treeID)

		tree, err := w.fs.ForrestLookup(ctx, treeID)
		if err != nil {
			dlog.Errorf(ctx, "btrfsimage: dump: skipping tree %v: %v", treeID, err)
			continue
		}
		var dataExtents []btrfsitem.FileExtent
		tree.TreeWalk(ctx, btrfstree.TreeWalkHandler{
			Node: func(_ btrfstree.Path, node *btrfstree.Node) {
				if seen.Has(node.Head.Addr) {
					return
				}
				seen.Insert(node.Head.Addr)
				buf := make([]byte, sb.NodeSize)
				if _, err := w.fs.ReadAt(buf, node.Head.Addr); err != nil {
					dlog.Errorf(ctx, "btrfsimage: dump: read node@%v: %v", node.Head.Addr, err)
					return
				}
				if err := w.addBlock(uint64(node.Head.Addr), buf); err != nil {
					dlog.Errorf(ctx, "btrfsimage: dump: %v", err)
				}
			},
			Item: func(_ btrfstree.Path, item btrfstree.Item) {
				switch body := item.Body.(type) {
				case btrfsitem.Root:
					if !seenTrees.Has(item.Key.ObjectID) {
						treeIDs = append(treeIDs, item.Key.ObjectID)
					}
				case btrfsitem.FileExtent:
					if w.opts.IncludeData {
						dataExtents = append(dataExtents, body)
					}
				}
			},
		})
		for _, ext := range dataExtents {
			if err := w.dumpFileExtent(ctx, ext); err != nil {
				dlog.Errorf(ctx, "btrfsimage: dump: data extent: %v", err)
			}
		}
	}

	return w.Close()
}

func (w *Writer) dumpFileExtent(ctx context.Context, ext btrfsitem.FileExtent) error {
	if ext.Type == btrfsitem.FILE_EXTENT_INLINE {
		return nil
	}
	if ext.BodyExtent.DiskByteNr == 0 {
		return nil // hole
	}
	buf := make([]byte, int(ext.BodyExtent.DiskNumBytes))
	addr := ext.BodyExtent.DiskByteNr
	if _, err := w.fs.ReadAt(buf, addr); err != nil {
		return fmt.Errorf("read data extent@%v: %w", addr, err)
	}
	return w.addBlock(uint64(addr), buf)
}

// addBlock buffers one dumped block, flushing a cluster if doing so
// would exceed MaxPendingSize.
func (w *Writer) addBlock(bytenr uint64, data []byte) error {
	if w.size+len(data) > MaxPendingSize || len(w.pending) >= itemsPerCluster() {
		if err := w.flush(); err != nil {
			return err
		}
	}
	w.pending = append(w.pending, pendingBlock{bytenr: bytenr, data: data})
	w.size += len(data)
	return nil
}

// flush writes out the accumulated pending blocks as a single
// cluster: a ClusterHeader, an array of ClusterItems, then the
// (optionally compressed) concatenated block payloads, all padded
// up to a BlockSize boundary.
func (w *Writer) flush() error {
	if len(w.pending) == 0 {
		return nil
	}

	var raw []byte
	items := make([]ClusterItem, len(w.pending))
	for i, blk := range w.pending {
		items[i] = ClusterItem{Bytenr: blk.bytenr, Size: uint32(len(blk.data))}
		raw = append(raw, blk.data...)
	}

	payload, err := compress(w.opts.Compress, raw)
	if err != nil {
		return err
	}

	header := ClusterHeader{
		Magic:       HeaderMagic,
		Bytenr:      w.pending[0].bytenr,
		NumItems:    uint32(len(items)),
		Compress:    w.opts.Compress,
		PayloadSize: uint32(len(payload)),
	}
	headerBytes, err := binstruct.Marshal(header)
	if err != nil {
		return fmt.Errorf("btrfsimage: marshal cluster header: %w", err)
	}
	if _, err := w.out.Write(headerBytes); err != nil {
		return err
	}
	for _, item := range items {
		itemBytes, err := binstruct.Marshal(item)
		if err != nil {
			return fmt.Errorf("btrfsimage: marshal cluster item: %w", err)
		}
		if _, err := w.out.Write(itemBytes); err != nil {
			return err
		}
	}
	if pad := padding(clusterHeaderSize + len(items)*clusterItemSize); pad > 0 {
		if _, err := w.out.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	if _, err := w.out.Write(payload); err != nil {
		return err
	}
	if pad := padding(len(payload)); pad > 0 {
		if _, err := w.out.Write(make([]byte, pad)); err != nil {
			return err
		}
	}

	w.pending = nil
	w.size = 0
	return nil
}

// Close flushes any remaining buffered blocks. Dump calls this
// itself before returning.
func (w *Writer) Close() error {
	return w.flush()
}

func padding(n int) int {
	if rem := n % BlockSize; rem != 0 {
		return BlockSize - rem
	}
	return 0
}
