// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ebcache bounds the in-RAM resident set of parsed btrfs
// nodes during a full-tree walk.
//
// Parsing a node (checksumming it and running it through binstruct)
// is not free, and the same node is revisited constantly during a
// walk: once from its parent's key-pointer, and again every time a
// sibling subtree's item references back into it by logical address.
// Arena amortizes that by keeping two tiers in front of the raw
// device: a small LRU of recently acquired nodes, and a larger ARC behind it that remembers recently-evicted nodes
// well enough to avoid a cold re-read.
package ebcache

import (
	"context"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
	"git.lukeshu.com/btrfs-progs-ng/lib/diskio"
	"git.lukeshu.com/btrfs-progs-ng/lib/textui"
)

// RawSource is what an Arena sits in front of: something that can
// serve a superblock and raw logical-address reads, such as a
// *btrfs.FS.
type RawSource interface {
	diskio.File[btrfsvol.LogicalAddr]
	Superblock() (*btrfstree.Superblock, error)
}

type nodeResult struct {
	node *btrfstree.Node
	err  error
}

// Arena is a btrfstree.NodeSource that caches parsed nodes on top of
// a RawSource.
type Arena struct {
	raw RawSource

	hot *containers.LRUCache[btrfsvol.LogicalAddr, nodeResult]
	arc containers.Cache[btrfsvol.LogicalAddr, nodeResult]
}

var (
	_ btrfstree.NodeSource = (*Arena)(nil)
	_ btrfs.ReadableFS     = (*Arena)(nil)
)

// NewArena returns an Arena backed by raw, with hotSize entries
// held in the front-line LRU and arcSize entries addressable in
// the ARC overflow tier behind it.
func NewArena(raw RawSource, hotSize, arcSize int) *Arena {
	a := &Arena{
		raw: raw,
		hot: containers.NewLRUCache[btrfsvol.LogicalAddr, nodeResult](textui.Tunable(hotSize)),
	}
	a.arc = containers.NewARCache[btrfsvol.LogicalAddr, nodeResult](
		textui.Tunable(arcSize),
		containers.SourceFunc[btrfsvol.LogicalAddr, nodeResult](a.load))
	return a
}

func (a *Arena) load(_ context.Context, addr btrfsvol.LogicalAddr, out *nodeResult) {
	sb, err := a.raw.Superblock()
	if err != nil {
		*out = nodeResult{err: err}
		return
	}
	node, err := btrfstree.ReadNode[btrfsvol.LogicalAddr](a.raw, *sb, addr, btrfstree.NodeExpectations{})
	*out = nodeResult{node: node, err: err}
}

// Name implements btrfs.ReadableFS.
func (a *Arena) Name() string {
	return a.raw.Name()
}

// ReadAt implements diskio.ReaderAt[btrfsvol.LogicalAddr] (and
// btrfs.ReadableFS).
func (a *Arena) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return a.raw.ReadAt(p, off)
}

// Superblock implements btrfstree.NodeSource.
func (a *Arena) Superblock() (*btrfstree.Superblock, error) {
	return a.raw.Superblock()
}

// ForrestLookup implements btrfstree.Forrest (and btrfs.ReadableFS).
func (a *Arena) ForrestLookup(ctx context.Context, treeID btrfsprim.ObjID) (btrfstree.Tree, error) {
	sb, err := a.raw.Superblock()
	if err != nil {
		return nil, err
	}
	root, err := btrfstree.LookupTreeRoot(ctx, treeOperator{a}, *sb, treeID)
	if err != nil {
		return nil, err
	}
	return newTree(a, *root), nil
}

// treeOperator adapts Arena to the legacy TreeOperator interface, just
// enough for LookupTreeRoot's ROOT_TREE_OBJECTID fallback search. The
// treeID it's ever called with is ROOT_TREE_OBJECTID, one of
// LookupTreeRoot's well-known cases, so the recursive LookupTreeRoot
// call below never reaches this type again.
type treeOperator struct{ a *Arena }

func (o treeOperator) TreeSearch(treeID btrfsprim.ObjID, fn func(btrfsprim.Key, uint32) int) (btrfstree.Item, error) {
	sb, err := o.a.raw.Superblock()
	if err != nil {
		return btrfstree.Item{}, err
	}
	root, err := btrfstree.LookupTreeRoot(context.Background(), o, *sb, treeID)
	if err != nil {
		return btrfstree.Item{}, err
	}
	return newTree(o.a, *root).TreeSearch(context.Background(), funcSearcher{desc: "ebcache root lookup", fn: fn})
}

// AcquireNode implements btrfstree.NodeSource.
func (a *Arena) AcquireNode(ctx context.Context, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations) (*btrfstree.Node, error) {
	if result, ok := a.hot.Get(addr); ok {
		if result.err != nil {
			return nil, result.err
		}
		if err := exp.Check(result.node); err != nil {
			return nil, err
		}
		return result.node, nil
	}

	result := a.arc.Acquire(ctx, addr)
	a.arc.Release(addr)
	if result.err != nil {
		a.arc.Delete(addr)
		return nil, result.err
	}
	if err := exp.Check(result.node); err != nil {
		return nil, err
	}
	a.hot.Add(addr, *result)
	return result.node, nil
}

// ReleaseNode implements btrfstree.NodeSource.
//
// Nodes aren't pinned once acquired (the hot/ARC tiers manage their
// own lifetimes), so there's nothing to do here; it exists to satisfy
// NodeSource for callers that acquire/release in pairs.
func (a *Arena) ReleaseNode(*btrfstree.Node) {}

// ReadNode implements btrfstree.NodeSource for legacy,
// TreePath-keyed callers (TreeOperatorImpl and friends).
func (a *Arena) ReadNode(path btrfstree.TreePath) (*diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node], error) {
	elem := path.Node(-1)
	node, err := a.AcquireNode(context.Background(), elem.ToNodeAddr, btrfstree.NodeExpectations{
		LAddr:      containers.OptionalValue(elem.ToNodeAddr),
		Level:      containers.OptionalValue(elem.ToNodeLevel),
		Generation: containers.OptionalValue(elem.ToNodeGeneration),
	})
	if err != nil {
		return nil, err
	}
	return &diskio.Ref[btrfsvol.LogicalAddr, btrfstree.Node]{
		File: a.raw,
		Addr: elem.ToNodeAddr,
		Data: *node,
	}, nil
}

// Invalidate drops addr from both cache tiers, forcing the next
// Acquire to re-read it from raw. Callers use this after repairing a
// node in place.
func (a *Arena) Invalidate(addr btrfsvol.LogicalAddr) {
	a.hot.Remove(addr)
	a.arc.Delete(addr)
}
