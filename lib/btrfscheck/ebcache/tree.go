// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ebcache

import (
	"context"
	"fmt"
	"math"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/slices"
)

// tree is a direct, uncached-index view of a single btrfs tree, read
// node-by-node through an Arena. Unlike lib/btrfsutil's RebuiltTree,
// it does no rebuild bookkeeping and trusts the on-disk structure as
// found; it exists so that straightforward consumers (Component H's
// walker, the quota verifier) can get a btrfstree.Tree without paying
// for RebuiltTree's graph.
type tree struct {
	arena *Arena
	root  btrfstree.TreeRoot
}

var _ btrfstree.Tree = (*tree)(nil)

func newTree(arena *Arena, root btrfstree.TreeRoot) *tree {
	return &tree{arena: arena, root: root}
}

// TreeCheckOwner implements btrfstree.Tree. A node may belong to this
// tree's own ID, nothing more exotic is permitted; Arena doesn't track
// COW-ancestor relationships the way RebuiltTree does.
func (t *tree) TreeCheckOwner(_ context.Context, _ bool, owner btrfsprim.ObjID, _ btrfsprim.Generation) error {
	if owner != t.root.ID {
		return fmt.Errorf("node owner=%v does not match tree=%v", owner, t.root.ID)
	}
	return nil
}

func (t *tree) rootPath(ctx context.Context) btrfstree.Path {
	return btrfstree.Path{
		btrfstree.PathRoot{
			Tree:         t,
			TreeID:       t.root.ID,
			ToAddr:       t.root.RootNode,
			ToGeneration: t.root.Generation,
			ToLevel:      t.root.Level,
		},
	}
}

// descend walks from the root to the leaf node (if any) satisfying
// search, mirroring btrfstree.TreeOperatorImpl's legacy treeSearch
// binary-descent algorithm but against the modern Path/NodeSource
// API.
func (t *tree) descend(ctx context.Context, search btrfstree.TreeSearcher) (btrfstree.Path, *btrfstree.Node, error) {
	path := t.rootPath(ctx)
	for {
		addr, exp, ok := path.NodeExpectations(ctx, false)
		if !ok {
			return nil, nil, btrfstree.ErrNoItem
		}
		if addr == 0 {
			return nil, nil, btrfstree.ErrNoItem
		}
		node, err := t.arena.AcquireNode(ctx, addr, exp)
		if err != nil {
			return nil, nil, err
		}

		if node.Head.Level > 0 {
			lastGood, ok := slices.SearchHighest(node.BodyInterior, func(kp btrfstree.KeyPointer) int {
				return slices.Min(search.Search(kp.Key, math.MaxUint32), 0)
			})
			if !ok {
				return nil, nil, btrfstree.ErrNoItem
			}
			toMaxKey := lastElemMaxKey(path)
			if lastGood+1 < len(node.BodyInterior) {
				toMaxKey = node.BodyInterior[lastGood+1].Key.Mm()
			}
			path = append(path, btrfstree.PathKP{
				FromTree:     node.Head.Owner,
				FromSlot:     lastGood,
				ToAddr:       node.BodyInterior[lastGood].BlockPtr,
				ToGeneration: node.BodyInterior[lastGood].Generation,
				ToMinKey:     node.BodyInterior[lastGood].Key,
				ToMaxKey:     toMaxKey,
				ToLevel:      node.Head.Level - 1,
			})
			continue
		}

		slot, ok := slices.Search(node.BodyLeaf, func(item btrfstree.Item) int {
			return search.Search(item.Key, item.BodySize)
		})
		if !ok {
			return nil, nil, btrfstree.ErrNoItem
		}
		return append(path, btrfstree.PathItem{
			FromTree: node.Head.Owner,
			FromSlot: slot,
			ToKey:    node.BodyLeaf[slot].Key,
		}), node, nil
	}
}

func lastElemMaxKey(path btrfstree.Path) btrfsprim.Key {
	switch elem := path[len(path)-1].(type) {
	case btrfstree.PathRoot:
		return btrfsprim.MaxKey
	case btrfstree.PathKP:
		return elem.ToMaxKey
	default:
		panic(fmt.Errorf("should not happen: unexpected PathElem type: %T", elem))
	}
}

// TreeLookup implements btrfstree.Tree.
func (t *tree) TreeLookup(ctx context.Context, key btrfsprim.Key) (btrfstree.Item, error) {
	return t.TreeSearch(ctx, btrfstree.SearchExactKey(key))
}

// TreeSearch implements btrfstree.Tree.
func (t *tree) TreeSearch(ctx context.Context, search btrfstree.TreeSearcher) (btrfstree.Item, error) {
	path, node, err := t.descend(ctx, search)
	if err != nil {
		return btrfstree.Item{}, err
	}
	slot := path[len(path)-1].(btrfstree.PathItem).FromSlot
	item := node.BodyLeaf[slot]
	item.Body = item.Body.CloneItem()
	return item, nil
}

// TreeRange implements btrfstree.Tree.
func (t *tree) TreeRange(ctx context.Context, handleFn func(btrfstree.Item) bool) error {
	return t.TreeSubrange(ctx, 0, allSearcher{}, handleFn)
}

type allSearcher struct{}

func (allSearcher) String() string                  { return "(all)" }
func (allSearcher) Search(btrfsprim.Key, uint32) int { return 0 }

// funcSearcher adapts a legacy-style `func(Key, uint32) int`
// comparator to the modern TreeSearcher interface, for callers (the
// TreeOperator shim ebcache needs for LookupTreeRoot's fallback
// search) that only have the former.
type funcSearcher struct {
	desc string
	fn   func(btrfsprim.Key, uint32) int
}

func (s funcSearcher) String() string                     { return s.desc }
func (s funcSearcher) Search(k btrfsprim.Key, sz uint32) int { return s.fn(k, sz) }

// TreeSubrange implements btrfstree.Tree.
func (t *tree) TreeSubrange(ctx context.Context, min int, search btrfstree.TreeSearcher, handleFn func(btrfstree.Item) bool) error {
	var cnt int
	var stopped bool
	cbs := btrfstree.TreeWalkHandler{
		KeyPointer: func(_ btrfstree.Path, kp btrfstree.KeyPointer) bool {
			return search.Search(kp.Key, math.MaxUint32) == 0
		},
		Item: func(_ btrfstree.Path, item btrfstree.Item) {
			if stopped || search.Search(item.Key, item.BodySize) != 0 {
				return
			}
			cnt++
			if !handleFn(item) {
				stopped = true
			}
		},
	}
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	origItem := cbs.Item
	cbs.Item = func(path btrfstree.Path, item btrfstree.Item) {
		origItem(path, item)
		if stopped {
			cancel()
		}
	}
	t.TreeWalk(subCtx, cbs)
	if cnt < min && ctx.Err() == nil {
		return fmt.Errorf("walked tree %v looking for %v, only found %d items (expected at least %d): %w",
			t.root.ID, search, cnt, min, btrfstree.ErrNoItem)
	}
	return nil
}

// TreeWalk implements btrfstree.Tree.
func (t *tree) TreeWalk(ctx context.Context, cbs btrfstree.TreeWalkHandler) {
	if _, err := t.arena.Superblock(); err != nil && cbs.BadSuperblock != nil {
		cbs.BadSuperblock(err)
	}
	t.walk(ctx, t.rootPath(ctx), cbs)
}

func (t *tree) walk(ctx context.Context, path btrfstree.Path, cbs btrfstree.TreeWalkHandler) {
	if ctx.Err() != nil {
		return
	}
	addr, exp, ok := path.NodeExpectations(ctx, false)
	if !ok || addr == 0 {
		return
	}
	node, err := t.arena.AcquireNode(ctx, addr, exp)
	if err != nil {
		if cbs.BadNode == nil || !cbs.BadNode(path, nil, err) {
			return
		}
	}
	if cbs.Node != nil && node != nil {
		cbs.Node(path, node)
	}
	if ctx.Err() != nil || node == nil {
		return
	}

	if node.Head.Level > 0 {
		for i, kp := range node.BodyInterior {
			toMaxKey := lastElemMaxKey(path)
			if i+1 < len(node.BodyInterior) {
				toMaxKey = node.BodyInterior[i+1].Key.Mm()
			}
			itemPath := append(path, btrfstree.PathKP{
				FromTree:     node.Head.Owner,
				FromSlot:     i,
				ToAddr:       kp.BlockPtr,
				ToGeneration: kp.Generation,
				ToMinKey:     kp.Key,
				ToMaxKey:     toMaxKey,
				ToLevel:      node.Head.Level - 1,
			})
			recurse := cbs.KeyPointer == nil || cbs.KeyPointer(itemPath, kp)
			if ctx.Err() != nil {
				return
			}
			if recurse {
				t.walk(ctx, itemPath, cbs)
				if ctx.Err() != nil {
					return
				}
			}
		}
		return
	}

	if cbs.Item == nil && cbs.BadItem == nil {
		return
	}
	for i, item := range node.BodyLeaf {
		itemPath := append(path, btrfstree.PathItem{
			FromTree: node.Head.Owner,
			FromSlot: i,
			ToKey:    item.Key,
		})
		switch item.Body.(type) {
		case btrfsitem.Error:
			if cbs.BadItem != nil {
				cbs.BadItem(itemPath, item)
			}
		default:
			if cbs.Item != nil {
				cbs.Item(itemPath, item)
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
