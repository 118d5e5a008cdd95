// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"

	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/diskio"
	"git.lukeshu.com/btrfs-progs-ng/lib/slices"
)

// TreeOperator is the legacy, TreePath-based interface for performing
// basic btree operations; callers that can't afford a full
// btrfsutil.RebuiltTree still go through this.  See TreeOperatorImpl
// in btree_tree.go for the concrete implementation.
type TreeOperator interface {
	// TreeWalk walks a tree, triggering callbacks for every node,
	// key-pointer, and item; as well as for any errors encountered.
	//
	// If the tree is valid, then everything is walked in key-order; but if
	// the tree is broken, then ordering is not guaranteed.
	//
	// Canceling the Context causes TreeWalk to return early; no
	// values from the Context are used.
	//
	// The lifecycle of callbacks is:
	//
	//     001 .PreNode()
	//     002 (read node)
	//     003 .Node() (or .BadNode())
	//         for item in node.items:
	//           if btrfsprim:
	//     004     .PreKeyPointer()
	//     005     (recurse)
	//     006     .PostKeyPointer()
	//           else:
	//     004     .Item() (or .BadItem())
	//     007 .PostNode()
	TreeWalk(ctx context.Context, treeID btrfsprim.ObjID, errHandle func(*TreeError), cbs LegacyTreeWalkHandler)

	TreeLookup(treeID btrfsprim.ObjID, key btrfsprim.Key) (Item, error)
	TreeSearch(treeID btrfsprim.ObjID, fn func(key btrfsprim.Key, size uint32) int) (Item, error) // size is math.MaxUint32 for key-pointers

	// If some items are able to be read, but there is an error reading the
	// full set, then it might return *both* a list of items and an error.
	//
	// If no such item is found, an error that is io/fs.ErrNotExist is
	// returned.
	TreeSearchAll(treeID btrfsprim.ObjID, fn func(key btrfsprim.Key, size uint32) int) ([]Item, error) // size is math.MaxUint32 for key-pointers
}

type LegacyTreeWalkHandler struct {
	// Callbacks for entire nodes.
	//
	// If any of these return an error that is io/fs.SkipDir, the
	// node immediately stops getting processed; if PreNode, Node,
	// or BadNode return io/fs.SkipDir then key pointers and items
	// within the node are not processed.
	PreNode  func(TreePath) error
	Node     func(TreePath, *diskio.Ref[btrfsvol.LogicalAddr, Node]) error
	BadNode  func(TreePath, *diskio.Ref[btrfsvol.LogicalAddr, Node], error) error
	PostNode func(TreePath, *diskio.Ref[btrfsvol.LogicalAddr, Node]) error
	// Callbacks for items on btrfsprim nodes
	PreKeyPointer  func(TreePath, KeyPointer) error
	PostKeyPointer func(TreePath, KeyPointer) error
	// Callbacks for items on leaf nodes
	Item    func(TreePath, Item) error
	BadItem func(TreePath, Item) error
}

type TreeError struct {
	Path TreePath
	Err  error
}

func (e *TreeError) Unwrap() error { return e.Err }

func (e *TreeError) Error() string {
	return fmt.Sprintf("%v: %v", e.Path, e.Err)
}

type NodeSource interface {
	Superblock() (*Superblock, error)
	ReadNode(TreePath) (*diskio.Ref[btrfsvol.LogicalAddr, Node], error)

	// AcquireNode and ReleaseNode are the pinning-cache counterpart
	// to ReadNode, used by callers (lib/btrfsutil's rebuilt trees and
	// graph walk) that drive a tree walk through the context-based
	// Tree/Forrest API in btree.go rather than through TreeOperator.
	AcquireNode(ctx context.Context, addr btrfsvol.LogicalAddr, exp NodeExpectations) (*Node, error)
	ReleaseNode(*Node)
}

// FreeNodeRef releases the buffers held by a node read through the
// legacy TreePath-based NodeSource.ReadNode, returning them to the
// backing pools. It is a no-op for a nil ref.
func FreeNodeRef(node *diskio.Ref[btrfsvol.LogicalAddr, Node]) {
	if node == nil {
		return
	}
	node.Data.Free()
}

// TreeMutator is the set of leaf-level item mutations the Repairer
// (component I) needs; the teacher's tool never implemented these
// because it was read-only. Each mutator locates the owning leaf via
// the same search_slot-style descent TreeSearch uses, edits
// Node.BodyLeaf in place, recomputes the node's checksum, and writes
// the node back through its Ref.
type TreeMutator interface {
	InsertItem(treeID btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error
	DeleteItem(treeID btrfsprim.ObjID, key btrfsprim.Key) error
	ExtendItem(treeID btrfsprim.ObjID, key btrfsprim.Key, extra []byte) error
	TruncateItem(treeID btrfsprim.ObjID, key btrfsprim.Key, newSize uint32) error
}

var _ TreeMutator = TreeOperatorImpl{}

// lookupLeaf finds the leaf node and in-leaf slot holding (or that
// would hold) key, the same way treeSearch does for TreeSearch.
func (fs TreeOperatorImpl) lookupLeaf(treeID btrfsprim.ObjID, key btrfsprim.Key) (*diskio.Ref[btrfsvol.LogicalAddr, Node], int, bool, error) {
	sb, err := fs.Superblock()
	if err != nil {
		return nil, 0, false, err
	}
	rootInfo, err := LookupTreeRoot(fs, *sb, treeID)
	if err != nil {
		return nil, 0, false, err
	}
	// Match every item at or below key, so that the search lands on
	// the leaf holding key, or the item key would follow, even when no
	// item has exactly that key.
	_, node, err := fs.treeSearch(*rootInfo, func(itemKey btrfsprim.Key, _ uint32) int {
		return slices.Min(key.Compare(itemKey), 0)
	})
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	slot, _ := slices.SearchHighest(node.Data.BodyLeaf, func(item Item) int {
		return key.Compare(item.Key)
	})
	return node, slot, true, nil
}

// InsertItem adds a new leaf item at key, failing if one already
// exists there. It does not rebalance the tree; the caller (the
// Repairer) is expected to only ever insert into leaves with
// sufficient LeafFreeSpace, matching spec.md §4.I's "tiny fixed
// count of extra leaf slots" transaction budget.
func (fs TreeOperatorImpl) InsertItem(treeID btrfsprim.ObjID, key btrfsprim.Key, body btrfsitem.Item) error {
	node, slot, found, err := fs.lookupLeaf(treeID, key)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("InsertItem: tree %v has no leaves yet", treeID)
	}
	defer FreeNodeRef(node)
	if found && node.Data.BodyLeaf[slot].Key == key {
		return fmt.Errorf("InsertItem: key=%v: item already exists", key)
	}
	buf, err := binstruct.Marshal(body)
	if err != nil {
		return fmt.Errorf("InsertItem: key=%v: %w", key, err)
	}
	if uint32(len(buf)) > node.Data.LeafFreeSpace() {
		return fmt.Errorf("InsertItem: key=%v: not enough free space in leaf", key)
	}
	item := Item{Key: key, BodySize: uint32(len(buf)), Body: body}
	insertAt := slot
	if found && key.Compare(node.Data.BodyLeaf[slot].Key) > 0 {
		insertAt = slot + 1
	}
	newLeaf := make([]Item, 0, len(node.Data.BodyLeaf)+1)
	newLeaf = append(newLeaf, node.Data.BodyLeaf[:insertAt]...)
	newLeaf = append(newLeaf, item)
	newLeaf = append(newLeaf, node.Data.BodyLeaf[insertAt:]...)
	node.Data.BodyLeaf = newLeaf
	return fs.writeNode(node)
}

// DeleteItem removes the leaf item at key, if present.
func (fs TreeOperatorImpl) DeleteItem(treeID btrfsprim.ObjID, key btrfsprim.Key) error {
	node, slot, found, err := fs.lookupLeaf(treeID, key)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}
	defer FreeNodeRef(node)
	if !found || node.Data.BodyLeaf[slot].Key != key {
		return nil
	}
	node.Data.BodyLeaf = append(node.Data.BodyLeaf[:slot], node.Data.BodyLeaf[slot+1:]...)
	return fs.writeNode(node)
}

// ExtendItem appends extra bytes to the body of the item at key,
// re-marshaling through binstruct so item-specific trailing-array
// fields stay consistent.
func (fs TreeOperatorImpl) ExtendItem(treeID btrfsprim.ObjID, key btrfsprim.Key, extra []byte) error {
	node, slot, found, err := fs.lookupLeaf(treeID, key)
	if err != nil {
		return err
	}
	if node == nil || !found || node.Data.BodyLeaf[slot].Key != key {
		FreeNodeRef(node)
		return fmt.Errorf("ExtendItem: key=%v: item not found", key)
	}
	defer FreeNodeRef(node)
	if uint32(len(extra)) > node.Data.LeafFreeSpace() {
		return fmt.Errorf("ExtendItem: key=%v: not enough free space in leaf", key)
	}
	old, err := binstruct.Marshal(node.Data.BodyLeaf[slot].Body)
	if err != nil {
		return fmt.Errorf("ExtendItem: key=%v: %w", key, err)
	}
	node.Data.BodyLeaf[slot].BodySize = uint32(len(old) + len(extra))
	node.Data.BodyLeaf[slot].Body.Free()
	node.Data.BodyLeaf[slot].Body = btrfsitem.UnmarshalItem(key, node.Data.ChecksumType, append(old, extra...))
	return fs.writeNode(node)
}

// TruncateItem shrinks (or, if already smaller, errors rather than
// grows) the item at key to newSize bytes, same asymmetry as the
// teacher's "extend_item grows, truncate_item only shrinks" split in
// original_source's ctree.c-derived comment at spec.md §4.C.
func (fs TreeOperatorImpl) TruncateItem(treeID btrfsprim.ObjID, key btrfsprim.Key, newSize uint32) error {
	node, slot, found, err := fs.lookupLeaf(treeID, key)
	if err != nil {
		return err
	}
	if node == nil || !found || node.Data.BodyLeaf[slot].Key != key {
		FreeNodeRef(node)
		return fmt.Errorf("TruncateItem: key=%v: item not found", key)
	}
	defer FreeNodeRef(node)
	if newSize > node.Data.BodyLeaf[slot].BodySize {
		return fmt.Errorf("TruncateItem: key=%v: new size %v is larger than current size %v",
			key, newSize, node.Data.BodyLeaf[slot].BodySize)
	}
	old, err := binstruct.Marshal(node.Data.BodyLeaf[slot].Body)
	if err != nil {
		return fmt.Errorf("TruncateItem: key=%v: %w", key, err)
	}
	old = old[:slices.Min(int(newSize), len(old))]
	node.Data.BodyLeaf[slot].BodySize = uint32(len(old))
	node.Data.BodyLeaf[slot].Body.Free()
	node.Data.BodyLeaf[slot].Body = btrfsitem.UnmarshalItem(key, node.Data.ChecksumType, old)
	return fs.writeNode(node)
}

func (fs TreeOperatorImpl) writeNode(node *diskio.Ref[btrfsvol.LogicalAddr, Node]) error {
	node.Data.Head.NumItems = uint32(len(node.Data.BodyLeaf))
	node.Data.Head.Generation++
	csum, err := node.Data.CalculateChecksum()
	if err != nil {
		return err
	}
	node.Data.Head.Checksum = csum
	return node.Write()
}
