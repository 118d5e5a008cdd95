// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

// TreePath and TreePathElem are the legacy path representation
// consumed by TreeOperator/TreeWalkHandler/NodeSource (ops.go,
// btree_tree.go) and by btrfsutil's skinny-path caches.  The newer
// Path/PathElem pair (path.go) is used by the Tree/Forrest interface
// instead; the two are not interchangeable.
type TreePath []TreePathElem

type TreePathElem struct {
	FromTree     btrfsprim.ObjID
	FromItemSlot int

	ToNodeAddr       btrfsvol.LogicalAddr
	ToNodeGeneration btrfsprim.Generation
	ToNodeLevel      uint8

	ToKey    btrfsprim.Key
	ToMaxKey btrfsprim.Key
}

// Node returns the path element `idx` steps in; negative indices
// count from the end, so Node(-1) is the deepest element.  The
// returned pointer aliases the path's backing array, so callers may
// mutate it in place (as TreeOperatorImpl does while walking).
func (path TreePath) Node(idx int) *TreePathElem {
	if idx < 0 {
		idx += len(path)
	}
	return &path[idx]
}

func (path TreePath) Parent() TreePath {
	return path[:len(path)-1]
}
