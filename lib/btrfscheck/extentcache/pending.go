// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package extentcache

import (
	"fmt"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

// PendingOpType discriminates the three shapes of deferred extent-tree
// mutation described in spec.md §3 "Pending extent op".
type PendingOpType int

const (
	PendingInsert PendingOpType = iota
	PendingDelete
	PendingBackrefUpdate
)

func (t PendingOpType) String() string {
	switch t {
	case PendingInsert:
		return "insert"
	case PendingDelete:
		return "delete"
	case PendingBackrefUpdate:
		return "backref-update"
	default:
		return fmt.Sprintf("PendingOpType(%d)", int(t))
	}
}

// PendingExtentOp is a transactional ghost entry for the extent tree,
// queued instead of mutated in place so that a tree walk never has to
// reconcile a mutation it is itself in the middle of observing (spec.md
// §9 "Deferred extent mutations").
type PendingExtentOp struct {
	Type     PendingOpType
	Bytenr   btrfsvol.LogicalAddr
	NumBytes btrfsvol.AddrDelta
	Flags    btrfsvol.BlockGroupFlags
	Key      BackrefKey
	Level    uint8
}

// pendingQueue holds the two interval-ish queues (extent_ins,
// pending_del) keyed by bytenr, per spec.md §9: "Represent the two
// queues as interval trees on bytenr." Since at any instant there is
// at most one pending op per bytenr (a second one for the same bytenr
// supersedes, matching "a pending insert short-circuits a pending
// delete" in spec.md §5), a plain map keyed by bytenr captures the
// same behavior with less machinery than a full interval tree.
type pendingQueue struct {
	byBytenr map[btrfsvol.LogicalAddr]*PendingExtentOp
	order    []btrfsvol.LogicalAddr
}

// SetExtentBits implements spec.md §4.G `set_extent_bits`: queue a
// pending op for bytenr, in offset order.
func (m *Model) SetExtentBits(op PendingExtentOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lazyInit()

	if _, exists := m.pending.byBytenr[op.Bytenr]; !exists {
		m.pending.order = append(m.pending.order, op.Bytenr)
	}
	opCopy := op
	m.pending.byBytenr[op.Bytenr] = &opCopy
	m.sortPendingLocked()
}

func (m *Model) sortPendingLocked() {
	// insertion sort; the queue is expected to stay small relative to
	// the extent cache as a whole, and SetExtentBits is called far
	// less often than AddOrMerge.
	for i := 1; i < len(m.pending.order); i++ {
		for j := i; j > 0 && m.pending.order[j-1] > m.pending.order[j]; j-- {
			m.pending.order[j-1], m.pending.order[j] = m.pending.order[j], m.pending.order[j-1]
		}
	}
}

// ExtentInserter is the callback contract finish-insert flushes
// through: synthesise a real extent item (tree-block or data) plus
// exactly one inline backref of the matching shape, and write it via
// the tree primitive interface (component C).
type ExtentInserter interface {
	InsertExtentItem(bytenr btrfsvol.LogicalAddr, numBytes btrfsvol.AddrDelta, flags btrfsvol.BlockGroupFlags, key BackrefKey, level uint8, gen btrfsprim.Generation) error
}

// ExtentFreer is the callback contract del-pending-extents flushes
// through; corresponds to the original's `__free_extent`.
type ExtentFreer interface {
	FreeExtent(bytenr btrfsvol.LogicalAddr, numBytes btrfsvol.AddrDelta) error
}

// FinishCurrentInsert implements spec.md §4.G `finish_current_insert`:
// flush all pending PendingInsert ops, in bytenr order, leaving every
// other pending op queued. The queue holds at most one op per bytenr,
// so an insert that was followed by a delete for the same bytenr has
// already been replaced by that delete and is not materialized.
func (m *Model) FinishCurrentInsert(ins ExtentInserter, gen btrfsprim.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lazyInit()

	var remaining []btrfsvol.LogicalAddr
	for _, bytenr := range m.pending.order {
		op := m.pending.byBytenr[bytenr]
		if op == nil || op.Type != PendingInsert {
			remaining = append(remaining, bytenr)
			continue
		}
		if err := ins.InsertExtentItem(op.Bytenr, op.NumBytes, op.Flags, op.Key, op.Level, gen); err != nil {
			return fmt.Errorf("finish_current_insert: bytenr=%v: %w", op.Bytenr, err)
		}
		delete(m.pending.byBytenr, bytenr)
	}
	m.pending.order = remaining
	return nil
}

// DelPendingExtents implements spec.md §4.G `del_pending_extents`:
// flush all pending PendingDelete ops, in bytenr order, skipping
// bytenrs that also carry a pending insert.
func (m *Model) DelPendingExtents(freer ExtentFreer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lazyInit()

	hasPendingInsert := make(map[btrfsvol.LogicalAddr]bool)
	for _, bytenr := range m.pending.order {
		if op := m.pending.byBytenr[bytenr]; op != nil && op.Type == PendingInsert {
			hasPendingInsert[bytenr] = true
		}
	}

	var remaining []btrfsvol.LogicalAddr
	for _, bytenr := range m.pending.order {
		op := m.pending.byBytenr[bytenr]
		if op == nil || op.Type != PendingDelete {
			if op != nil {
				remaining = append(remaining, bytenr)
			}
			continue
		}
		if hasPendingInsert[bytenr] {
			remaining = append(remaining, bytenr)
			continue
		}
		if err := freer.FreeExtent(op.Bytenr, op.NumBytes); err != nil {
			return fmt.Errorf("del_pending_extents: bytenr=%v: %w", op.Bytenr, err)
		}
		delete(m.pending.byBytenr, bytenr)
	}
	m.pending.order = remaining
	return nil
}

// FixupExtentRefs implements spec.md §4.G `fixup_extent_refs`: in
// repair mode, delete all existing extent items for rec.Start then
// re-insert one extent item plus exactly those backrefs with
// FoundRef > 0. Records flagged Corrupt are skipped, per spec.md §4.I.
func (m *Model) FixupExtentRefs(rec *ExtentRecord, freer ExtentFreer, ins ExtentInserter, gen btrfsprim.Generation) error {
	if rec.Corrupt {
		return nil
	}

	if err := freer.FreeExtent(rec.Start, rec.Nr); err != nil {
		return fmt.Errorf("fixup_extent_refs: bytenr=%v: %w", rec.Start, err)
	}

	level := uint8(0)
	if rec.Metadata {
		level = 0 // caller fills in the real level via a BackrefUpdate before calling, if known
	}
	for key, bref := range rec.Backrefs {
		if bref.FoundRef <= 0 {
			continue
		}
		if err := ins.InsertExtentItem(rec.Start, rec.Nr, 0, key, level, gen); err != nil {
			return fmt.Errorf("fixup_extent_refs: bytenr=%v: %w", rec.Start, err)
		}
	}
	return nil
}
