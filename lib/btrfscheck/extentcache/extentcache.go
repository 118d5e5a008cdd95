// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package extentcache implements the in-memory extent/backref model
// (the "ExtentRefModel") that the checker rebuilds while walking a
// filesystem's trees: one record per extent, carrying the set of
// backrefs that were expected (from the extent tree) and the set that
// were actually found (from walking the fs trees), so the two can be
// reconciled.
package extentcache

import (
	"fmt"
	"sync"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
)

// Owner is the tagged union {FullBackref(Parent) | Rooted(Root)}
// described in spec.md §9 "Unions in backref types". Comparison order
// puts Rooted before FullBackref within the same extent, matching the
// teacher's convention of sorting well-known trees before arbitrary
// block addresses.
type Owner struct {
	IsFullBackref bool
	Parent        btrfsvol.LogicalAddr // valid if IsFullBackref
	Root          btrfsprim.ObjID      // valid if !IsFullBackref
}

func cmpLogicalAddr(a, b btrfsvol.LogicalAddr) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (a Owner) Cmp(b Owner) int {
	if a.IsFullBackref != b.IsFullBackref {
		if a.IsFullBackref {
			return 1
		}
		return -1
	}
	if a.IsFullBackref {
		return cmpLogicalAddr(a.Parent, b.Parent)
	}
	return containers.CmpUint(a.Root, b.Root)
}

// BackrefKey identifies one backref slot on an ExtentRecord, per
// spec.md §3 "Backref variants".
type BackrefKey struct {
	IsData bool
	Owner  Owner
	// Only meaningful when IsData; zero otherwise.
	FileOwner  btrfsprim.ObjID
	FileOffset uint64
}

func (a BackrefKey) Cmp(b BackrefKey) int {
	if a.IsData != b.IsData {
		if a.IsData {
			return 1
		}
		return -1
	}
	if d := a.Owner.Cmp(b.Owner); d != 0 {
		return d
	}
	if d := containers.CmpUint(a.FileOwner, b.FileOwner); d != 0 {
		return d
	}
	return containers.CmpUint(a.FileOffset, b.FileOffset)
}

// Backref is one reverse-pointer entry on an ExtentRecord.
type Backref struct {
	Key BackrefKey

	// NumRefs is how many references the on-disk extent item claims
	// for this backref slot.
	NumRefs int
	// FoundRef is how many matching references were actually
	// encountered while walking the fs trees.
	FoundRef int

	// Generation of the reference, when known (data backrefs only).
	Generation btrfsprim.Generation

	// DiskBytenr/Bytes echo back the owning extent's geometry; they
	// exist on the Backref (not just the ExtentRecord) so a data
	// backref found via a FileExtent item can be cross-checked
	// independently, per spec.md §3 invariant.
	DiskBytenr btrfsvol.LogicalAddr
	Bytes      btrfsvol.AddrDelta
}

// ExtentRecord is the in-RAM model of one on-disk extent item, plus
// the checker's working state for it. See spec.md §3.
type ExtentRecord struct {
	Start btrfsvol.LogicalAddr
	Nr    btrfsvol.AddrDelta

	// MaxSize is filled in the first time any reference implies a
	// size for an extent we haven't yet seen an EXTENT_ITEM for; it
	// lets the checker flag undersized extents without waiting for
	// every backref to arrive.
	MaxSize btrfsvol.AddrDelta

	Refs           int
	ExtentItemRefs int
	Generation     btrfsprim.Generation

	Metadata        bool
	IsRoot          bool
	BadFullBackref  bool
	CrossingStripes bool
	WrongChunkType  bool

	FoundRec bool

	Backrefs map[BackrefKey]*Backref

	// Dups holds every ExtentTemplate that collided with this record
	// (same Start, mismatched Nr or a second FoundRec=true claim).
	Dups []ExtentTemplate

	// Corrupt marks that the record's geometry is too broken to trust
	// for a FixupExtentRefs repair; set by the walker, consulted by
	// the repairer.
	Corrupt bool
}

// ExtentTemplate is the argument to AddOrMerge: a partial view of an
// extent, as derived either from an EXTENT_ITEM/METADATA_ITEM (in
// which case Refs/ExtentItemRefs/Generation/Metadata are set and
// FoundRec is false) or from a tree-block/file-extent walk (in which
// case FoundRec is true).
type ExtentTemplate struct {
	Start btrfsvol.LogicalAddr
	Nr    btrfsvol.AddrDelta

	Refs           containers.Optional[int]
	ExtentItemRefs containers.Optional[int]
	Generation     containers.Optional[btrfsprim.Generation]
	Metadata       containers.Optional[bool]
	IsRoot         containers.Optional[bool]

	FoundRec bool
}

// Model is the ExtentRefModel (component G). The zero Model is ready
// to use.
type addrKey = containers.NativeOrdered[btrfsvol.LogicalAddr]

func mkAddrKey(a btrfsvol.LogicalAddr) addrKey { return addrKey{Val: a} }

// cmpPointToRec compares a single logical address against a record's
// half-open range [Start, Start+Nr), the way
// lib/btrfs/btrfsvol/chunk.go's chunkMapping.cmpRange compares two
// ranges: negative if pt is wholly left of rec, positive if wholly
// right, zero if pt falls within rec (or rec is still a bare point
// with Nr==0, in which case only an exact Start match counts).
func cmpPointToRec(pt btrfsvol.LogicalAddr, rec *ExtentRecord) int {
	switch {
	case rec.Nr == 0:
		return cmpLogicalAddr(pt, rec.Start)
	case pt < rec.Start:
		return -1
	case pt >= rec.Start.Add(rec.Nr):
		return 1
	default:
		return 0
	}
}

type Model struct {
	mu    sync.Mutex
	cache containers.RBTree[addrKey, *ExtentRecord]
	init  bool

	// DuplicateExtents collects every primary record that has at
	// least one entry in its Dups list, in first-seen order, so
	// callers can report them without re-walking the whole cache.
	DuplicateExtents []*ExtentRecord

	pending pendingQueue
}

func (m *Model) lazyInit() {
	if m.init {
		return
	}
	m.cache = containers.RBTree[addrKey, *ExtentRecord]{
		KeyFn: func(r *ExtentRecord) addrKey { return mkAddrKey(r.Start) },
	}
	m.pending.byBytenr = make(map[btrfsvol.LogicalAddr]*PendingExtentOp)
	m.init = true
}

// Lookup returns the record covering bytenr, if any.
func (m *Model) Lookup(bytenr btrfsvol.LogicalAddr) *ExtentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lazyInit()
	return m.lookupLocked(bytenr)
}

// Walk visits every known ExtentRecord in Start order. The quota
// phase (spec.md §4.L) uses this to synthesize its Ref rows from the
// backrefs the fs-roots walk accumulated, without re-reading the
// extent tree a second time.
func (m *Model) Walk(fn func(*ExtentRecord) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lazyInit()
	return m.cache.Walk(func(node *containers.RBNode[*ExtentRecord]) error {
		return fn(node.Value)
	})
}

func (m *Model) lookupLocked(bytenr btrfsvol.LogicalAddr) *ExtentRecord {
	node := m.cache.Search(func(rec *ExtentRecord) int {
		return cmpPointToRec(bytenr, rec)
	})
	if node == nil {
		return nil
	}
	return node.Value
}

// AddOrMerge implements spec.md §4.G `add_or_merge`.
func (m *Model) AddOrMerge(tmpl ExtentTemplate) *ExtentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lazyInit()

	rec := m.lookupLocked(tmpl.Start)
	if rec == nil {
		rec = &ExtentRecord{
			Start:    tmpl.Start,
			Nr:       tmpl.Nr,
			Backrefs: make(map[BackrefKey]*Backref),
		}
		if tmpl.Refs.OK {
			rec.Refs = tmpl.Refs.Val
		}
		if tmpl.ExtentItemRefs.OK {
			rec.ExtentItemRefs = tmpl.ExtentItemRefs.Val
		}
		if tmpl.Generation.OK {
			rec.Generation = tmpl.Generation.Val
		}
		if tmpl.Metadata.OK {
			rec.Metadata = tmpl.Metadata.Val
		}
		if tmpl.IsRoot.OK {
			rec.IsRoot = tmpl.IsRoot.Val
		}
		rec.FoundRec = tmpl.FoundRec
		if rec.Nr == 0 {
			rec.Nr = tmpl.Nr
		}
		m.cache.Insert(rec)
		return rec
	}

	mismatched := (tmpl.Nr != 0 && rec.Nr != 0 && tmpl.Nr != rec.Nr)
	dupClaim := tmpl.FoundRec && rec.FoundRec

	if mismatched || dupClaim {
		rec.Dups = append(rec.Dups, tmpl)
		if len(rec.Dups) == 1 {
			m.DuplicateExtents = append(m.DuplicateExtents, rec)
		}
		return rec
	}

	if tmpl.Refs.OK {
		rec.Refs += tmpl.Refs.Val
	}
	if tmpl.ExtentItemRefs.OK {
		rec.ExtentItemRefs += tmpl.ExtentItemRefs.Val
	}
	if tmpl.Generation.OK {
		rec.Generation = tmpl.Generation.Val
	}
	if tmpl.Metadata.OK {
		rec.Metadata = tmpl.Metadata.Val
	}
	if tmpl.IsRoot.OK {
		rec.IsRoot = tmpl.IsRoot.Val
	}
	if tmpl.FoundRec {
		rec.FoundRec = true
	}
	if rec.Nr == 0 && tmpl.Nr != 0 {
		rec.Nr = tmpl.Nr
	}
	if tmpl.Nr > rec.MaxSize {
		rec.MaxSize = tmpl.Nr
	}

	return rec
}

func (m *Model) getOrCreate(bytenr btrfsvol.LogicalAddr) *ExtentRecord {
	rec := m.lookupLocked(bytenr)
	if rec == nil {
		rec = &ExtentRecord{
			Start:    bytenr,
			Backrefs: make(map[BackrefKey]*Backref),
		}
		m.cache.Insert(rec)
	}
	if rec.Backrefs == nil {
		rec.Backrefs = make(map[BackrefKey]*Backref)
	}
	return rec
}

// AddTreeBackref implements spec.md §4.G `add_tree_backref`.
//
// Exactly one of parent/root is meaningful, selected by fullBackref;
// this mirrors the on-disk TREE_BLOCK_REF (rooted) vs
// SHARED_BLOCK_REF (full-backref) distinction.
func (m *Model) AddTreeBackref(bytenr btrfsvol.LogicalAddr, parent btrfsvol.LogicalAddr, root btrfsprim.ObjID, fullBackref bool, foundRef bool) *Backref {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lazyInit()

	rec := m.getOrCreate(bytenr)
	key := BackrefKey{
		IsData: false,
		Owner:  Owner{IsFullBackref: fullBackref, Parent: parent, Root: root},
	}
	bref, ok := rec.Backrefs[key]
	if !ok {
		bref = &Backref{Key: key}
		rec.Backrefs[key] = bref
	}
	bref.NumRefs++
	if foundRef {
		bref.FoundRef++
	}
	return bref
}

// AddDataBackref implements spec.md §4.G `add_data_backref`.
func (m *Model) AddDataBackref(
	bytenr btrfsvol.LogicalAddr,
	parent btrfsvol.LogicalAddr, root btrfsprim.ObjID, fullBackref bool,
	owner btrfsprim.ObjID, offset uint64,
	numRefs int, gen btrfsprim.Generation, foundRef bool,
	diskBytenr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta,
) *Backref {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lazyInit()

	rec := m.getOrCreate(bytenr)
	key := BackrefKey{
		IsData:     true,
		Owner:      Owner{IsFullBackref: fullBackref, Parent: parent, Root: root},
		FileOwner:  owner,
		FileOffset: offset,
	}
	bref, ok := rec.Backrefs[key]
	if !ok {
		bref = &Backref{Key: key}
		rec.Backrefs[key] = bref
	}
	bref.NumRefs += numRefs
	bref.Generation = gen
	bref.DiskBytenr = diskBytenr
	bref.Bytes = size
	if foundRef {
		bref.FoundRef++
	}
	if size > rec.MaxSize {
		rec.MaxSize = size
	}
	return bref
}

// FindTreeBackref implements spec.md §4.G `find_tree_backref`.
func (m *Model) FindTreeBackref(rec *ExtentRecord, parent btrfsvol.LogicalAddr, root btrfsprim.ObjID, fullBackref bool) (*Backref, bool) {
	key := BackrefKey{IsData: false, Owner: Owner{IsFullBackref: fullBackref, Parent: parent, Root: root}}
	b, ok := rec.Backrefs[key]
	return b, ok
}

// FindDataBackref implements spec.md §4.G `find_data_backref`.
func (m *Model) FindDataBackref(
	rec *ExtentRecord,
	parent btrfsvol.LogicalAddr, root btrfsprim.ObjID, fullBackref bool,
	owner btrfsprim.ObjID, offset uint64,
) (*Backref, bool) {
	key := BackrefKey{
		IsData:     true,
		Owner:      Owner{IsFullBackref: fullBackref, Parent: parent, Root: root},
		FileOwner:  owner,
		FileOffset: offset,
	}
	b, ok := rec.Backrefs[key]
	return b, ok
}

// BackpointerError describes one mismatch found by
// AllBackpointersChecked.
type BackpointerError struct {
	Bytenr btrfsvol.LogicalAddr
	Key    BackrefKey
	Reason string
}

func (e BackpointerError) Error() string {
	return fmt.Sprintf("extent %v: backref %+v: %s", e.Bytenr, e.Key, e.Reason)
}

// AllBackpointersChecked implements spec.md §4.G
// `all_backpointers_checked`. It returns every mismatch it finds,
// rather than stopping at the first, so callers can print them all
// (the spec's "print each mismatch" option).
func (m *Model) AllBackpointersChecked(rec *ExtentRecord) []error {
	var errs []error

	sumFound := 0
	sumNum := 0
	for _, bref := range rec.Backrefs {
		sumNum += bref.NumRefs
		if bref.Key.IsData {
			sumFound += bref.FoundRef
			if bref.FoundRef > 0 {
				if bref.DiskBytenr != rec.Start {
					errs = append(errs, BackpointerError{rec.Start, bref.Key, "disk_bytenr does not match extent start"})
				}
				if bref.Bytes != rec.Nr {
					errs = append(errs, BackpointerError{rec.Start, bref.Key, "bytes does not match extent length"})
				}
			}
		} else {
			if bref.FoundRef > 1 {
				errs = append(errs, BackpointerError{rec.Start, bref.Key, "tree backref found more than once"})
			}
			sumFound += bref.FoundRef
		}
	}

	if sumFound != rec.Refs {
		errs = append(errs, BackpointerError{rec.Start, BackrefKey{}, fmt.Sprintf("sum(found_ref)=%d != extent refs=%d", sumFound, rec.Refs)})
	}
	if sumNum != rec.ExtentItemRefs {
		errs = append(errs, BackpointerError{rec.Start, BackrefKey{}, fmt.Sprintf("sum(num_refs)=%d != extent_item_refs=%d", sumNum, rec.ExtentItemRefs)})
	}

	return errs
}

// BlockGroupLookup resolves which block group (and its flags) owns a
// logical range; implementations are expected to be backed by
// lib/btrfsvol.LogicalVolume plus the checker's block-group cache.
type BlockGroupLookup interface {
	LookupBlockGroup(btrfsvol.LogicalAddr) (flags btrfsvol.BlockGroupFlags, ok bool)
}

// CheckExtentType implements spec.md §4.G `check_extent_type`.
func (m *Model) CheckExtentType(rec *ExtentRecord, bg BlockGroupLookup, ownsChunkTree func(BackrefKey) bool) {
	flags, ok := bg.LookupBlockGroup(rec.Start)
	if !ok {
		rec.WrongChunkType = true
		return
	}

	switch {
	case rec.Metadata:
		if flags&(btrfsvol.BLOCK_GROUP_METADATA|btrfsvol.BLOCK_GROUP_SYSTEM) == 0 {
			rec.WrongChunkType = true
		}
	default:
		if flags&btrfsvol.BLOCK_GROUP_DATA == 0 {
			rec.WrongChunkType = true
		}
	}

	for key := range rec.Backrefs {
		if ownsChunkTree(key) && flags&btrfsvol.BLOCK_GROUP_SYSTEM == 0 {
			rec.WrongChunkType = true
		}
	}
}
