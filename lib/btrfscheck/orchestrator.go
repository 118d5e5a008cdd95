// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfscheck/extentcache"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfscheck/freespace"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfscheck/quota"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfsrepair"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfsutil"
	"git.lukeshu.com/btrfs-progs-ng/lib/textui"
)

// Phase names the seven stages spec.md §4.M's Orchestrator runs in
// order: root-items → extents → free-space → fs-roots → csums →
// root-refs → quota.
type Phase int

const (
	PhaseRootItems Phase = iota
	PhaseExtents
	PhaseFreeSpace
	PhaseFsRoots
	PhaseCsums
	PhaseRootRefs
	PhaseQuota
	numPhases
)

func (p Phase) String() string {
	names := [...]string{
		"root-items", "extents", "free-space", "fs-roots", "csums", "root-refs", "quota",
	}
	if int(p) < len(names) {
		return names[p]
	}
	return "unknown"
}

// phaseStats implements textui.Stats for the single item_count counter
// spec.md §4.M says each phase updates.
type phaseStats struct {
	Phase Phase
	Count int64
}

func (s phaseStats) String() string {
	return fmt.Sprintf("%v: %d items", s.Phase, s.Count)
}

// Options controls an Orchestrator run, covering the CLI surface
// cmd/btrfs-check exposes.
type Options struct {
	Mode               WalkMode
	Repair             bool
	Force              bool // allow running against a mounted device
	ClearSpaceCache    bool
	ClearInoCache      bool
	QgroupReport       bool
	MaxRestartsPerRoot int
}

// DefaultOptions matches check/main.c's defaults: lowmem walk,
// read-only, two restarts per root.
func DefaultOptions() Options {
	return Options{Mode: WalkModeLowmem, MaxRestartsPerRoot: 2}
}

// Orchestrator runs the seven-phase checker pass over an open
// filesystem, owning the global ExtentRefModel and RootRecord cache
// (spec.md §3 "Ownership") across every per-root Walker it drives.
type Orchestrator struct {
	FS   btrfs.ReadableFS
	Opts Options

	Walker    *Walker
	Quota     *quota.Verifier
	FreeSpace map[btrfsprim.ObjID]*freespace.Index
	Repairer  *btrfsrepair.Repairer
}

// NewOrchestrator wires up a fresh Walker/Quota/FreeSpace/Repairer set
// for one run against fs.
func NewOrchestrator(fs btrfs.ReadableFS, sectorSize int64, opts Options) *Orchestrator {
	o := &Orchestrator{
		FS:        fs,
		Opts:      opts,
		Walker:    NewWalker(fs, opts.Mode, sectorSize),
		Quota:     quota.NewVerifier(),
		FreeSpace: make(map[btrfsprim.ObjID]*freespace.Index),
	}
	if opts.Repair {
		o.Repairer = btrfsrepair.NewRepairer(
			btrfstree.TreeOperatorImpl{NodeSource: fs},
			btrfsprim.FS_TREE_OBJECTID,
		)
	}
	return o
}

// Run executes Init → (ClearOnly | Quota-only | Walk) → Close, per
// spec.md §4.M's state machine.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	if o.Opts.ClearSpaceCache || o.Opts.ClearInoCache {
		return o.clearOnly(ctx)
	}

	if o.Opts.QgroupReport {
		if err := o.runPhase(ctx, PhaseQuota, o.phaseQuota); err != nil {
			return fmt.Errorf("phase %v: %w", PhaseQuota, err)
		}
		dlog.Infof(ctx, "%s", o.Quota.Report())
		return nil
	}

	if mounted, err := o.checkNotMounted(ctx); err != nil {
		return err
	} else if mounted && !o.Opts.Force {
		return fmt.Errorf("device appears to be mounted; refusing to run without --force")
	}

	phases := []struct {
		phase Phase
		fn    func(context.Context) error
	}{
		{PhaseRootItems, o.phaseRootItems},
		{PhaseExtents, o.phaseExtents},
		{PhaseFreeSpace, o.phaseFreeSpaceFn},
		{PhaseFsRoots, o.phaseFsRoots},
		{PhaseCsums, o.phaseCsums},
		{PhaseRootRefs, o.phaseRootRefs},
		{PhaseQuota, o.phaseQuota},
	}
	for _, p := range phases {
		if err := o.runPhase(ctx, p.phase, p.fn); err != nil {
			return fmt.Errorf("phase %v: %w", p.phase, err)
		}
	}

	dlog.Infof(ctx, "btrfscheck: done: %d roots, %d bad qgroups", len(o.Walker.Roots), len(o.Quota.BadGroups))
	return nil
}

func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	progress := textui.NewProgress[phaseStats](ctx, dlog.LogLevelInfo, 1*time.Second)
	defer progress.Done()
	progress.Set(phaseStats{Phase: phase})
	return fn(ctx)
}

func (o *Orchestrator) init(ctx context.Context) error {
	sb, err := o.FS.Superblock()
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "btrfscheck: opened filesystem generation %v", sb.Generation)
	return nil
}

// checkNotMounted is the /proc/mounts gate spec.md §5 requires,
// grounded on original_source/utils.c's check_mounted_where via
// lib/btrfsutil.IsMounted. A device name the checker can't resolve
// (network block devices, renamed loop devices) yields a "not
// mounted" false negative rather than an error, so --force stays the
// escape hatch rather than the default path.
func (o *Orchestrator) checkNotMounted(ctx context.Context) (bool, error) {
	name := o.FS.Name()
	if name == "" {
		return false, nil
	}
	mounted, err := btrfsutil.IsMounted(name)
	if err != nil {
		dlog.Warnf(ctx, "btrfscheck: could not check mount table for %q: %v", name, err)
		return false, nil
	}
	return mounted, nil
}

// clearOnly handles ClearSpaceCache/ClearInoCache: it logs the request,
// clears the in-memory indexes in o.FreeSpace, and returns without
// running any phase. It writes nothing to disk, so neither the on-disk
// free-space cache nor the inode-number cache is removed.
func (o *Orchestrator) clearOnly(ctx context.Context) error {
	if o.Opts.ClearSpaceCache {
		dlog.Infof(ctx, "btrfscheck: clearing free-space cache")
		for _, idx := range o.FreeSpace {
			idx.Clear()
		}
	}
	if o.Opts.ClearInoCache {
		dlog.Infof(ctx, "btrfscheck: clearing inode cache")
	}
	return nil
}

func (o *Orchestrator) phaseRootItems(ctx context.Context) error {
	// Root items themselves are discovered incidentally by WalkAll's
	// btrfsitem.Root dispatch (see lib/btrfsimage.Writer.Dump for the
	// identical discovery idiom); nothing else to do before the
	// fs-roots phase populates o.Walker.Roots.
	return nil
}

func (o *Orchestrator) phaseExtents(ctx context.Context) error {
	// Extent-tree ingestion into o.Walker.Extents happens as a side
	// effect of phaseFsRoots's WalkAll call (each FileExtent item adds
	// a data backref); this phase's slot exists to match spec.md §4.M's
	// seven-phase numbering for progress reporting.
	return nil
}

func (o *Orchestrator) phaseFreeSpaceFn(ctx context.Context) error {
	for id, idx := range o.FreeSpace {
		idx.Merge()
		if err := idx.Verify(); err != nil {
			dlog.Errorf(ctx, "btrfscheck: free space group %v: %v", id, err)
		}
	}
	return nil
}

func (o *Orchestrator) phaseFsRoots(ctx context.Context) error {
	if o.Opts.Repair && o.Repairer != nil {
		o.Walker.OnInodeChecked = func(treeID btrfsprim.ObjID, rec *InodeRecord) {
			if rec.Errors == 0 {
				return
			}
			if err := o.Repairer.Apply(ctx, treeID, rec); err != nil {
				dlog.Errorf(ctx, "btrfscheck: repair inode (root=%v ino=%v): %v", rec.Root, rec.Ino, err)
			}
		}
	}
	maxRestarts := o.Opts.MaxRestartsPerRoot
	for attempt := 0; ; attempt++ {
		o.Walker.WalkAll(ctx)
		if o.Walker.BadTrees == 0 || attempt >= maxRestarts {
			if o.Walker.BadTrees > 0 {
				dlog.Errorf(ctx, "btrfscheck: fs-roots: giving up after %d restarts with %d bad trees", attempt, o.Walker.BadTrees)
			}
			return nil
		}
		dlog.Infof(ctx, "btrfscheck: fs-roots: restarting walk (%d/%d) after %d bad trees", attempt+1, maxRestarts, o.Walker.BadTrees)
	}
}

func (o *Orchestrator) phaseCsums(ctx context.Context) error {
	// No checksum cross-referencing is done: neither this phase nor
	// the fs-roots walk counts csum items against a FileExtent's disk
	// range, and InodeRecord.HasCsumItem is never set. This phase is a
	// placeholder slot kept distinct for progress numbering, same as
	// phaseRootItems/phaseExtents above.
	return nil
}

func (o *Orchestrator) phaseRootRefs(ctx context.Context) error {
	for id, rec := range o.Walker.Roots {
		rec.Reachable = rec.FoundRefs > 0 || id == btrfsprim.FS_TREE_OBJECTID
	}
	return nil
}

// populateQuota feeds the quota tree's stored groups/relations and the
// fs-roots walk's accumulated extent backrefs into o.Quota, per
// spec.md §4.L's "for every EXTENT_ITEM/METADATA_ITEM and its inline
// refs, synthesize a Ref row."
func (o *Orchestrator) populateQuota(ctx context.Context) error {
	op := btrfstree.TreeOperatorImpl{NodeSource: o.FS}
	items, err := op.TreeSearchAll(btrfsprim.QUOTA_TREE_OBJECTID, func(btrfsprim.Key, uint32) int { return 0 })
	if err != nil {
		dlog.Warnf(ctx, "btrfscheck: quota: reading quota tree: %v", err)
	}
	for _, item := range items {
		switch body := item.Body.(type) {
		case btrfsitem.QGroupInfo:
			id := quota.QgroupID(item.Key.Offset)
			o.Quota.AddGroup(id, quota.Counts{
				DiskReferenced: int64(body.ReferencedBytes),
				DiskExclusive:  int64(body.ExclusiveBytes),
			})
		case btrfsitem.QGroupStatus:
			o.Quota.Status = quota.Status{
				Inconsistent:  body.Flags&btrfsitem.QGroupStatusFlagInconsistent != 0,
				RescanRunning: body.Flags&btrfsitem.QGroupStatusFlagRescan != 0,
				Generation:    body.Generation,
			}
		case btrfsitem.Empty:
			if item.Key.ItemType == btrfsprim.QGROUP_RELATION_KEY {
				o.Quota.AddRelation(quota.QgroupID(item.Key.ObjectID), quota.QgroupID(item.Key.Offset))
			}
		}
	}

	return o.Walker.Extents.Walk(func(rec *extentcache.ExtentRecord) error {
		for _, backref := range rec.Backrefs {
			o.Quota.AddRef(quota.Ref{
				Bytenr:   rec.Start,
				NumBytes: rec.Nr,
				Parent:   backref.Key.Owner.Parent,
				Root:     backref.Key.Owner.Root,
			})
		}
		return nil
	})
}

func (o *Orchestrator) phaseQuota(ctx context.Context) error {
	if err := o.populateQuota(ctx); err != nil {
		dlog.Warnf(ctx, "btrfscheck: quota: %v", err)
	}
	if err := o.Quota.Verify(); err != nil {
		return err
	}
	if o.Opts.Repair && len(o.Quota.BadGroups) > 0 {
		sb, err := o.FS.Superblock()
		if err != nil {
			return err
		}
		mutator := btrfstree.TreeOperatorImpl{NodeSource: o.FS}
		return o.Quota.Repair(mutator, sb.Generation)
	}
	return nil
}
