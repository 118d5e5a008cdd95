// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-check runs the offline consistency checker (and,
// optionally, repairer) over a btrfs filesystem image.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfscheck"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfscheck/ebcache"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfsutil"
	"git.lukeshu.com/btrfs-progs-ng/lib/textui"
)

func main() {
	var repair, force, clearSpaceCache, clearInoCache, qgroupReport bool
	var mode string

	cmd := &cobra.Command{
		Use:   "btrfs-check [flags] DEVICE",
		Short: "Check (and optionally repair) a btrfs filesystem's consistency",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},

		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

			walkMode, err := parseWalkMode(mode)
			if err != nil {
				return err
			}

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				opts := btrfscheck.DefaultOptions()
				opts.Mode = walkMode
				opts.Repair = repair
				opts.Force = force
				opts.ClearSpaceCache = clearSpaceCache
				opts.ClearInoCache = clearInoCache
				opts.QgroupReport = qgroupReport
				return run(ctx, args[0], opts)
			})
			return grp.Wait()
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "attempt to fix errors found while checking")
	cmd.Flags().BoolVar(&force, "force", false, "proceed even if the device appears to be mounted")
	cmd.Flags().BoolVar(&clearSpaceCache, "clear-space-cache", false, "exit without checking; the on-disk free-space cache is not modified")
	cmd.Flags().BoolVar(&clearInoCache, "clear-ino-cache", false, "exit without checking; the on-disk inode-number cache is not modified")
	cmd.Flags().BoolVarP(&qgroupReport, "qgroup-report", "Q", false, "verify qgroup counts and report mismatches, without repairing")
	cmd.Flags().StringVar(&mode, "mode", "lowmem", "walk strategy: original or lowmem")
	cmd.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	cmd.SetHelpTemplate(cliutil.HelpTemplate)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		os.Exit(1)
	}
}

func parseWalkMode(s string) (btrfscheck.WalkMode, error) {
	switch s {
	case "original":
		return btrfscheck.WalkModeOriginal, nil
	case "lowmem":
		return btrfscheck.WalkModeLowmem, nil
	default:
		return 0, fmt.Errorf("unknown --mode %q (want original or lowmem)", s)
	}
}

func run(ctx context.Context, device string, opts btrfscheck.Options) (err error) {
	maybeSetErr := func(_err error) {
		if _err != nil && err == nil {
			err = _err
		}
	}

	flag := os.O_RDONLY
	if opts.Repair {
		flag = os.O_RDWR
	}
	fs, err := btrfsutil.Open(ctx, flag, device)
	if err != nil {
		return fmt.Errorf("open %q: %w", device, err)
	}
	defer func() { maybeSetErr(fs.Close()) }()

	sb, err := fs.Superblock()
	if err != nil {
		return fmt.Errorf("read superblock: %w", err)
	}

	arena := ebcache.NewArena(fsRawSource{fs}, textui.Tunable(32), textui.Tunable(4096))

	orch := btrfscheck.NewOrchestrator(arena, int64(sb.SectorSize), opts)
	if err := orch.Run(ctx); err != nil {
		return err
	}

	for id, rec := range orch.Walker.Roots {
		if !rec.Reachable {
			dlog.Errorf(ctx, "btrfscheck: root %v is unreachable", id)
		}
	}
	return nil
}

// fsRawSource adapts *btrfs.FS to ebcache.RawSource, mirroring
// cmd/btrfs-image's identical adapter: btrfs.FS.Size returns
// (LogicalAddr, error) for historical reasons, so it can't satisfy
// diskio.File[btrfsvol.LogicalAddr] directly.
type fsRawSource struct {
	fs *btrfs.FS
}

func (s fsRawSource) Name() string { return s.fs.Name() }
func (s fsRawSource) Size() btrfsvol.LogicalAddr {
	size, _ := s.fs.Size()
	return size
}
func (s fsRawSource) Close() error { return s.fs.Close() }
func (s fsRawSource) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return s.fs.ReadAt(p, off)
}
func (s fsRawSource) WriteAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return s.fs.WriteAt(p, off)
}
func (s fsRawSource) Superblock() (*btrfstree.Superblock, error) { return s.fs.Superblock() }
