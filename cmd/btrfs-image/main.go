// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-image dumps a btrfs filesystem's metadata (and,
// optionally, data) to a compressed metadump file, or restores such a
// dump back onto a device.
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
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfscheck/ebcache"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfsimage"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfsutil"
	"git.lukeshu.com/btrfs-progs-ng/lib/diskio"
	"git.lukeshu.com/btrfs-progs-ng/lib/textui"
)

func main() {
	var restore, includeData bool
	var compressLevel int

	cmd := &cobra.Command{
		Use:   "btrfs-image SOURCE TARGET",
		Short: "Create or restore a compressed dump of btrfs metadata",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},

		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				if restore {
					return runRestore(ctx, args[0], args[1])
				}
				opts := btrfsimage.WriterOptions{
					IncludeData: includeData,
				}
				if compressLevel > 0 {
					opts.Compress = btrfsimage.CompressZlib
				}
				return runDump(ctx, args[0], args[1], opts)
			})
			return grp.Wait()
		},
	}
	cmd.Flags().BoolVarP(&restore, "restore", "r", false, "restore a metadump image to a device, instead of creating one")
	cmd.Flags().BoolVarP(&includeData, "walk-data", "w", false, "also dump file data extents, not just metadata")
	cmd.Flags().IntVarP(&compressLevel, "compress", "c", 1, "compress with zlib if nonzero (0 disables compression); the value does not set a zlib level")
	cmd.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	cmd.SetHelpTemplate(cliutil.HelpTemplate)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		os.Exit(1)
	}
}

func runDump(ctx context.Context, source, target string, opts btrfsimage.WriterOptions) (err error) {
	maybeSetErr := func(_err error) {
		if _err != nil && err == nil {
			err = _err
		}
	}

	fs, closeFS, err := openSource(ctx, source)
	if err != nil {
		return err
	}
	defer func() { maybeSetErr(closeFS()) }()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer func() { maybeSetErr(out.Close()) }()

	arena := ebcache.NewArena(fsRawSource{fs}, textui.Tunable(32), textui.Tunable(4096))
	return btrfsimage.NewWriter(out, arena, opts).Dump(ctx)
}

func runRestore(ctx context.Context, source, target string) (err error) {
	maybeSetErr := func(_err error) {
		if _err != nil && err == nil {
			err = _err
		}
	}

	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() { maybeSetErr(in.Close()) }()

	osFile, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return err
	}
	out := &diskio.OSFile[btrfsvol.PhysicalAddr]{File: osFile}
	defer func() { maybeSetErr(out.Close()) }()

	restorer := btrfsimage.NewRestorer(in, out)
	if err := restorer.Restore(); err != nil {
		return err
	}
	dlog.Infof(ctx, "restored %d blocks", restorer.NumItems)
	return nil
}

// fsRawSource adapts *btrfs.FS to ebcache.RawSource: btrfs.FS.Size
// returns (LogicalAddr, error) for historical reasons (it predates
// the diskio.File[A] interface having a no-error Size), so it can't
// satisfy diskio.File[btrfsvol.LogicalAddr] directly.
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

// openSource opens the single device filename as the metadata source
// for dumping; no other device of a multi-device filesystem is opened.
func openSource(ctx context.Context, filename string) (*btrfs.FS, func() error, error) {
	fs, err := btrfsutil.Open(ctx, os.O_RDONLY, filename)
	if err != nil {
		return nil, nil, fmt.Errorf("open %q: %w", filename, err)
	}
	return fs, fs.Close, nil
}
