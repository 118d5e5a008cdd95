// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-crc computes (or verifies) a btrfs-style checksum of
// a block of data, using any of the hash algorithms a btrfs
// filesystem may be formatted with.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-progs-ng/lib/textui"
)

func main() {
	var typeFlag string
	var expected string

	cmd := &cobra.Command{
		Use:   "btrfs-crc [flags] {FILE|-}",
		Short: "Compute or verify a btrfs-style checksum of a block of data",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},

		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseCSumType(typeFlag)
			if err != nil {
				return err
			}

			in := os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read %q: %w", args[0], err)
			}

			sum, err := typ.Sum(data)
			if err != nil {
				return err
			}

			if expected == "" {
				textui.Fprintf(os.Stdout, "%v\n", sum.Fmt(typ))
				return nil
			}
			var want btrfssum.CSum
			if err := want.UnmarshalText([]byte(expected)); err != nil {
				return fmt.Errorf("--expect %q: %w", expected, err)
			}
			if want.Fmt(typ) != sum.Fmt(typ) {
				return fmt.Errorf("checksum mismatch: got %v, expected %v", sum.Fmt(typ), want.Fmt(typ))
			}
			textui.Fprintf(os.Stdout, "ok: %v\n", sum.Fmt(typ))
			return nil
		},
	}
	cmd.Flags().StringVarP(&typeFlag, "type", "t", "crc32c", "checksum algorithm: crc32c, xxhash64, sha256, or blake2")
	cmd.Flags().StringVarP(&expected, "expect", "e", "", "verify against this expected checksum (hex) instead of printing")
	cmd.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	cmd.SetHelpTemplate(cliutil.HelpTemplate)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		os.Exit(1)
	}
}

func parseCSumType(s string) (btrfssum.CSumType, error) {
	switch s {
	case "crc32c":
		return btrfssum.TYPE_CRC32, nil
	case "xxhash64":
		return btrfssum.TYPE_XXHASH, nil
	case "sha256":
		return btrfssum.TYPE_SHA256, nil
	case "blake2":
		return btrfssum.TYPE_BLAKE2, nil
	default:
		return 0, fmt.Errorf("unknown checksum type %q", s)
	}
}
