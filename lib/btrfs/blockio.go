// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

// ZeroClamped zeros the byte range [start, start+length) on dev,
// clamping the range to the device's actual size so that callers
// don't need to special-case writing past the end of a device.
func ZeroClamped(dev *Device, start btrfsvol.PhysicalAddr, length btrfsvol.AddrDelta) error {
	sz, err := dev.Size()
	if err != nil {
		return err
	}

	end := start.Add(length)
	if end < start {
		end = start
	}
	if start > sz {
		start = sz
	}
	if end > sz {
		end = sz
	}
	if end <= start {
		return nil
	}

	buf := make([]byte, end.Sub(start))
	_, err = dev.WriteAt(buf, start)
	return err
}

// WipeExistingSuperblocks zeros every btrfs superblock slot on dev
// (SuperblockAddrs), so that a later mkfs-style write doesn't leave a
// stale trailing superblock for a filesystem with a different size.
func WipeExistingSuperblocks(dev *Device) error {
	superblockSize := btrfsvol.AddrDelta(binstruct.StaticSize(Superblock{}))
	for _, addr := range SuperblockAddrs {
		if err := ZeroClamped(dev, addr, superblockSize); err != nil {
			return err
		}
	}
	dev.cacheSuperblocks = nil
	dev.cacheSuperblock = nil
	return nil
}
