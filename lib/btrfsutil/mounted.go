// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"bufio"
	"os"
	"strings"
)

// IsMounted reports whether device appears as the source of any entry
// in /proc/self/mounts, grounded on original_source/utils.c's
// check_mounted_where, which iterates setmntent("/proc/self/mounts")
// comparing each entry's device field against the candidate path.
// Unlike the original, this never resolves symlinks or canonicalizes
// device-mapper names; callers passing a non-canonical path may get a
// false negative, which is why cmd/btrfs-check's mounted gate also
// honors an explicit --force.
func IsMounted(device string) (bool, error) {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if fields[0] == device {
			return true, nil
		}
	}
	return false, scanner.Err()
}
