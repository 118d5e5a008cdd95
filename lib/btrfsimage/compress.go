// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsimage

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// CompressType names the compression codec a cluster's payload was
// written with. btrfs-image has only ever shipped these two; there's
// no per-cluster negotiation beyond this byte.
type CompressType uint8

const (
	CompressNone CompressType = 0
	CompressZlib CompressType = 1
)

func (t CompressType) String() string {
	switch t {
	case CompressNone:
		return "none"
	case CompressZlib:
		return "zlib"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// compress encodes raw through the codec named by t. CompressNone
// returns raw unchanged (not a copy).
func compress(t CompressType, raw []byte) ([]byte, error) {
	switch t {
	case CompressNone:
		return raw, nil
	case CompressZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("btrfsimage: zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("btrfsimage: zlib compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("btrfsimage: unknown compress type %v", t)
	}
}

// decompress is compress's inverse; sizeHint is the known
// decompressed size (the cluster item's Size), used to preallocate.
func decompress(t CompressType, packed []byte, sizeHint int) ([]byte, error) {
	switch t {
	case CompressNone:
		return packed, nil
	case CompressZlib:
		r, err := zlib.NewReader(bytes.NewReader(packed))
		if err != nil {
			return nil, fmt.Errorf("btrfsimage: zlib decompress: %w", err)
		}
		defer r.Close()
		buf := bytes.NewBuffer(make([]byte, 0, sizeHint))
		if _, err := io.Copy(buf, r); err != nil {
			return nil, fmt.Errorf("btrfsimage: zlib decompress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("btrfsimage: unknown compress type %v", t)
	}
}
