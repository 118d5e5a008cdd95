// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

type Optional[T any] struct {
	OK  bool
	Val T
}

// OptionalValue is shorthand for Optional[T]{OK: true, Val: val}.
func OptionalValue[T any](val T) Optional[T] {
	return Optional[T]{OK: true, Val: val}
}
