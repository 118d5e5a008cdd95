// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package slices

import (
	"sort"

	"golang.org/x/exp/constraints"
)

func Contains[T comparable](needle T, haystack []T) bool {
	for _, straw := range haystack {
		if needle == straw {
			return true
		}
	}
	return false
}

func RemoveAll[T comparable](haystack []T, needle T) []T {
	for i, straw := range haystack {
		if needle == straw {
			return append(
				haystack[:i],
				RemoveAll(haystack[i+1:], needle)...)
		}
	}
	return haystack
}

func RemoveAllFunc[T any](haystack []T, f func(T) bool) []T {
	for i, straw := range haystack {
		if f(straw) {
			return append(
				haystack[:i],
				RemoveAllFunc(haystack[i+1:], f)...)
		}
	}
	return haystack
}

func Reverse[T any](slice []T) {
	for i := 0; i < len(slice)/2; i++ {
		j := (len(slice) - 1) - i
		slice[i], slice[j] = slice[j], slice[i]
	}
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Sort[T constraints.Ordered](slice []T) {
	sort.Slice(slice, func(i, j int) bool {
		return slice[i] < slice[j]
	})
}

// Search does a binary search of haystack for an element for which
// fn returns 0, on the assumption that fn is non-increasing across
// haystack (the "+ + + 0 - - -" shape: zero-or-more positives,
// optionally one zero, zero-or-more negatives). ok is false if no
// element evaluates to 0.
func Search[T any](haystack []T, fn func(T) int) (int, bool) {
	lo, hi := 0, len(haystack)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		switch cmp := fn(haystack[mid]); {
		case cmp > 0:
			lo = mid + 1
		case cmp < 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return 0, false
}

// SearchHighest returns the highest index in haystack for which fn
// returns a non-negative value, again assuming fn is non-increasing
// across haystack. ok is false if every element is negative.
func SearchHighest[T any](haystack []T, fn func(T) int) (int, bool) {
	lo, hi := 0, len(haystack)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if fn(haystack[mid]) >= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, false
	}
	return lo - 1, true
}
