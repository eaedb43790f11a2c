// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implements a generic Set as a map[T]struct{}.
//
// It is used to check rank partitions of process groups, and to track which parameters reported
// their gradients.
package sets

import (
	"cmp"
	"maps"
	"slices"
)

// Set of keys of type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set, optionally reserving room for size[0] keys.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Has reports whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// InsertNew inserts all keys, and returns false if any of them was already in the set.
func (s Set[T]) InsertNew(keys ...T) bool {
	n := len(s)
	s.Insert(keys...)
	return len(s) == n+len(keys)
}

// Sorted returns the keys of s in increasing order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	return slices.Sorted(maps.Keys(s))
}
