// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tree implements Tree, the generic container for model parameters, optimizer state,
// sharding rules and their symbolic (graph) counterparts.
//
// A Tree maps scoped paths (e.g. "/unet/down_0/weights") to leaves. All enumerations follow the sorted
// order of the paths, so a Tree of tensors, a Tree of sharding specs and a Tree of graph nodes built
// from the same structure line up leaf by leaf. That ordering is what fixes the order of the
// parameters of a compiled graph.
package tree

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Separator between scopes in a leaf path.
const Separator = "/"

// Tree of leaves of type T, indexed by path.
//
// Reading a Tree is safe from multiple goroutines; Set and Graft are not.
type Tree[T any] struct {
	leaves map[string]T

	// sorted paths of leaves, kept up-to-date by Set.
	sorted []string
}

// New creates an empty Tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{leaves: make(map[string]T)}
}

// FromMap creates a Tree with the given path to leaf mapping. The map is copied.
// Paths are normalized with Join.
func FromMap[T any](m map[string]T) *Tree[T] {
	t := New[T]()
	for p, v := range m {
		t.Set(p, v)
	}
	return t
}

// Join scope elements into a normalized path, always starting with Separator.
func Join(elems ...string) string {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		for _, p := range strings.Split(e, Separator) {
			if p != "" {
				parts = append(parts, p)
			}
		}
	}
	return Separator + strings.Join(parts, Separator)
}

// Set the leaf at path, replacing any previous one.
func (t *Tree[T]) Set(path string, value T) {
	path = Join(path)
	if _, found := t.leaves[path]; !found {
		idx, _ := slices.BinarySearch(t.sorted, path)
		t.sorted = slices.Insert(t.sorted, idx, path)
	}
	t.leaves[path] = value
}

// Get the leaf at path.
func (t *Tree[T]) Get(path string) (value T, found bool) {
	value, found = t.leaves[Join(path)]
	return
}

// MustGet returns the leaf at path, or panics if there is none.
func (t *Tree[T]) MustGet(path string) T {
	value, found := t.Get(path)
	if !found {
		panic(errors.Errorf("tree has no leaf at path %q", Join(path)))
	}
	return value
}

// Len returns the number of leaves.
func (t *Tree[T]) Len() int {
	if t == nil {
		return 0
	}
	return len(t.leaves)
}

// Paths returns the sorted leaf paths. The returned slice must not be modified.
func (t *Tree[T]) Paths() []string {
	if t == nil {
		return nil
	}
	return t.sorted
}

// Leaves returns the leaves in path order.
func (t *Tree[T]) Leaves() []T {
	paths := t.Paths()
	leaves := make([]T, len(paths))
	for ii, p := range paths {
		leaves[ii] = t.leaves[p]
	}
	return leaves
}

// Enumerate calls fn for each leaf, in path order. It stops at the first error, which is returned.
func (t *Tree[T]) Enumerate(fn func(path string, value T) error) error {
	for _, p := range t.Paths() {
		if err := fn(p, t.leaves[p]); err != nil {
			return err
		}
	}
	return nil
}

// Sub returns the subtree under scope, with the scope prefix removed from the paths.
func (t *Tree[T]) Sub(scope string) *Tree[T] {
	prefix := Join(scope)
	if prefix != Separator {
		prefix += Separator
	}
	sub := New[T]()
	for p, v := range t.leaves {
		if strings.HasPrefix(p, prefix) {
			sub.Set(p[len(prefix)-1:], v)
		}
	}
	return sub
}

// Graft inserts all leaves of other under scope.
func (t *Tree[T]) Graft(scope string, other *Tree[T]) {
	for p, v := range other.leaves {
		t.Set(Join(scope, p), v)
	}
}

// String implements fmt.Stringer.
func (t *Tree[T]) String() string {
	var sb strings.Builder
	sb.WriteString("Tree{")
	for ii, p := range t.Paths() {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %v", p, t.leaves[p])
	}
	sb.WriteString("}")
	return sb.String()
}

// Map creates a new Tree with the same paths as t and leaves converted by fn.
// fn is called in path order.
func Map[T, U any](t *Tree[T], fn func(path string, value T) U) *Tree[U] {
	out := New[U]()
	out.sorted = slices.Clone(t.Paths())
	for _, p := range out.sorted {
		out.leaves[p] = fn(p, t.leaves[p])
	}
	return out
}

// MapWithError is like Map, but fn may fail, in which case the first error (in path order) is returned.
func MapWithError[T, U any](t *Tree[T], fn func(path string, value T) (U, error)) (*Tree[U], error) {
	out := New[U]()
	out.sorted = slices.Clone(t.Paths())
	for _, p := range out.sorted {
		u, err := fn(p, t.leaves[p])
		if err != nil {
			return nil, errors.WithMessagef(err, "at leaf %q", p)
		}
		out.leaves[p] = u
	}
	return out, nil
}

// FromLeaves rebuilds a Tree with the structure of like, taking the leaves from values in path order.
// It is the inverse of Leaves.
func FromLeaves[T, U any](like *Tree[T], values []U) (*Tree[U], error) {
	paths := like.Paths()
	if len(paths) != len(values) {
		return nil, errors.Errorf("tree has %d leaves, but %d values were given", len(paths), len(values))
	}
	out := New[U]()
	out.sorted = slices.Clone(paths)
	for ii, p := range paths {
		out.leaves[p] = values[ii]
	}
	return out, nil
}

// SameStructure returns an error if a and b don't have exactly the same paths.
func SameStructure[T, U any](a *Tree[T], b *Tree[U]) error {
	pa, pb := a.Paths(), b.Paths()
	if len(pa) != len(pb) {
		return errors.Errorf("trees have different number of leaves: %d and %d", len(pa), len(pb))
	}
	for ii := range pa {
		if pa[ii] != pb[ii] {
			return errors.Errorf("trees differ at leaf #%d: %q and %q", ii, pa[ii], pb[ii])
		}
	}
	return nil
}
