// Copyright 2024 The Splitord Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package splitord

import "cmp"

// option provide an interface to do work on Map while it is being created.
type option[K cmp.Ordered, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K cmp.Ordered, V any] struct {
	hash func(K) uint64
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The function must be pure: equal keys must hash equally for the lifetime
// of the map.
func WithHash[K cmp.Ordered, V any](hash func(K) uint64) option[K, V] {
	return hashOption[K, V]{hash}
}

// Allocator specifies an interface for allocating and releasing the nodes of
// a Map. The default allocator uses Go's builtin new() and lets the GC
// reclaim nodes once the hazard engine has released them.
//
// FreeNode is called at most once per node: by the reclaimer once the node
// is unlinked and provably unreferenced, by Close during teardown, or
// immediately for a draft node that lost a race and was never published.
// AllocNode must return a node with every field zeroed.
type Allocator[K cmp.Ordered, V any] interface {
	AllocNode() *Node[K, V]
	FreeNode(n *Node[K, V])
}

type defaultAllocator[K cmp.Ordered, V any] struct{}

func (defaultAllocator[K, V]) AllocNode() *Node[K, V] {
	return new(Node[K, V])
}

func (defaultAllocator[K, V]) FreeNode(n *Node[K, V]) {
}

type allocatorOption[K cmp.Ordered, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.alloc = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K cmp.Ordered, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
