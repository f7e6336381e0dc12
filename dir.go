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

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

const (
	// dirFanout is the fan-out of every directory level and dirLevels the
	// tree depth, so dirFanout^dirLevels buckets are addressable. With a
	// load factor of 0.5 that is room for 2^23 items. maxExponent and the
	// 6-bit index shifts in lookup and slot are written for these values.
	dirFanout = 64
	dirLevels = 4

	// maxExponent is log2 of the addressable bucket count; growth stops
	// here.
	maxExponent = 24
)

// dirSegment is one level of the directory. An entry in a non-leaf segment
// points at a child *dirSegment; an entry in a leaf segment points at a
// bucket's anchor Node. All entries are written exactly once, with CAS for
// the intermediate levels.
type dirSegment [dirFanout]unsafe.Pointer

// directory maps a bucket index to its anchor slot, allocating intermediate
// segments on demand. The top level is embedded so the common path starts
// with no indirection.
type directory struct {
	root dirSegment
}

// lookup returns the anchor published for bucket b, or nil when the bucket
// (or any segment on its path) has not been materialized yet.
func (d *directory) lookup(b uint64) unsafe.Pointer {
	seg := &d.root
	for shift := 6 * (dirLevels - 1); shift >= 6; shift -= 6 {
		p := atomic.LoadPointer(&seg[(b>>shift)&(dirFanout-1)])
		if p == nil {
			return nil
		}
		seg = (*dirSegment)(p)
	}
	return atomic.LoadPointer(&seg[b&(dirFanout-1)])
}

// slot returns the leaf anchor slot for bucket b, materializing the path to
// it. Racing allocators CAS their draft segment in; the loser drops its
// draft and adopts the winner's.
func (d *directory) slot(b uint64) *unsafe.Pointer {
	seg := &d.root
	for shift := 6 * (dirLevels - 1); shift >= 6; shift -= 6 {
		e := &seg[(b>>shift)&(dirFanout-1)]
		p := atomic.LoadPointer(e)
		if p == nil {
			fresh := unsafe.Pointer(new(dirSegment))
			if atomic.CompareAndSwapPointer(e, nil, fresh) {
				p = fresh
			} else {
				p = atomic.LoadPointer(e)
			}
		}
		seg = (*dirSegment)(p)
	}
	return &seg[b&(dirFanout-1)]
}

// parentBucket clears the most significant set bit of b. When the bucket
// count doubles, bucket b's items were previously filed under parentBucket(b),
// which is where the new anchor must be spliced in from.
func parentBucket(b uint64) uint64 {
	return b &^ (1 << (bits.Len64(b) - 1))
}

// bucketHead returns the anchor for bucket b, initializing the bucket on
// first access.
func (m *Map[K, V]) bucketHead(rec *reclaimer, b uint64) *Node[K, V] {
	if p := m.dir.lookup(b); p != nil {
		return (*Node[K, V])(p)
	}
	return m.initBucket(rec, b)
}

// initBucket materializes bucket b: it ensures the parent bucket exists,
// links a fresh anchor into the ordered list starting from the parent's
// anchor, and only then publishes the anchor into the directory slot — the
// list link is the linearization point, and a slot must never point at an
// anchor that is not in the list. A racer that finds the anchor already
// linked adopts it without publishing; the slot is filled by the one thread
// that won the list insertion.
func (m *Map[K, V]) initBucket(rec *reclaimer, b uint64) *Node[K, V] {
	// TODO: materializing a deep parent chain recurses once per set bit of
	// b; an iterative walk from the top set bit down would bound stack use.
	parent := m.bucketHead(rec, parentBucket(b))

	slot := m.dir.slot(b)
	if p := atomic.LoadPointer(slot); p != nil {
		return (*Node[K, V])(p)
	}

	draft := m.alloc.AllocNode()
	draft.hash = b
	draft.sortKey = anchorSortKey(b)

	head, inserted := m.insertAnchor(rec, parent, draft)
	if inserted {
		atomic.StorePointer(slot, unsafe.Pointer(head))
	}
	return head
}
