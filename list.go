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
	"cmp"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Node is a single element of the global ordered list. A node is either an
// item carrying a key and value, or a bucket anchor (a "dummy") that marks
// where a logical bucket's run begins. Both kinds live in the one list,
// sorted by (sortKey, key).
//
// The fields are unexported; Node is public only so that a custom Allocator
// can produce and recycle nodes.
type Node[K cmp.Ordered, V any] struct {
	// hash is the user hash for items and the bucket index for anchors.
	// Immutable after creation.
	hash    uint64
	sortKey uint64
	key     K

	// value is nil for anchors and for drafts whose value has been handed
	// off. Swappable: overwriting an existing key exchanges this pointer.
	value atomic.Pointer[V]

	// next holds a *Node[K, V] whose low bit is the deletion mark. A set
	// bit means this node is logically removed and must not be treated as
	// live. Manipulated only through the atomic helpers below.
	next unsafe.Pointer
}

func (n *Node[K, V]) isAnchor() bool { return n.sortKey&1 == 0 }

// rawNext returns the successor word including the mark bit.
func (n *Node[K, V]) rawNext() unsafe.Pointer {
	return atomic.LoadPointer(&n.next)
}

func (n *Node[K, V]) storeNext(p unsafe.Pointer) {
	atomic.StorePointer(&n.next, p)
}

func (n *Node[K, V]) casNext(old, new unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(&n.next, old, new)
}

// itemSortKey derives the list position of an item with hash h: the
// bit-reversed image of h with its top bit forced on, so the low bit of the
// result is always 1.
func itemSortKey(h uint64) uint64 {
	return bits.Reverse64(h | 1<<63)
}

// anchorSortKey derives the list position of the anchor for bucket b: the
// plain bit-reversed index, low bit always 0. Reversal is what makes a
// bucket's items contiguous after its anchor and lets a new anchor split the
// run in place when the bucket count doubles.
func anchorSortKey(b uint64) uint64 {
	return bits.Reverse64(b)
}

// The deletion mark rides in the successor pointer's low bit. A marked
// pointer is formed with unsafe.Add and therefore stays an interior pointer
// into the node's allocation, which keeps the node visible to the collector.
// Successors are never nil (the list ends in a permanent tail sentinel), so
// only real node addresses are ever tagged.

func markedPtr(p unsafe.Pointer) bool {
	return uintptr(p)&1 != 0
}

func markPtr(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(p, 1)
}

func unmarkPtr(p unsafe.Pointer) unsafe.Pointer {
	if uintptr(p)&1 == 0 {
		return p
	}
	return unsafe.Add(p, -1)
}

// compareProbe orders cur against a probe position (sk, key). Anchors with
// equal sort keys compare equal regardless of key; items with equal sort
// keys fall back to the key order.
func compareProbe[K cmp.Ordered, V any](cur *Node[K, V], sk uint64, key K) int {
	if c := cmp.Compare(cur.sortKey, sk); c != 0 {
		return c
	}
	if cur.isAnchor() || sk&1 == 0 {
		return 0
	}
	return cmp.Compare(cur.key, key)
}

// search walks the list from start (an anchor known to be linked) until it
// reaches the first node at or past the probe position, returning that node
// and its predecessor. found reports whether cur is exactly the probe.
//
// The walk publishes cur in hazard slot 0 and re-validates prev.next == cur
// afterwards; only then is cur safe to dereference. Logically removed nodes
// encountered along the way are unlinked, retired and counted out. When the
// walk advances, the two hazard slots are shuffled through the spare slot so
// that neither prev nor cur is ever left unprotected.
func (m *Map[K, V]) search(rec *reclaimer, start *Node[K, V], sk uint64, key K) (prev, cur *Node[K, V], found bool) {
retry:
	prev = start
	cur = (*Node[K, V])(prev.rawNext())
	for {
		rec.protect(hazardCur, unsafe.Pointer(cur))
		if prev.rawNext() != unsafe.Pointer(cur) {
			goto retry
		}

		if cur == m.tail {
			return prev, cur, false
		}

		next := cur.rawNext()
		if markedPtr(next) {
			next = unmarkPtr(next)
			if !prev.casNext(unsafe.Pointer(cur), next) {
				goto retry
			}
			if !cur.isAnchor() {
				m.size.Dec()
			}
			m.retireNode(rec, cur)
			rec.sweep()
			cur = (*Node[K, V])(next)
			continue
		}

		if prev.rawNext() != unsafe.Pointer(cur) {
			goto retry
		}

		if c := compareProbe(cur, sk, key); c >= 0 {
			return prev, cur, c == 0
		}

		h0 := rec.hazard(hazardCur)
		h1 := rec.hazard(hazardPrev)
		rec.protect(hazardSpare, h0)
		rec.protect(hazardCur, h1)
		rec.protect(hazardPrev, h0)
		rec.protect(hazardSpare, nil)

		prev = cur
		cur = (*Node[K, V])(next)
	}
}

// insertItem links n into the list starting from its bucket anchor. If an
// equal key is already present, the existing node's value pointer is
// exchanged for n's, n is returned to the allocator, and insertItem reports
// false. Linking is the linearization point of Put.
func (m *Map[K, V]) insertItem(rec *reclaimer, anchor *Node[K, V], n *Node[K, V]) bool {
	for {
		prev, cur, found := m.search(rec, anchor, n.sortKey, n.key)
		if found {
			// cur is still hazard-protected here. The displaced value
			// pointer was only ever reachable through the node field, so
			// dropping it is enough; the winning exchange owns it.
			cur.value.Swap(n.value.Load())
			n.value.Store(nil)
			m.alloc.FreeNode(n)
			rec.clear()
			return false
		}
		n.storeNext(unsafe.Pointer(cur))
		if prev.casNext(unsafe.Pointer(cur), unsafe.Pointer(n)) {
			rec.clear()
			return true
		}
	}
}

// insertAnchor links the draft anchor for a new bucket, walking from the
// parent bucket's anchor. If an equal anchor is already linked the draft is
// returned to the allocator and the existing anchor is adopted.
func (m *Map[K, V]) insertAnchor(rec *reclaimer, parent *Node[K, V], draft *Node[K, V]) (head *Node[K, V], inserted bool) {
	for {
		prev, cur, found := m.search(rec, parent, draft.sortKey, draft.key)
		if found {
			rec.clear()
			m.alloc.FreeNode(draft)
			return cur, false
		}
		draft.storeNext(unsafe.Pointer(cur))
		if prev.casNext(unsafe.Pointer(cur), unsafe.Pointer(draft)) {
			rec.clear()
			return draft, true
		}
	}
}

// deleteItem removes the item at the probe position, if present. Removal is
// logical first (marking the node's successor word), then physical; when the
// physical unlink loses a race, a follow-up search performs it instead. The
// mark is the linearization point: once it lands the delete has happened,
// whoever ends up unlinking.
func (m *Map[K, V]) deleteItem(rec *reclaimer, anchor *Node[K, V], sk uint64, key K) bool {
	var prev, cur *Node[K, V]
	var next unsafe.Pointer
	for {
		var found bool
		prev, cur, found = m.search(rec, anchor, sk, key)
		if !found {
			rec.clear()
			return false
		}
		next = cur.rawNext()
		if markedPtr(next) {
			// Someone else is deleting this node; re-walk and either help
			// or report absence.
			continue
		}
		if cur.casNext(next, markPtr(next)) {
			break
		}
	}

	if prev.casNext(unsafe.Pointer(cur), next) {
		m.size.Dec()
		m.retireNode(rec, cur)
		rec.sweep()
	} else {
		m.search(rec, anchor, sk, key)
	}
	rec.clear()
	return true
}

func (m *Map[K, V]) retireNode(rec *reclaimer, n *Node[K, V]) {
	alloc := m.alloc
	rec.retire(unsafe.Pointer(n), func(p unsafe.Pointer) {
		alloc.FreeNode((*Node[K, V])(p))
	})
}
