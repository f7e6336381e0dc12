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

// Package splitord is a Go implementation of a lock-free concurrent hash map
// built on split-ordered lists, as described in Shalev and Shavit's
// "Split-Ordered Lists: Lock-Free Extensible Hash Tables" (JACM 2006), with
// node reclamation by Michael's hazard pointers. See also:
// https://dl.acm.org/doi/10.1145/1147954.1147958 and
// https://ieeexplore.ieee.org/document/1291819.
//
// # Split-ordered lists
//
// Every entry — and every bucket marker — lives in one global singly linked
// list, kept in ascending order of a bit-reversed hash. Reversing the bits
// is the whole trick: all keys that fall into bucket b when the table has
// 2^i buckets occupy one contiguous run of the list, and when the table
// grows to 2^(i+1) buckets that run splits into exactly two contiguous
// runs. Growing therefore never moves an item. The table just starts
// consulting one more hash bit, and the first access to each new bucket
// splices a new anchor node ("dummy") into the list at the split point.
//
// Buckets are reached through a lazily allocated 64-way, 4-level directory
// whose leaves hold anchor pointers, so any bucket is O(1) away and a lookup
// walks only the handful of items between two anchors: at the 0.5 load
// factor used here, one item in expectation.
//
// The list itself is a Harris-style lock-free list: insertion is a single
// CAS on the predecessor's next pointer, and deletion is two-phase — a CAS
// sets the low "deletion mark" bit of the victim's next word (the
// linearization point), then a second CAS swings the predecessor past it.
// Any walk that encounters a marked node helps unlink it, so no operation
// ever waits on another.
//
// # Hazard pointers
//
// Freeing an unlinked node while another walk still holds a reference to it
// would let a custom Allocator recycle memory out from under that walk, so
// unlinked nodes are not freed but retired. Each operation claims a record
// of three hazard slots from a process-wide list and publishes every node it
// is about to dereference; a retired node is handed back to the allocator
// only once a scan of all published hazards comes up empty. The scan is
// amortized: it runs only when a record's retire list outgrows ~4.25x the
// global slot count.
//
// # Usage
//
// A Map is safe for concurrent use by any number of goroutines. Len is
// eventually consistent: it may be briefly off by in-flight operations but
// is exact whenever the map is quiescent. Close releases every node to the
// configured allocator and must only be called once no operation is in
// flight; with the default GC-backed allocator calling Close is optional.
package splitord

import (
	"cmp"
	"fmt"
	"math/bits"
	"strings"
	"unsafe"

	"go.uber.org/atomic"
)

// loadFactor is the size/bucket-count ratio that triggers doubling. Growth
// at half-full keeps expected bucket occupancy at or below one item, so a
// walk between two anchors stays near-constant.
const loadFactor = 0.5

// Map is a concurrent hash map from K to V with Put, Get and Delete
// operations, none of which ever takes a lock. The zero value is not
// usable; construct with New.
type Map[K cmp.Ordered, V any] struct {
	// hash folds a key to 64 bits. Fixed at construction.
	hash func(K) uint64
	// alloc produces and recycles nodes. Set to nil by Close.
	alloc Allocator[K, V]

	// dir maps bucket indexes to anchor nodes inside the list.
	dir directory

	// head is the anchor of bucket 0 and the head of the list; tail is a
	// permanent sentinel that compares greater than every probe. Neither
	// is ever removed.
	head *Node[K, V]
	tail *Node[K, V]

	// exponent is log2 of the bucket count; it only ever grows, and growth
	// is nothing more than a CAS here — buckets materialize lazily.
	exponent atomic.Uint32
	// size counts items, updated after the linearizing CAS of each insert
	// or delete.
	size atomic.Int64
}

// New constructs an empty Map. capacityHint, if positive, pre-sizes the
// bucket-count exponent so that capacityHint items fit without growth, up to
// the cap of maxExponent; the directory and anchors are still materialized
// lazily.
func New[K cmp.Ordered, V any](capacityHint int, opts ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:  defaultHasher[K](),
		alloc: defaultAllocator[K, V]{},
	}
	for _, o := range opts {
		o.apply(m)
	}

	m.tail = m.alloc.AllocNode()
	m.tail.sortKey = ^uint64(0)

	m.head = m.alloc.AllocNode()
	m.head.storeNext(unsafe.Pointer(m.tail))
	*m.dir.slot(0) = unsafe.Pointer(m.head)

	exp := uint32(1)
	if capacityHint > 0 {
		exp = max(exp, uint32(bits.Len64(uint64(2*capacityHint-1))))
		exp = min(exp, maxExponent)
	}
	m.exponent.Store(exp)
	return m
}

// Put inserts an entry, overwriting the value if an entry with an equal key
// already exists. It reports whether the key was previously absent.
func (m *Map[K, V]) Put(key K, value V) bool {
	h := m.hash(key)

	rec := acquireReclaimer()
	n := m.alloc.AllocNode()
	n.hash = h
	n.sortKey = itemSortKey(h)
	n.key = key
	n.value.Store(&value)

	anchor := m.bucketHead(rec, h&m.bucketMask())
	inserted := m.insertItem(rec, anchor, n)
	releaseReclaimer(rec)
	if !inserted {
		// Overwrite: the value pointer was exchanged in place and the
		// count is untouched.
		return false
	}

	size := uint64(m.size.Inc())
	exp := m.exponent.Load()
	if exp < maxExponent && float64(size) > float64(uint64(1)<<exp)*loadFactor {
		// A failed CAS means another writer grew the table first, which
		// is just as good.
		m.exponent.CompareAndSwap(exp, exp+1)
	}

	if invariants {
		m.checkInvariants()
	}
	return true
}

// Get returns the value stored for key. The value is copied out while the
// containing node is still hazard-protected.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	h := m.hash(key)

	rec := acquireReclaimer()
	anchor := m.bucketHead(rec, h&m.bucketMask())
	_, cur, found := m.search(rec, anchor, itemSortKey(h), key)
	if found {
		value = *cur.value.Load()
	}
	releaseReclaimer(rec)
	return value, found
}

// Delete removes the entry for key, reporting whether it was present. The
// entry is gone as soon as Delete returns true, even when the physical
// unlink was finished by a concurrent walk.
func (m *Map[K, V]) Delete(key K) bool {
	h := m.hash(key)

	rec := acquireReclaimer()
	anchor := m.bucketHead(rec, h&m.bucketMask())
	removed := m.deleteItem(rec, anchor, itemSortKey(h), key)
	releaseReclaimer(rec)

	if invariants {
		m.checkInvariants()
	}
	return removed
}

// Len returns the number of entries. It is eventually consistent under
// concurrency: a reader racing an insert or delete may observe either side
// of it.
func (m *Map[K, V]) Len() int {
	return int(m.size.Load())
}

// BucketCount returns the current number of logical buckets, always a power
// of two.
func (m *Map[K, V]) BucketCount() int {
	return 1 << m.exponent.Load()
}

func (m *Map[K, V]) bucketMask() uint64 {
	return (uint64(1) << m.exponent.Load()) - 1
}

// Close drains every retired node in the process and hands all of the map's
// nodes back to the allocator. It must only be called when no operation is
// in flight; it is idempotent, and unnecessary with the default allocator.
func (m *Map[K, V]) Close() {
	if m.alloc == nil {
		return
	}
	drainRetired()
	for n := m.head; n != nil; {
		next := (*Node[K, V])(unmarkPtr(n.rawNext()))
		m.alloc.FreeNode(n)
		n = next
	}
	m.head, m.tail = nil, nil
	m.alloc = nil
}

// checkInvariants walks the whole list verifying the split-order invariants:
// strictly ascending (sortKey, key) over live nodes, every anchor's parent
// anchor present and preceding it, and every published directory slot
// pointing at a live anchor. Exact only under quiescence, which is when the
// tests call it; the hot-path calls are gated behind the invariants build
// tag.
func (m *Map[K, V]) checkInvariants() {
	anchors := map[uint64]bool{0: true}
	last := m.head
	for n := (*Node[K, V])(unmarkPtr(m.head.rawNext())); n != m.tail; {
		next := n.rawNext()
		if !markedPtr(next) {
			if n.isAnchor() {
				anchors[n.hash] = true
			}
			if c := compareProbe(last, n.sortKey, n.key); c >= 0 {
				panic(fmt.Sprintf("invariant failed: nodes out of order: %016x before %016x\n%s",
					last.sortKey, n.sortKey, m.debugString()))
			}
			last = n
		}
		n = (*Node[K, V])(unmarkPtr(next))
	}

	for b := range anchors {
		if b == 0 {
			continue
		}
		if !anchors[parentBucket(b)] {
			panic(fmt.Sprintf("invariant failed: anchor %d present without parent %d\n%s",
				b, parentBucket(b), m.debugString()))
		}
	}

	for b := uint64(0); b <= m.bucketMask(); b++ {
		p := m.dir.lookup(b)
		if p == nil {
			continue
		}
		a := (*Node[K, V])(p)
		if !a.isAnchor() || a.hash != b || markedPtr(a.rawNext()) {
			panic(fmt.Sprintf("invariant failed: bucket %d slot does not hold its live anchor\n%s",
				b, m.debugString()))
		}
		if b != 0 && !anchors[b] {
			panic(fmt.Sprintf("invariant failed: bucket %d published but anchor not linked\n%s",
				b, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "size=%d buckets=%d\n", m.Len(), m.BucketCount())
	for n := m.head; n != nil && n != m.tail; n = (*Node[K, V])(unmarkPtr(n.rawNext())) {
		kind := "item  "
		if n.isAnchor() {
			kind = "anchor"
		}
		dead := ""
		if markedPtr(n.rawNext()) {
			dead = " (deleted)"
		}
		if n.isAnchor() {
			fmt.Fprintf(&buf, "  %016x %s bucket=%d%s\n", n.sortKey, kind, n.hash, dead)
		} else {
			fmt.Fprintf(&buf, "  %016x %s key=%v%s\n", n.sortKey, kind, n.key, dead)
		}
	}
	return buf.String()
}
