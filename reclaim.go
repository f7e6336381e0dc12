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
	"runtime"
	"sync/atomic"
	"unsafe"
)

// hazardSlots is the number of hazard pointers a single operation may hold at
// once. The list walk needs two (the current node and its predecessor) plus a
// spare used while the other two are shuffled.
const hazardSlots = 3

// Hazard slot roles during a list walk.
const (
	hazardCur = iota
	hazardPrev
	hazardSpare
)

// A retired pointer waits in a reclaimer's local list until no hazard slot
// anywhere refers to it, at which point free is invoked.
type retiredPtr struct {
	ptr  unsafe.Pointer
	free func(unsafe.Pointer)
}

// reclaimer bundles three hazard slots, a private retire list and a claim
// flag. Records live on a process-wide append-only list and are recycled,
// never removed: an operation claims a free record by test-and-set, publishes
// hazards into it, and releases it when done. Retired pointers stay with the
// record across claims until a sweep frees them.
type reclaimer struct {
	claimed int32
	hazards [hazardSlots]unsafe.Pointer
	retired []retiredPtr

	// next is immutable once the record is published.
	next *reclaimer
}

var (
	// reclaimHead is the head of the global record list. Records are only
	// ever prepended.
	reclaimHead unsafe.Pointer // *reclaimer

	// hazardCount tracks the total number of hazard slots across all
	// records; it drives the sweep threshold.
	hazardCount atomic.Int64
)

// acquireReclaimer claims an idle record, allocating and publishing a new one
// when every existing record is busy.
func acquireReclaimer() *reclaimer {
	for r := loadReclaimers(); r != nil; r = r.next {
		if atomic.CompareAndSwapInt32(&r.claimed, 0, 1) {
			return r
		}
	}

	r := &reclaimer{claimed: 1}
	for {
		head := atomic.LoadPointer(&reclaimHead)
		r.next = (*reclaimer)(head)
		if atomic.CompareAndSwapPointer(&reclaimHead, head, unsafe.Pointer(r)) {
			break
		}
	}
	hazardCount.Add(hazardSlots)
	return r
}

// releaseReclaimer clears the record's hazards and returns it to the idle
// pool. The retire list is intentionally left in place; it is drained by
// later sweeps or by drainRetired.
func releaseReclaimer(r *reclaimer) {
	r.clear()
	atomic.StoreInt32(&r.claimed, 0)
}

func loadReclaimers() *reclaimer {
	return (*reclaimer)(atomic.LoadPointer(&reclaimHead))
}

// protect publishes p into hazard slot i. The publication must be followed by
// a re-validation load before p is dereferenced; see the list walk.
func (r *reclaimer) protect(i int, p unsafe.Pointer) {
	atomic.StorePointer(&r.hazards[i], p)
}

// hazard reads back the record's own slot i.
func (r *reclaimer) hazard(i int) unsafe.Pointer {
	return atomic.LoadPointer(&r.hazards[i])
}

// clear drops all of the record's hazard publications.
func (r *reclaimer) clear() {
	for i := range r.hazards {
		r.protect(i, nil)
	}
}

// retire queues p for deferred freeing. The caller must have already made p
// unreachable from the list.
func (r *reclaimer) retire(p unsafe.Pointer, free func(unsafe.Pointer)) {
	r.retired = append(r.retired, retiredPtr{ptr: p, free: free})
}

// sweepThreshold returns the retire-list length at which a sweep is worth the
// full hazard scan: 4.25x the global slot count.
func sweepThreshold() int {
	n := hazardCount.Load()
	return int(4*n + n/4)
}

// sweep frees retired pointers once the retire list has outgrown the
// threshold. Cheap enough to call after every retirement.
func (r *reclaimer) sweep() {
	if len(r.retired) < sweepThreshold() {
		return
	}
	r.reclaim()
}

// reclaim frees every retired pointer that no hazard slot anywhere refers to.
// Pointers still protected stay queued for a later pass.
func (r *reclaimer) reclaim() {
	live := make(map[unsafe.Pointer]struct{}, hazardCount.Load())
	for g := loadReclaimers(); g != nil; g = g.next {
		for i := range g.hazards {
			if p := atomic.LoadPointer(&g.hazards[i]); p != nil {
				live[p] = struct{}{}
			}
		}
	}

	n := len(r.retired)
	kept := r.retired[:0]
	for _, rt := range r.retired {
		if _, ok := live[rt.ptr]; ok {
			kept = append(kept, rt)
			continue
		}
		rt.free(rt.ptr)
	}
	for i := len(kept); i < n; i++ {
		r.retired[i] = retiredPtr{}
	}
	r.retired = kept
}

// flush frees the record's entire retire list, yielding while any entry is
// still hazard-protected elsewhere. Only meaningful once the record's owner
// has stopped issuing operations.
func (r *reclaimer) flush() {
	for len(r.retired) > 0 {
		n := len(r.retired)
		r.reclaim()
		if len(r.retired) == n {
			runtime.Gosched()
		}
	}
}

// drainRetired claims every record in turn and flushes it. Callers must
// guarantee quiescence: no operation may be in flight anywhere in the
// process while the drain runs.
func drainRetired() {
	for r := loadReclaimers(); r != nil; r = r.next {
		for !atomic.CompareAndSwapInt32(&r.claimed, 0, 1) {
			runtime.Gosched()
		}
		r.flush()
		releaseReclaimer(r)
	}
}
