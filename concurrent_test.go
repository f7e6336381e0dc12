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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const workers = 8

// fanOut runs fn on workers goroutines and joins them.
func fanOut(fn func(id int)) {
	var wg sync.WaitGroup
	for id := 0; id < workers; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(id)
		}()
	}
	wg.Wait()
}

func TestConcurrentOverwriteRace(t *testing.T) {
	m := New[int, int](0)

	fanOut(func(id int) {
		for i := 0; i < 10000; i++ {
			m.Put(42, id)
		}
	})

	require.EqualValues(t, 1, m.Len())
	v, ok := m.Get(42)
	require.True(t, ok)
	require.GreaterOrEqual(t, v, 0)
	require.Less(t, v, workers)
	m.checkInvariants()
}

func TestConcurrentDisjointInsert(t *testing.T) {
	const perWorker = 10000
	m := New[int, int](0)

	fanOut(func(id int) {
		for k := id * perWorker; k < (id+1)*perWorker; k++ {
			if !m.Put(k, k) {
				t.Errorf("key %d reported as already present", k)
				return
			}
		}
	})

	require.EqualValues(t, workers*perWorker, m.Len())
	for k := 0; k < workers*perWorker; k++ {
		v, ok := m.Get(k)
		require.True(t, ok, "key %d", k)
		require.EqualValues(t, k, v)
	}
	m.checkInvariants()
}

func TestConcurrentOverlappingInsert(t *testing.T) {
	// All workers hammer the same five keys; exactly one insert per key may
	// win, the rest must land as overwrites.
	const keys = 5
	for round := 0; round < 50; round++ {
		m := New[int, int](0)

		fanOut(func(id int) {
			for k := 0; k < keys; k++ {
				m.Put(k, k)
			}
		})

		require.EqualValues(t, keys, m.Len())
		for k := 0; k < keys; k++ {
			v, ok := m.Get(k)
			require.True(t, ok)
			require.EqualValues(t, k, v)
		}
		m.checkInvariants()
	}
}

func TestConcurrentMixedOps(t *testing.T) {
	const span = 10000
	m := New[int, int](0)

	var inserted, deleted atomic.Int64
	fanOut(func(id int) {
		switch {
		case id < 3: // inserters
			for k := id; k < span; k += 3 {
				if m.Put(k, k) {
					inserted.Inc()
				}
			}
		case id < 6: // readers
			for k := 0; k < span; k++ {
				if v, ok := m.Get(k); ok && v != k {
					t.Errorf("key %d holds %d", k, v)
					return
				}
			}
		default: // deleters
			for k := id - 6; k < span; k += 2 {
				if m.Delete(k) {
					deleted.Inc()
				}
			}
		}
	})

	require.EqualValues(t, inserted.Load()-deleted.Load(), int64(m.Len()))
	m.checkInvariants()
}

func TestConcurrentChurn(t *testing.T) {
	// Insert/remove churn on a small key set: the worst case for the
	// marked-pointer protocol and for reclamation, since the same list
	// positions are linked and unlinked over and over. The counting
	// allocator panics on any double free.
	a := newCountingAllocator[int, int]()
	m := New[int, int](0, WithAllocator[int, int](a))

	deadline := time.Now().Add(200 * time.Millisecond)
	fanOut(func(id int) {
		for time.Now().Before(deadline) {
			for k := 0; k < workers; k++ {
				m.Put(k, k)
				m.Delete(k)
			}
		}
	})

	m.checkInvariants()
	m.Close()

	alloc, free := a.counts()
	require.Equal(t, alloc, free)
}

func TestConcurrentGrowth(t *testing.T) {
	m := New[uint64, uint64](0,
		WithHash[uint64, uint64](func(k uint64) uint64 { return k }))

	const perWorker = 4096
	fanOut(func(id int) {
		for i := 0; i < perWorker; i++ {
			k := uint64(id*perWorker + i)
			m.Put(k, k)
		}
	})

	require.EqualValues(t, workers*perWorker, m.Len())
	// Writers that read the same exponent grow it only once, so the table
	// may end a doubling behind the load factor; the check allows up to one
	// item per bucket.
	require.LessOrEqual(t, m.Len(), m.BucketCount())
	for k := uint64(0); k < workers*perWorker; k++ {
		v, ok := m.Get(k)
		require.True(t, ok, "key %d", k)
		require.EqualValues(t, k, v)
	}
	m.checkInvariants()
}

func TestConcurrentReadsDuringGrowth(t *testing.T) {
	m := New[int, int](0)
	const span = 20000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for k := 0; k < span; k++ {
			m.Put(k, k)
		}
	}()
	go func() {
		defer wg.Done()
		for pass := 0; pass < 4; pass++ {
			for k := 0; k < span; k++ {
				if v, ok := m.Get(k); ok && v != k {
					t.Errorf("key %d holds %d", k, v)
					return
				}
			}
		}
	}()
	wg.Wait()

	require.EqualValues(t, span, m.Len())
	m.checkInvariants()
}
