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
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

// defaultHasher builds the hash function used when WithHash is not supplied.
// String keys go through xxhash; every other ordered key type is hashed with
// maphash.Comparable under a per-map seed. Both are deterministic for the
// lifetime of the map, which is all the table requires of a hash.
func defaultHasher[K cmp.Ordered]() func(K) uint64 {
	seed := maphash.MakeSeed()
	return func(k K) uint64 {
		if s, ok := any(k).(string); ok {
			return xxhash.Sum64String(s)
		}
		return maphash.Comparable(seed, k)
	}
}
