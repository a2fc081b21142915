// Copyright (C) 2024 tarcore contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package chunkstore

import (
	"crypto/rand"

	"github.com/dchest/siphash"
	"github.com/tarcore/tarcore/chunkhash"
)

// hashTable is the in-memory chunk-directory hash table. Rehashing is
// performed against an in-process random prefix so hash collisions
// cannot be exploited by an adversary who knows some chunk contents.
// It is grounded on
// original_source/lib/datastruct/rwhashtab.c, reimplemented as
// separate-chaining buckets keyed by a siphash of the chunk hash
// rather than the chunk hash bytes directly, so an adversary who can
// choose plaintext (and therefore the resulting chunk hash, absent
// our own HMAC key) still cannot predict which bucket it lands in.
type hashTable struct {
	seed    [16]byte
	buckets [][]*Entry
	count   int
}

const initialBuckets = 16

func newHashTable() *hashTable {
	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic("chunkstore: failed to seed hash table: " + err.Error())
	}
	return &hashTable{
		seed:    seed,
		buckets: make([][]*Entry, initialBuckets),
	}
}

func (t *hashTable) bucketFor(h chunkhash.CH, nbuckets int) int {
	k0 := uint64(t.seed[0]) | uint64(t.seed[1])<<8 | uint64(t.seed[2])<<16 | uint64(t.seed[3])<<24 |
		uint64(t.seed[4])<<32 | uint64(t.seed[5])<<40 | uint64(t.seed[6])<<48 | uint64(t.seed[7])<<56
	k1 := uint64(t.seed[8]) | uint64(t.seed[9])<<8 | uint64(t.seed[10])<<16 | uint64(t.seed[11])<<24 |
		uint64(t.seed[12])<<32 | uint64(t.seed[13])<<40 | uint64(t.seed[14])<<48 | uint64(t.seed[15])<<56
	sum := siphash.Hash(k0, k1, h[:])
	return int(sum % uint64(nbuckets))
}

// loadFactor returns count/len(buckets) as a float. The table is kept
// below a load factor of 0.75 by doubling whenever that threshold is
// crossed.
func (t *hashTable) loadFactor() float64 {
	return float64(t.count) / float64(len(t.buckets))
}

func (t *hashTable) maybeGrow() {
	if t.loadFactor() < 0.75 {
		return
	}
	old := t.buckets
	t.buckets = make([][]*Entry, len(old)*2)
	t.count = 0
	for _, bucket := range old {
		for _, e := range bucket {
			t.insert(e)
		}
	}
}

// insert adds e without growing the table; callers that want growth
// checked should call Put instead.
func (t *hashTable) insert(e *Entry) {
	idx := t.bucketFor(e.Hash, len(t.buckets))
	t.buckets[idx] = append(t.buckets[idx], e)
	t.count++
}

// Put inserts or replaces the entry for e.Hash.
func (t *hashTable) Put(e *Entry) {
	if existing := t.Get(e.Hash); existing != nil {
		*existing = *e
		return
	}
	t.maybeGrow()
	t.insert(e)
}

// Get returns the entry for h, or nil if absent.
func (t *hashTable) Get(h chunkhash.CH) *Entry {
	idx := t.bucketFor(h, len(t.buckets))
	for _, e := range t.buckets[idx] {
		if e.Hash == h {
			return e
		}
	}
	return nil
}

// Delete removes the entry for h, if present.
func (t *hashTable) Delete(h chunkhash.CH) {
	idx := t.bucketFor(h, len(t.buckets))
	bucket := t.buckets[idx]
	for i, e := range bucket {
		if e.Hash == h {
			bucket[i] = bucket[len(bucket)-1]
			t.buckets[idx] = bucket[:len(bucket)-1]
			t.count--
			return
		}
	}
}

// Len returns the number of entries currently stored.
func (t *hashTable) Len() int { return t.count }

// Range calls fn for every entry in the table. fn must not insert or
// delete entries from t.
func (t *hashTable) Range(fn func(*Entry)) {
	for _, bucket := range t.buckets {
		for _, e := range bucket {
			fn(e)
		}
	}
}
