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

// Package chunkstore implements the content-addressed chunk directory
// and the write/delete/stats sessions that mutate it. It is grounded
// on the teacher's ion/blockfmt index format
// (a signed, length-prefixed on-disk structure) and on
// original_source/tar/chunks/chunks_directory.c for the exact on-disk
// layout this package must reproduce byte-for-byte.
package chunkstore

import (
	"fmt"

	"github.com/tarcore/tarcore/chunkhash"
)

// MaxChunk is the maximum plaintext length of a chunk (MAXCHUNK),
// chosen so a compressed-and-authenticated chunk still fits in 2^18
// bytes.
const MaxChunk = 261120

// MaxIndexFragment is the maximum length of one metaindex fragment
// (MAXIFRAG). It is numerically equal to MaxChunk.
const MaxIndexFragment = MaxChunk

// scratchCap is the capacity required for a DEFLATE scratch buffer
// that can never overflow when compressing a MaxChunk-sized input:
// MAXCHUNK + MAXCHUNK/1000 + 13.
const scratchCap = MaxChunk + MaxChunk/1000 + 13

// ClassChunk, ClassMetadata and ClassMetaindex are the three object
// classes stored in the remote object store.
const (
	ClassChunk     byte = 'c'
	ClassMetadata  byte = 'm'
	ClassMetaindex byte = 'i'
)

// entry flag bits.
const (
	flagInArchive     uint32 = 1 << 0
	flagHeapAllocated uint32 = 1 << 1
)

// Entry is one record of the content-addressed chunk directory,
// mirroring the 48-byte
// chunkdata_external record from chunks_directory.c: hash, len, zlen,
// nrefs, ncopies, plus two transient flag bits that exist in memory
// only: the on-disk record stores zlen unchanged and carries no flags.
type Entry struct {
	Hash    chunkhash.CH
	Len     uint32 // 0 < Len <= MaxChunk
	ZLen    uint32 // compressed length, 0 < ZLen
	NRefs   uint32 // number of archives referencing this chunk
	NCopies uint32 // number of (possibly duplicate) references, NCopies >= NRefs

	flags uint32
}

// InArchive reports whether this chunk has already been counted once
// for the archive currently being written.
func (e *Entry) InArchive() bool { return e.flags&flagInArchive != 0 }

func (e *Entry) setInArchive(v bool) { e.setFlag(flagInArchive, v) }

// HeapAllocated reports whether this record was allocated fresh
// during the current session rather than read from the on-disk
// directory image, which in this Go port only matters for diagnostics
// since the garbage collector owns the memory either way.
func (e *Entry) HeapAllocated() bool { return e.flags&flagHeapAllocated != 0 }

func (e *Entry) setHeapAllocated(v bool) { e.setFlag(flagHeapAllocated, v) }

func (e *Entry) setFlag(bit uint32, v bool) {
	if v {
		e.flags |= bit
	} else {
		e.flags &^= bit
	}
}

// validate checks the entry's invariants: 0 < len <= MAXCHUNK,
// 0 < zlen, nrefs >= 1, ncopies >= nrefs.
func (e *Entry) validate() error {
	if e.Len == 0 || e.Len > MaxChunk {
		return fmt.Errorf("chunkstore: entry %x has invalid len %d", e.Hash, e.Len)
	}
	if e.ZLen == 0 {
		return fmt.Errorf("chunkstore: entry %x has zero zlen", e.Hash)
	}
	if e.NRefs == 0 {
		return fmt.Errorf("chunkstore: entry %x has nrefs == 0", e.Hash)
	}
	if e.NCopies < e.NRefs {
		return fmt.Errorf("chunkstore: entry %x has ncopies %d < nrefs %d", e.Hash, e.NCopies, e.NRefs)
	}
	return nil
}

// ExtraStats is the aggregate statistics record covering all
// non-chunked bytes stored in the archive set: metadata objects and
// metaindex fragments. It mirrors chunkstats_external (24 bytes: nchunks,
// s_len, s_zlen, all little-endian 64-bit).
type ExtraStats struct {
	NChunks uint64 // number of non-chunk blobs stored
	SLen    uint64 // sum of plaintext lengths
	SZLen   uint64 // sum of compressed/stored lengths
}

// Add accumulates one blob of the given plaintext and stored length
// into the statistics, used by WriteSession.ExtraStats.
func (s *ExtraStats) Add(length, stored uint64) {
	s.NChunks++
	s.SLen += length
	s.SZLen += stored
}
