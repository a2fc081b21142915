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
	"encoding/binary"
	"fmt"
	"os"

	"github.com/tarcore/tarcore/chunkhash"
)

// entryRecordSize is the on-disk size of one chunk directory entry:
// 32-byte hash + 4 uint32 fields, matching chunkdata_external in
// original_source/tar/chunks/chunks_directory.c.
const entryRecordSize = chunkhash.Length + 4*4

// extraStatsRecordSize is the on-disk size of the leading extra-stats
// record (chunkstats_external: 3 little-endian uint64 fields).
const extraStatsRecordSize = 24

// Directory is the in-memory content-addressed chunk directory: a
// hash table keyed by chunk hash, plus the aggregate Extra statistics
// covering all non-chunked bytes in the archive set.
type Directory struct {
	table *hashTable
	Extra ExtraStats
}

// NewDirectory returns an empty directory, used when no on-disk
// directory file exists yet: a write session treats a missing
// directory as an empty one rather than an error.
func NewDirectory() *Directory {
	return &Directory{table: newHashTable()}
}

// Get returns the entry for hash, or nil if it is not present.
func (d *Directory) Get(hash chunkhash.CH) *Entry { return d.table.Get(hash) }

// Put inserts or overwrites the entry for e.Hash.
func (d *Directory) Put(e *Entry) { d.table.Put(e) }

// Delete removes the entry for hash.
func (d *Directory) Delete(hash chunkhash.CH) { d.table.Delete(hash) }

// Len returns the number of chunks currently tracked.
func (d *Directory) Len() int { return d.table.Len() }

// Range calls fn once for every entry. The entry may be mutated
// in-place by fn but must not be inserted or removed from d during
// iteration.
func (d *Directory) Range(fn func(*Entry)) { d.table.Range(fn) }

// ClearInArchiveMarkers resets the "referenced by the archive
// currently being written" bit on every entry. It must be called
// between archives sharing one Directory instance (a single process
// may, in principle, open fresh write sessions back-to-back without
// reloading from disk).
func (d *Directory) ClearInArchiveMarkers() {
	d.table.Range(func(e *Entry) { e.setInArchive(false) })
}

// PurgeZeroRefs drops every entry with NRefs == 0 from the table. A
// delete session leaves such entries in place while its pass is still
// running, so that a later occurrence of the same hash in the same
// cindex still finds a record to decrement NCopies against; Encode
// already omits them from the on-disk image, and this brings the
// in-memory table back in line with that image once a commit has
// made the zero-ref state durable.
func (d *Directory) PurgeZeroRefs() {
	var dead []chunkhash.CH
	d.table.Range(func(e *Entry) {
		if e.NRefs == 0 {
			dead = append(dead, e.Hash)
		}
	})
	for _, h := range dead {
		d.table.Delete(h)
	}
}

// ReadDirectory loads a Directory from the binary image at path. If
// the file does not exist,
// ReadDirectory returns an empty directory unless mustExist is true,
// matching chunks_directory_read's "mustexist" parameter.
func ReadDirectory(path string, mustExist bool) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return nil, fmt.Errorf("chunkstore: %s: %w (run fsck)", path, err)
			}
			return NewDirectory(), nil
		}
		return nil, err
	}
	return DecodeDirectory(data)
}

// DecodeDirectory parses the binary chunk-directory image: a 24-byte
// extra-stats header followed by zero or more 48-byte entries. A
// length other than 24 + 48k is corrupt.
func DecodeDirectory(data []byte) (*Directory, error) {
	if len(data) < extraStatsRecordSize {
		return nil, fmt.Errorf("chunkstore: on-disk directory is too small (%d bytes)", len(data))
	}
	rest := data[extraStatsRecordSize:]
	if len(rest)%entryRecordSize != 0 {
		return nil, fmt.Errorf("chunkstore: on-disk directory is corrupt (%d trailing bytes)", len(rest))
	}
	d := NewDirectory()
	d.Extra.NChunks = binary.LittleEndian.Uint64(data[0:8])
	d.Extra.SLen = binary.LittleEndian.Uint64(data[8:16])
	d.Extra.SZLen = binary.LittleEndian.Uint64(data[16:24])

	n := len(rest) / entryRecordSize
	for i := 0; i < n; i++ {
		rec := rest[i*entryRecordSize : (i+1)*entryRecordSize]
		var e Entry
		copy(e.Hash[:], rec[0:32])
		e.Len = binary.LittleEndian.Uint32(rec[32:36])
		e.ZLen = binary.LittleEndian.Uint32(rec[36:40])
		e.NRefs = binary.LittleEndian.Uint32(rec[40:44])
		e.NCopies = binary.LittleEndian.Uint32(rec[44:48])
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("chunkstore: corrupt directory entry %d: %w", i, err)
		}
		d.table.maybeGrow()
		d.table.insert(&e)
	}
	return d, nil
}

// Encode serializes d into the on-disk binary format. Entries with
// NRefs == 0 are omitted, matching
// chunks_directory.c's callback_write ("don't write entries with
// nrefs == 0"): such an entry only exists transiently mid-session
// between a delete dropping the last reference and the entry being
// removed from the table outright.
func (d *Directory) Encode() []byte {
	out := make([]byte, extraStatsRecordSize, extraStatsRecordSize+d.Len()*entryRecordSize)
	binary.LittleEndian.PutUint64(out[0:8], d.Extra.NChunks)
	binary.LittleEndian.PutUint64(out[8:16], d.Extra.SLen)
	binary.LittleEndian.PutUint64(out[16:24], d.Extra.SZLen)

	d.table.Range(func(e *Entry) {
		if e.NRefs == 0 {
			return
		}
		var rec [entryRecordSize]byte
		copy(rec[0:32], e.Hash[:])
		binary.LittleEndian.PutUint32(rec[32:36], e.Len)
		binary.LittleEndian.PutUint32(rec[36:40], e.ZLen)
		binary.LittleEndian.PutUint32(rec[40:44], e.NRefs)
		binary.LittleEndian.PutUint32(rec[44:48], e.NCopies)
		out = append(out, rec[:]...)
	})
	return out
}
