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

package ccache

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tarcore/tarcore/chunkstore"
)

// recordFixedSize is the size of the fixed portion of one on-disk
// record, before the variable-length path suffix: ino, size, mtime,
// nch, tlen, tzlen, prefixlen, suffixlen, age.
const recordFixedSize = 8 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4

// Entry is one chunkification-cache record: the last known identity
// of a file (ino/size/mtime), the chunk list the file produced last
// time it was backed up, and its trailer: the compressed bytes left
// over after the file's last complete chunk.
type Entry struct {
	Path    string
	Ino     uint64
	Size    uint64
	Mtime   int64
	Chunks  []chunkstore.ChunkHeader
	Trailer []byte // DEFLATE-compressed, length TLen when decompressed
	TLen    uint32
	Age     uint32

	used bool // touched during the current run; not persisted directly
}

// chunksPlainLen returns the sum of the plaintext lengths of e's
// cached chunks, used to test whether their combined plaintext length
// equals the file's current size.
func (e *Entry) chunksPlainLen() uint64 {
	var n uint64
	for _, h := range e.Chunks {
		n += uint64(h.Len)
	}
	return n
}

// encodeRecords serializes entries (already sorted by Path) into the
// record array plus trailing payload section: each record is
// prefix-compressed against the previous record's path, and
// chunk-header arrays / compressed trailers are packed contiguously
// after all records, in record order.
func encodeRecords(entries []*Entry) []byte {
	var head []byte
	var payload []byte
	var prev string
	for _, e := range entries {
		prefixLen := commonPrefixLen(prev, e.Path)
		suffix := e.Path[prefixLen:]
		prev = e.Path

		var rec [recordFixedSize]byte
		binary.LittleEndian.PutUint64(rec[0:8], e.Ino)
		binary.LittleEndian.PutUint64(rec[8:16], e.Size)
		binary.LittleEndian.PutUint64(rec[16:24], uint64(e.Mtime))
		binary.LittleEndian.PutUint32(rec[24:28], uint32(len(e.Chunks)))
		binary.LittleEndian.PutUint32(rec[28:32], e.TLen)
		binary.LittleEndian.PutUint32(rec[32:36], uint32(len(e.Trailer)))
		binary.LittleEndian.PutUint32(rec[36:40], uint32(prefixLen))
		binary.LittleEndian.PutUint32(rec[40:44], uint32(len(suffix)))
		binary.LittleEndian.PutUint32(rec[44:48], e.Age)

		head = append(head, rec[:]...)
		head = append(head, suffix...)

		payload = append(payload, chunkstore.EncodeChunkHeaders(e.Chunks)...)
		payload = append(payload, e.Trailer...)
	}

	out := make([]byte, 4, 4+len(head)+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(entries)))
	out = append(out, head...)
	out = append(out, payload...)
	return out
}

// decodeRecords is the inverse of encodeRecords. It does not copy the
// payload bytes referenced by each Entry's Trailer/Chunks; callers
// that mmap the source slice must keep it alive for the lifetime of
// the returned entries, or copy out what they need to retain across a
// Close.
func decodeRecords(data []byte) ([]*Entry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("ccache: cache file too small (%d bytes)", len(data))
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	off := 4

	type pending struct {
		e      *Entry
		nch    uint32
		tzlen  uint32
	}
	entries := make([]*Entry, 0, count)
	pendings := make([]pending, 0, count)
	prev := ""

	for i := uint32(0); i < count; i++ {
		if off+recordFixedSize > len(data) {
			return nil, fmt.Errorf("ccache: truncated record %d", i)
		}
		rec := data[off : off+recordFixedSize]
		off += recordFixedSize

		e := &Entry{
			Ino:   binary.LittleEndian.Uint64(rec[0:8]),
			Size:  binary.LittleEndian.Uint64(rec[8:16]),
			Mtime: int64(binary.LittleEndian.Uint64(rec[16:24])),
			TLen:  binary.LittleEndian.Uint32(rec[28:32]),
			Age:   binary.LittleEndian.Uint32(rec[44:48]),
		}
		nch := binary.LittleEndian.Uint32(rec[24:28])
		tzlen := binary.LittleEndian.Uint32(rec[32:36])
		prefixLen := binary.LittleEndian.Uint32(rec[36:40])
		suffixLen := binary.LittleEndian.Uint32(rec[40:44])

		if int(prefixLen) > len(prev) {
			return nil, fmt.Errorf("ccache: record %d has invalid prefixlen %d", i, prefixLen)
		}
		if off+int(suffixLen) > len(data) {
			return nil, fmt.Errorf("ccache: truncated path suffix in record %d", i)
		}
		suffix := string(data[off : off+int(suffixLen)])
		off += int(suffixLen)
		e.Path = prev[:prefixLen] + suffix
		prev = e.Path

		entries = append(entries, e)
		pendings = append(pendings, pending{e: e, nch: nch, tzlen: tzlen})
	}

	payload := data[off:]
	poff := 0
	for _, p := range pendings {
		hdrBytes := int(p.nch) * chunkstore.HeaderSize
		if poff+hdrBytes > len(payload) {
			return nil, fmt.Errorf("ccache: truncated chunk headers for %q", p.e.Path)
		}
		hs, err := chunkstore.DecodeChunkHeaders(payload[poff : poff+hdrBytes])
		if err != nil {
			return nil, fmt.Errorf("ccache: decoding chunk headers for %q: %w", p.e.Path, err)
		}
		p.e.Chunks = hs
		poff += hdrBytes

		if poff+int(p.tzlen) > len(payload) {
			return nil, fmt.Errorf("ccache: truncated trailer for %q", p.e.Path)
		}
		if p.tzlen > 0 {
			p.e.Trailer = payload[poff : poff+int(p.tzlen)]
		}
		poff += int(p.tzlen)
	}

	return entries, nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// sortEntries orders entries by Path, required both for prefix
// compression and for the binary-search lookup the Cache type uses in
// place of a Patricia tree (see DESIGN.md for why a sorted slice
// stands in for the adaptive radix tree).
func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}
