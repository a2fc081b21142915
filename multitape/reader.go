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

package multitape

import (
	"fmt"
	"io"

	"github.com/tarcore/tarcore/chunkstore"
)

// Entry is one archive entry as handed back by Reader.Next: its
// header bytes, the chunk headers making up its body, and its
// trailer bytes.
type Entry struct {
	Header  []byte
	Chunks  []chunkstore.ChunkHeader
	Trailer []byte
}

// Reader walks the three sub-streams a Writer produced: it parses
// entry-header records out of the header sub-stream itself, then
// consumes chunk headers from the body index until their lengths sum
// to the entry's clen, then trailer bytes.
type Reader struct {
	hindex []byte
	tindex []byte
	chunks []chunkstore.ChunkHeader

	hoff   int
	toff   int
	chunki int // index of next unconsumed chunk header
}

// NewReader parses cindex into a flat chunk-header list and returns a
// Reader positioned at the first entry.
func NewReader(hindex, cindex, tindex []byte) (*Reader, error) {
	chunks, err := chunkstore.DecodeChunkHeaders(cindex)
	if err != nil {
		return nil, fmt.Errorf("multitape: decoding body index: %w", err)
	}
	return &Reader{hindex: hindex, tindex: tindex, chunks: chunks}, nil
}

// Next returns the next entry, or io.EOF once the header sub-stream
// is exhausted.
func (r *Reader) Next() (*Entry, error) {
	if r.hoff >= len(r.hindex) {
		return nil, io.EOF
	}
	eh, rest, err := DecodeEntryHeader(r.hindex[r.hoff:])
	if err != nil {
		return nil, err
	}
	r.hoff = len(r.hindex) - len(rest)

	if r.hoff+int(eh.HLen) > len(r.hindex) {
		return nil, fmt.Errorf("multitape: truncated header bytes (need %d, have %d)", eh.HLen, len(r.hindex)-r.hoff)
	}
	header := r.hindex[r.hoff : r.hoff+int(eh.HLen)]
	r.hoff += int(eh.HLen)

	var body []chunkstore.ChunkHeader
	var consumed uint64
	for consumed < eh.CLen {
		if r.chunki >= len(r.chunks) {
			return nil, fmt.Errorf("multitape: body index exhausted with %d bytes of clen unaccounted for", eh.CLen-consumed)
		}
		h := r.chunks[r.chunki]
		r.chunki++
		body = append(body, h)
		consumed += uint64(h.Len)
	}
	if consumed != eh.CLen {
		return nil, fmt.Errorf("multitape: chunk headers overshoot clen (%d > %d)", consumed, eh.CLen)
	}

	if r.toff+int(eh.TLen) > len(r.tindex) {
		return nil, fmt.Errorf("multitape: truncated trailer bytes")
	}
	trailer := r.tindex[r.toff : r.toff+int(eh.TLen)]
	r.toff += int(eh.TLen)

	return &Entry{Header: header, Chunks: body, Trailer: trailer}, nil
}

// PeekChunk returns the next unconsumed chunk header without
// advancing the reader, for archive-to-archive copy by reference:
// when the destination writer is
// aligned on a chunk boundary, it can call chunkstore.WriteSession's
// ChunkRef with this header's hash instead of re-reading and
// re-hashing the chunk's plaintext.
func (r *Reader) PeekChunk() (chunkstore.ChunkHeader, bool) {
	if r.chunki >= len(r.chunks) {
		return chunkstore.ChunkHeader{}, false
	}
	return r.chunks[r.chunki], true
}
