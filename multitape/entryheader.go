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

// Package multitape is the bridge between the tar byte stream and the
// chunk layer: a HEADER/DATA/DONE writer state machine that splits
// one archive entry into three logical sub-streams (header bytes,
// chunkified body, trailer bytes), and a reader that
// walks the same sub-streams back out. It is grounded on
// `ion/blockfmt.Trailer`'s practice of keeping several independent
// index sections that are only stitched together at read time.
package multitape

import (
	"encoding/binary"
	"fmt"
)

// EntryHeaderSize is the on-wire size of one entry-header record:
// hlen, clen, tlen.
const EntryHeaderSize = 4 + 8 + 4

// EntryHeader frames one archive entry: the length of its header
// bytes, the plaintext length of its chunkified body, and the length
// of its trailing unchunked bytes.
type EntryHeader struct {
	HLen uint32
	CLen uint64
	TLen uint32
}

// AppendTo appends the little-endian encoding of h to dst.
func (h EntryHeader) AppendTo(dst []byte) []byte {
	var b [EntryHeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], h.HLen)
	binary.LittleEndian.PutUint64(b[4:12], h.CLen)
	binary.LittleEndian.PutUint32(b[12:16], h.TLen)
	return append(dst, b[:]...)
}

// DecodeEntryHeader decodes one EntryHeader from the front of src and
// returns it along with the remaining bytes.
func DecodeEntryHeader(src []byte) (EntryHeader, []byte, error) {
	if len(src) < EntryHeaderSize {
		return EntryHeader{}, nil, fmt.Errorf("multitape: truncated entry header (%d bytes)", len(src))
	}
	h := EntryHeader{
		HLen: binary.LittleEndian.Uint32(src[0:4]),
		CLen: binary.LittleEndian.Uint64(src[4:12]),
		TLen: binary.LittleEndian.Uint32(src[12:16]),
	}
	return h, src[EntryHeaderSize:], nil
}

// Mode is the multitape writer's current sub-stream routing state.
type Mode int

const (
	// HEADER routes Write calls into the current entry's header
	// bytes.
	HEADER Mode = iota
	// DATA routes Write calls through the chunker into the chunk
	// layer.
	DATA
	// DONE finalizes the current entry: flushes chunker residue into
	// the trailer, and emits the entry-header record.
	DONE
)

func (m Mode) String() string {
	switch m {
	case HEADER:
		return "HEADER"
	case DATA:
		return "DATA"
	case DONE:
		return "DONE"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}
