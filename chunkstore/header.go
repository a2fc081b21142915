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

	"github.com/tarcore/tarcore/chunkhash"
)

// HeaderSize is the on-wire size of a ChunkHeader: a 32-byte hash
// plus two little-endian uint32 lengths.
const HeaderSize = chunkhash.Length + 4 + 4

// ChunkHeader is the on-wire reference to a chunk, embedded in a
// multitape body-stream index. It is
// never dereferenced except through the chunk layer: holding one
// proves nothing about whether the chunk still exists.
type ChunkHeader struct {
	Hash chunkhash.CH
	Len  uint32
	ZLen uint32
}

// AppendTo appends the little-endian encoding of h to dst and returns
// the result.
func (h ChunkHeader) AppendTo(dst []byte) []byte {
	dst = append(dst, h.Hash[:]...)
	var lb [8]byte
	binary.LittleEndian.PutUint32(lb[0:4], h.Len)
	binary.LittleEndian.PutUint32(lb[4:8], h.ZLen)
	return append(dst, lb[:]...)
}

// DecodeChunkHeader decodes one ChunkHeader from the front of src and
// returns it along with the remaining bytes.
func DecodeChunkHeader(src []byte) (ChunkHeader, []byte, error) {
	if len(src) < HeaderSize {
		return ChunkHeader{}, nil, fmt.Errorf("chunkstore: truncated chunk header (%d bytes)", len(src))
	}
	var h ChunkHeader
	copy(h.Hash[:], src[:chunkhash.Length])
	h.Len = binary.LittleEndian.Uint32(src[chunkhash.Length : chunkhash.Length+4])
	h.ZLen = binary.LittleEndian.Uint32(src[chunkhash.Length+4 : HeaderSize])
	return h, src[HeaderSize:], nil
}

// DecodeChunkHeaders decodes a concatenation of chunk headers,
// erroring if the input length is not a multiple of HeaderSize (this
// is exactly the shape of a multitape sub-index: a concatenation of
// zero or more chunk headers).
func DecodeChunkHeaders(src []byte) ([]ChunkHeader, error) {
	if len(src)%HeaderSize != 0 {
		return nil, fmt.Errorf("chunkstore: sub-index length %d is not a multiple of %d", len(src), HeaderSize)
	}
	n := len(src) / HeaderSize
	out := make([]ChunkHeader, 0, n)
	for len(src) > 0 {
		var h ChunkHeader
		var err error
		h, src, err = DecodeChunkHeader(src)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// EncodeChunkHeaders concatenates the little-endian encoding of every
// header in hs.
func EncodeChunkHeaders(hs []ChunkHeader) []byte {
	out := make([]byte, 0, len(hs)*HeaderSize)
	for _, h := range hs {
		out = h.AppendTo(out)
	}
	return out
}
