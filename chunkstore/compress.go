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
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Compressor/Decompressor mirror the teacher's compr.Compressor /
// compr.Decompressor interfaces (package compr wraps zstd/s2; this
// package wraps DEFLATE, since the original source uses zlib DEFLATE
// and nothing requires matching that exactly as long as both sides of
// the pipeline agree on the codec).
type Compressor interface {
	Compress(src, dst []byte) ([]byte, error)
}

type Decompressor interface {
	Decompress(src, dst []byte) ([]byte, error)
}

// deflateCodec implements both Compressor and Decompressor using
// klauspost/compress/flate at level 9, the maximum compression level.
type deflateCodec struct{}

// DefaultCodec is the DEFLATE-level-9 codec used by write sessions.
var DefaultCodec Compressor = deflateCodec{}

// DefaultDecoder is the matching decompressor.
var DefaultDecoder Decompressor = deflateCodec{}

func (deflateCodec) Compress(src, dst []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	w, err := flate.NewWriter(buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: flate writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("chunkstore: flate compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("chunkstore: flate close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decompresses src into dst, growing dst as needed. It
// tolerates decompressed output longer than len(dst): reporting
// corruption is the caller's job, done by comparing against the
// directory entry's authoritative Len field, since a zlen/len
// mismatch alone does not prove which side is wrong.
func (deflateCodec) Decompress(src, dst []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	out := dst[:0]
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunkstore: flate decompress: %w", err)
		}
	}
	return out, nil
}
