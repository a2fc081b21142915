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
	"github.com/kch42/buzhash"

	"github.com/tarcore/tarcore/chunkstore"
)

// The rolling-hash chunker's exact algorithm is an implementation
// choice: any content-defined chunker with a MAXCHUNK cap works, since
// the directory format does not embed chunker parameters. This
// implementation uses a buzhash rolling hash over a small window,
// cutting a chunk boundary whenever the hash's low bits are all zero,
// subject to a minimum and the hard MaxChunk ceiling. kch42/buzhash is
// grounded on the pack's dolt go.mod entries (also vendored under its
// origin import path, github.com/silvasur/buzhash).
const (
	chunkWindow  = 64
	chunkMinSize = 4096
	chunkMask    = 1<<16 - 1 // average chunk size around 64 KiB
)

// Chunker implements content-defined chunking bounded by
// chunkstore.MaxChunk. It is not safe for concurrent use.
type Chunker struct {
	bh  *buzhash.BuzHash
	buf []byte
}

// NewChunker returns a Chunker ready to consume the body bytes of one
// archive entry.
func NewChunker() *Chunker {
	return &Chunker{bh: buzhash.NewBuzHash(chunkWindow)}
}

// Feed consumes p, calling emit once for each chunk boundary found.
// Chunks are capped at chunkstore.MaxChunk regardless of where the
// rolling hash would otherwise cut. Bytes that do not yet complete a
// chunk remain buffered; see Residue.
func (c *Chunker) Feed(p []byte, emit func(plaintext []byte) error) error {
	for _, b := range p {
		c.buf = append(c.buf, b)
		h := c.bh.HashByte(b)
		if len(c.buf) >= chunkstore.MaxChunk || (len(c.buf) >= chunkMinSize && h&chunkMask == 0) {
			chunk := c.buf
			c.buf = nil
			c.bh = buzhash.NewBuzHash(chunkWindow)
			if err := emit(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

// Residue returns the bytes buffered since the last completed chunk.
// When an entry ends inside a partial chunk these bytes become the
// entry's trailer.
func (c *Chunker) Residue() []byte { return c.buf }

// Reset clears buffered state for reuse on a new entry.
func (c *Chunker) Reset() {
	c.buf = nil
	c.bh = buzhash.NewBuzHash(chunkWindow)
}
