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
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
)

type alwaysPresent struct{}

func (alwaysPresent) IsPresent(chunkhash.CH) bool { return true }

type neverPresent struct{}

func (neverPresent) IsPresent(chunkhash.CH) bool { return false }

func randHash(t *testing.T) chunkhash.CH {
	t.Helper()
	var h chunkhash.CH
	_, err := rand.Read(h[:])
	require.NoError(t, err)
	return h
}

func TestLookupMissCreatesEmptyEntry(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	res := c.Lookup("/a/b", 1, 100, 1000, alwaysPresent{})
	require.False(t, res.CanSupplyFull)
	require.Equal(t, "/a/b", res.Entry.Path)
	require.Equal(t, 1, c.Len())
}

func TestLookupFreshCompleteEntrySuppliesFull(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	h := chunkstore.ChunkHeader{Hash: randHash(t), Len: 100, ZLen: 40}
	res := c.Lookup("/f", 1, 100, 1000, alwaysPresent{})
	res.Entry.Chunks = []chunkstore.ChunkHeader{h}
	res.Entry.Trailer = []byte("trailer")
	res.Entry.TLen = 7

	res2 := c.Lookup("/f", 1, 100, 1000, alwaysPresent{})
	require.True(t, res2.CanSupplyFull)
	require.Len(t, res2.Entry.Chunks, 1)
}

func TestLookupFreshEntryWithZeroLengthTrailerSuppliesFull(t *testing.T) {
	// A file that ends exactly on a chunk boundary produces an empty
	// residue (multitape/chunker.go's Residue() may return nil), so
	// TLen stays 0 and Trailer stays empty even though the entry is
	// legitimately complete.
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	h := chunkstore.ChunkHeader{Hash: randHash(t), Len: 100, ZLen: 40}
	res := c.Lookup("/f", 1, 100, 1000, alwaysPresent{})
	res.Entry.Chunks = []chunkstore.ChunkHeader{h}

	res2 := c.Lookup("/f", 1, 100, 1000, alwaysPresent{})
	require.True(t, res2.CanSupplyFull)
}

func TestLookupStaleDiscardsTrailerKeepsChunks(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	res := c.Lookup("/f", 1, 100, 1000, alwaysPresent{})
	res.Entry.Chunks = []chunkstore.ChunkHeader{{Hash: randHash(t), Len: 100, ZLen: 40}}
	res.Entry.Trailer = []byte("trailer")

	res2 := c.Lookup("/f", 1, 200, 2000, alwaysPresent{})
	require.False(t, res2.CanSupplyFull)
	require.Nil(t, res2.Entry.Trailer)
	require.Len(t, res2.Entry.Chunks, 1)
}

func TestLookupMissingChunkTruncatesList(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	res := c.Lookup("/f", 1, 300, 1000, alwaysPresent{})
	res.Entry.Chunks = []chunkstore.ChunkHeader{
		{Hash: randHash(t), Len: 100, ZLen: 40},
		{Hash: randHash(t), Len: 200, ZLen: 80},
	}
	res.Entry.Trailer = []byte("t")

	res2 := c.Lookup("/f", 1, 300, 1000, neverPresent{})
	require.False(t, res2.CanSupplyFull)
	require.Len(t, res2.Entry.Chunks, 0)
}

func TestVerifyCachedPrefixStopsAtMismatch(t *testing.T) {
	hashFn := func(b []byte) chunkhash.CH {
		var h chunkhash.CH
		copy(h[:], b)
		return h
	}
	a := bytes.Repeat([]byte{1}, 10)
	b := bytes.Repeat([]byte{2}, 10)
	var ha, hb chunkhash.CH
	copy(ha[:], a)
	copy(hb[:], b)

	e := &Entry{Chunks: []chunkstore.ChunkHeader{
		{Hash: ha, Len: 10},
		{Hash: hb, Len: 10},
	}}
	// second block on disk doesn't match the cached hash.
	data := append(append([]byte{}, a...), bytes.Repeat([]byte{9}, 10)...)
	var matched int
	leftover, err := VerifyCachedPrefix(e, bytes.NewReader(data), hashFn, func(chunkstore.ChunkHeader) error {
		matched++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, matched)
	require.Len(t, e.Chunks, 1)
	require.Equal(t, bytes.Repeat([]byte{9}, 10), leftover)
}

func TestVerifyCachedPrefixReturnsShortReadAsLeftover(t *testing.T) {
	hashFn := func(b []byte) chunkhash.CH {
		var h chunkhash.CH
		copy(h[:], b)
		return h
	}
	var ha chunkhash.CH
	copy(ha[:], bytes.Repeat([]byte{1}, 10))
	e := &Entry{Chunks: []chunkstore.ChunkHeader{{Hash: ha, Len: 10}}}

	// Only 4 of the expected 10 bytes are actually on disk.
	short := bytes.Repeat([]byte{1}, 4)
	leftover, err := VerifyCachedPrefix(e, bytes.NewReader(short), hashFn, func(chunkstore.ChunkHeader) error {
		t.Fatal("onMatch must not be called for a short read")
		return nil
	})
	require.NoError(t, err)
	require.Len(t, e.Chunks, 0)
	require.Equal(t, short, leftover)
}

type fakeEntryWriter struct {
	present map[chunkhash.CH]bool
	refs    []chunkhash.CH
	written []byte
}

func (f *fakeEntryWriter) WriteChunkRef(_ context.Context, h chunkstore.ChunkHeader) (bool, error) {
	if !f.present[h.Hash] {
		return false, nil
	}
	f.refs = append(f.refs, h.Hash)
	return true, nil
}

func (f *fakeEntryWriter) Write(_ context.Context, buf []byte) error {
	f.written = append(f.written, buf...)
	return nil
}

func hmacStub(b []byte) chunkhash.CH {
	var h chunkhash.CH
	copy(h[:], b)
	return h
}

func TestWriteEntryFullReplayNeverReadsFile(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	ha, hb := randHash(t), randHash(t)
	res := c.Lookup("/f", 1, 20, 1000, alwaysPresent{})
	res.Entry.Chunks = []chunkstore.ChunkHeader{{Hash: ha, Len: 10}, {Hash: hb, Len: 10}}
	compressedTrailer, err := chunkstore.DefaultCodec.Compress([]byte("trailer"), nil)
	require.NoError(t, err)
	res.Entry.Trailer = compressedTrailer
	res.Entry.TLen = 7

	res2 := c.Lookup("/f", 1, 20, 1000, alwaysPresent{})
	require.True(t, res2.CanSupplyFull)

	fw := &fakeEntryWriter{present: map[chunkhash.CH]bool{ha: true, hb: true}}
	require.NoError(t, WriteEntry(context.Background(), fw, res2, panicReader{t}, hmacStub, chunkstore.DefaultDecoder))
	require.Equal(t, []chunkhash.CH{ha, hb}, fw.refs)
	require.Equal(t, []byte("trailer"), fw.written)
}

func TestWriteEntryPartialMatchFallsBackToFile(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	a := bytes.Repeat([]byte{1}, 10)
	var ha chunkhash.CH
	copy(ha[:], a)
	res := c.Lookup("/f", 1, 20, 1000, alwaysPresent{})
	res.Entry.Chunks = []chunkstore.ChunkHeader{{Hash: ha, Len: 10}}

	// mtime/ino/size match so the record is "fresh", but the cache
	// doesn't claim full coverage (chunk list sums to 10, size is 20),
	// exercising the fallback path.
	rest := []byte("newtail")
	fileBytes := append(append([]byte{}, a...), rest...)

	fw := &fakeEntryWriter{present: map[chunkhash.CH]bool{ha: true}}
	require.NoError(t, WriteEntry(context.Background(), fw, res, bytes.NewReader(fileBytes), hmacStub, chunkstore.DefaultDecoder))
	require.Equal(t, []chunkhash.CH{ha}, fw.refs)
	require.Equal(t, rest, fw.written)
}

type panicReader struct{ t *testing.T }

func (p panicReader) Read([]byte) (int, error) {
	p.t.Fatal("full-replay path must not read the file")
	return 0, nil
}

func TestFinishEntryDropsEmptyRecord(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	res := c.Lookup("/empty", 1, 0, 1000, alwaysPresent{})
	c.FinishEntry(res.Entry, nil, 0, nil, 2000)
	require.Equal(t, 0, c.Len())
}

func TestFinishEntryClampsMtime(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	res := c.Lookup("/f", 1, 10, 5000, alwaysPresent{})
	chunks := []chunkstore.ChunkHeader{{Hash: randHash(t), Len: 10, ZLen: 4}}
	c.FinishEntry(res.Entry, chunks, 3, []byte("zzz"), 5000)
	require.Equal(t, int64(4999), res.Entry.Mtime)
}

func TestFlushRoundtripsThroughDisk(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	res := c.Lookup("/a/long/path", 1, 10, 1000, alwaysPresent{})
	chunks := []chunkstore.ChunkHeader{{Hash: randHash(t), Len: 10, ZLen: 4}}
	c.FinishEntry(res.Entry, chunks, 3, []byte("zzz"), 2000)
	require.NoError(t, c.Flush())
	require.NoError(t, c.Close())

	reloaded, err := Open(dir)
	require.NoError(t, err)
	defer reloaded.Close()
	require.Equal(t, 1, reloaded.Len())
	require.Equal(t, "/a/long/path", reloaded.entries[0].Path)
	require.Equal(t, []byte("zzz"), reloaded.entries[0].Trailer)
}

func TestFlushEvictsAgedEntries(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	c.MaxAge = 2
	res := c.Lookup("/f", 1, 10, 1000, alwaysPresent{})
	c.FinishEntry(res.Entry, []chunkstore.ChunkHeader{{Hash: randHash(t), Len: 10, ZLen: 4}}, 0, nil, 2000)
	require.NoError(t, c.Flush())
	require.Equal(t, 1, c.Len())

	// not touched in these two runs: age increments to 1, then 2, and
	// is evicted on the run where age reaches MaxAge.
	require.NoError(t, c.Flush())
	require.Equal(t, 1, c.Len())
	require.NoError(t, c.Flush())
	require.Equal(t, 0, c.Len())
}
