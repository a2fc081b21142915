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

// Package ccache implements the chunkification cache: a
// per-writer-session, on-disk record of which chunks a previously
// backed-up file produced, keyed by path, used to skip
// re-chunking and re-hashing unchanged files. It is grounded on the
// teacher's tenant/dcache package (a path-keyed, memory-mapped local
// cache of remote data) for the on-disk/mmap shape, generalized from
// dcache's table-segment cache to this format's
// ino/size/mtime-qualified chunk-list cache.
package ccache

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
)

// MaxAge is the default number of successive backup runs an entry may
// go unused before it is evicted.
const MaxAge = 10

const (
	cacheFileName    = "cache"
	cacheNewFileName = "cache.new"
)

// ChunkPresence is the subset of chunkstore.WriteSession this package
// needs to verify that a cached chunk reference is still backed by a
// live chunk in the chunk store.
type ChunkPresence interface {
	IsPresent(hash chunkhash.CH) bool
}

// Cache is a chunkification cache bound to one cache directory. It is
// not safe for concurrent use; the txn package's advisory lock
// enforces the single-writer-session rule it requires.
type Cache struct {
	dir     string
	mapped  *mappedFile
	entries []*Entry // sorted by Path
	MaxAge  uint32
}

// Open loads the cache file from dir (cache/cache), or returns an
// empty Cache if none exists yet.
func Open(dir string) (*Cache, error) {
	mapped, err := openMapped(filepath.Join(dir, cacheFileName))
	if err != nil {
		return nil, fmt.Errorf("ccache: %w", err)
	}
	var entries []*Entry
	if mapped != nil {
		entries, err = decodeRecords(mapped.bytes())
		if err != nil {
			mapped.Close()
			return nil, fmt.Errorf("ccache: corrupt cache file: %w", err)
		}
	}
	return &Cache{dir: dir, mapped: mapped, entries: entries, MaxAge: MaxAge}, nil
}

// Close releases the memory-mapped payload, if any. It does not flush
// pending writes; call Flush first.
func (c *Cache) Close() error {
	if c.mapped != nil {
		return c.mapped.Close()
	}
	return nil
}

func (c *Cache) find(path string) (int, bool) {
	i := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].Path >= path })
	if i < len(c.entries) && c.entries[i].Path == path {
		return i, true
	}
	return i, false
}

// LookupResult is the outcome of Lookup.
type LookupResult struct {
	Entry         *Entry
	CanSupplyFull bool
}

// Lookup reports what's known about path from a previous run. checker
// is used to verify that every cached chunk hash is still present in
// the chunk store before trusting the cache's claim to supply a file
// in full.
func (c *Cache) Lookup(path string, ino, size uint64, mtime int64, checker ChunkPresence) *LookupResult {
	idx, ok := c.find(path)
	if !ok {
		e := &Entry{Path: path, Ino: ino, Size: size, Mtime: mtime, used: true}
		c.insertAt(idx, e)
		return &LookupResult{Entry: e, CanSupplyFull: false}
	}

	e := c.entries[idx]
	e.used = true
	fresh := e.Ino == ino && e.Size == size && e.Mtime == mtime
	if !fresh {
		e.Trailer = nil
		e.TLen = 0
		e.Ino, e.Size, e.Mtime = ino, size, mtime
		return &LookupResult{Entry: e, CanSupplyFull: false}
	}

	truncated := false
	for i, h := range e.Chunks {
		if !checker.IsPresent(h.Hash) {
			e.Chunks = e.Chunks[:i]
			truncated = true
			break
		}
	}
	canFull := !truncated && e.chunksPlainLen() == size && (e.TLen == 0 || len(e.Trailer) > 0)
	return &LookupResult{Entry: e, CanSupplyFull: canFull}
}

func (c *Cache) insertAt(idx int, e *Entry) {
	c.entries = append(c.entries, nil)
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = e
}

// VerifyCachedPrefix walks e's cached chunk list in order, reading a
// chunk-sized block from r for each, hashing it with hash, and
// comparing against the cached hash. onMatch is called for every
// chunk that still matches, in order. The first mismatch or short
// read truncates e.Chunks to the verified prefix and
// VerifyCachedPrefix returns, along with whatever bytes it already
// pulled from r for that failing chunk (a short read yields the
// partial read; a hash mismatch yields the full block) so the caller
// can hand them to the chunker ahead of the rest of r, rather than
// silently dropping them.
func VerifyCachedPrefix(e *Entry, r io.Reader, hash func([]byte) chunkhash.CH, onMatch func(chunkstore.ChunkHeader) error) ([]byte, error) {
	verified := 0
	var leftover []byte
	buf := make([]byte, 0, chunkstore.MaxChunk)
	for _, h := range e.Chunks {
		if cap(buf) < int(h.Len) {
			buf = make([]byte, h.Len)
		}
		buf = buf[:h.Len]
		n, err := io.ReadFull(r, buf)
		if err != nil {
			leftover = append(leftover, buf[:n]...)
			break
		}
		if hash(buf) != h.Hash {
			leftover = append(leftover, buf...)
			break
		}
		if onMatch != nil {
			if err := onMatch(h); err != nil {
				return nil, err
			}
		}
		verified++
	}
	e.Chunks = e.Chunks[:verified]
	return leftover, nil
}

// FinishEntry appends any newly produced chunks to e, replaces its
// trailer with the entry's compressed unchunked tail bytes, clamps
// e.Mtime below snapshotTime to force re-examination of
// same-second-modified files, and drops e entirely if it ended up
// empty.
func (c *Cache) FinishEntry(e *Entry, newChunks []chunkstore.ChunkHeader, trailerPlainLen uint32, trailerCompressed []byte, snapshotTime int64) {
	e.Chunks = append(e.Chunks, newChunks...)
	e.TLen = trailerPlainLen
	e.Trailer = trailerCompressed
	e.Age = 0
	e.used = true

	if len(e.Chunks) == 0 && len(e.Trailer) == 0 {
		if idx, ok := c.find(e.Path); ok {
			c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
		}
		return
	}
	if e.Mtime >= snapshotTime {
		e.Mtime = snapshotTime - 1
	}
}

// Flush ages every record not touched this run, evicts records with
// age >= c.MaxAge or a negative mtime, and atomically rewrites the
// cache file. Unlike the chunk directory's directory.tmp -> .ckpt ->
// directory protocol (chunkstore.replace), the
// chunkification cache is a best-effort accelerator with no crash-
// consistency requirement of its own (losing the last few entries
// only costs a re-chunk, not data), so a plain os.Rename is enough
// here; see DESIGN.md.
func (c *Cache) Flush() error {
	maxAge := c.MaxAge
	if maxAge == 0 {
		maxAge = MaxAge
	}
	survivors := c.entries[:0]
	for _, e := range c.entries {
		if !e.used {
			e.Age++
		}
		if e.Age >= maxAge || e.Mtime < 0 {
			continue
		}
		survivors = append(survivors, e)
	}
	c.entries = survivors
	sortEntries(c.entries)

	data := encodeRecords(c.entries)
	tmp := filepath.Join(c.dir, cacheNewFileName)
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("ccache: writing %s: %w", tmp, err)
	}
	final := filepath.Join(c.dir, cacheFileName)
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("ccache: promoting cache.new to cache: %w", err)
	}

	if c.mapped != nil {
		c.mapped.Close()
		c.mapped = nil
	}
	mapped, err := openMapped(final)
	if err != nil {
		return err
	}
	c.mapped = mapped
	// rebuild the entries by decoding a private copy of the bytes just
	// written, so they match the file on disk; the reloaded entries do
	// not reference the new mapping.
	reloaded, err := decodeRecords(bytes.Clone(data))
	if err != nil {
		return err
	}
	c.entries = reloaded
	return nil
}

// Len reports the number of cached entries, for diagnostics and
// tests.
func (c *Cache) Len() int { return len(c.entries) }
