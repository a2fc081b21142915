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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/objstore"
)

// ErrMissingOrCorrupt is reported when an operation (chiefly
// DeleteSession.DeleteChunk) is asked to act on a hash that the
// directory does not know about: a delete call for a chunk not in the
// directory means the directory and the archive set have diverged,
// and fsck should be run to reconcile them.
var ErrMissingOrCorrupt = errors.New("chunkstore: missing or corrupt; run fsck")

// names of the chunk-directory files inside the cache directory.
const (
	fileDirectory     = "directory"
	fileDirectoryCkpt = "directory.ckpt"
	fileDirectoryTmp  = "directory.tmp"
)

// Session is the state shared by WriteSession, DeleteSession, and
// StatsSession: a Directory loaded from the cache directory, plus the
// RemoteStore the chunk layer drives write/delete operations against.
type Session struct {
	Dir       *Directory
	Store     objstore.RemoteStore
	CacheDir  string
	Codec     Compressor
	Decoder   Decompressor
	Logf      func(string, ...any)
	subkeys   chunkhash.Subkeys
	scratch   []byte
}

func (s *Session) logf(f string, args ...any) {
	if s.Logf != nil {
		s.Logf(f, args...)
	}
}

func (s *Session) codec() Compressor {
	if s.Codec != nil {
		return s.Codec
	}
	return DefaultCodec
}

func (s *Session) decoder() Decompressor {
	if s.Decoder != nil {
		return s.Decoder
	}
	return DefaultDecoder
}

func (s *Session) path(name string) string {
	return filepath.Join(s.CacheDir, name)
}

// OpenSession loads the chunk directory for cacheDir (creating an
// empty one if mustExist is false and none is present) and returns a
// Session ready to be embedded in a WriteSession, DeleteSession, or
// StatsSession.
func OpenSession(cacheDir string, store objstore.RemoteStore, subkeys chunkhash.Subkeys, mustExist bool) (*Session, error) {
	dir, err := ReadDirectory(filepath.Join(cacheDir, fileDirectory), mustExist)
	if err != nil {
		return nil, err
	}
	return &Session{
		Dir:      dir,
		Store:    store,
		CacheDir: cacheDir,
		subkeys:  subkeys,
		scratch:  make([]byte, 0, scratchCap),
	}, nil
}

// WriteSession implements the write-session operations: write_chunk,
// is_present, chunk_ref, extra_stats, checkpoint, commit. At most one
// write or delete session may be open against a
// cache directory at a time; that exclusion is enforced by the txn
// package's advisory lock, not by this type.
type WriteSession struct {
	*Session
}

// NewWriteSession wraps an open Session as a WriteSession.
func NewWriteSession(s *Session) *WriteSession { return &WriteSession{Session: s} }

// WriteChunk writes a chunk by content: if hash is already
// present, it counts as an additional copy (and, the first time this
// hash appears in the archive currently being written, an additional
// reference); otherwise the plaintext is compressed and stored fresh.
// It returns the stored (compressed) length.
func (w *WriteSession) WriteChunk(ctx context.Context, hash chunkhash.CH, plaintext []byte) (uint32, error) {
	if uint32(len(plaintext)) == 0 || uint32(len(plaintext)) > MaxChunk {
		return 0, fmt.Errorf("chunkstore: chunk length %d out of bounds", len(plaintext))
	}
	if e := w.Dir.Get(hash); e != nil {
		e.NCopies++
		if !e.InArchive() {
			e.NRefs++
			e.setInArchive(true)
		}
		return e.ZLen, nil
	}
	compressed, err := w.codec().Compress(plaintext, w.scratch[:0])
	if err != nil {
		return 0, err
	}
	w.scratch = compressed[:0]
	var name objstore.Name = objstore.Name(hash)
	if err := w.Store.Write(ctx, ClassChunk, name, compressed); err != nil {
		return 0, fmt.Errorf("chunkstore: storing chunk %x: %w", hash, err)
	}
	e := &Entry{
		Hash:    hash,
		Len:     uint32(len(plaintext)),
		ZLen:    uint32(len(compressed)),
		NRefs:   1,
		NCopies: 1,
	}
	e.setInArchive(true)
	e.setHeapAllocated(true)
	w.Dir.Put(e)
	return e.ZLen, nil
}

// IsPresent reports whether hash is already stored. It is a lookup
// only, with no side effects on reference counts.
func (w *WriteSession) IsPresent(hash chunkhash.CH) bool {
	return w.Dir.Get(hash) != nil
}

// ChunkRef records a reference to an already-stored chunk: like
// WriteChunk, but requires the chunk to already exist (used when an
// archive-to-archive
// copy transfers a chunk by reference via multitape's
// try_peek_chunk). It returns false if the chunk is not present.
func (w *WriteSession) ChunkRef(hash chunkhash.CH) bool {
	e := w.Dir.Get(hash)
	if e == nil {
		return false
	}
	e.NCopies++
	if !e.InArchive() {
		e.NRefs++
		e.setInArchive(true)
	}
	return true
}

// ExtraStats accumulates the length of an out-of-chunk blob (archive
// metadata, metaindex fragments) into the directory's aggregate Extra
// totals.
func (w *WriteSession) ExtraStats(plainLen, storedLen uint64) {
	w.Dir.Extra.Add(plainLen, storedLen)
}

// Checkpoint serializes the current directory to directory.tmp
// (fsync, close), then renames directory.tmp to directory.ckpt via
// the atomic replace primitive.
func (w *WriteSession) Checkpoint() error {
	tmp := w.path(fileDirectoryTmp)
	if err := writeFileFsync(tmp, w.Dir.Encode()); err != nil {
		return fmt.Errorf("chunkstore: writing %s: %w", tmp, err)
	}
	if err := replace(tmp, w.path(fileDirectoryCkpt)); err != nil {
		return fmt.Errorf("chunkstore: promoting directory.tmp to directory.ckpt: %w", err)
	}
	return nil
}

// Commit promotes directory.ckpt to directory.
func (w *WriteSession) Commit() error {
	ckpt := w.path(fileDirectoryCkpt)
	if _, err := os.Stat(ckpt); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("chunkstore: commit called without a prior checkpoint")
		}
		return err
	}
	if err := replace(ckpt, w.path(fileDirectory)); err != nil {
		return fmt.Errorf("chunkstore: promoting directory.ckpt to directory: %w", err)
	}
	w.Dir.ClearInArchiveMarkers()
	w.Dir.PurgeZeroRefs()
	return nil
}

// writeFileFsync writes data to path, fsyncs the file, then closes
// it.
func writeFileFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DeleteSession implements chunk deletion as part of deleting an
// archive.
type DeleteSession struct {
	*Session
}

// NewDeleteSession starts a delete pass over s. It clears any
// in-archive markers left on s, so the first occurrence of each hash
// in the archive being deleted is the one that decrements NRefs.
func NewDeleteSession(s *Session) *DeleteSession {
	s.Dir.ClearInArchiveMarkers()
	return &DeleteSession{Session: s}
}

// DeleteChunk removes one occurrence of hash: every occurrence
// of hash in the archive being deleted decrements NCopies, but only
// the first occurrence in the current pass decrements NRefs, mirroring
// WriteChunk's use of the in-archive marker to dedup repeated hashes
// within one cindex. When NRefs reaches zero the backing chunk object
// is deleted from the store, but the entry itself stays in the
// directory table (with NRefs == 0) until Commit purges zero-reference
// entries: Encode already omits NRefs == 0 entries, and removing
// the record here would make a later occurrence of the same hash in
// this same pass look missing.
func (d *DeleteSession) DeleteChunk(ctx context.Context, hash chunkhash.CH) error {
	e := d.Dir.Get(hash)
	if e == nil {
		return fmt.Errorf("chunk %x: %w", hash, ErrMissingOrCorrupt)
	}
	if e.NCopies > 0 {
		e.NCopies--
	}
	if !e.InArchive() {
		e.setInArchive(true)
		if e.NRefs > 0 {
			e.NRefs--
		}
		if e.NRefs == 0 {
			if err := d.Store.Delete(ctx, ClassChunk, objstore.Name(hash)); err != nil {
				return fmt.Errorf("chunkstore: deleting chunk %x: %w", hash, err)
			}
		}
	}
	return nil
}

// Checkpoint and Commit behave identically to WriteSession's, since
// both session kinds mutate the same on-disk directory through the
// same atomic update protocol.
func (d *DeleteSession) Checkpoint() error { return (&WriteSession{Session: d.Session}).Checkpoint() }
func (d *DeleteSession) Commit() error     { return (&WriteSession{Session: d.Session}).Commit() }
