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
	"context"
	"fmt"
	"io"

	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
)

// EntryWriter is the subset of multitape.Writer's behavior WriteEntry
// needs while in DATA mode: replay an already-known chunk by
// reference, or feed raw plaintext through the chunker. The caller is
// responsible for the surrounding SetMode(HEADER)/Write(header)/
// SetMode(DATA) .. SetMode(DONE) bracket.
type EntryWriter interface {
	WriteChunkRef(ctx context.Context, h chunkstore.ChunkHeader) (bool, error)
	Write(ctx context.Context, buf []byte) error
}

// WriteEntry implements the write-file path of the chunkification
// cache (the Go counterpart to original_source's
// ccache_entry_write): given the outcome of a prior Lookup, it either
// replays the cached entry in full by reference -- so a second,
// identical backup of an unmodified file produces zero chunk writes
// -- or verifies as much of the cached chunk list as still matches
// the live file content before handing the rest of the file to the
// writer's chunker. f must be positioned at the start of the file's
// content; WriteEntry consumes it entirely on the fallback path (the
// full-replay path never reads f at all). w must already be in DATA
// mode.
func WriteEntry(ctx context.Context, w EntryWriter, lookup *LookupResult, f io.Reader, hash func([]byte) chunkhash.CH, decoder chunkstore.Decompressor) error {
	if lookup.CanSupplyFull {
		for _, h := range lookup.Entry.Chunks {
			ok, err := w.WriteChunkRef(ctx, h)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("ccache: cached chunk %x vanished from the chunk store between lookup and write", h.Hash)
			}
		}
		if lookup.Entry.TLen == 0 {
			return nil
		}
		trailer, err := decoder.Decompress(lookup.Entry.Trailer, nil)
		if err != nil {
			return fmt.Errorf("ccache: decompressing cached trailer: %w", err)
		}
		return w.Write(ctx, trailer)
	}

	leftover, err := VerifyCachedPrefix(lookup.Entry, f, hash, func(h chunkstore.ChunkHeader) error {
		ok, err := w.WriteChunkRef(ctx, h)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ccache: cached chunk %x vanished from the chunk store between lookup and write", h.Hash)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(leftover) > 0 {
		if err := w.Write(ctx, leftover); err != nil {
			return err
		}
	}
	_, err = io.Copy(ctxWriter{ctx, w}, f)
	return err
}

// ctxWriter adapts an EntryWriter to io.Writer so the remainder of a
// file can be streamed through io.Copy after a verified cache prefix.
type ctxWriter struct {
	ctx context.Context
	w   EntryWriter
}

func (cw ctxWriter) Write(p []byte) (int, error) {
	if err := cw.w.Write(cw.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
