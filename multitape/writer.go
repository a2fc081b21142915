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
	"bytes"
	"context"
	"fmt"

	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
	"github.com/tarcore/tarcore/internal/ratelimit"
)

// ErrTruncated is returned by Write/SetMode once truncation has been
// requested and the in-progress entry has been closed out.
var ErrTruncated = fmt.Errorf("multitape: writer truncated")

// Writer implements the HEADER/DATA/DONE state machine. A Writer
// routes HEADER-mode bytes into the current entry's
// header accumulator, DATA-mode bytes through a Chunker into the
// chunk layer (via the given chunkstore.WriteSession), and finalizes
// each entry at DONE by emitting one (EntryHeader || header bytes)
// record into the header sub-stream, the entry's chunk headers into
// the body-index sub-stream, and any chunker residue into the trailer
// sub-stream.
type Writer struct {
	store   *chunkstore.WriteSession
	subkeys chunkhash.Subkeys
	chunker *Chunker
	trunc   *ratelimit.TruncateFlag

	mode Mode

	hindex bytes.Buffer // concatenation of (EntryHeader || header bytes) per entry
	cindex []byte       // concatenation of ChunkHeader records, in entry order
	tindex []byte       // concatenation of trailer bytes per entry

	curHeader []byte
	curCLen   uint64

	checkpointPending bool
	onCheckpoint      func(hindex, cindex, tindex []byte) error

	truncated bool
}

// NewWriter returns a Writer that stores chunk bodies through store.
func NewWriter(store *chunkstore.WriteSession, subkeys chunkhash.Subkeys, trunc *ratelimit.TruncateFlag) *Writer {
	return &Writer{
		store:   store,
		subkeys: subkeys,
		chunker: NewChunker(),
		trunc:   trunc,
		mode:    DONE,
	}
}

// OnCheckpoint registers the callback Checkpoint uses to persist the
// accumulated sub-streams. It must be set before the first call to
// RequestCheckpoint.
func (w *Writer) OnCheckpoint(fn func(hindex, cindex, tindex []byte) error) {
	w.onCheckpoint = fn
}

// SetMode transitions the writer's sub-stream routing state: HEADER
// -> DATA -> DONE -> HEADER. DONE finalizes the
// entry currently in progress.
func (w *Writer) SetMode(ctx context.Context, m Mode) error {
	if w.truncated {
		return ErrTruncated
	}
	if m == DONE && w.mode != DONE {
		if err := w.finishEntry(ctx); err != nil {
			return err
		}
	}
	w.mode = m
	if m == HEADER && w.trunc != nil && w.trunc.Requested() {
		w.truncated = true
		return ErrTruncated
	}
	if w.mode == DONE && w.checkpointPending {
		if err := w.doCheckpoint(); err != nil {
			return err
		}
	}
	return nil
}

// Write feeds buf into whichever sub-stream the current mode selects.
func (w *Writer) Write(ctx context.Context, buf []byte) error {
	if w.truncated {
		return ErrTruncated
	}
	switch w.mode {
	case HEADER:
		w.curHeader = append(w.curHeader, buf...)
		return nil
	case DATA:
		err := w.chunker.Feed(buf, func(chunk []byte) error {
			hash := w.subkeys.HMACChunk(chunk)
			zlen, err := w.store.WriteChunk(ctx, hash, chunk)
			if err != nil {
				return err
			}
			h := chunkstore.ChunkHeader{Hash: hash, Len: uint32(len(chunk)), ZLen: zlen}
			w.cindex = h.AppendTo(w.cindex)
			w.curCLen += uint64(len(chunk))
			if w.trunc != nil && w.trunc.Requested() {
				return ErrTruncated
			}
			return nil
		})
		if err == ErrTruncated {
			// Stop accepting data and close the current entry
			// cleanly, flushing whatever has been written so far.
			if ferr := w.finishEntry(ctx); ferr != nil {
				return ferr
			}
			w.mode = DONE
			w.truncated = true
			return ErrTruncated
		}
		return err
	case DONE:
		return fmt.Errorf("multitape: write called in DONE mode; call SetMode(HEADER) first")
	default:
		return fmt.Errorf("multitape: invalid mode %v", w.mode)
	}
}

// WriteChunkRef records a reference to a chunk that is already known
// to be present in the chunk store, without re-reading or re-hashing
// its plaintext. It is the writing-side counterpart to
// Reader.PeekChunk for archive-to-archive copies, and is also how the
// chunkification cache's full-entry-from-cache path replays a
// previously recorded chunk list. It must be called in DATA mode,
// exactly as Write would be for the same bytes, and it returns false
// (with no error) if the chunk store no longer has the chunk.
func (w *Writer) WriteChunkRef(ctx context.Context, h chunkstore.ChunkHeader) (bool, error) {
	if w.truncated {
		return false, ErrTruncated
	}
	if w.mode != DATA {
		return false, fmt.Errorf("multitape: WriteChunkRef called outside DATA mode")
	}
	if !w.store.ChunkRef(h.Hash) {
		return false, nil
	}
	w.cindex = h.AppendTo(w.cindex)
	w.curCLen += uint64(h.Len)
	return true, nil
}

// finishEntry flushes chunker residue into the trailer sub-stream and
// emits the entry-header record.
func (w *Writer) finishEntry(ctx context.Context) error {
	residue := w.chunker.Residue()
	eh := EntryHeader{
		HLen: uint32(len(w.curHeader)),
		CLen: w.curCLen,
		TLen: uint32(len(residue)),
	}
	var rec []byte
	rec = eh.AppendTo(rec)
	w.hindex.Write(rec)
	w.hindex.Write(w.curHeader)
	w.tindex = append(w.tindex, residue...)

	w.curHeader = nil
	w.curCLen = 0
	w.chunker.Reset()
	return nil
}

// RequestCheckpoint asks the writer to persist its accumulated
// sub-streams. If an entry is currently open (mode != DONE), the
// checkpoint is deferred until that entry's next SetMode(DONE).
func (w *Writer) RequestCheckpoint() error {
	if w.mode == DONE {
		return w.doCheckpoint()
	}
	w.checkpointPending = true
	return nil
}

func (w *Writer) doCheckpoint() error {
	w.checkpointPending = false
	if w.onCheckpoint == nil {
		return nil
	}
	return w.onCheckpoint(w.hindex.Bytes(), w.cindex, w.tindex)
}

// RequestTruncate asks the writer to stop accepting data and close the
// current entry cleanly at the next opportunity. It is safe to call
// from outside the goroutine
// driving Write/SetMode; the writer only observes the flag at
// entry/chunk boundaries.
func (w *Writer) RequestTruncate() {
	if w.trunc != nil {
		w.trunc.Set()
	}
}

// Truncated reports whether the writer has stopped accepting data.
func (w *Writer) Truncated() bool { return w.truncated }

// Streams returns the writer's current accumulated sub-streams, for
// use once the caller is done writing entries (e.g. to finalize a
// metaindex via archiveindex).
func (w *Writer) Streams() (hindex, cindex, tindex []byte) {
	return w.hindex.Bytes(), w.cindex, w.tindex
}
