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
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
	"github.com/tarcore/tarcore/internal/ratelimit"
	"github.com/tarcore/tarcore/objstore/memstore"
)

func newWriter(t *testing.T) (*Writer, chunkhash.Subkeys) {
	t.Helper()
	store := memstore.New()
	var root chunkhash.Key
	_, err := rand.Read(root[:])
	require.NoError(t, err)
	subkeys := chunkhash.DeriveSubkeys(root)

	sess, err := chunkstore.OpenSession(t.TempDir(), store, subkeys, false)
	require.NoError(t, err)
	return NewWriter(chunkstore.NewWriteSession(sess), subkeys, &ratelimit.TruncateFlag{}), subkeys
}

func TestWriterRoundtripsOneEntry(t *testing.T) {
	w, _ := newWriter(t)
	ctx := context.Background()

	require.NoError(t, w.SetMode(ctx, HEADER))
	require.NoError(t, w.Write(ctx, []byte("tar-header-bytes")))

	require.NoError(t, w.SetMode(ctx, DATA))
	body := make([]byte, 9000)
	_, err := rand.Read(body)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, body))

	require.NoError(t, w.SetMode(ctx, DONE))

	hindex, cindex, tindex := w.Streams()
	r, err := NewReader(hindex, cindex, tindex)
	require.NoError(t, err)

	entry, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("tar-header-bytes"), entry.Header)

	var total int
	for _, c := range entry.Chunks {
		total += int(c.Len)
	}
	require.Equal(t, len(body), total+len(entry.Trailer))
}

func TestWriterMultipleEntries(t *testing.T) {
	w, _ := newWriter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.SetMode(ctx, HEADER))
		require.NoError(t, w.Write(ctx, []byte("hdr")))
		require.NoError(t, w.SetMode(ctx, DATA))
		require.NoError(t, w.Write(ctx, bytes.Repeat([]byte{byte(i)}, 100)))
		require.NoError(t, w.SetMode(ctx, DONE))
	}

	hindex, cindex, tindex := w.Streams()
	r, err := NewReader(hindex, cindex, tindex)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := r.Next()
		require.NoError(t, err)
	}
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestCheckpointDeferredMidEntry(t *testing.T) {
	w, _ := newWriter(t)
	ctx := context.Background()
	var calls int
	w.OnCheckpoint(func(h, c, tr []byte) error {
		calls++
		return nil
	})

	require.NoError(t, w.SetMode(ctx, HEADER))
	require.NoError(t, w.RequestCheckpoint())
	require.Equal(t, 0, calls)

	require.NoError(t, w.SetMode(ctx, DATA))
	require.NoError(t, w.Write(ctx, []byte("x")))
	require.NoError(t, w.SetMode(ctx, DONE))
	require.Equal(t, 1, calls)
}

func TestTruncationClosesEntryCleanly(t *testing.T) {
	w, _ := newWriter(t)
	ctx := context.Background()
	require.NoError(t, w.SetMode(ctx, HEADER))
	require.NoError(t, w.Write(ctx, []byte("hdr")))
	require.NoError(t, w.SetMode(ctx, DATA))

	w.RequestTruncate()
	err := w.Write(ctx, bytes.Repeat([]byte{7}, 5000))
	require.ErrorIs(t, err, ErrTruncated)
	require.True(t, w.Truncated())

	hindex, _, _ := w.Streams()
	require.NotEmpty(t, hindex)
}

func TestPeekChunkDoesNotAdvance(t *testing.T) {
	w, _ := newWriter(t)
	ctx := context.Background()
	require.NoError(t, w.SetMode(ctx, HEADER))
	require.NoError(t, w.SetMode(ctx, DATA))
	// feed more than chunkstore.MaxChunk bytes so at least one chunk
	// boundary is forced deterministically regardless of the rolling
	// hash's output.
	require.NoError(t, w.Write(ctx, bytes.Repeat([]byte{1}, chunkstore.MaxChunk+1000)))
	require.NoError(t, w.SetMode(ctx, DONE))

	_, cindex, _ := w.Streams()
	r, err := NewReader(nil, cindex, nil)
	require.NoError(t, err)
	h1, ok := r.PeekChunk()
	require.True(t, ok)
	h2, ok := r.PeekChunk()
	require.True(t, ok)
	require.Equal(t, h1, h2)
}
