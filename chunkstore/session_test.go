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
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/objstore"
	"github.com/tarcore/tarcore/objstore/memstore"
)

func newTestSession(t *testing.T) (*Session, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	var root chunkhash.Key
	_, err := rand.Read(root[:])
	require.NoError(t, err)
	subkeys := chunkhash.DeriveSubkeys(root)
	sess, err := OpenSession(t.TempDir(), store, subkeys, false)
	require.NoError(t, err)
	return sess, store
}

func randomChunk(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestWriteChunkStoresFreshAndDedups(t *testing.T) {
	sess, store := newTestSession(t)
	ws := NewWriteSession(sess)
	subkeys := sess.subkeys

	plaintext := randomChunk(t, 4096)
	hash := subkeys.HMACChunk(plaintext)

	require.False(t, ws.IsPresent(hash))
	zlen1, err := ws.WriteChunk(context.Background(), hash, plaintext)
	require.NoError(t, err)
	require.Greater(t, zlen1, uint32(0))
	require.True(t, ws.IsPresent(hash))
	require.True(t, store.Has(ClassChunk, objstore.Name(hash)))

	e := ws.Dir.Get(hash)
	require.EqualValues(t, 1, e.NRefs)
	require.EqualValues(t, 1, e.NCopies)

	// writing the same hash again within the same archive bumps
	// ncopies but not nrefs, since the chunk is already "in archive".
	zlen2, err := ws.WriteChunk(context.Background(), hash, plaintext)
	require.NoError(t, err)
	require.Equal(t, zlen1, zlen2)
	require.EqualValues(t, 1, e.NRefs)
	require.EqualValues(t, 2, e.NCopies)
}

func TestWriteChunkSecondArchiveBumpsRefs(t *testing.T) {
	sess, _ := newTestSession(t)
	ws := NewWriteSession(sess)
	plaintext := randomChunk(t, 128)
	hash := sess.subkeys.HMACChunk(plaintext)

	_, err := ws.WriteChunk(context.Background(), hash, plaintext)
	require.NoError(t, err)
	ws.Dir.ClearInArchiveMarkers()

	_, err = ws.WriteChunk(context.Background(), hash, plaintext)
	require.NoError(t, err)
	e := ws.Dir.Get(hash)
	require.EqualValues(t, 2, e.NRefs)
	require.EqualValues(t, 2, e.NCopies)
}

func TestChunkRefRequiresExistingChunk(t *testing.T) {
	sess, _ := newTestSession(t)
	ws := NewWriteSession(sess)
	var missing chunkhash.CH
	require.False(t, ws.ChunkRef(missing))

	plaintext := randomChunk(t, 64)
	hash := sess.subkeys.HMACChunk(plaintext)
	_, err := ws.WriteChunk(context.Background(), hash, plaintext)
	require.NoError(t, err)
	ws.Dir.ClearInArchiveMarkers()
	require.True(t, ws.ChunkRef(hash))
	e := ws.Dir.Get(hash)
	require.EqualValues(t, 2, e.NRefs)
}

func TestCheckpointAndCommitRoundtrip(t *testing.T) {
	sess, _ := newTestSession(t)
	ws := NewWriteSession(sess)
	plaintext := randomChunk(t, 512)
	hash := sess.subkeys.HMACChunk(plaintext)
	_, err := ws.WriteChunk(context.Background(), hash, plaintext)
	require.NoError(t, err)

	require.NoError(t, ws.Checkpoint())
	require.NoError(t, ws.Commit())

	reloaded, err := OpenSession(sess.CacheDir, sess.Store, sess.subkeys, true)
	require.NoError(t, err)
	require.True(t, NewWriteSession(reloaded).IsPresent(hash))
}

func TestCommitWithoutCheckpointFails(t *testing.T) {
	sess, _ := newTestSession(t)
	ws := NewWriteSession(sess)
	require.Error(t, ws.Commit())
}

func TestDeleteChunkRemovesLastReference(t *testing.T) {
	sess, store := newTestSession(t)
	ws := NewWriteSession(sess)
	plaintext := randomChunk(t, 256)
	hash := sess.subkeys.HMACChunk(plaintext)
	_, err := ws.WriteChunk(context.Background(), hash, plaintext)
	require.NoError(t, err)

	ds := NewDeleteSession(sess)
	require.NoError(t, ds.DeleteChunk(context.Background(), hash))
	require.False(t, store.Has(ClassChunk, objstore.Name(hash)))

	// The backing object is gone, but the record stays in the table
	// (with NRefs == 0) until the next commit purges it -- Encode
	// already omits it from what gets written out.
	e := ds.Dir.Get(hash)
	require.NotNil(t, e)
	require.Equal(t, uint32(0), e.NRefs)
	require.False(t, bytes.Contains(ds.Dir.Encode(), hash[:]))

	require.NoError(t, ds.Checkpoint())
	require.NoError(t, ds.Commit())
	require.Nil(t, ds.Dir.Get(hash))
}

func TestDeleteChunkDedupsRepeatedHashWithinOnePass(t *testing.T) {
	sess, store := newTestSession(t)
	ws := NewWriteSession(sess)
	plaintext := randomChunk(t, 256)
	hash := sess.subkeys.HMACChunk(plaintext)
	// Two writes of the same chunk in one archive: NRefs == 1 (first
	// occurrence only), NCopies == 2 (every occurrence).
	_, err := ws.WriteChunk(context.Background(), hash, plaintext)
	require.NoError(t, err)
	_, err = ws.WriteChunk(context.Background(), hash, plaintext)
	require.NoError(t, err)
	require.Equal(t, uint32(1), ws.Dir.Get(hash).NRefs)
	require.Equal(t, uint32(2), ws.Dir.Get(hash).NCopies)
	require.NoError(t, ws.Checkpoint())
	require.NoError(t, ws.Commit())

	ds := NewDeleteSession(sess)
	// Deleting that same archive calls DeleteChunk once per cindex
	// entry, i.e. twice for this duplicated hash. The first call must
	// drop NRefs to 0 and delete the backing object; the second call
	// must not error (ErrMissingOrCorrupt) or double-decrement NRefs.
	require.NoError(t, ds.DeleteChunk(context.Background(), hash))
	require.False(t, store.Has(ClassChunk, objstore.Name(hash)))
	require.NoError(t, ds.DeleteChunk(context.Background(), hash))

	e := ds.Dir.Get(hash)
	require.NotNil(t, e)
	require.Equal(t, uint32(0), e.NRefs)
	require.Equal(t, uint32(0), e.NCopies)
}

func TestDeleteChunkMissingReportsCorruption(t *testing.T) {
	sess, _ := newTestSession(t)
	ds := NewDeleteSession(sess)
	var hash chunkhash.CH
	err := ds.DeleteChunk(context.Background(), hash)
	require.ErrorIs(t, err, ErrMissingOrCorrupt)
}

func TestStatsSessionComputesAggregates(t *testing.T) {
	sess, _ := newTestSession(t)
	ws := NewWriteSession(sess)
	a := randomChunk(t, 1000)
	b := randomChunk(t, 2000)
	ha := sess.subkeys.HMACChunk(a)
	hb := sess.subkeys.HMACChunk(b)
	_, err := ws.WriteChunk(context.Background(), ha, a)
	require.NoError(t, err)
	_, err = ws.WriteChunk(context.Background(), hb, b)
	require.NoError(t, err)
	ws.ExtraStats(100, 40)

	ss := NewStatsSession(sess)
	r := ss.Compute()
	require.EqualValues(t, 2, r.NChunks)
	require.EqualValues(t, 3000, r.UniqueLen)
	require.EqualValues(t, 1, r.ExtraChunks)
	require.EqualValues(t, 100, r.ExtraLen)
	require.EqualValues(t, 40, r.ExtraZLen)
}
