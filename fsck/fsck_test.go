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

package fsck

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarcore/tarcore/archiveindex"
	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
	"github.com/tarcore/tarcore/objstore"
	"github.com/tarcore/tarcore/objstore/memstore"
)

func writeTestArchive(t *testing.T, ctx context.Context, store objstore.RemoteStore, subkeys chunkhash.Subkeys, name string, bodies [][]byte) archiveindex.Metadata {
	t.Helper()
	sess, err := chunkstore.OpenSession(t.TempDir(), store, subkeys, false)
	require.NoError(t, err)
	ws := chunkstore.NewWriteSession(sess)

	var cindex []byte
	for _, body := range bodies {
		hash := subkeys.HMACChunk(body)
		zlen, err := ws.WriteChunk(ctx, hash, body)
		require.NoError(t, err)
		h := chunkstore.ChunkHeader{Hash: hash, Len: uint32(len(body)), ZLen: zlen}
		cindex = h.AppendTo(cindex)
	}

	astore := archiveindex.NewStoreFromSession(sess)
	md, err := astore.Put(ctx, subkeys, ws, name, 0, nil, archiveindex.Metaindex{
		HIndex: []byte("hdr"),
		CIndex: cindex,
		TIndex: nil,
	})
	require.NoError(t, err)
	return md
}

func TestRunRebuildsDirectoryFromLiveArchives(t *testing.T) {
	store := memstore.New()
	var root chunkhash.Key
	subkeys := chunkhash.DeriveSubkeys(root)
	ctx := context.Background()

	bodyA := bytes.Repeat([]byte{1}, 100)
	bodyB := bytes.Repeat([]byte{2}, 200)
	writeTestArchive(t, ctx, store, subkeys, "archive-1", [][]byte{bodyA, bodyB})
	writeTestArchive(t, ctx, store, subkeys, "archive-2", [][]byte{bodyA})

	cacheDir := t.TempDir()
	report, err := Run(ctx, cacheDir, store, subkeys)
	require.NoError(t, err)
	require.Equal(t, 2, report.ArchivesChecked)
	require.Empty(t, report.ArchivesDeleted)
	require.Equal(t, 0, report.ChunksOrphaned)

	hashA := subkeys.HMACChunk(bodyA)
	hashB := subkeys.HMACChunk(bodyB)
	entryA := report.Directory.Get(hashA)
	require.NotNil(t, entryA)
	require.Equal(t, uint32(2), entryA.NRefs)
	require.Equal(t, uint32(2), entryA.NCopies)

	entryB := report.Directory.Get(hashB)
	require.NotNil(t, entryB)
	require.Equal(t, uint32(1), entryB.NRefs)
}

func TestRunDeletesArchiveWithMissingChunkDependency(t *testing.T) {
	store := memstore.New()
	var root chunkhash.Key
	subkeys := chunkhash.DeriveSubkeys(root)
	ctx := context.Background()

	body := bytes.Repeat([]byte{3}, 50)
	md := writeTestArchive(t, ctx, store, subkeys, "archive-1", [][]byte{body})

	hash := subkeys.HMACChunk(body)
	require.NoError(t, store.Delete(ctx, chunkstore.ClassChunk, objstore.Name(hash)))

	cacheDir := t.TempDir()
	report, err := Run(ctx, cacheDir, store, subkeys)
	require.NoError(t, err)
	require.Equal(t, []string{md.Name}, report.ArchivesDeleted)
	require.Equal(t, 0, report.Directory.Len())

	nameHash := subkeys.HMACName(md.Name)
	require.False(t, store.Has(chunkstore.ClassMetadata, objstore.Name(chunkhash.MetadataName(nameHash))))
}

func TestRunRecoversArchiveWithBadIndexHash(t *testing.T) {
	store := memstore.New()
	var root chunkhash.Key
	subkeys := chunkhash.DeriveSubkeys(root)
	ctx := context.Background()

	body := bytes.Repeat([]byte{5}, 40)
	md := writeTestArchive(t, ctx, store, subkeys, "archive-1", [][]byte{body})

	// Corrupt the metadata object's recorded IndexHash without
	// touching the metaindex fragments themselves, simulating a
	// single flipped bit that Get's strict hash check would reject.
	bad := md
	bad.IndexHash[0] ^= 0xff
	nameHash := subkeys.HMACName("archive-1")
	compressed, err := chunkstore.DefaultCodec.Compress(bad.Encode(), nil)
	require.NoError(t, err)
	mdName := objstore.Name(chunkhash.MetadataName(nameHash))
	require.NoError(t, store.Write(ctx, chunkstore.ClassMetadata, mdName, compressed))

	cacheDir := t.TempDir()
	report, err := Run(ctx, cacheDir, store, subkeys)
	require.NoError(t, err)
	require.Empty(t, report.ArchivesDeleted)

	hash := subkeys.HMACChunk(body)
	entry := report.Directory.Get(hash)
	require.NotNil(t, entry)
	require.Equal(t, uint32(1), entry.NRefs)
}

func TestRunOrphansChunkNotReferencedByAnyArchive(t *testing.T) {
	store := memstore.New()
	var root chunkhash.Key
	subkeys := chunkhash.DeriveSubkeys(root)
	ctx := context.Background()

	orphanBody := bytes.Repeat([]byte{4}, 64)
	orphanHash := subkeys.HMACChunk(orphanBody)
	compressed, err := chunkstore.DefaultCodec.Compress(orphanBody, nil)
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, chunkstore.ClassChunk, objstore.Name(orphanHash), compressed))

	cacheDir := t.TempDir()
	report, err := Run(ctx, cacheDir, store, subkeys)
	require.NoError(t, err)
	require.Equal(t, 1, report.ChunksOrphaned)
	require.False(t, store.Has(chunkstore.ClassChunk, objstore.Name(orphanHash)))
}
