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

package archiveindex

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
	"github.com/tarcore/tarcore/objstore"
	"github.com/tarcore/tarcore/objstore/memstore"
)

type fakeStats struct {
	plain, stored uint64
	calls         int
}

func (f *fakeStats) ExtraStats(plainLen, storedLen uint64) {
	f.plain += plainLen
	f.stored += storedLen
	f.calls++
}

func testSubkeys(t *testing.T) chunkhash.Subkeys {
	t.Helper()
	var root chunkhash.Key
	_, err := rand.Read(root[:])
	require.NoError(t, err)
	return chunkhash.DeriveSubkeys(root)
}

func TestMetadataEncodeDecodeRoundtrip(t *testing.T) {
	md := Metadata{
		Name:      "home-backup-2026-08-01",
		Ctime:     1785628800,
		Argv:      []string{"tarcore", "-c", "-f", "home-backup-2026-08-01", "/home"},
		IndexHash: [32]byte{1, 2, 3},
		IndexLen:  98765,
	}
	got, err := DecodeMetadata(md.Encode())
	require.NoError(t, err)
	require.Equal(t, md, got)
}

func TestMetadataDecodeRejectsBadMagic(t *testing.T) {
	_, err := DecodeMetadata([]byte{0, 0, 0, 0})
	require.Error(t, err)
}

func TestMetaindexBlobRoundtrip(t *testing.T) {
	mi := Metaindex{
		HIndex: []byte("header-substream"),
		CIndex: []byte("chunk-header-records"),
		TIndex: []byte("trailer-bytes"),
	}
	got, err := decodeBlob(mi.encodeBlob())
	require.NoError(t, err)
	require.Equal(t, mi, got)
}

func TestSplitFragmentsRespectsMaxIndexFragment(t *testing.T) {
	blob := bytes.Repeat([]byte{9}, chunkstore.MaxIndexFragment*2+500)
	frags := splitFragments(blob)
	require.Len(t, frags, 3)
	require.Len(t, frags[0], chunkstore.MaxIndexFragment)
	require.Len(t, frags[1], chunkstore.MaxIndexFragment)
	require.Len(t, frags[2], 500)
	require.Equal(t, uint32(3), fragmentCount(uint64(len(blob))))
}

func TestSplitFragmentsEmptyBlobYieldsOneEmptyFragment(t *testing.T) {
	frags := splitFragments(nil)
	require.Len(t, frags, 1)
	require.Empty(t, frags[0])
	require.Equal(t, uint32(1), fragmentCount(0))
}

func TestStorePutGetRoundtrip(t *testing.T) {
	store := memstore.New()
	subkeys := testSubkeys(t)
	s := &Store{RemoteStore: store}
	stats := &fakeStats{}

	mi := Metaindex{
		HIndex: bytes.Repeat([]byte{1}, chunkstore.MaxIndexFragment+1000),
		CIndex: []byte("chunk-headers"),
		TIndex: []byte("trailer"),
	}
	ctx := context.Background()
	md, err := s.Put(ctx, subkeys, stats, "archive-1", 1700000000, []string{"tarcore", "-c"}, mi)
	require.NoError(t, err)
	require.True(t, stats.calls > 0)

	gotMD, gotMI, err := s.Get(ctx, subkeys, "archive-1")
	require.NoError(t, err)
	require.Equal(t, md, gotMD)
	require.Equal(t, mi, gotMI)
}

func TestStoreGetDetectsIndexHashMismatch(t *testing.T) {
	store := memstore.New()
	subkeys := testSubkeys(t)
	s := &Store{RemoteStore: store}

	mi := Metaindex{HIndex: []byte("h"), CIndex: []byte("c"), TIndex: []byte("t")}
	ctx := context.Background()
	md, err := s.Put(ctx, subkeys, nil, "archive-1", 0, nil, mi)
	require.NoError(t, err)

	// Corrupt the metadata object's indexhash by writing a new metadata
	// object with the same name but a wrong hash, without touching the
	// fragment bytes.
	bad := md
	bad.IndexHash[0] ^= 0xff
	nameHash := subkeys.HMACName("archive-1")
	compressed, err := s.codec().Compress(bad.Encode(), nil)
	require.NoError(t, err)
	mdName := objstore.Name(chunkhash.MetadataName(nameHash))
	require.NoError(t, store.Write(ctx, chunkstore.ClassMetadata, mdName, compressed))

	_, _, err = s.Get(ctx, subkeys, "archive-1")
	require.Error(t, err)

	recovered, err := s.RecoverMetaindex(ctx, subkeys, bad)
	require.NoError(t, err)
	require.Equal(t, mi, recovered)
}

func TestRecoverMetaindexFailsWhenFragmentMissing(t *testing.T) {
	store := memstore.New()
	subkeys := testSubkeys(t)
	s := &Store{RemoteStore: store}

	mi := Metaindex{
		HIndex: bytes.Repeat([]byte{1}, chunkstore.MaxIndexFragment+1000),
		CIndex: []byte("c"),
		TIndex: []byte("t"),
	}
	ctx := context.Background()
	md, err := s.Put(ctx, subkeys, nil, "archive-1", 0, nil, mi)
	require.NoError(t, err)

	nameHash := subkeys.HMACName("archive-1")
	require.NoError(t, store.Delete(ctx, chunkstore.ClassMetaindex, objstore.Name(chunkhash.FragmentName(nameHash, 1))))

	_, err = s.RecoverMetaindex(ctx, subkeys, md)
	require.Error(t, err)
}

func TestStoreDeleteRemovesFragmentsThenMetadata(t *testing.T) {
	store := memstore.New()
	subkeys := testSubkeys(t)
	s := &Store{RemoteStore: store}

	mi := Metaindex{
		HIndex: bytes.Repeat([]byte{1}, chunkstore.MaxIndexFragment+1000),
		CIndex: []byte("c"),
		TIndex: []byte("t"),
	}
	ctx := context.Background()
	md, err := s.Put(ctx, subkeys, nil, "archive-1", 0, nil, mi)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, subkeys, md))

	nameHash := subkeys.HMACName("archive-1")
	require.False(t, store.Has(chunkstore.ClassMetadata, objstore.Name(chunkhash.MetadataName(nameHash))))
	for k := uint32(0); k < fragmentCount(md.IndexLen); k++ {
		require.False(t, store.Has(chunkstore.ClassMetaindex, objstore.Name(chunkhash.FragmentName(nameHash, k))))
	}
}
