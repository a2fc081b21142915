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
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
	"github.com/tarcore/tarcore/objstore"
)

// Store fragments and writes archive metadata objects. It is used by
// the backup write path (Put, with a WriteSession as its extra-stats
// sink) and by read-only callers -- fsck, restore, and
// the CLI -- that only need Get and Delete, so Store carries the
// RemoteStore and codec directly instead of embedding a
// *chunkstore.Session.
type Store struct {
	RemoteStore objstore.RemoteStore
	Codec       chunkstore.Compressor
	Decoder     chunkstore.Decompressor
}

func (s *Store) codec() chunkstore.Compressor {
	if s.Codec != nil {
		return s.Codec
	}
	return chunkstore.DefaultCodec
}

func (s *Store) decoder() chunkstore.Decompressor {
	if s.Decoder != nil {
		return s.Decoder
	}
	return chunkstore.DefaultDecoder
}

// NewStoreFromSession builds a Store that shares a write session's
// remote store and codec, so Put writes through the same store the
// session's chunks go to.
func NewStoreFromSession(sess *chunkstore.Session) *Store {
	return &Store{RemoteStore: sess.Store, Codec: sess.Codec, Decoder: sess.Decoder}
}

// extraStatsSink is implemented by chunkstore.WriteSession; Put
// reports every fragment and the metadata object through it so that
// the chunk directory's aggregate extra-bytes totals include archive
// metadata and metaindex fragments alongside chunk bodies.
type extraStatsSink interface {
	ExtraStats(plainLen, storedLen uint64)
}

// Put writes a full metaindex (fragmented) and its metadata object.
// name, ctime, and argv populate the metadata object; mi is the three
// multitape sub-streams produced by the archive write this metadata
// object describes. It returns the Metadata object that was written,
// so the caller can record its
// IndexHash/IndexLen without re-reading it back.
func (s *Store) Put(ctx context.Context, subkeys chunkhash.Subkeys, stats extraStatsSink, name string, ctime int64, argv []string, mi Metaindex) (Metadata, error) {
	blob := mi.encodeBlob()
	frags := splitFragments(blob)
	indexHash := sumIndexHash(frags)
	nameHash := subkeys.HMACName(name)

	for k, frag := range frags {
		compressed, err := s.codec().Compress(frag, nil)
		if err != nil {
			return Metadata{}, fmt.Errorf("archiveindex: compressing fragment %d: %w", k, err)
		}
		fragName := objstore.Name(chunkhash.FragmentName(nameHash, uint32(k)))
		if err := s.RemoteStore.Write(ctx, chunkstore.ClassMetaindex, fragName, compressed); err != nil {
			return Metadata{}, fmt.Errorf("archiveindex: writing fragment %d: %w", k, err)
		}
		if stats != nil {
			stats.ExtraStats(uint64(len(frag)), uint64(len(compressed)))
		}
	}

	md := Metadata{
		Name:      name,
		Ctime:     ctime,
		Argv:      argv,
		IndexHash: indexHash,
		IndexLen:  uint64(len(blob)),
	}
	mdBytes := md.Encode()
	compressed, err := s.codec().Compress(mdBytes, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("archiveindex: compressing metadata: %w", err)
	}
	mdName := objstore.Name(chunkhash.MetadataName(nameHash))
	if err := s.RemoteStore.Write(ctx, chunkstore.ClassMetadata, mdName, compressed); err != nil {
		return Metadata{}, fmt.Errorf("archiveindex: writing metadata: %w", err)
	}
	if stats != nil {
		stats.ExtraStats(uint64(len(mdBytes)), uint64(len(compressed)))
	}
	return md, nil
}

// Get retrieves and verifies the full metaindex for the archive named
// name: read the metadata object by its name hash, then read every
// fragment in order, concatenate, and verify the result against
// IndexHash before parsing.
func (s *Store) Get(ctx context.Context, subkeys chunkhash.Subkeys, name string) (Metadata, Metaindex, error) {
	nameHash := subkeys.HMACName(name)
	mdName := objstore.Name(chunkhash.MetadataName(nameHash))
	mdCompressed, err := s.RemoteStore.Read(ctx, chunkstore.ClassMetadata, mdName)
	if err != nil {
		return Metadata{}, Metaindex{}, fmt.Errorf("archiveindex: reading metadata for %q: %w", name, err)
	}
	mdBytes, err := s.decoder().Decompress(mdCompressed, nil)
	if err != nil {
		return Metadata{}, Metaindex{}, fmt.Errorf("archiveindex: decompressing metadata for %q: %w", name, err)
	}
	md, err := DecodeMetadata(mdBytes)
	if err != nil {
		return Metadata{}, Metaindex{}, fmt.Errorf("archiveindex: decoding metadata for %q: %w", name, err)
	}

	nfrags := fragmentCount(md.IndexLen)
	blob := make([]byte, 0, md.IndexLen)
	for k := uint32(0); k < nfrags; k++ {
		fragName := objstore.Name(chunkhash.FragmentName(nameHash, k))
		compressed, err := s.RemoteStore.Read(ctx, chunkstore.ClassMetaindex, fragName)
		if err != nil {
			return Metadata{}, Metaindex{}, fmt.Errorf("archiveindex: reading fragment %d of %q: %w", k, name, err)
		}
		frag, err := s.decoder().Decompress(compressed, nil)
		if err != nil {
			return Metadata{}, Metaindex{}, fmt.Errorf("archiveindex: decompressing fragment %d of %q: %w", k, name, err)
		}
		blob = append(blob, frag...)
	}

	if sha256.Sum256(blob) != md.IndexHash {
		return Metadata{}, Metaindex{}, fmt.Errorf("archiveindex: indexhash mismatch for %q: %w", name, chunkstore.ErrMissingOrCorrupt)
	}
	mi, err := decodeBlob(blob)
	if err != nil {
		return Metadata{}, Metaindex{}, fmt.Errorf("archiveindex: parsing metaindex for %q: %w", name, err)
	}
	return md, mi, nil
}

// RecoverMetaindex is a best-effort counterpart to Get, modeled on
// original_source's multitape_recover: it tolerates an IndexHash
// mismatch rather than failing outright, on the theory that a single
// flipped bit in one fragment is better survived by returning a
// metaindex that still parses than by deleting the whole archive. It
// still requires every fragment to be present and individually
// decompressible -- a missing fragment carries no recoverable
// information -- and still requires the reassembled blob to parse as
// a well-formed Metaindex, since a structurally invalid blob can't be
// used by a write or delete session regardless of its hash.
//
// Callers that successfully recover a metaindex this way should treat
// it as read-only best-effort data: it has NOT been cryptographically
// verified against md.IndexHash. fsck keeps an archive recovered this
// way and counts its chunk references; it neither logs nor reports
// that the metaindex was unverified.
func (s *Store) RecoverMetaindex(ctx context.Context, subkeys chunkhash.Subkeys, md Metadata) (Metaindex, error) {
	nameHash := subkeys.HMACName(md.Name)
	nfrags := fragmentCount(md.IndexLen)
	blob := make([]byte, 0, md.IndexLen)
	for k := uint32(0); k < nfrags; k++ {
		fragName := objstore.Name(chunkhash.FragmentName(nameHash, k))
		compressed, err := s.RemoteStore.Read(ctx, chunkstore.ClassMetaindex, fragName)
		if err != nil {
			return Metaindex{}, fmt.Errorf("archiveindex: recovering %q: fragment %d unreadable: %w", md.Name, k, err)
		}
		frag, err := s.decoder().Decompress(compressed, nil)
		if err != nil {
			return Metaindex{}, fmt.Errorf("archiveindex: recovering %q: fragment %d undecodable: %w", md.Name, k, err)
		}
		blob = append(blob, frag...)
	}
	mi, err := decodeBlob(blob)
	if err != nil {
		return Metaindex{}, fmt.Errorf("archiveindex: recovering %q: reassembled metaindex does not parse: %w", md.Name, err)
	}
	return mi, nil
}

// Delete removes every fragment and then the metadata object for the
// named archive. Order matters: deleting the metadata first would
// orphan fragments invisible to the namer on restart. md is the
// archive's already-read Metadata (callers typically hold it from an
// earlier Get, or from the archive-set listing that drives garbage
// collection).
func (s *Store) Delete(ctx context.Context, subkeys chunkhash.Subkeys, md Metadata) error {
	nameHash := subkeys.HMACName(md.Name)
	nfrags := fragmentCount(md.IndexLen)
	for k := uint32(0); k < nfrags; k++ {
		fragName := objstore.Name(chunkhash.FragmentName(nameHash, k))
		if err := s.RemoteStore.Delete(ctx, chunkstore.ClassMetaindex, fragName); err != nil {
			return fmt.Errorf("archiveindex: deleting fragment %d of %q: %w", k, md.Name, err)
		}
	}
	mdName := objstore.Name(chunkhash.MetadataName(nameHash))
	if err := s.RemoteStore.Delete(ctx, chunkstore.ClassMetadata, mdName); err != nil {
		return fmt.Errorf("archiveindex: deleting metadata for %q: %w", md.Name, err)
	}
	return nil
}
