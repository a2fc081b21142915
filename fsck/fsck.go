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

// Package fsck implements the local-recovery component: rebuild the
// chunk directory from the remote object listing, reconciling every
// live archive's metaindex, and delete any archive whose metaindex or
// chunk dependencies are corrupt or missing. fsck is the only
// component that recovers from the Corrupt/Missing error classes --
// every other component fails fast instead.
//
// Grounded on the teacher's db package style of a standalone repair
// pass driven entirely off the remote object listing (db has no
// direct analogue to a chunk directory, but its "rebuild an index by
// re-listing backing objects" shape is the same one fsck needs here),
// and on original_source's multitape_recover-style best-effort
// reconstruction for the archives-with-corrupt-metaindex case.
package fsck

import (
	"context"
	"fmt"

	"github.com/tarcore/tarcore/archiveindex"
	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
	"github.com/tarcore/tarcore/objstore"
)

// Report summarizes one fsck run.
type Report struct {
	ArchivesChecked int
	ArchivesDeleted []string
	ChunksOrphaned  int
	Directory       *chunkstore.Directory
}

// Run rebuilds cacheDir's chunk directory from the remote object
// listing and installs it, re-establishing all invariants from the
// object listing alone. It opens no transaction and passes no key
// selector: corrupt archives and orphaned chunks are removed through
// store.Delete, which s3remote signs with its delete key when one is
// configured.
func Run(ctx context.Context, cacheDir string, store objstore.RemoteStore, subkeys chunkhash.Subkeys) (*Report, error) {
	chunkNames, err := store.List(ctx, chunkstore.ClassChunk)
	if err != nil {
		return nil, fmt.Errorf("fsck: listing chunk objects: %w", err)
	}
	present := make(map[chunkhash.CH]bool, len(chunkNames))
	for _, n := range chunkNames {
		present[chunkhash.CH(n)] = true
	}

	mdNames, err := store.List(ctx, chunkstore.ClassMetadata)
	if err != nil {
		return nil, fmt.Errorf("fsck: listing metadata objects: %w", err)
	}

	astore := &archiveindex.Store{RemoteStore: store}
	dir := chunkstore.NewDirectory()
	report := &Report{Directory: dir}
	referenced := make(map[chunkhash.CH]bool)

	for _, mdName := range mdNames {
		report.ArchivesChecked++

		mdBytes, err := store.Read(ctx, chunkstore.ClassMetadata, mdName)
		if err != nil {
			// Transient read failures are surfaced, not treated as
			// corruption: only the Corrupt/Missing classes are fsck's
			// job to repair.
			return nil, fmt.Errorf("fsck: reading metadata object %x: %w", mdName, err)
		}
		plain, err := chunkstore.DefaultDecoder.Decompress(mdBytes, nil)
		if err != nil {
			// Can't even decompress the metadata object, so its Name
			// field (needed to find and delete its fragments) is
			// unrecoverable. Delete the metadata object itself and
			// leave its fragments as orphans for a human to chase;
			// this is the best-effort limit of a fully automated
			// fsck pass.
			if derr := store.Delete(ctx, chunkstore.ClassMetadata, mdName); derr != nil {
				return nil, fmt.Errorf("fsck: deleting unreadable metadata object %x: %w", mdName, derr)
			}
			report.ArchivesDeleted = append(report.ArchivesDeleted, fmt.Sprintf("<unreadable:%x>", mdName))
			continue
		}
		md, err := archiveindex.DecodeMetadata(plain)
		if err != nil {
			if derr := store.Delete(ctx, chunkstore.ClassMetadata, mdName); derr != nil {
				return nil, fmt.Errorf("fsck: deleting undecodable metadata object %x: %w", mdName, derr)
			}
			report.ArchivesDeleted = append(report.ArchivesDeleted, fmt.Sprintf("<undecodable:%x>", mdName))
			continue
		}

		_, mi, err := astore.Get(ctx, subkeys, md.Name)
		if err != nil {
			// Get failed, possibly only on the IndexHash check (every
			// fragment was present and decompressed cleanly, but the
			// reassembled blob didn't match the recorded hash).
			// RecoverMetaindex retries without that check, per
			// original_source's multitape_recover best-effort
			// reconstruction (SPEC_FULL.md §5); only fall back to
			// deleting the archive if recovery also fails.
			recovered, rerr := astore.RecoverMetaindex(ctx, subkeys, md)
			if rerr != nil {
				if derr := astore.Delete(ctx, subkeys, md); derr != nil {
					return nil, fmt.Errorf("fsck: deleting archive %q after metaindex failure: %w", md.Name, derr)
				}
				report.ArchivesDeleted = append(report.ArchivesDeleted, md.Name)
				continue
			}
			mi = recovered
		}

		headers, err := chunkstore.DecodeChunkHeaders(mi.CIndex)
		if err != nil {
			if derr := astore.Delete(ctx, subkeys, md); derr != nil {
				return nil, fmt.Errorf("fsck: deleting archive %q after cindex decode failure: %w", md.Name, derr)
			}
			report.ArchivesDeleted = append(report.ArchivesDeleted, md.Name)
			continue
		}

		missingDependency := false
		for _, h := range headers {
			if !present[h.Hash] {
				missingDependency = true
				break
			}
		}
		if missingDependency {
			if derr := astore.Delete(ctx, subkeys, md); derr != nil {
				return nil, fmt.Errorf("fsck: deleting archive %q with missing chunk dependency: %w", md.Name, derr)
			}
			report.ArchivesDeleted = append(report.ArchivesDeleted, md.Name)
			continue
		}

		seenInArchive := make(map[chunkhash.CH]bool, len(headers))
		for _, h := range headers {
			referenced[h.Hash] = true
			e := dir.Get(h.Hash)
			if e == nil {
				e = &chunkstore.Entry{Hash: h.Hash, Len: h.Len, ZLen: h.ZLen}
				dir.Put(e)
			}
			e.NCopies++
			if !seenInArchive[h.Hash] {
				e.NRefs++
				seenInArchive[h.Hash] = true
			}
		}
	}

	for hash := range present {
		if !referenced[hash] {
			if err := store.Delete(ctx, chunkstore.ClassChunk, objstore.Name(hash)); err != nil {
				return nil, fmt.Errorf("fsck: deleting orphaned chunk %x: %w", hash, err)
			}
			report.ChunksOrphaned++
		}
	}

	if err := chunkstore.WriteDirectoryAtomic(cacheDir, dir); err != nil {
		return nil, fmt.Errorf("fsck: installing rebuilt directory: %w", err)
	}
	return report, nil
}
