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

// Command tarcore is a thin CLI wrapper around the chunkstore,
// ccache, multitape, archiveindex, txn, and fsck packages, in the
// style of the teacher's cmd/sdb: global flags parsed once via the
// flag package, subcommands dispatched from flag.Args()[0], failures
// reported through a single exitf that writes one diagnostic line and
// exits non-zero.
//
// backup treats each command-line argument as one archive entry keyed
// by its path; it does not walk directories or carry tar-style
// metadata (permissions, ownership, symlinks) -- a real frontend would
// drive multitape.Writer's SetMode/Write calls the same way this
// command does, just with richer per-entry headers. What this command
// wires end-to-end is everything the core owns: opening a
// transaction, writing an archive through the chunkification cache,
// listing and deleting archives, running fsck, and reporting
// chunk-directory statistics.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/tarcore/tarcore/archiveindex"
	"github.com/tarcore/tarcore/ccache"
	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
	"github.com/tarcore/tarcore/fsck"
	"github.com/tarcore/tarcore/internal/ratelimit"
	"github.com/tarcore/tarcore/multitape"
	"github.com/tarcore/tarcore/objstore"
	"github.com/tarcore/tarcore/objstore/s3remote"
	"github.com/tarcore/tarcore/txn"

	"github.com/tarcore/tarcore/aws"
)

var (
	dashv      bool
	dashh      bool
	dashCache  string
	dashBucket string
	dashRegion string
	dashKeyhex string
	dashRate   int64
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.BoolVar(&dashh, "h", false, "show usage help")
	flag.StringVar(&dashCache, "cache", "", "local cache directory (default: $TARCORE_CACHE)")
	flag.StringVar(&dashBucket, "bucket", "", "S3 bucket name (default: $TARCORE_BUCKET)")
	flag.StringVar(&dashRegion, "region", "us-east-1", "AWS region for request signing")
	flag.StringVar(&dashKeyhex, "keyhex", "", "64 hex-character root key (default: $TARCORE_KEYHEX); "+
		"a real deployment derives this from a passphrase via the out-of-scope keyfile reader")
	flag.Int64Var(&dashRate, "ratelimit", 0, "maximum bytes/sec sent to the remote store (0: unlimited)")
}

func exitf(f string, args ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	os.Exit(1)
}

func logf(f string, args ...any) {
	if dashv {
		log.Printf(f, args...)
	}
}

func cacheDir() string {
	if dashCache != "" {
		return dashCache
	}
	if v := os.Getenv("TARCORE_CACHE"); v != "" {
		return v
	}
	exitf("no cache directory provided via -cache or $TARCORE_CACHE")
	return ""
}

func bucket() string {
	if dashBucket != "" {
		return dashBucket
	}
	if v := os.Getenv("TARCORE_BUCKET"); v != "" {
		return v
	}
	exitf("no bucket provided via -bucket or $TARCORE_BUCKET")
	return ""
}

func rootKey() chunkhash.Key {
	hexkey := dashKeyhex
	if hexkey == "" {
		hexkey = os.Getenv("TARCORE_KEYHEX")
	}
	if hexkey == "" {
		exitf("no root key provided via -keyhex or $TARCORE_KEYHEX")
	}
	raw, err := hex.DecodeString(hexkey)
	if err != nil || len(raw) != chunkhash.Length {
		exitf("root key must be %d hex bytes", chunkhash.Length)
	}
	var k chunkhash.Key
	copy(k[:], raw)
	return k
}

func remoteStore() objstore.RemoteStore {
	id, secret, region, token, err := aws.AmbientCreds()
	if err != nil {
		exitf("resolving AWS credentials: %s", err)
	}
	if dashRegion != "" {
		region = dashRegion
	}
	baseURI := aws.S3EndPoint(region)
	signKey, err := aws.DefaultDerive(baseURI, id, secret, token, region, "s3")
	if err != nil {
		exitf("deriving signing key: %s", err)
	}
	var limiter *ratelimit.Limiter
	if dashRate > 0 {
		limiter = ratelimit.New(dashRate)
	}
	return &s3remote.Store{
		WriteKey:  signKey,
		DeleteKey: signKey,
		Bucket:    bucket(),
		Limiter:   limiter,
	}
}

// inodeOf extracts the inode number backing fi, for the ccache
// freshness key: matching a file to its cache record by inode catches
// a rename-in-place that a path string alone would miss. It returns 0
// on platforms without syscall.Stat_t.
func inodeOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 || dashh {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s backup <archive-name> <file>...\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        write one archive containing the named files\n")
		fmt.Fprintf(os.Stderr, "    %s list\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        list every archive's name and creation time\n")
		fmt.Fprintf(os.Stderr, "    %s delete <archive-name>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        delete one archive and drop its now-unreferenced chunks\n")
		fmt.Fprintf(os.Stderr, "    %s stats\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        report chunk-directory savings statistics\n")
		fmt.Fprintf(os.Stderr, "    %s fsck\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        rebuild the chunk directory from the remote object listing\n")
		fmt.Fprintf(os.Stderr, "flag usage:\n")
		flag.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	store := remoteStore()
	subkeys := chunkhash.DeriveSubkeys(rootKey())

	switch args[0] {
	case "backup":
		if len(args) < 3 {
			exitf("usage: backup <archive-name> <file>...")
		}
		runBackup(ctx, store, subkeys, args[1], args[2:])
	case "list":
		runList(ctx, store, subkeys)
	case "delete":
		if len(args) != 2 {
			exitf("usage: delete <archive-name>")
		}
		runDelete(ctx, store, subkeys, args[1])
	case "stats":
		runStats(ctx, store, subkeys)
	case "fsck":
		runFsck(ctx, store, subkeys)
	default:
		exitf("unknown subcommand %q", args[0])
	}
}

func runList(ctx context.Context, store objstore.RemoteStore, subkeys chunkhash.Subkeys) {
	names, err := store.List(ctx, chunkstore.ClassMetadata)
	if err != nil {
		exitf("listing archives: %s", err)
	}
	for _, n := range names {
		data, err := store.Read(ctx, chunkstore.ClassMetadata, n)
		if err != nil {
			exitf("reading metadata object %x: %s", n, err)
		}
		plain, err := chunkstore.DefaultDecoder.Decompress(data, nil)
		if err != nil {
			logf("skipping unreadable metadata object %x: %s", n, err)
			continue
		}
		md, err := archiveindex.DecodeMetadata(plain)
		if err != nil {
			logf("skipping undecodable metadata object %x: %s", n, err)
			continue
		}
		fmt.Printf("%s\t%d\t%s\n", md.Name, md.Ctime, md.Argv)
	}
}

func runDelete(ctx context.Context, store objstore.RemoteStore, subkeys chunkhash.Subkeys, name string) {
	dir := cacheDir()
	mgr, err := txn.Open(ctx, dir, store, objstore.DeleteKey)
	if err != nil {
		exitf("opening transaction: %s", err)
	}
	defer mgr.Close()

	sess, err := chunkstore.OpenSession(dir, store, subkeys, true)
	if err != nil {
		exitf("opening chunk directory: %s", err)
	}
	sess.Logf = logf
	ds := chunkstore.NewDeleteSession(sess)

	astore := &archiveindex.Store{RemoteStore: store}
	md, mi, err := astore.Get(ctx, subkeys, name)
	if err != nil {
		exitf("reading archive %q: %s", name, err)
	}

	headers, err := chunkstore.DecodeChunkHeaders(mi.CIndex)
	if err != nil {
		exitf("decoding archive %q's chunk index: %s", name, err)
	}
	for _, h := range headers {
		if err := ds.DeleteChunk(ctx, h.Hash); err != nil {
			exitf("deleting chunk %x: %s", h.Hash, err)
		}
	}

	if err := astore.Delete(ctx, subkeys, md); err != nil {
		exitf("deleting archive metadata: %s", err)
	}

	if err := mgr.Checkpoint(ctx, ds); err != nil {
		exitf("checkpointing delete: %s", err)
	}
	if err := mgr.Commit(ctx, ds); err != nil {
		exitf("committing delete: %s", err)
	}
	logf("deleted archive %q (%d chunks)", name, len(headers))
}

func runStats(ctx context.Context, store objstore.RemoteStore, subkeys chunkhash.Subkeys) {
	dir := cacheDir()
	sess, err := chunkstore.OpenSession(dir, store, subkeys, true)
	if err != nil {
		exitf("opening chunk directory: %s", err)
	}
	ss := chunkstore.NewStatsSession(sess)
	report := ss.Compute()
	fmt.Printf("distinct chunks: %d\n", report.NChunks)
	fmt.Printf("unique bytes:    %d\n", report.UniqueLen)
	fmt.Printf("unique stored:   %d\n", report.UniqueZLen)
	fmt.Printf("all-archives bytes (before dedup): %d\n", report.AllArchives)
	fmt.Printf("extra objects:   %d (%d bytes, %d stored)\n", report.ExtraChunks, report.ExtraLen, report.ExtraZLen)
	fmt.Printf("savings ratio:   %.4f\n", report.SavingsRatio())
}

// runBackup is the CLI entry point for the backup subcommand: resolve
// the cache directory, call doBackup, and translate any error into
// the program's single-diagnostic-and-exit convention.
func runBackup(ctx context.Context, store objstore.RemoteStore, subkeys chunkhash.Subkeys, name string, paths []string) {
	nchunks, err := doBackup(ctx, store, subkeys, cacheDir(), name, paths, os.Args)
	if err != nil {
		exitf("%s", err)
	}
	logf("wrote archive %q (%d files, %d chunks)", name, len(paths), nchunks)
}

// doBackup opens a write session, a chunkification cache, and a
// multitape.Writer, and drives each of paths through a cache lookup
// before falling back to the chunker for whatever the cache can't
// supply -- the same write-file path a tar-format-aware frontend would
// drive per entry, minus the header fields (permissions, ownership,
// symlink targets) that frontend owns. It returns the number of chunk
// headers recorded in the archive's body index across all entries,
// chunks replayed from the cache included, for diagnostics and tests.
func doBackup(ctx context.Context, store objstore.RemoteStore, subkeys chunkhash.Subkeys, dir, name string, paths, argv []string) (int, error) {
	mgr, err := txn.Open(ctx, dir, store, objstore.WriteKey)
	if err != nil {
		return 0, fmt.Errorf("opening transaction: %w", err)
	}
	defer mgr.Close()

	sess, err := chunkstore.OpenSession(dir, store, subkeys, false)
	if err != nil {
		return 0, fmt.Errorf("opening chunk directory: %w", err)
	}
	sess.Logf = logf
	ws := chunkstore.NewWriteSession(sess)

	cache, err := ccache.Open(dir)
	if err != nil {
		return 0, fmt.Errorf("opening chunkification cache: %w", err)
	}
	defer cache.Close()

	trunc := &ratelimit.TruncateFlag{}
	mw := multitape.NewWriter(ws, subkeys, trunc)
	snapshotTime := time.Now().Unix()
	totalNewChunks := 0

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return 0, fmt.Errorf("opening %q: %w", p, err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("statting %q: %w", p, err)
		}

		lookup := cache.Lookup(p, inodeOf(st), uint64(st.Size()), st.ModTime().Unix(), ws)

		if err := mw.SetMode(ctx, multitape.HEADER); err != nil {
			f.Close()
			return 0, fmt.Errorf("entering header mode for %q: %w", p, err)
		}
		if err := mw.Write(ctx, []byte(p)); err != nil {
			f.Close()
			return 0, fmt.Errorf("writing header for %q: %w", p, err)
		}
		if err := mw.SetMode(ctx, multitape.DATA); err != nil {
			f.Close()
			return 0, fmt.Errorf("entering data mode for %q: %w", p, err)
		}

		_, cBefore, tBefore := mw.Streams()
		cOff, tOff := len(cBefore), len(tBefore)

		werr := ccache.WriteEntry(ctx, mw, lookup, f, subkeys.HMACChunk, chunkstore.DefaultDecoder)
		f.Close()
		if werr != nil {
			return 0, fmt.Errorf("writing %q: %w", p, werr)
		}
		if err := mw.SetMode(ctx, multitape.DONE); err != nil {
			return 0, fmt.Errorf("finishing entry for %q: %w", p, err)
		}

		_, cAfter, tAfter := mw.Streams()
		recorded, err := chunkstore.DecodeChunkHeaders(cAfter[cOff:])
		if err != nil {
			return 0, fmt.Errorf("decoding chunk headers just written for %q: %w", p, err)
		}
		// WriteEntry replays the cache record's chunks first, so the
		// leading len(lookup.Entry.Chunks) headers are already in it.
		newChunks := recorded[len(lookup.Entry.Chunks):]
		residue := tAfter[tOff:]
		var trailerCompressed []byte
		if len(residue) > 0 {
			trailerCompressed, err = chunkstore.DefaultCodec.Compress(residue, nil)
			if err != nil {
				return 0, fmt.Errorf("compressing trailer for %q: %w", p, err)
			}
		}
		cache.FinishEntry(lookup.Entry, newChunks, uint32(len(residue)), trailerCompressed, snapshotTime)
		totalNewChunks += len(recorded)
		logf("backed up %q (%d chunks, %d new)", p, len(recorded), len(newChunks))
	}

	hindex, cindex, tindex := mw.Streams()
	astore := archiveindex.NewStoreFromSession(sess)
	if _, err := astore.Put(ctx, subkeys, ws, name, time.Now().Unix(), argv, archiveindex.Metaindex{
		HIndex: hindex, CIndex: cindex, TIndex: tindex,
	}); err != nil {
		return 0, fmt.Errorf("writing archive metadata: %w", err)
	}

	if err := mgr.Checkpoint(ctx, ws); err != nil {
		return 0, fmt.Errorf("checkpointing backup: %w", err)
	}
	if err := mgr.Commit(ctx, ws); err != nil {
		return 0, fmt.Errorf("committing backup: %w", err)
	}
	if err := cache.Flush(); err != nil {
		return 0, fmt.Errorf("flushing chunkification cache: %w", err)
	}
	return totalNewChunks, nil
}

func runFsck(ctx context.Context, store objstore.RemoteStore, subkeys chunkhash.Subkeys) {
	dir := cacheDir()
	report, err := fsck.Run(ctx, dir, store, subkeys)
	if err != nil {
		exitf("fsck: %s", err)
	}
	fmt.Printf("archives checked: %d\n", report.ArchivesChecked)
	fmt.Printf("archives deleted: %d\n", len(report.ArchivesDeleted))
	for _, name := range report.ArchivesDeleted {
		fmt.Printf("  - %s\n", name)
	}
	fmt.Printf("chunks orphaned:  %d\n", report.ChunksOrphaned)
}
