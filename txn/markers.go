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

package txn

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// File names inside the cache directory.
const (
	cseqFileName    = "cseq"
	commitMFileName = "commit_m"
	ckptMFileName   = "ckpt_m"
)

// seqnum is the opaque 32-byte archive-set sequence number. Its value
// has no meaning beyond identity; this package generates a fresh
// random one per transaction when Open begins it, the way a
// transaction ID is minted, and reuses it for that transaction's
// checkpoints and commit.
type seqnum [32]byte

func (s seqnum) hex() string { return hex.EncodeToString(s[:]) }

type nonce [32]byte

// writeMarker creates (or replaces) the symlink name -> hex(target)
// inside dir: cseq and commit_m point at hex(seqnum), ckpt_m points
// at hex(seqnum||nonce).
func writeMarker(dir, name, target string) error {
	path := filepath.Join(dir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("txn: removing stale %s: %w", name, err)
	}
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("txn: creating %s: %w", name, err)
	}
	return nil
}

// readMarker reads the symlink target for name inside dir. It
// returns ("", nil) if the marker does not exist.
func readMarker(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	target, err := os.Readlink(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("txn: reading %s: %w", name, err)
	}
	return target, nil
}

func removeMarker(dir, name string) error {
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("txn: removing %s: %w", name, err)
	}
	return nil
}

// fsyncDir fsyncs a directory's metadata, the same primitive used by
// chunkstore.replace for the atomic-rename-durability guarantee.
func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("txn: opening %s for fsync: %w", dir, err)
	}
	defer f.Close()
	return f.Sync()
}

// decodeCkptTarget splits a ckpt_m target (hex(seqnum||nonce)) back
// into its seqnum and nonce halves.
func decodeCkptTarget(target string) (seqnum, nonce, error) {
	var s seqnum
	var n nonce
	raw, err := hex.DecodeString(target)
	if err != nil {
		return s, n, fmt.Errorf("txn: decoding ckpt_m target: %w", err)
	}
	if len(raw) != len(s)+len(n) {
		return s, n, fmt.Errorf("txn: ckpt_m target has wrong length %d", len(raw))
	}
	copy(s[:], raw[:len(s)])
	copy(n[:], raw[len(s):])
	return s, n, nil
}

func decodeSeqTarget(target string) (seqnum, error) {
	var s seqnum
	raw, err := hex.DecodeString(target)
	if err != nil {
		return s, fmt.Errorf("txn: decoding sequence number: %w", err)
	}
	if len(raw) != len(s) {
		return s, fmt.Errorf("txn: sequence number has wrong length %d", len(raw))
	}
	copy(s[:], raw)
	return s, nil
}
