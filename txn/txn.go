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
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tarcore/tarcore/chunkstore"
	"github.com/tarcore/tarcore/objstore"
)

// chunkLayer is the subset of WriteSession/DeleteSession that the
// transaction protocol drives: its checkpoint() and commit() steps.
type chunkLayer interface {
	Checkpoint() error
	Commit() error
}

// Manager implements the transaction protocol: the
// advisory lock, the commit_m/ckpt_m/cseq marker files, and the
// checkpoint/commit/clean_state sequences that keep the local chunk
// directory and the remote object store converging on the same
// committed state across crashes.
type Manager struct {
	cacheDir string
	store    objstore.RemoteStore
	sel      objstore.KeySelector
	lock     *lock

	// pending is the seqnum minted for the transaction currently in
	// progress (set by Begin, consumed by Checkpoint and Commit).
	pending *seqnum
}

// Open acquires the cache directory's advisory lock, replays any
// transaction left incomplete by a prior crash (clean_state), and
// begins a new transaction. It returns ErrLocked if another session
// already holds the lock.
func Open(ctx context.Context, cacheDir string, store objstore.RemoteStore, sel objstore.KeySelector) (*Manager, error) {
	l, err := acquireLock(filepath.Join(cacheDir, lockFileName))
	if err != nil {
		return nil, err
	}
	m := &Manager{cacheDir: cacheDir, store: store, sel: sel, lock: l}
	if err := m.cleanState(ctx); err != nil {
		l.release()
		return nil, fmt.Errorf("txn: clean_state: %w", err)
	}
	if err := m.begin(ctx); err != nil {
		l.release()
		return nil, fmt.Errorf("txn: begin: %w", err)
	}
	return m, nil
}

// Close releases the advisory lock. It does not complete or abandon
// the current transaction; a subsequent Open's clean_state handles
// that, per the hard guarantee that a crash at any point leaves the
// system recoverable without operator intervention.
func (m *Manager) Close() error {
	return m.lock.release()
}

func (m *Manager) begin(ctx context.Context) error {
	var seq seqnum
	if _, err := rand.Read(seq[:]); err != nil {
		return fmt.Errorf("generating seqnum: %w", err)
	}
	if err := m.store.TransactionBegin(ctx, seq, m.sel); err != nil {
		return fmt.Errorf("storage-layer transaction_begin: %w", err)
	}
	m.pending = &seq
	return nil
}

// Checkpoint runs the checkpoint protocol: stage the ckpt_m marker,
// checkpoint the chunk layer and the storage layer, then promote
// commit_m and clear ckpt_m.
func (m *Manager) Checkpoint(ctx context.Context, layer chunkLayer) error {
	if m.pending == nil {
		return fmt.Errorf("txn: checkpoint called without an open transaction")
	}
	seq := *m.pending

	var n nonce
	if _, err := rand.Read(n[:]); err != nil {
		return fmt.Errorf("txn: generating nonce: %w", err)
	}

	ckptTarget := seq.hex() + hex.EncodeToString(n[:])
	if err := writeMarker(m.cacheDir, ckptMFileName, ckptTarget); err != nil {
		return err
	}

	if err := layer.Checkpoint(); err != nil {
		return fmt.Errorf("txn: chunk-layer checkpoint: %w", err)
	}

	if err := m.store.TransactionCheckpoint(ctx, seq, n, m.sel); err != nil {
		return fmt.Errorf("txn: storage-layer checkpoint: %w", err)
	}

	if err := removeMarker(m.cacheDir, commitMFileName); err != nil {
		return err
	}
	if err := writeMarker(m.cacheDir, commitMFileName, seq.hex()); err != nil {
		return err
	}

	if err := fsyncDir(m.cacheDir); err != nil {
		return err
	}
	if err := removeMarker(m.cacheDir, ckptMFileName); err != nil {
		return err
	}
	return fsyncDir(m.cacheDir)
}

// Commit runs the commit protocol: ensure commit_m is staged, commit
// the chunk layer and the storage layer, record cseq, then clear
// commit_m.
func (m *Manager) Commit(ctx context.Context, layer chunkLayer) error {
	if m.pending == nil {
		return fmt.Errorf("txn: commit called without an open transaction")
	}
	seq := *m.pending

	target, err := readMarker(m.cacheDir, commitMFileName)
	if err != nil {
		return err
	}
	if target == "" {
		if err := writeMarker(m.cacheDir, commitMFileName, seq.hex()); err != nil {
			return err
		}
	}

	if err := layer.Commit(); err != nil {
		return fmt.Errorf("txn: chunk-layer commit: %w", err)
	}

	if err := m.store.TransactionCommit(ctx, seq, m.sel); err != nil {
		return fmt.Errorf("txn: storage-layer commit: %w", err)
	}

	if err := writeMarker(m.cacheDir, cseqFileName, seq.hex()); err != nil {
		return err
	}
	if err := fsyncDir(m.cacheDir); err != nil {
		return err
	}
	if err := removeMarker(m.cacheDir, commitMFileName); err != nil {
		return err
	}
	if err := fsyncDir(m.cacheDir); err != nil {
		return err
	}
	m.pending = nil
	return nil
}

// cleanState replays whichever protocol was interrupted by a prior
// crash, run once at session start. It
// operates purely on on-disk state (chunkstore.FinishCheckpointPromotion
// / FinishCommitPromotion), since no live WriteSession exists yet to
// hold the in-memory Directory a fresh checkpoint would re-encode.
func (m *Manager) cleanState(ctx context.Context) error {
	ckptTarget, err := readMarker(m.cacheDir, ckptMFileName)
	if err != nil {
		return err
	}
	if ckptTarget != "" {
		if err := m.replayCheckpoint(ctx, ckptTarget); err != nil {
			return fmt.Errorf("replaying checkpoint: %w", err)
		}
	}

	commitTarget, err := readMarker(m.cacheDir, commitMFileName)
	if err != nil {
		return err
	}
	if commitTarget != "" {
		if err := m.replayCommit(ctx, commitTarget); err != nil {
			return fmt.Errorf("replaying commit: %w", err)
		}
	}
	return nil
}

func (m *Manager) replayCheckpoint(ctx context.Context, target string) error {
	seq, n, err := decodeCkptTarget(target)
	if err != nil {
		return err
	}

	promoted, err := fileExists(filepath.Join(m.cacheDir, "directory.ckpt"))
	if err != nil {
		return err
	}
	if !promoted {
		// The crash landed before the chunk-layer half of the
		// checkpoint (the directory.tmp -> directory.ckpt rename)
		// completed, and there is no live Directory left to redo it
		// with. Abandon this checkpoint attempt: the prior commit's
		// directory/ directory.ckpt state is untouched, so the system
		// is still consistent at the pre-checkpoint state.
		return removeMarker(m.cacheDir, ckptMFileName)
	}
	if err := chunkstore.FinishCheckpointPromotion(m.cacheDir); err != nil {
		return err
	}

	if err := m.store.TransactionCheckpoint(ctx, seq, n, m.sel); err != nil {
		return fmt.Errorf("storage-layer checkpoint: %w", err)
	}
	if err := removeMarker(m.cacheDir, commitMFileName); err != nil {
		return err
	}
	if err := writeMarker(m.cacheDir, commitMFileName, seq.hex()); err != nil {
		return err
	}
	if err := fsyncDir(m.cacheDir); err != nil {
		return err
	}
	if err := removeMarker(m.cacheDir, ckptMFileName); err != nil {
		return err
	}
	return fsyncDir(m.cacheDir)
}

func (m *Manager) replayCommit(ctx context.Context, target string) error {
	seq, err := decodeSeqTarget(target)
	if err != nil {
		return err
	}
	if err := chunkstore.FinishCommitPromotion(m.cacheDir); err != nil {
		return err
	}
	if err := m.store.TransactionCommit(ctx, seq, m.sel); err != nil {
		return fmt.Errorf("storage-layer commit: %w", err)
	}
	if err := writeMarker(m.cacheDir, cseqFileName, seq.hex()); err != nil {
		return err
	}
	if err := fsyncDir(m.cacheDir); err != nil {
		return err
	}
	if err := removeMarker(m.cacheDir, commitMFileName); err != nil {
		return err
	}
	return fsyncDir(m.cacheDir)
}

// Nuke discards the entire local cache directory's transaction state
// (the lock excluded) without touching the remote store, for the
// disaster-recovery workflow the original implementation's
// multitape_nuke.c provides: re-run fsck against the remote object
// listing to rebuild everything this package tracks locally.
func (m *Manager) Nuke() error {
	for _, name := range []string{ckptMFileName, commitMFileName, cseqFileName} {
		if err := removeMarker(m.cacheDir, name); err != nil {
			return err
		}
	}
	return fsyncDir(m.cacheDir)
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
