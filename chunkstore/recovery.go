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
	"fmt"
	"os"
	"path/filepath"
)

// FinishCheckpointPromotion completes the file-level half of a
// checkpoint (renaming directory.tmp -> directory.ckpt) purely from
// on-disk state, for use by the txn package's clean_state
// recovery, which runs before any WriteSession exists to hold the
// in-memory Directory that a live checkpoint would re-encode. If
// directory.tmp is already gone, the promotion is assumed to have
// completed before the crash and this is a no-op.
func FinishCheckpointPromotion(cacheDir string) error {
	tmp := filepath.Join(cacheDir, fileDirectoryTmp)
	if _, err := os.Stat(tmp); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := replace(tmp, filepath.Join(cacheDir, fileDirectoryCkpt)); err != nil {
		return fmt.Errorf("chunkstore: recovering checkpoint promotion: %w", err)
	}
	return nil
}

// WriteDirectoryAtomic serializes dir and installs it as cacheDir's
// directory file directly, bypassing the checkpoint/commit staging
// used by write and delete sessions. fsck uses this to rebuild the
// directory from the remote object listing and re-establish all
// invariants out of band, without going through a transaction.
func WriteDirectoryAtomic(cacheDir string, dir *Directory) error {
	tmp := filepath.Join(cacheDir, fileDirectoryTmp)
	if err := writeFileFsync(tmp, dir.Encode()); err != nil {
		return fmt.Errorf("chunkstore: writing %s: %w", tmp, err)
	}
	if err := replace(tmp, filepath.Join(cacheDir, fileDirectory)); err != nil {
		return fmt.Errorf("chunkstore: installing rebuilt directory: %w", err)
	}
	return nil
}

// FinishCommitPromotion completes the file-level half of a commit
// (renaming directory.ckpt -> directory), again purely from on-disk
// state. If directory.ckpt is already gone, the
// promotion is assumed to have completed before the crash.
func FinishCommitPromotion(cacheDir string) error {
	ckpt := filepath.Join(cacheDir, fileDirectoryCkpt)
	if _, err := os.Stat(ckpt); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := replace(ckpt, filepath.Join(cacheDir, fileDirectory)); err != nil {
		return fmt.Errorf("chunkstore: recovering commit promotion: %w", err)
	}
	return nil
}
