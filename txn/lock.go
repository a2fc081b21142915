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

// Package txn implements the crash-consistent transaction manager:
// the cache-directory marker protocol (commit_m, ckpt_m, cseq), the
// checkpoint/commit/clean_state sequences that
// drive the chunk-layer and storage-layer halves of each operation,
// and the advisory single-writer lock.
package txn

import (
	"fmt"

	"github.com/juju/fslock"
)

// lockFileName is the advisory-lock file in the cache-directory
// layout.
const lockFileName = "lockf"

// ErrLocked is returned by Open when another session already holds
// the cache directory's advisory lock: at most one concurrent write
// or delete session is allowed per cache directory.
var ErrLocked = fmt.Errorf("txn: cache directory is locked by another session")

// lock wraps juju/fslock the way the teacher's db package wraps
// advisory file locks around ingest sessions: acquired for the
// lifetime of a session, never held across a process boundary.
type lock struct {
	l *fslock.Lock
}

func acquireLock(path string) (*lock, error) {
	l := fslock.New(path)
	if err := l.TryLock(); err != nil {
		return nil, ErrLocked
	}
	return &lock{l: l}, nil
}

func (l *lock) release() error {
	return l.l.Unlock()
}
