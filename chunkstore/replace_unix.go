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

//go:build linux || darwin || freebsd

package chunkstore

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ReplaceStrategy documents, for diagnostics, which replacement
// primitive this build uses to implement the atomic update protocol.
const ReplaceStrategy = "link+fsync+unlink"

// replace installs new as target such that at no instant is the name
// target missing. link(2) cannot target an existing path, so a second
// link is made under a staging name and then renamed over target --
// rename(2) is already atomic, so this adds nothing on filesystems
// where rename was reliable, but it guarantees a second durable
// reference to the data exists (via the staging link) before target
// is ever touched, which matters on filesystems where rename alone is
// not trusted.
func replace(new, target string) error {
	staging := target + ".link"
	if err := unix.Link(new, staging); err != nil {
		// Hardlinks unsupported on this filesystem (e.g. some
		// overlay/FUSE mounts); accept the weaker rename(2)
		// guarantee rather than fail the checkpoint outright.
		return renameReplace(new, target)
	}
	if err := unix.Rename(staging, target); err != nil {
		os.Remove(staging)
		return err
	}
	dir, err := os.Open(filepath.Dir(target))
	if err != nil {
		return err
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return err
	}
	return os.Remove(new)
}

func renameReplace(new, target string) error {
	return os.Rename(new, target)
}
