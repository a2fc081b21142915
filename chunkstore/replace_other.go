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

//go:build !linux && !darwin && !freebsd

package chunkstore

import "os"

// ReplaceStrategy documents, for diagnostics, which replacement
// primitive this build uses. Platforms without a unix.Link binding
// fall back to the weaker rename(2) guarantee.
const ReplaceStrategy = "rename (no link(2) support on this platform)"

func replace(new, target string) error {
	return os.Rename(new, target)
}
