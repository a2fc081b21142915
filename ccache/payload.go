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

package ccache

import (
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// mappedFile holds an open cache file plus, when possible, a
// memory-mapped read-only view of its contents, loaded read-only when
// available. It falls back to a plain read when mmap is unavailable,
// the same shape the teacher
// uses for tenant/dcache's Linux/non-Linux split, collapsed here into
// one file because edsrzf/mmap-go already abstracts the platform
// difference.
type mappedFile struct {
	f   *os.File
	mm  mmap.MMap
	buf []byte
}

// openMapped opens path read-only and maps its contents. If the file
// does not exist it returns a nil *mappedFile and no error, matching
// "no cache file yet" being equivalent to an empty cache.
func openMapped(path string) (*mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		f.Close()
		return nil, nil
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		// mmap not supported on this filesystem/platform; fall back
		// to reading the whole file into memory.
		buf, rerr := io.ReadAll(f)
		f.Close()
		if rerr != nil {
			return nil, rerr
		}
		return &mappedFile{buf: buf}, nil
	}
	return &mappedFile{f: f, mm: mm}, nil
}

func (m *mappedFile) bytes() []byte {
	if m == nil {
		return nil
	}
	if m.mm != nil {
		return m.mm
	}
	return m.buf
}

func (m *mappedFile) Close() error {
	if m == nil {
		return nil
	}
	if m.mm != nil {
		if err := m.mm.Unmap(); err != nil {
			m.f.Close()
			return err
		}
		return m.f.Close()
	}
	return nil
}
