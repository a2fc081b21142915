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

// Package archiveindex implements the archive metadata object and the
// fragmented, signed metaindex, grounded on the teacher's ion/blockfmt
// package: blockfmt.Trailer keeps several
// independent index sections behind one signed, length-prefixed
// envelope, and blockfmt.Index's "fetch fragments, verify, then
// parse" retrieval shape is exactly this package's Get.
package archiveindex

import (
	"encoding/binary"
	"fmt"
)

// metadataMagic identifies the archive metadata object format: a
// fixed-width magic followed by name, ctime, argv, indexhash, and
// indexlen.
var metadataMagic = [4]byte{'T', 'C', 'M', '1'}

// Metadata is one archive's metadata object.
type Metadata struct {
	Name      string
	Ctime     int64
	Argv      []string
	IndexHash [32]byte
	IndexLen  uint64
}

// Encode serializes m into its on-wire form.
func (m Metadata) Encode() []byte {
	out := make([]byte, 0, 64+len(m.Name))
	out = append(out, metadataMagic[:]...)
	out = appendString(out, m.Name)

	var ctimeBuf [8]byte
	binary.LittleEndian.PutUint64(ctimeBuf[:], uint64(m.Ctime))
	out = append(out, ctimeBuf[:]...)

	var argcBuf [4]byte
	binary.LittleEndian.PutUint32(argcBuf[:], uint32(len(m.Argv)))
	out = append(out, argcBuf[:]...)
	for _, a := range m.Argv {
		out = appendString(out, a)
	}

	out = append(out, m.IndexHash[:]...)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], m.IndexLen)
	out = append(out, lenBuf[:]...)
	return out
}

// DecodeMetadata parses the on-wire form produced by Metadata.Encode.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if len(data) < 4 {
		return m, fmt.Errorf("archiveindex: metadata object too small")
	}
	if [4]byte(data[:4]) != metadataMagic {
		return m, fmt.Errorf("archiveindex: bad metadata magic")
	}
	data = data[4:]

	name, data, err := readString(data)
	if err != nil {
		return m, fmt.Errorf("archiveindex: reading name: %w", err)
	}
	m.Name = name

	if len(data) < 8 {
		return m, fmt.Errorf("archiveindex: truncated ctime")
	}
	m.Ctime = int64(binary.LittleEndian.Uint64(data[:8]))
	data = data[8:]

	if len(data) < 4 {
		return m, fmt.Errorf("archiveindex: truncated argc")
	}
	argc := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	m.Argv = make([]string, 0, argc)
	for i := uint32(0); i < argc; i++ {
		var arg string
		arg, data, err = readString(data)
		if err != nil {
			return m, fmt.Errorf("archiveindex: reading argv[%d]: %w", i, err)
		}
		m.Argv = append(m.Argv, arg)
	}

	if len(data) < 32+8 {
		return m, fmt.Errorf("archiveindex: truncated indexhash/indexlen")
	}
	copy(m.IndexHash[:], data[:32])
	data = data[32:]
	m.IndexLen = binary.LittleEndian.Uint64(data[:8])
	return m, nil
}

func appendString(dst []byte, s string) []byte {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(s)))
	dst = append(dst, lb[:]...)
	return append(dst, s...)
}

func readString(src []byte) (string, []byte, error) {
	if len(src) < 4 {
		return "", nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(src[:4])
	src = src[4:]
	if uint32(len(src)) < n {
		return "", nil, fmt.Errorf("truncated string (want %d, have %d)", n, len(src))
	}
	return string(src[:n]), src[n:], nil
}
