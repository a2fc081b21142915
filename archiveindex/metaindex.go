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

package archiveindex

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/tarcore/tarcore/chunkstore"
)

// Metaindex is the in-memory form of an archive metaindex: the three
// multitape sub-streams produced by one archive write.
type Metaindex struct {
	HIndex []byte
	CIndex []byte
	TIndex []byte
}

// encodeBlob serializes m as a length-prefixed concatenation of its
// three sections: a little-endian length of each sub-index followed
// by its bytes.
func (m Metaindex) encodeBlob() []byte {
	out := make([]byte, 0, 24+len(m.HIndex)+len(m.CIndex)+len(m.TIndex))
	out = appendSection(out, m.HIndex)
	out = appendSection(out, m.CIndex)
	out = appendSection(out, m.TIndex)
	return out
}

func appendSection(dst []byte, section []byte) []byte {
	var lb [8]byte
	binary.LittleEndian.PutUint64(lb[:], uint64(len(section)))
	dst = append(dst, lb[:]...)
	return append(dst, section...)
}

func decodeBlob(blob []byte) (Metaindex, error) {
	var m Metaindex
	sections := [...]*[]byte{&m.HIndex, &m.CIndex, &m.TIndex}
	for _, dst := range sections {
		if len(blob) < 8 {
			return m, fmt.Errorf("archiveindex: truncated metaindex section length")
		}
		n := binary.LittleEndian.Uint64(blob[:8])
		blob = blob[8:]
		if uint64(len(blob)) < n {
			return m, fmt.Errorf("archiveindex: truncated metaindex section (want %d, have %d)", n, len(blob))
		}
		*dst = blob[:n]
		blob = blob[n:]
	}
	if len(blob) != 0 {
		return m, fmt.Errorf("archiveindex: %d trailing bytes after metaindex sections", len(blob))
	}
	return m, nil
}

// splitFragments splits blob into chunks of at most
// chunkstore.MaxIndexFragment bytes each, preserving order.
func splitFragments(blob []byte) [][]byte {
	if len(blob) == 0 {
		return [][]byte{{}}
	}
	var frags [][]byte
	for len(blob) > 0 {
		n := len(blob)
		if n > chunkstore.MaxIndexFragment {
			n = chunkstore.MaxIndexFragment
		}
		frags = append(frags, blob[:n])
		blob = blob[n:]
	}
	return frags
}

// fragmentCount returns the number of fragments a metaindex blob of
// the given plaintext length was split into. Because splitFragments
// always produces MaxIndexFragment-sized fragments except for the
// last, this is computable from indexLen alone -- which is what lets
// Delete remove every fragment without first reading the blob back.
func fragmentCount(indexLen uint64) uint32 {
	if indexLen == 0 {
		return 1
	}
	n := indexLen / uint64(chunkstore.MaxIndexFragment)
	if indexLen%uint64(chunkstore.MaxIndexFragment) != 0 {
		n++
	}
	return uint32(n)
}

// sumIndexHash computes the indexhash that binds all fragments
// together: SHA256 over the concatenation of the fragments in order,
// taken over the plaintext blob so that the hash authenticates
// logical content independent of the storage layer's compression.
func sumIndexHash(frags [][]byte) [32]byte {
	h := sha256.New()
	for _, f := range frags {
		h.Write(f)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
