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

// Package chunkhash implements the keyed-MAC primitives that this
// archive format uses to turn plaintext into content addresses:
// HMAC_CHUNK for chunk bodies and HMAC_NAME for archive names, both
// blake2b-256 keyed hashes (the same primitive the teacher's
// ion/blockfmt package uses to sign its index trailers,
// blockfmt.appendSig / blockfmt.Key), plus the plain-SHA256
// object-naming formulas for metadata and metaindex fragment objects.
package chunkhash

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Length is the size in bytes of a chunk hash (content address),
// an archive-name hash, and a keyed subkey.
const Length = 32

// CH is a chunk hash: a keyed MAC of a chunk's plaintext. It is the
// content address used throughout the chunk directory and multitape
// index formats.
type CH [Length]byte

// Key is 32 bytes of key material used to derive the various
// per-purpose subkeys this package produces. It plays the same role
// as blockfmt.Key in the teacher package.
type Key [Length]byte

// Subkeys are the independent keyed-hash roots derived once per
// archive set and then held for the lifetime of a session. Deriving
// distinct subkeys for chunk hashing and name hashing keeps a
// compromise of one purpose's outputs from leaking information usable
// against the other. Fragment and metadata object names have no subkey
// of their own: they are plain SHA256 over HMACName output.
type Subkeys struct {
	chunk [Length]byte
	name  [Length]byte
}

// DeriveSubkeys derives the two purpose-specific subkeys from a
// single root key, the way a password-derived master key is split
// into purpose keys before this core ever sees it. The derivation
// itself (scrypt over a passphrase) lives in an external keyfile
// reader outside this package's scope; this package only consumes the
// resulting root key.
func DeriveSubkeys(root Key) Subkeys {
	return Subkeys{
		chunk: derive(root, "tarcore-chunk-hmac"),
		name:  derive(root, "tarcore-name-hmac"),
	}
}

func derive(root Key, label string) [Length]byte {
	h := hmac.New(sha256.New, root[:])
	h.Write([]byte(label))
	var out [Length]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HMACChunk computes the chunk hash (content address) of a plaintext
// chunk body using a blake2b-256 keyed MAC, matching the keyed-hash
// construction the teacher uses for index signing.
func (s Subkeys) HMACChunk(plaintext []byte) CH {
	h, err := blake2b.New256(s.chunk[:])
	if err != nil {
		// blake2b.New256 only fails for keys longer than 64 bytes;
		// our keys are fixed at 32 bytes.
		panic(err)
	}
	h.Write(plaintext)
	var out CH
	copy(out[:], h.Sum(nil))
	return out
}

// HMACName computes the archive-name hash from which the metadata
// object name `m || SHA256(HMACName(name))` (MetadataName) and the
// metaindex fragment names (FragmentName) are built.
func (s Subkeys) HMACName(name string) [Length]byte {
	h, err := blake2b.New256(s.name[:])
	if err != nil {
		panic(err)
	}
	h.Write([]byte(name))
	var out [Length]byte
	copy(out[:], h.Sum(nil))
	return out
}

// FragmentName computes the metaindex fragment object name's hash
// component, `SHA256(HMAC_name(name) || k_le32)`, stored under object
// name `i || SHA256(HMAC_name(name) || k_le32)`. nameHash is
// HMACName(name); k is the fragment index. This is a plain SHA256
// applied to an input that is already keyed via HMAC_NAME, so no
// second keyed construction is used here. See DESIGN.md for this Open
// Question.
func FragmentName(nameHash [Length]byte, k uint32) [Length]byte {
	var kbuf [4]byte
	binary.LittleEndian.PutUint32(kbuf[:], k)
	h := sha256.New()
	h.Write(nameHash[:])
	h.Write(kbuf[:])
	var out [Length]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MetadataName computes the archive metadata object name's hash
// component, `SHA256(HMAC_name(name))`, stored under
// `m || SHA256(HMAC_name(name))`.
func MetadataName(nameHash [Length]byte) [Length]byte {
	h := sha256.Sum256(nameHash[:])
	return h
}
