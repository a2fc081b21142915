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

// Package memstore implements an in-memory objstore.RemoteStore, used
// by the chunkstore/multitape/txn test suites the way the teacher
// tests db against fake filesystems (db's DirFS, and the S3 fakes in
// aws/s3's test files) rather than a live service.
package memstore

import (
	"context"
	"sync"

	"github.com/tarcore/tarcore/objstore"
)

type key struct {
	class byte
	name  objstore.Name
}

// Store is a goroutine-safe, in-memory RemoteStore. The zero value is
// ready to use.
type Store struct {
	mu      sync.Mutex
	objects map[key][]byte

	// Pending transactions, keyed by sequence number, recorded purely
	// for test assertions; a real store would use these to make
	// TransactionCommit idempotent across process restarts.
	begun      map[[32]byte]bool
	checkpoint map[[32]byte][32]byte
	committed  map[[32]byte]bool

	// FailWrites, if non-nil, is consulted before every Write to
	// simulate Transient storage-layer errors.
	FailWrites func(class byte, name objstore.Name) error
}

func New() *Store {
	return &Store{
		objects:    make(map[key][]byte),
		begun:      make(map[[32]byte]bool),
		checkpoint: make(map[[32]byte][32]byte),
		committed:  make(map[[32]byte]bool),
	}
}

func (s *Store) Write(_ context.Context, class byte, name objstore.Name, data []byte) error {
	if s.FailWrites != nil {
		if err := s.FailWrites(class, name); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key{class, name}] = cp
	return nil
}

func (s *Store) Read(_ context.Context, class byte, name objstore.Name) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key{class, name}]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *Store) Delete(_ context.Context, class byte, name objstore.Name) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key{class, name})
	return nil
}

func (s *Store) List(_ context.Context, class byte) ([]objstore.Name, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []objstore.Name
	for k := range s.objects {
		if k.class == class {
			out = append(out, k.name)
		}
	}
	return out, nil
}

func (s *Store) TransactionBegin(_ context.Context, seqnum [32]byte, _ objstore.KeySelector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun[seqnum] = true
	return nil
}

func (s *Store) TransactionCheckpoint(_ context.Context, seqnum [32]byte, nonce [32]byte, _ objstore.KeySelector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint[seqnum] = nonce
	return nil
}

func (s *Store) TransactionCommit(_ context.Context, seqnum [32]byte, _ objstore.KeySelector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// idempotent: committing a seqnum twice is a no-op, since
	// completing a commit that was already applied remotely is a
	// storage-layer no-op.
	s.committed[seqnum] = true
	return nil
}

// Has reports whether an object exists, for test assertions.
func (s *Store) Has(class byte, name objstore.Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key{class, name}]
	return ok
}

// Committed reports whether TransactionCommit has been observed for
// seqnum, for test assertions.
func (s *Store) Committed(seqnum [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[seqnum]
}
