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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarcore/tarcore/chunkhash"
	"github.com/tarcore/tarcore/chunkstore"
	"github.com/tarcore/tarcore/objstore"
	"github.com/tarcore/tarcore/objstore/memstore"
)

func newSubkeys(t *testing.T) chunkhash.Subkeys {
	t.Helper()
	var root chunkhash.Key
	return chunkhash.DeriveSubkeys(root)
}

func TestOpenAcquiresLockAndBeginsTransaction(t *testing.T) {
	dir := t.TempDir()
	store := memstore.New()
	ctx := context.Background()

	m, err := Open(ctx, dir, store, objstore.WriteKey)
	require.NoError(t, err)
	require.NotNil(t, m.pending)
	require.NoError(t, m.Close())
}

func TestOpenFailsWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	store := memstore.New()
	ctx := context.Background()

	m1, err := Open(ctx, dir, store, objstore.WriteKey)
	require.NoError(t, err)
	defer m1.Close()

	_, err = Open(ctx, dir, store, objstore.WriteKey)
	require.ErrorIs(t, err, ErrLocked)
}

func TestCheckpointThenCommitUpdatesCseq(t *testing.T) {
	dir := t.TempDir()
	store := memstore.New()
	ctx := context.Background()
	subkeys := newSubkeys(t)

	sess, err := chunkstore.OpenSession(dir, store, subkeys, false)
	require.NoError(t, err)
	ws := chunkstore.NewWriteSession(sess)

	m, err := Open(ctx, dir, store, objstore.WriteKey)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Checkpoint(ctx, ws))
	_, err = os.Lstat(filepath.Join(dir, ckptMFileName))
	require.True(t, os.IsNotExist(err))
	target, err := os.Readlink(filepath.Join(dir, commitMFileName))
	require.NoError(t, err)
	require.NotEmpty(t, target)

	require.NoError(t, m.Commit(ctx, ws))
	_, err = os.Lstat(filepath.Join(dir, commitMFileName))
	require.True(t, os.IsNotExist(err))
	cseqTarget, err := os.Readlink(filepath.Join(dir, cseqFileName))
	require.NoError(t, err)
	require.Equal(t, target, cseqTarget)
}

func TestCleanStateReplaysPendingCommit(t *testing.T) {
	dir := t.TempDir()
	store := memstore.New()
	ctx := context.Background()
	subkeys := newSubkeys(t)

	sess, err := chunkstore.OpenSession(dir, store, subkeys, false)
	require.NoError(t, err)
	ws := chunkstore.NewWriteSession(sess)

	m, err := Open(ctx, dir, store, objstore.WriteKey)
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(ctx, ws))
	// Simulate a crash: commit_m is on disk and directory.ckpt is
	// promoted, but Commit() was never called. Release the lock
	// without calling Commit so a fresh Open must replay it.
	require.NoError(t, m.lock.release())

	m2, err := Open(ctx, dir, store, objstore.WriteKey)
	require.NoError(t, err)
	defer m2.Close()

	_, err = os.Lstat(filepath.Join(dir, commitMFileName))
	require.True(t, os.IsNotExist(err), "clean_state should have completed the pending commit")
	_, err = os.Lstat(filepath.Join(dir, cseqFileName))
	require.NoError(t, err)
}

func TestCleanStateAbandonsUnpromotedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store := memstore.New()
	ctx := context.Background()

	// Simulate a crash between ckpt_m creation and the directory.tmp ->
	// directory.ckpt rename: write ckpt_m by hand with no directory.ckpt
	// file present.
	fakeTarget := ""
	for i := 0; i < 64; i++ {
		fakeTarget += "11"
	}
	require.NoError(t, os.Symlink(fakeTarget, filepath.Join(dir, ckptMFileName)))

	m, err := Open(ctx, dir, store, objstore.WriteKey)
	require.NoError(t, err)
	defer m.Close()

	_, err = os.Lstat(filepath.Join(dir, ckptMFileName))
	require.True(t, os.IsNotExist(err))
}

func TestNukeClearsMarkers(t *testing.T) {
	dir := t.TempDir()
	store := memstore.New()
	ctx := context.Background()
	subkeys := newSubkeys(t)

	sess, err := chunkstore.OpenSession(dir, store, subkeys, false)
	require.NoError(t, err)
	ws := chunkstore.NewWriteSession(sess)

	m, err := Open(ctx, dir, store, objstore.WriteKey)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Checkpoint(ctx, ws))

	require.NoError(t, m.Nuke())
	for _, name := range []string{ckptMFileName, commitMFileName, cseqFileName} {
		_, err := os.Lstat(filepath.Join(dir, name))
		require.True(t, os.IsNotExist(err), name)
	}
}
