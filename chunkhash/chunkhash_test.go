package chunkhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHMACChunkDeterministic(t *testing.T) {
	var root Key
	for i := range root {
		root[i] = byte(i)
	}
	s := DeriveSubkeys(root)
	data := []byte("hello, archive")
	h1 := s.HMACChunk(data)
	h2 := s.HMACChunk(data)
	require.Equal(t, h1, h2)

	other := s.HMACChunk([]byte("hello, archive!"))
	require.NotEqual(t, h1, other)
}

func TestSubkeysAreDistinct(t *testing.T) {
	var root Key
	copy(root[:], []byte("some root key material padded..."))
	s := DeriveSubkeys(root)
	require.NotEqual(t, s.chunk, s.name)
}

func TestHMACNameStable(t *testing.T) {
	var root Key
	s := DeriveSubkeys(root)
	a := s.HMACName("archive-a")
	b := s.HMACName("archive-a")
	require.Equal(t, a, b)
	c := s.HMACName("archive-b")
	require.NotEqual(t, a, c)
}

func TestFragmentNamingVariesWithIndex(t *testing.T) {
	var root Key
	s := DeriveSubkeys(root)
	nameHash := s.HMACName("a0")
	f0 := FragmentName(nameHash, 0)
	f1 := FragmentName(nameHash, 1)
	require.NotEqual(t, f0, f1)
}

func TestMetadataNameDeterministic(t *testing.T) {
	var root Key
	s := DeriveSubkeys(root)
	nameHash := s.HMACName("archive-a")
	require.Equal(t, MetadataName(nameHash), MetadataName(nameHash))
	require.NotEqual(t, MetadataName(nameHash), MetadataName(s.HMACName("archive-b")))
}
