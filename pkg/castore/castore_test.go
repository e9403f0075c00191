package castore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
)

func TestEmptyDirectoryDigest(t *testing.T) {
	d := &castore.Directory{}
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", d.Digest().Hex())
	assert.Equal(t, uint64(0), d.Size())
}

func TestDirectorySize(t *testing.T) {
	d := &castore.Directory{
		Directories: []*castore.DirectoryNode{
			{Name: []byte("sub"), Digest: b3digest.New(nil), Size: 4},
		},
		Files: []*castore.FileNode{
			{Name: []byte("a.txt"), Digest: b3digest.New(nil), Size: 10},
		},
		Symlinks: []*castore.SymlinkNode{
			{Name: []byte("link"), Target: []byte("a.txt")},
		},
	}
	// 1 (the sub node) + 4 (sub's transitive size) + 1 file + 1 symlink
	assert.Equal(t, uint64(7), d.Size())
}

func TestValidateInvalidName(t *testing.T) {
	d := &castore.Directory{
		Files: []*castore.FileNode{{Name: []byte(".."), Digest: b3digest.New(nil), Size: 1}},
	}
	require.Error(t, d.Validate())
}

func TestValidateUnsortedAndDuplicate(t *testing.T) {
	dup := &castore.Directory{
		Files: []*castore.FileNode{
			{Name: []byte("b"), Digest: b3digest.New(nil), Size: 1},
			{Name: []byte("a"), Digest: b3digest.New(nil), Size: 1},
		},
	}
	assert.Error(t, dup.Validate())

	crossList := &castore.Directory{
		Files:    []*castore.FileNode{{Name: []byte("a"), Digest: b3digest.New(nil), Size: 1}},
		Symlinks: []*castore.SymlinkNode{{Name: []byte("a"), Target: []byte("x")}},
	}
	assert.Error(t, crossList.Validate())
}

func TestRenamed(t *testing.T) {
	n := &castore.Node{File: &castore.FileNode{Name: []byte("orig"), Digest: b3digest.New(nil), Size: 3}}
	renamed := castore.Renamed(n, []byte("new"))
	assert.Equal(t, []byte("new"), renamed.Name())
	assert.Equal(t, []byte("orig"), n.Name())
}
