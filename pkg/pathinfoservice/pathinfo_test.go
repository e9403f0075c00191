package pathinfoservice_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
	"github.com/tvix-contrib/tvix-go/pkg/pathinfoservice"
	"github.com/tvix-contrib/tvix-go/pkg/storepath"
)

func validPathInfo(t *testing.T) *pathinfoservice.PathInfo {
	t.Helper()
	sp, err := storepath.Parse("00000000000000000000000000000000-hello")
	require.NoError(t, err)

	return &pathinfoservice.PathInfo{
		StorePath: sp,
		Node: &castore.Node{
			File: &castore.FileNode{Name: []byte(""), Digest: b3digest.New([]byte("x")), Size: 1},
		},
	}
}

func TestValidateMissingNode(t *testing.T) {
	pi := validPathInfo(t)
	pi.Node = nil
	assert.Error(t, pi.Validate())
}

func TestValidateReferenceMismatch(t *testing.T) {
	pi := validPathInfo(t)
	pi.Narinfo = &pathinfoservice.NarInfo{ReferenceNames: []string{"a-b"}}
	assert.Error(t, pi.Validate())
}

func TestPutGetRoundTrip(t *testing.T) {
	svc := pathinfoservice.NewMemory()
	pi := validPathInfo(t)

	require.NoError(t, svc.Put(context.Background(), pi))

	got, err := svc.Get(context.Background(), pi.StorePath.Digest)
	require.NoError(t, err)
	assert.Equal(t, pi.StorePath, got.StorePath)
}

func TestGetNotFound(t *testing.T) {
	svc := pathinfoservice.NewMemory()
	_, err := svc.Get(context.Background(), [storepath.DigestSize]byte{})
	assert.Error(t, err)
}
