package ingest_test

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
	"github.com/tvix-contrib/tvix-go/pkg/ingest"
)

func buildTar(t *testing.T, files map[string]string, dirs []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, d := range dirs {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: d + "/", Typeflag: tar.TypeDir, Mode: 0o755}))
	}
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func blobAndDirCallbacks() (ingest.BlobCallback, ingest.DirectoryCallback, *sync.Map) {
	blobs := &sync.Map{}
	blobCb := func(ctx context.Context, r io.Reader) (b3digest.Digest, error) {
		content, err := io.ReadAll(r)
		if err != nil {
			return b3digest.Digest{}, err
		}
		d := b3digest.New(content)
		blobs.Store(d, content)
		return d, nil
	}
	dirCb := func(ctx context.Context, d *castore.Directory) (b3digest.Digest, error) {
		return d.Digest(), nil
	}
	return blobCb, dirCb, blobs
}

func TestTarIngestsSingleTopLevelDirectory(t *testing.T) {
	data := buildTar(t, map[string]string{"pkg/a": "hello", "pkg/sub/b": "world"}, []string{"pkg", "pkg/sub"})

	blobCb, dirCb, blobs := blobAndDirCallbacks()
	root, err := ingest.Tar(context.Background(), bytes.NewReader(data), 1024, blobCb, dirCb)
	require.NoError(t, err)
	require.NotNil(t, root.Directory)
	assert.Equal(t, []byte{}, root.Directory.Name)

	count := 0
	blobs.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 2, count)
}

func TestTarRejectsMultipleTopLevelEntries(t *testing.T) {
	data := buildTar(t, map[string]string{"a": "hello", "b": "world"}, nil)

	blobCb, dirCb, _ := blobAndDirCallbacks()
	_, err := ingest.Tar(context.Background(), bytes.NewReader(data), 1024, blobCb, dirCb)
	assert.Error(t, err)
}

func TestTarLaterEntryReplacesEarlierAtSamePath(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "pkg/", Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "pkg/a", Typeflag: tar.TypeReg, Size: 5, Mode: 0o644}))
	_, err := tw.Write([]byte("first"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "pkg/a", Typeflag: tar.TypeReg, Size: 6, Mode: 0o644}))
	_, err = tw.Write([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	blobCb, dirCb, blobs := blobAndDirCallbacks()
	root, err := ingest.Tar(context.Background(), bytes.NewReader(buf.Bytes()), 1024, blobCb, dirCb)
	require.NoError(t, err)
	require.Len(t, root.Directory.Files, 1) // "pkg" is the sole top-level dir, "a" is its one file

	count := 0
	blobs.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 2, count, "both writes of pkg/a are uploaded as read; only the second is linked into the tree")
}

func TestTarStreamsLargeFilesDirectly(t *testing.T) {
	large := bytes.Repeat([]byte("x"), 2<<20) // 2 MiB, above smallFileThreshold
	data := buildTar(t, map[string]string{"pkg/big": string(large)}, []string{"pkg"})

	blobCb, dirCb, blobs := blobAndDirCallbacks()
	root, err := ingest.Tar(context.Background(), bytes.NewReader(data), 1024, blobCb, dirCb)
	require.NoError(t, err)
	require.NotNil(t, root.Directory)

	count := 0
	blobs.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count)
}
