package blobservice_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/blobservice"
)

// The blob 0x00..0x0f, split into five chunks, mirroring the fixture
// used to exercise seek behavior around chunk boundaries.
var rawChunks = [][]byte{
	{0x00, 0x01, 0x02},
	{0x03, 0x04, 0x05},
	{0x06, 0x07, 0x08},
	{0x09, 0x0a, 0x0b, 0x0c},
	{0x0d, 0x0e, 0x0f},
}

func buildChunkedReader(t *testing.T) *blobservice.ChunkedReader {
	t.Helper()
	byDigest := map[b3digest.Digest][]byte{}
	chunks := make([]blobservice.Chunk, len(rawChunks))
	for i, c := range rawChunks {
		d := b3digest.New(c)
		byDigest[d] = c
		chunks[i] = blobservice.Chunk{Digest: d, Size: uint64(len(c))}
	}

	opener := func(_ context.Context, digest b3digest.Digest) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(byDigest[digest])), nil
	}

	return blobservice.NewChunkedReader(context.Background(), chunks, opener)
}

func TestChunkedReaderSeekEnd(t *testing.T) {
	r := buildChunkedReader(t)

	pos, err := r.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(16), pos)

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunkedReaderSeekEndMinusOne(t *testing.T) {
	r := buildChunkedReader(t)

	_, err := r.Seek(-1, io.SeekEnd)
	require.NoError(t, err)

	buf := make([]byte, 1)
	n, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte{0x0f}, buf)
}

func TestChunkedReaderSeekCurrentAcrossChunks(t *testing.T) {
	r := buildChunkedReader(t)

	_, err := r.Seek(0, io.SeekEnd)
	require.NoError(t, err)

	_, err = r.Seek(-3, io.SeekCurrent)
	require.NoError(t, err)

	buf := make([]byte, 2)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0d, 0x0e}, buf)
}

func TestChunkedReaderFullRead(t *testing.T) {
	r := buildChunkedReader(t)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0xa, 0xb, 0xc, 0xd, 0xe, 0xf}, all)
}
