// Package blobservice defines the BlobService contract (content-addressed
// storage of arbitrary byte strings, keyed by BLAKE3 digest), an
// in-memory implementation, and a chunked reader that lets a blob be
// addressed as an ordered list of smaller chunks without materializing
// the whole thing contiguously.
package blobservice

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/castoreerr"
)

// Writer is returned by Put. Writes accumulate into the hasher; Close
// finalizes the blob under its content digest and returns it.
type Writer interface {
	io.Writer
	// Close finalizes the write, returning the digest of everything
	// written so far.
	Close() (b3digest.Digest, error)
}

// BlobService stores and retrieves arbitrary byte strings by their
// BLAKE3 digest.
type BlobService interface {
	// Has reports whether a blob with this digest is already stored.
	Has(ctx context.Context, digest b3digest.Digest) (bool, error)

	// Open returns a seekable reader over the blob contents.
	// Returns castoreerr.NotFound if absent.
	Open(ctx context.Context, digest b3digest.Digest) (io.ReadSeekCloser, error)

	// Put returns a Writer to stream a new blob's contents into the store.
	Put(ctx context.Context) (Writer, error)
}

// memStore is a trivial in-memory BlobService, used for tests and for
// wiring a standalone nar-bridge instance without an external store.
type memStore struct {
	mu   sync.RWMutex
	data map[b3digest.Digest][]byte
}

// NewMemory returns an in-memory BlobService.
func NewMemory() BlobService {
	return &memStore{data: make(map[b3digest.Digest][]byte)}
}

func (m *memStore) Has(_ context.Context, digest b3digest.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[digest]
	return ok, nil
}

func (m *memStore) Open(_ context.Context, digest b3digest.Digest) (io.ReadSeekCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[digest]
	if !ok {
		return nil, castoreerr.NotFound
	}
	return &bytesReadSeekCloser{data: b}, nil
}

type memWriter struct {
	store *memStore
	hash  *hashingBuffer
}

func (m *memStore) Put(_ context.Context) (Writer, error) {
	return &memWriter{store: m, hash: newHashingBuffer()}, nil
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.hash.Write(p)
}

func (w *memWriter) Close() (b3digest.Digest, error) {
	digest, data := w.hash.Sum()
	w.store.mu.Lock()
	w.store.data[digest] = data
	w.store.mu.Unlock()
	return digest, nil
}

type bytesReadSeekCloser struct {
	data []byte
	pos  int64
}

func (b *bytesReadSeekCloser) Read(p []byte) (int, error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *bytesReadSeekCloser) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = b.pos + offset
	case io.SeekEnd:
		newPos = int64(len(b.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if newPos < 0 {
		return 0, errors.New("negative seek position")
	}
	b.pos = newPos
	return b.pos, nil
}

func (b *bytesReadSeekCloser) Close() error { return nil }
