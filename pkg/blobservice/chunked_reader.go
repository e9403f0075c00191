package blobservice

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
)

// Chunk is one piece of a blob addressed as an ordered sequence of
// smaller, independently content-addressed pieces.
type Chunk struct {
	Digest b3digest.Digest
	Size   uint64
}

// ChunkOpener opens an individual chunk's contents by digest.
type ChunkOpener func(ctx context.Context, digest b3digest.Digest) (io.ReadCloser, error)

// ChunkedReader presents an ordered list of chunks as a single seekable
// blob, without requiring the whole blob to be buffered or stored
// contiguously. It mirrors the cumulative-offset-table plus
// binary-search-seek design of ChunkedBlob: chunk boundaries are
// precomputed once, Seek only records the new position (closing the open
// chunk if the position changed), and Read uses the offsets to find the
// containing chunk in O(log n), opening it and skipping forward to the
// position; Read moves on to the next chunk once the current one is
// exhausted.
type ChunkedReader struct {
	ctx    context.Context
	open   ChunkOpener
	chunks []Chunk
	// offsets[i] is the absolute start offset of chunks[i].
	offsets   []uint64
	totalSize uint64

	pos int64

	curIdx int
	cur    io.ReadCloser
	// curStart is the absolute start offset of the chunk cur reads.
	curStart uint64
}

// NewChunkedReader builds a reader over chunks, opening individual
// chunks lazily via open as Read/Seek require them.
func NewChunkedReader(ctx context.Context, chunks []Chunk, open ChunkOpener) *ChunkedReader {
	offsets := make([]uint64, len(chunks))
	var total uint64
	for i, c := range chunks {
		offsets[i] = total
		total += c.Size
	}
	return &ChunkedReader{
		ctx:       ctx,
		open:      open,
		chunks:    chunks,
		offsets:   offsets,
		totalSize: total,
		curIdx:    -1,
	}
}

// chunkIdxForPosition returns the index of the chunk containing the
// given absolute offset, via binary search over the offset table. pos
// must be < totalSize.
func (r *ChunkedReader) chunkIdxForPosition(pos uint64) int {
	// sort.Search finds the first offset strictly greater than pos; the
	// containing chunk is the one before it.
	idx := sort.Search(len(r.offsets), func(i int) bool {
		return r.offsets[i] > pos
	})
	return idx - 1
}

func (r *ChunkedReader) closeCurrent() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	r.curIdx = -1
	return err
}

func (r *ChunkedReader) Read(p []byte) (int, error) {
	if r.pos >= int64(r.totalSize) {
		return 0, io.EOF
	}

	wantIdx := r.chunkIdxForPosition(uint64(r.pos))
	if r.cur == nil || r.curIdx != wantIdx {
		if err := r.closeCurrent(); err != nil {
			return 0, fmt.Errorf("closing previous chunk: %w", err)
		}
		rc, err := r.open(r.ctx, r.chunks[wantIdx].Digest)
		if err != nil {
			return 0, fmt.Errorf("opening chunk %d: %w", wantIdx, err)
		}
		r.cur = rc
		r.curIdx = wantIdx
		r.curStart = r.offsets[wantIdx]

		// skip forward within the chunk if our position doesn't start
		// at the chunk boundary (we seeked into the middle of it).
		skip := uint64(r.pos) - r.curStart
		if skip > 0 {
			if _, err := io.CopyN(io.Discard, r.cur, int64(skip)); err != nil {
				return 0, fmt.Errorf("skipping to seeked offset: %w", err)
			}
		}
	}

	n, err := r.cur.Read(p)
	r.pos += int64(n)
	if err == io.EOF {
		// this chunk is exhausted; don't propagate EOF unless it's also
		// the end of the whole blob, so callers relying on io.Reader's
		// "Read may return n>0 and EOF" contract still work but a
		// multi-chunk Read loop keeps going.
		if r.pos >= int64(r.totalSize) {
			return n, io.EOF
		}
		return n, nil
	}
	return n, err
}

func (r *ChunkedReader) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = r.pos + offset
	case io.SeekEnd:
		newPos = int64(r.totalSize) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative seek position %d", newPos)
	}

	if newPos != r.pos {
		// invalidate the open chunk; Read will reopen (and fast-forward
		// into) the correct one lazily.
		if err := r.closeCurrent(); err != nil {
			return 0, err
		}
	}
	r.pos = newPos
	return r.pos, nil
}

func (r *ChunkedReader) Close() error {
	return r.closeCurrent()
}

// Len returns the total blob size across all chunks.
func (r *ChunkedReader) Len() uint64 {
	return r.totalSize
}
