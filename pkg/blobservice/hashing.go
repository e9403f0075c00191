package blobservice

import (
	"bytes"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"lukechampine.com/blake3"
)

// hashingBuffer accumulates written bytes while feeding them through a
// BLAKE3 hasher, the same dual-purpose pattern nar-bridge's Hasher type
// uses around io.Reader for incoming NAR streams.
type hashingBuffer struct {
	buf *bytes.Buffer
	h   *blake3.Hasher
}

func newHashingBuffer() *hashingBuffer {
	return &hashingBuffer{buf: &bytes.Buffer{}, h: b3digest.Hasher()}
}

func (h *hashingBuffer) Write(p []byte) (int, error) {
	h.h.Write(p)
	return h.buf.Write(p)
}

func (h *hashingBuffer) Sum() (b3digest.Digest, []byte) {
	digest, _ := b3digest.FromBytes(h.h.Sum(nil))
	return digest, h.buf.Bytes()
}
