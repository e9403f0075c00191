// Package b3digest implements the BLAKE3 digest primitive used across
// castore: a fixed 32-byte content hash, together with the nixbase32
// encoding Nix uses for store path components and the "compress hash"
// folding operation used to shrink a digest down to 20 bytes for the
// legacy store path hash.
package b3digest

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/tvix-contrib/tvix-go/pkg/nixbase32"
)

// Size is the length, in bytes, of a castore digest.
const Size = 32

// Digest is a 32-byte BLAKE3 hash, as used to key blobs and directories.
type Digest [Size]byte

// New computes the Digest of b.
func New(b []byte) Digest {
	var d Digest
	h := blake3.Sum256(b)
	copy(d[:], h[:])
	return d
}

// Hasher returns a streaming BLAKE3 hasher producing a 32-byte digest.
func Hasher() *blake3.Hasher {
	return blake3.New(Size, nil)
}

// FromBytes wraps a raw digest, validating its length.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("invalid digest length %d, expected %d", len(b), Size)
	}
	copy(d[:], b)
	return d, nil
}

// Bytes returns the raw digest bytes.
func (d Digest) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, d[:])
	return out
}

// String renders the digest in nixbase32, the form used inside store paths.
func (d Digest) String() string {
	return nixbase32.Encode(d[:])
}

// Hex renders the digest as lowercase hex.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// FromNixbase32 parses a 32-byte digest previously encoded with String.
func FromNixbase32(s string) (Digest, error) {
	b, err := nixbase32.Decode(s)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid nixbase32 digest: %w", err)
	}
	return FromBytes(b)
}

// Compress folds an arbitrarily-sized digest down to outputSize bytes by
// XOR-ing each input byte into output[i % outputSize]. This is the
// "compressHash" operation Nix uses to turn a 32-byte SHA-256 fingerprint
// into the 20-byte digest embedded in a store path.
func Compress(input []byte, outputSize int) []byte {
	output := make([]byte, outputSize)
	for i, c := range input {
		output[i%outputSize] ^= c
	}
	return output
}
