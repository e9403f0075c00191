// Package nixbase32 implements the non-standard base32 encoding Nix uses
// for store path hashes: a 32-character alphabet that omits easily
// confused characters (e, o, t, u). Unlike standard base32, characters
// are produced most-significant first while bits are still pulled from
// the input least-significant-bit first, matching Nix's own
// printHash32/parseHash32.
package nixbase32

import (
	"fmt"
	"strings"
)

const alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// EncodedLen returns the number of characters needed to encode n bytes.
func EncodedLen(n int) int {
	if n == 0 {
		return 0
	}
	return (n*8-1)/5 + 1
}

// DecodedLen returns the number of bytes decoded from n characters.
func DecodedLen(n int) int {
	return n * 5 / 8
}

// Encode renders input in Nix's base32 alphabet. The output character at
// position pos covers bit offset (len-1-pos)*5 of input, so the first
// character produced covers the highest bit offset and input[0] holds
// the least-significant bits of the digest.
func Encode(input []byte) string {
	l := EncodedLen(len(input))
	out := make([]byte, l)

	for pos := 0; pos < l; pos++ {
		n := l - 1 - pos
		b := n * 5
		i := b / 8
		j := b % 8

		c := input[i] >> j
		if i < len(input)-1 {
			c |= input[i+1] << (8 - j)
		}
		out[pos] = alphabet[c&0x1f]
	}

	return string(out)
}

// Decode parses a string previously produced by Encode.
func Decode(s string) ([]byte, error) {
	dlen := DecodedLen(len(s))
	out := make([]byte, dlen)

	l := len(s)
	for n := 0; n < l; n++ {
		c := s[l-n-1]
		digit := strings.IndexByte(alphabet, c)
		if digit == -1 {
			return nil, fmt.Errorf("invalid character %q at position %d", c, l-n-1)
		}

		b := n * 5
		i := b / 8
		j := b % 8

		out[i] |= byte(digit) << j

		if i < dlen-1 {
			out[i+1] |= byte(digit) >> (8 - j)
		} else if digit>>(8-j) != 0 {
			return nil, fmt.Errorf("invalid trailing bits in %q", s)
		}
	}

	return out, nil
}
