package storepath_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/storepath"
)

func TestParseRoundTrip(t *testing.T) {
	sp, err := storepath.Parse("00000000000000000000000000000000-hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", sp.Name)
	assert.Equal(t, "00000000000000000000000000000000-hello", sp.String())
}

func TestParseAbsolute(t *testing.T) {
	sp, err := storepath.ParseAbsolute("/nix/store/00000000000000000000000000000000-hello/bin/hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", sp.Name)
}

func TestParseInvalidName(t *testing.T) {
	_, err := storepath.Parse("00000000000000000000000000000000-.hidden")
	assert.Error(t, err)
}

func TestParseWrongDigestLength(t *testing.T) {
	_, err := storepath.Parse("00-hello")
	assert.Error(t, err)
}

func TestBuildTextPathDeterministic(t *testing.T) {
	sp1, err := storepath.BuildTextPath("foo.txt", []byte("hello world"), nil)
	require.NoError(t, err)
	sp2, err := storepath.BuildTextPath("foo.txt", []byte("hello world"), nil)
	require.NoError(t, err)
	assert.Equal(t, sp1, sp2)

	sp3, err := storepath.BuildTextPath("foo.txt", []byte("different"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, sp1.Digest, sp3.Digest)
}

// TestBuildFixedOutputPathRecursiveSHA256 pins the recursive-sha256
// fixed-output path for a "bar" source tree, reproducing a known
// nix-compat fixture exactly.
func TestBuildFixedOutputPathRecursiveSHA256(t *testing.T) {
	digest, err := hex.DecodeString("08813cbee9903c62be4c5027726a418a300da4500b2d369d3af9286f4815ceba")
	require.NoError(t, err)

	sp, err := storepath.BuildFixedOutputPath("bar", storepath.Recursive, "sha256", digest)
	require.NoError(t, err)
	assert.Equal(t, "4q0pg5zpfmznxscq3avycvf9xdvx50n3-bar", sp.String())
}
