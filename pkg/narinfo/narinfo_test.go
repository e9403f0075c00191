package narinfo_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/narinfo"
)

const sample = `StorePath: /nix/store/00000000000000000000000000000000-hello
URL: nar/00000000000000000000000000000000000000.nar
Compression: none
FileHash: sha256:0000000000000000000000000000000000000000000000000000000000000000
FileSize: 1234
NarHash: sha256:0000000000000000000000000000000000000000000000000000000000000000
NarSize: 1234
References: 00000000000000000000000000000000-hello
`

func TestParseRoundTrip(t *testing.T) {
	ni, err := narinfo.Parse(sample)
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/00000000000000000000000000000000-hello", ni.StorePath)
	assert.Equal(t, uint64(1234), ni.NarSize)
	assert.Len(t, ni.References, 1)

	reparsed, err := narinfo.Parse(ni.String())
	require.NoError(t, err)
	assert.Equal(t, ni, reparsed)
}

func TestParseUnsortedReferences(t *testing.T) {
	bad := strings.Replace(sample, "References: 00000000000000000000000000000000-hello\n", "References: zzz-b aaa-a\n", 1)
	_, err := narinfo.Parse(bad)
	assert.Error(t, err)
}

func TestParseBadDeriver(t *testing.T) {
	bad := sample + "Deriver: not-a-drv\n"
	_, err := narinfo.Parse(bad)
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	fp := narinfo.Fingerprint("/nix/store", "/nix/store/x-hello", "sha256:abc", 10, []string{"y-dep"})
	assert.Equal(t, "1;/nix/store/x-hello;sha256:abc;10;/nix/store/y-dep", fp)
}
