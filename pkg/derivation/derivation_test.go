package derivation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/derivation"
)

func simpleDerivation() *derivation.Derivation {
	return &derivation.Derivation{
		Builder:     "/bin/sh",
		Arguments:   []string{"-c", "echo hi > $out"},
		Environment: map[string]string{"out": "", "name": "foo"},
		Outputs:     map[string]*derivation.Output{"out": {}},
		System:      "x86_64-linux",
	}
}

func TestToATermIsDeterministic(t *testing.T) {
	d := simpleDerivation()
	assert.Equal(t, d.ToATerm(), d.ToATerm())
}

func TestDerivationOrFODHashInputAddressed(t *testing.T) {
	d := simpleDerivation()
	h, err := d.DerivationOrFODHash(func(string) (b3digest.Digest, error) {
		return b3digest.Digest{}, nil
	})
	require.NoError(t, err)
	assert.NotEqual(t, b3digest.Digest{}, h)
}

func TestDerivationOrFODHashFixedOutput(t *testing.T) {
	d := simpleDerivation()
	d.Outputs["out"].HashAlgo = "sha256"
	d.Outputs["out"].Digest = make([]byte, 32)

	h, err := d.DerivationOrFODHash(nil)
	require.NoError(t, err)
	assert.NotEqual(t, b3digest.Digest{}, h)
}

func TestCalculateOutputPaths(t *testing.T) {
	d := simpleDerivation()
	h := b3digest.New([]byte("modulo"))

	require.NoError(t, d.CalculateOutputPaths("foo", h))
	assert.NotEmpty(t, d.Outputs["out"].Path)
	assert.Equal(t, d.Outputs["out"].Path, d.Environment["out"])
}

func TestCalculateDerivationPath(t *testing.T) {
	d := simpleDerivation()
	sp, err := d.CalculateDerivationPath("foo")
	require.NoError(t, err)
	assert.Equal(t, "foo.drv", sp.Name)
}

// TestCalculateDerivationPathFixture pins a known nix-compat fixture: a
// "foo" derivation with a single input derivation ("bar") and no
// arguments, reproducing its exact .drv store path.
func TestCalculateDerivationPathFixture(t *testing.T) {
	d := &derivation.Derivation{
		Builder: ":",
		System:  ":",
		Environment: map[string]string{
			"bar":     "/nix/store/mp57d33657rf34lzvlbpfa1gjfv5gmpg-bar",
			"builder": ":",
			"name":    "foo",
			"out":     "/nix/store/fhaj6gmwns62s6ypkcldbaj2ybvkhx3p-foo",
			"system":  ":",
		},
		Outputs: map[string]*derivation.Output{
			"out": {Path: "/nix/store/fhaj6gmwns62s6ypkcldbaj2ybvkhx3p-foo"},
		},
		InputDerivations: map[string][]string{
			"/nix/store/ss2p4wmxijn652haqyd7dckxwl4c7hxx-bar.drv": {"out"},
		},
	}

	sp, err := d.CalculateDerivationPath("foo")
	require.NoError(t, err)
	assert.Equal(t, "ch49594n9avinrf8ip0aslidkc4lxkqv-foo.drv", sp.String())
}
