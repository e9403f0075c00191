package build_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/build"
	"github.com/tvix-contrib/tvix-go/pkg/derivation"
)

func simpleDerivation() *derivation.Derivation {
	return &derivation.Derivation{
		Builder:   "/nix/store/bash-1-bash/bin/bash",
		Arguments: []string{"-e", "/nix/store/default-builder.sh"},
		Environment: map[string]string{
			"name": "hello-2.12.1",
			"out":  "/nix/store/abc-hello-2.12.1",
		},
		Outputs: map[string]*derivation.Output{
			"out": {Path: "/nix/store/abc-hello-2.12.1"},
		},
		System: "x86_64-linux",
	}
}

func TestTranslateDerivationBasics(t *testing.T) {
	req, err := build.TranslateDerivation(simpleDerivation(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"/nix/store/bash-1-bash/bin/bash", "-e", "/nix/store/default-builder.sh"}, req.CommandArgs)
	assert.Equal(t, []string{"nix/store/abc-hello-2.12.1"}, req.Outputs)
	assert.Equal(t, "nix/store", req.InputsDir)
	assert.Equal(t, "build", req.WorkingDir)
	assert.Equal(t, []string{"build", "nix/store"}, req.ScratchPaths)
	assert.False(t, req.Constraints.NetworkAccess)
	assert.True(t, req.Constraints.ProvideBinSh)

	found := map[string]string{}
	for _, e := range req.EnvironmentVars {
		found[e.Key] = e.Value
	}
	assert.Equal(t, "/homeless-shelter", found["HOME"])
	assert.Equal(t, "hello-2.12.1", found["name"]) // overlay wins over the magic table (no overlap here, still present)
}

func TestTranslateDerivationNetworkAccessForFixedOutput(t *testing.T) {
	d := simpleDerivation()
	d.Outputs["out"].HashAlgo = "r:sha256"
	d.Outputs["out"].Digest = []byte{1, 2, 3}

	req, err := build.TranslateDerivation(d, nil)
	require.NoError(t, err)
	assert.True(t, req.Constraints.NetworkAccess)
}

func TestTranslateDerivationPassAsFile(t *testing.T) {
	d := simpleDerivation()
	d.Environment["builder-script"] = "echo hi"
	d.Environment["passAsFile"] = "builder-script"

	req, err := build.TranslateDerivation(d, nil)
	require.NoError(t, err)

	require.Len(t, req.AdditionalFiles, 1)
	assert.Equal(t, "echo hi", string(req.AdditionalFiles[0].Contents))

	found := map[string]string{}
	for _, e := range req.EnvironmentVars {
		found[e.Key] = e.Value
	}
	_, stillPresent := found["builder-script"]
	assert.False(t, stillPresent)
	assert.Contains(t, found["builder-scriptPath"], "/build/.attr-")
	assert.True(t, req.AdditionalFiles[0].Path != "" && req.AdditionalFiles[0].Path[0] != '/')
}
