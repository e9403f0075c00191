package build_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/build"
)

func simpleRequest() *build.Request {
	return &build.Request{
		CommandArgs: []string{"/bin/sh", "-c", "true"},
		Outputs:     []string{"nix/store/abc-out"},
		InputsDir:   "nix/store",
		WorkingDir:  "build",
		ScratchPaths: []string{"build", "nix/store"},
		Constraints: build.Constraints{
			NetworkAccess: false,
		},
	}
}

func TestBuildSpecBlocksNetworkByDefault(t *testing.T) {
	spec, err := build.BuildSpec(simpleRequest(), build.SpecOptions{})
	require.NoError(t, err)

	found := false
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == "network" {
			found = true
		}
	}
	assert.True(t, found, "network namespace must be added when NetworkAccess is false")
}

func TestBuildSpecAllowsNetworkForFixedOutput(t *testing.T) {
	req := simpleRequest()
	req.Constraints.NetworkAccess = true

	spec, err := build.BuildSpec(req, build.SpecOptions{})
	require.NoError(t, err)

	for _, ns := range spec.Linux.Namespaces {
		assert.NotEqual(t, "network", string(ns.Type))
	}

	var foundResolvConf bool
	for _, m := range spec.Mounts {
		if m.Destination == "/etc/resolv.conf" {
			foundResolvConf = true
		}
	}
	assert.True(t, foundResolvConf)
}

func TestBuildSpecAddsUserNamespaceWhenRootless(t *testing.T) {
	spec, err := build.BuildSpec(simpleRequest(), build.SpecOptions{Rootless: true, HostUID: 1000, HostGID: 1000})
	require.NoError(t, err)

	found := false
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == "user" {
			found = true
		}
	}
	assert.True(t, found)
	require.Len(t, spec.Linux.UIDMappings, 2)
	assert.Equal(t, uint32(1000), spec.Linux.UIDMappings[0].HostID)
}
