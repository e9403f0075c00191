// Package build translates a derivation into a sandboxed build request,
// builds the OCI runtime spec and FUSE input view that request needs,
// and drives runc to actually execute it, ingesting and reference-
// scanning whatever the build produces.
package build

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/tvix-contrib/tvix-go/pkg/castore"
	"github.com/tvix-contrib/tvix-go/pkg/derivation"
	"github.com/tvix-contrib/tvix-go/pkg/nixbase32"
)

// nixEnvironmentVars are the environment variables Nix sets for every
// build, before the derivation's own environment is overlaid on top.
var nixEnvironmentVars = []struct{ key, value string }{
	{"HOME", "/homeless-shelter"},
	{"NIX_BUILD_CORES", "0"},
	{"NIX_BUILD_TOP", "/"},
	{"NIX_LOG_FD", "2"},
	{"NIX_STORE", "/nix/store"},
	{"PATH", "/path-not-set"},
	{"PWD", "/build"},
	{"TEMP", "/build"},
	{"TEMPDIR", "/build"},
	{"TERM", "xterm-256color"},
	{"TMP", "/build"},
	{"TMPDIR", "/build"},
}

// EnvVar is one entry of a BuildRequest's environment, kept as a slice
// (rather than a map) so its order is stable across requests built from
// the same derivation.
type EnvVar struct {
	Key   string
	Value string
}

// AdditionalFile is an extra file materialized into the build's
// filesystem before the builder runs, used for passAsFile.
type AdditionalFile struct {
	Path     string // relative to the build root, no leading slash
	Contents []byte
}

// Constraints narrows what environment a build may run in.
type Constraints struct {
	System            string
	MinMemory         uint64
	AvailableROPaths  []string
	NetworkAccess     bool
	ProvideBinSh      bool
}

// Request is everything the OCI build driver needs to run one build.
type Request struct {
	CommandArgs    []string
	Outputs        []string // absolute output paths, without the leading "/"
	EnvironmentVars []EnvVar
	Inputs         []*castore.Node
	InputsDir      string // relative to the build root, e.g. "nix/store"
	Constraints    Constraints
	WorkingDir     string // relative to the build root, e.g. "build"
	ScratchPaths   []string
	AdditionalFiles []AdditionalFile

	// RefscanNeedles is the candidate list the driver's reference
	// scanner probes build output for (typically store path hashes of
	// every input).
	RefscanNeedles [][]byte
}

// TranslateDerivation converts a derivation into the Request its build
// should run with. inputs are the castore nodes for every input source
// and selected input-derivation output the derivation references.
func TranslateDerivation(d *derivation.Derivation, inputs []*castore.Node) (*Request, error) {
	commandArgs := make([]string, 0, len(d.Arguments)+1)
	commandArgs = append(commandArgs, d.Builder)
	commandArgs = append(commandArgs, d.Arguments...)

	outputPaths := make([]string, 0, len(d.Outputs))
	for _, out := range d.Outputs {
		outputPaths = append(outputPaths, strings.TrimPrefix(out.Path, "/"))
	}
	sort.Strings(outputPaths)

	env := map[string]string{}
	for _, kv := range nixEnvironmentVars {
		env[kv.key] = kv.value
	}
	for k, v := range d.Environment {
		env[k] = v
	}

	additionalFiles, err := handlePassAsFile(env)
	if err != nil {
		return nil, err
	}

	envVars := make([]EnvVar, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, EnvVar{Key: k, Value: v})
	}
	sort.Slice(envVars, func(i, j int) bool { return envVars[i].Key < envVars[j].Key })

	networkAccess := len(d.Outputs) == 1
	if networkAccess {
		out, ok := d.Outputs["out"]
		if !ok || !out.IsFixed() {
			networkAccess = false
		}
	}

	return &Request{
		CommandArgs:     commandArgs,
		Outputs:         outputPaths,
		EnvironmentVars: envVars,
		Inputs:          inputs,
		InputsDir:       "nix/store",
		Constraints: Constraints{
			System:           d.System,
			MinMemory:        0,
			AvailableROPaths: nil,
			NetworkAccess:    networkAccess,
			ProvideBinSh:     true,
		},
		WorkingDir:      "build",
		ScratchPaths:    []string{"build", "nix/store"},
		AdditionalFiles: additionalFiles,
	}, nil
}

// handlePassAsFile implements passAsFile: for each env key named in the
// space-separated "passAsFile" variable, the original key is removed and
// replaced with "<key>Path", pointing at a file materialized under
// /build/.attr-<hash of the key name>, whose contents are the key's
// original value. env is mutated in place; the returned files are what
// the build needs written to disk before the builder runs.
func handlePassAsFile(env map[string]string) ([]AdditionalFile, error) {
	passAsFile, ok := env["passAsFile"]
	if !ok {
		return nil, nil
	}

	var files []AdditionalFile
	for _, key := range strings.Fields(passAsFile) {
		value, ok := env[key]
		if !ok {
			return nil, fmt.Errorf("passAsFile refers to non-existent env key %q", key)
		}
		delete(env, key)

		path := passAsFilePath(key)
		env[key+"Path"] = path
		files = append(files, AdditionalFile{Path: strings.TrimPrefix(path, "/"), Contents: []byte(value)})
	}

	return files, nil
}

func passAsFilePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "/build/.attr-" + nixbase32.Encode(sum[:])
}
