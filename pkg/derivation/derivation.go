// Package derivation implements the Nix derivation model: the ATerm
// wire serialization of a Derivation, and the two-stage hashing scheme
// ("derivation-hash-modulo" plus output path calculation) Nix uses to
// compute a derivation's own store path and its outputs' store paths
// without those outputs having been built yet.
package derivation

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/storepath"
)

// Output describes one output slot of a derivation: its eventual store
// path (empty until calculated) and, for fixed-output derivations, the
// hash its content must match.
type Output struct {
	Path string

	// HashAlgo and Digest are set only for fixed-output derivations.
	// HashAlgo is e.g. "sha256" or "r:sha256" (recursive).
	HashAlgo string
	Digest   []byte
}

// Derivation is the in-memory form of a .drv file.
type Derivation struct {
	Arguments   []string
	Builder     string
	Environment map[string]string
	// InputDerivations maps a .drv store path to the set of output
	// names of that derivation this derivation depends on.
	InputDerivations map[string][]string
	InputSources     []string
	Outputs          map[string]*Output
	System           string
}

// IsFixed reports whether this output carries a fixed content hash.
func (o *Output) IsFixed() bool { return o.HashAlgo != "" }

// FixedOutput returns the single output and its hash, if this
// derivation is fixed-output (exactly one output, named "out", with a
// hash already set).
func (d *Derivation) FixedOutput() (*Output, bool) {
	if len(d.Outputs) != 1 {
		return nil, false
	}
	out, ok := d.Outputs["out"]
	if !ok || !out.IsFixed() {
		return nil, false
	}
	return out, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func atermQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func atermStringList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = atermQuote(s)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// ToATerm renders the derivation in Nix's ATerm format: the same text
// representation hashed to produce the derivation's store path, and
// written out verbatim as the .drv file contents.
func (d *Derivation) ToATerm() string {
	var b strings.Builder
	b.WriteString("Derive(")

	// outputs: [(name, path, hashAlgo, hash), ...] sorted by name.
	b.WriteByte('[')
	for i, name := range sortedKeys(d.Outputs) {
		if i > 0 {
			b.WriteByte(',')
		}
		out := d.Outputs[name]
		algo, digest := "", ""
		if out.HashAlgo != "" {
			algo = out.HashAlgo
			digest = fmt.Sprintf("%x", out.Digest)
		}
		fmt.Fprintf(&b, "(%s,%s,%s,%s)", atermQuote(name), atermQuote(out.Path), atermQuote(algo), atermQuote(digest))
	}
	b.WriteByte(']')

	// input derivations: [(path, [outputNames...]), ...] sorted by path.
	b.WriteByte(',')
	b.WriteByte('[')
	for i, path := range sortedKeys(d.InputDerivations) {
		if i > 0 {
			b.WriteByte(',')
		}
		names := append([]string(nil), d.InputDerivations[path]...)
		sort.Strings(names)
		fmt.Fprintf(&b, "(%s,%s)", atermQuote(path), atermStringList(names))
	}
	b.WriteByte(']')

	// input sources, sorted.
	sources := append([]string(nil), d.InputSources...)
	sort.Strings(sources)
	b.WriteByte(',')
	b.WriteString(atermStringList(sources))

	fmt.Fprintf(&b, ",%s,%s,%s", atermQuote(d.System), atermQuote(d.Builder), atermStringList(d.Arguments))

	// environment, sorted by key.
	b.WriteByte(',')
	b.WriteByte('[')
	for i, k := range sortedKeys(d.Environment) {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "(%s,%s)", atermQuote(k), atermQuote(d.Environment[k]))
	}
	b.WriteByte(']')

	b.WriteByte(')')
	return b.String()
}

// DerivationOrFODHash computes what upstream Nix calls
// "hashDerivationModulo": the SHA-256 digest that stands in for a
// derivation's store path whenever it's referenced as an input by
// another derivation, so that derivations whose outputs are content
// (not input) addressed don't "leak" a path through their builder
// dependency into a hash that's supposed to only depend on content.
//
// For fixed-output derivations, this is simply a hash of
// "fixed:out:<algo>:<digest>:<path>". For all others, it's the hash of
// the derivation's own ATerm representation, but with every input
// derivation path replaced by a recursive call to this same function
// (looked up via resolveInputHash, so callers can precompute a
// topological pass over their dependency graph).
func (d *Derivation) DerivationOrFODHash(resolveInputHash func(drvPath string) (b3digest.Digest, error)) (b3digest.Digest, error) {
	if out, ok := d.FixedOutput(); ok {
		s := fmt.Sprintf("fixed:out:%s:%x:%s", out.HashAlgo, out.Digest, out.Path)
		sum := sha256.Sum256([]byte(s))
		return b3digest.FromBytes(sum[:])
	}

	replaced := &Derivation{
		Arguments:        d.Arguments,
		Builder:          d.Builder,
		Environment:      d.Environment,
		InputSources:     d.InputSources,
		Outputs:          d.Outputs,
		System:           d.System,
		InputDerivations: make(map[string][]string, len(d.InputDerivations)),
	}

	for drvPath, outputNames := range d.InputDerivations {
		h, err := resolveInputHash(drvPath)
		if err != nil {
			return b3digest.Digest{}, fmt.Errorf("resolving hash for input derivation %s: %w", drvPath, err)
		}
		replaced.InputDerivations[h.Hex()] = outputNames
	}

	sum := sha256.Sum256([]byte(replaced.ToATerm()))
	return b3digest.FromBytes(sum[:])
}

// CalculateOutputPaths fills in Path (and the matching environment
// variable) for every output, given this derivation's
// DerivationOrFODHash. The derivation must not already have output
// paths populated.
func (d *Derivation) CalculateOutputPaths(name string, derivationOrFODHash b3digest.Digest) error {
	if out, ok := d.FixedOutput(); ok {
		var mode storepath.FixedOutputHashMode
		algo := out.HashAlgo
		if strings.HasPrefix(algo, "r:") {
			mode = storepath.Recursive
			algo = strings.TrimPrefix(algo, "r:")
		}

		sp, err := storepath.BuildFixedOutputPath(name, mode, algo, out.Digest)
		if err != nil {
			return fmt.Errorf("computing fixed output path: %w", err)
		}

		out.Path = sp.Absolute()
		d.Environment["out"] = out.Path
		return nil
	}

	for outputName, out := range d.Outputs {
		outputPathName := name
		if outputName != "out" {
			outputPathName = name + "-" + outputName
		}

		sp, err := storepath.BuildInputAddressedPath(outputPathName, outputName, derivationOrFODHash)
		if err != nil {
			return fmt.Errorf("computing output path for %q: %w", outputName, err)
		}

		out.Path = sp.Absolute()
		d.Environment[outputName] = out.Path
	}

	return nil
}

// CalculateDerivationPath computes the store path of the .drv file
// itself: a text-addressed path over the ATerm serialization, with
// input derivations and input sources forming its reference set.
func (d *Derivation) CalculateDerivationPath(name string) (storepath.StorePath, error) {
	aterm := d.ToATerm()
	atermDigest := sha256.Sum256([]byte(aterm))

	inputs := make([]string, 0, len(d.InputSources)+len(d.InputDerivations))
	inputs = append(inputs, d.InputSources...)
	for drvPath := range d.InputDerivations {
		inputs = append(inputs, drvPath)
	}
	sort.Strings(inputs)

	return storepath.BuildDerivationPath(name, atermDigest, inputs)
}
