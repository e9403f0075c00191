// Package storepath implements Nix store path construction and parsing:
// the "/nix/store/<20-byte-digest-in-nixbase32>-<name>" naming scheme,
// and the three hashing rules (text paths, fixed-output paths,
// input-addressed paths) used to derive the digest half from content.
package storepath

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/nixbase32"
)

// StoreDir is the path prefix every store path lives under.
const StoreDir = "/nix/store"

// DigestSize is the length, in bytes, of the compressed digest embedded
// in a store path.
const DigestSize = 20

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9+\-._?=]+$`)

// StorePath is a parsed "<digest>-<name>" store path component.
type StorePath struct {
	Digest [DigestSize]byte
	Name   string
}

// IsValidName reports whether name satisfies Nix's store path name
// character restrictions, and doesn't start with a '.'.
func IsValidName(name string) bool {
	if name == "" || len(name) > 211 {
		return false
	}
	if name[0] == '.' {
		return false
	}
	return nameRe.MatchString(name)
}

// Parse parses the "<digest>-<name>" form (no /nix/store/ prefix).
func Parse(s string) (StorePath, error) {
	idx := strings.IndexByte(s, '-')
	if idx < 0 {
		return StorePath{}, fmt.Errorf("store path %q has no digest separator", s)
	}

	digestPart, name := s[:idx], s[idx+1:]
	if !IsValidName(name) {
		return StorePath{}, fmt.Errorf("invalid store path name %q", name)
	}

	raw, err := nixbase32.Decode(digestPart)
	if err != nil {
		return StorePath{}, fmt.Errorf("invalid store path digest %q: %w", digestPart, err)
	}
	if len(raw) != DigestSize {
		return StorePath{}, fmt.Errorf("store path digest %q has wrong length %d", digestPart, len(raw))
	}

	var sp StorePath
	copy(sp.Digest[:], raw)
	sp.Name = name
	return sp, nil
}

// ParseAbsolute parses a full "/nix/store/<digest>-<name>" path, with
// an optional trailing sub-path after the store path component, which
// is discarded.
func ParseAbsolute(p string) (StorePath, error) {
	rest := strings.TrimPrefix(p, StoreDir+"/")
	if rest == p {
		return StorePath{}, fmt.Errorf("path %q is not inside %s", p, StoreDir)
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	return Parse(rest)
}

// String renders "<digest>-<name>".
func (s StorePath) String() string {
	return nixbase32.Encode(s.Digest[:]) + "-" + s.Name
}

// Absolute renders the full "/nix/store/<digest>-<name>" path.
func (s StorePath) Absolute() string {
	return StoreDir + "/" + s.String()
}

// buildStorePath implements Nix's "make store path" algorithm shared by
// all three hashing rules: SHA-256 the fingerprint string, compress the
// digest down to 20 bytes, and attach the name.
func buildStorePath(fingerprint string, name string) (StorePath, error) {
	if !IsValidName(name) {
		return StorePath{}, fmt.Errorf("invalid store path name %q", name)
	}

	sum := sha256.Sum256([]byte(fingerprint))
	compressed := b3digest.Compress(sum[:], DigestSize)

	var sp StorePath
	copy(sp.Digest[:], compressed)
	sp.Name = name
	return sp, nil
}

// BuildTextPath computes the store path for content addressed "by text":
// derivations, and any file directly written by the evaluator (e.g.
// builtins.toFile), whose content is known up front and whose
// references are a set of other store paths.
//
// fingerprint is "text:<ref1>:<ref2>:...:sha256:<hex digest of content>:<storeDir>:<name>".
func BuildTextPath(name string, content []byte, references []string) (StorePath, error) {
	contentDigest := sha256.Sum256(content)

	var b strings.Builder
	b.WriteString("text:")
	for _, ref := range references {
		b.WriteString(ref)
		b.WriteByte(':')
	}
	fmt.Fprintf(&b, "sha256:%x:%s:%s", contentDigest, StoreDir, name)

	return buildStorePath(b.String(), name)
}

// FixedOutputHashMode selects between the two fixed-output hashing
// strategies Nix supports for "known in advance" output content.
type FixedOutputHashMode int

const (
	// Flat hashes the raw byte content directly (used for plain files).
	Flat FixedOutputHashMode = iota
	// Recursive hashes a NAR serialization of the content (used for
	// directories, or files that must preserve executable bits).
	Recursive
)

// BuildFixedOutputPath computes the store path for fixed-output content
// (e.g. a fetchurl result), whose digest is known without needing to
// look at a builder at all.
//
// Nix has a historical quirk here: recursive SHA-256 output gets a
// different fingerprint shape ("source:sha256:<digest>") than every
// other algorithm/mode combination ("output:out:sha256:<digest>"),
// because recursive-sha256 predates the general fixed-output scheme.
func BuildFixedOutputPath(name string, mode FixedOutputHashMode, algo string, digest []byte) (StorePath, error) {
	var fp string
	if mode == Recursive && algo == "sha256" {
		fp = fmt.Sprintf("source:sha256:%x:%s:%s", digest, StoreDir, name)
	} else {
		algoWithMode := algo
		if mode == Recursive {
			algoWithMode = "r:" + algo
		}
		inner := sha256.Sum256([]byte(fmt.Sprintf("fixed:out:%s:%x:", algoWithMode, digest)))
		fp = fmt.Sprintf("output:out:sha256:%x:%s:%s", inner, StoreDir, name)
	}
	return buildStorePath(fp, name)
}

// BuildInputAddressedPath computes the store path for a derivation
// output whose content depends on the build, using the derivation's
// "derivation-hash-modulo" in place of content, since the content isn't
// known until the build runs.
//
// fingerprint is "output:<outputName>:sha256:<hex derivationOrFODHash>:<storeDir>:<name>".
func BuildInputAddressedPath(name, outputName string, derivationOrFODHash b3digest.Digest) (StorePath, error) {
	fp := fmt.Sprintf("output:%s:sha256:%s:%s:%s", outputName, derivationOrFODHash.Hex(), StoreDir, name)
	return buildStorePath(fp, name)
}

// BuildDerivationPath computes the store path of a .drv file itself,
// given its ATerm serialization and the set of its referenced inputs
// (input derivations' paths and plain input sources).
func BuildDerivationPath(name string, atermSha256 [32]byte, inputs []string) (StorePath, error) {
	var b strings.Builder
	b.WriteString("text:")
	for _, in := range inputs {
		b.WriteString(in)
		b.WriteByte(':')
	}
	fmt.Fprintf(&b, "sha256:%x:%s:%s.drv", atermSha256, StoreDir, name)

	return buildStorePath(b.String(), name+".drv")
}
