// Package narinfo implements the ".narinfo" text format binary caches
// use to describe one store path: where to fetch its NAR, its size and
// hash, its reference closure, and optional signatures.
package narinfo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tvix-contrib/tvix-go/pkg/storepath"
)

// NarInfo is the parsed form of a .narinfo file.
type NarInfo struct {
	StorePath   string
	URL         string
	Compression string

	FileHash string // "sha256:<nixbase32>"
	FileSize uint64

	NarHash string // "sha256:<nixbase32>"
	NarSize uint64

	References []string // store path basenames, e.g. "<digest>-<name>"
	System     string
	Deriver    string // must end in ".drv", or "" if unknown

	Signatures []string // "<keyname>:<base64 signature>"
	CA         string
}

// Parse parses a .narinfo file's contents.
func Parse(data string) (*NarInfo, error) {
	ni := &NarInfo{}

	var lastReferencesLine string
	seenFields := map[string]bool{}

	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("malformed line (no \": \" separator): %q", line)
		}

		switch key {
		case "StorePath":
			sp, err := storepath.ParseAbsolute(value)
			if err != nil {
				return nil, fmt.Errorf("invalid StorePath: %w", err)
			}
			ni.StorePath = sp.Absolute()
		case "URL":
			ni.URL = value
		case "Compression":
			ni.Compression = value
		case "FileHash":
			ni.FileHash = value
		case "FileSize":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid FileSize: %w", err)
			}
			ni.FileSize = n
		case "NarHash":
			ni.NarHash = value
		case "NarSize":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid NarSize: %w", err)
			}
			ni.NarSize = n
		case "References":
			if seenFields["References"] {
				return nil, fmt.Errorf("duplicate References line")
			}
			seenFields["References"] = true
			lastReferencesLine = value
			if value != "" {
				refs := strings.Split(value, " ")
				for i := 1; i < len(refs); i++ {
					if refs[i-1] >= refs[i] {
						return nil, fmt.Errorf("references not in strict ascending order: %q before %q", refs[i-1], refs[i])
					}
				}
				ni.References = refs
			}
		case "System":
			ni.System = value
		case "Deriver":
			if !strings.HasSuffix(value, ".drv") {
				return nil, fmt.Errorf("deriver %q does not end in .drv", value)
			}
			ni.Deriver = value
		case "Sig":
			ni.Signatures = append(ni.Signatures, value)
		case "CA":
			ni.CA = value
		default:
			return nil, fmt.Errorf("unknown narinfo field %q", key)
		}
	}
	_ = lastReferencesLine

	if ni.StorePath == "" {
		return nil, fmt.Errorf("missing StorePath field")
	}
	if ni.NarHash == "" {
		return nil, fmt.Errorf("missing NarHash field")
	}

	return ni, nil
}

// String renders ni back to its textual form, in the canonical field
// order real binary caches emit.
func (ni *NarInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "StorePath: %s\n", ni.StorePath)
	fmt.Fprintf(&b, "URL: %s\n", ni.URL)
	fmt.Fprintf(&b, "Compression: %s\n", ni.Compression)
	if ni.FileHash != "" {
		fmt.Fprintf(&b, "FileHash: %s\n", ni.FileHash)
		fmt.Fprintf(&b, "FileSize: %d\n", ni.FileSize)
	}
	fmt.Fprintf(&b, "NarHash: %s\n", ni.NarHash)
	fmt.Fprintf(&b, "NarSize: %d\n", ni.NarSize)
	fmt.Fprintf(&b, "References: %s\n", strings.Join(ni.References, " "))
	if ni.Deriver != "" {
		fmt.Fprintf(&b, "Deriver: %s\n", ni.Deriver)
	}
	if ni.System != "" {
		fmt.Fprintf(&b, "System: %s\n", ni.System)
	}
	for _, sig := range ni.Signatures {
		fmt.Fprintf(&b, "Sig: %s\n", sig)
	}
	if ni.CA != "" {
		fmt.Fprintf(&b, "CA: %s\n", ni.CA)
	}
	return b.String()
}

// Fingerprint renders the string that gets Ed25519-signed to produce a
// Sig line: a fixed concatenation of the store path, nar hash, nar size
// and references, independent of field order or any other narinfo
// field. storeDir is normally storepath.StoreDir.
func Fingerprint(storeDir, storePath, narHash string, narSize uint64, references []string) string {
	full := make([]string, len(references))
	for i, r := range references {
		full[i] = storeDir + "/" + r
	}
	return fmt.Sprintf("1;%s;%s;%d;%s", storePath, narHash, narSize, strings.Join(full, ","))
}
