// Package castorepath implements the validated relative path model used
// to address nodes inside a castore Directory closure: a sequence of
// path components, each of which individually satisfies the same name
// restrictions a Directory entry does (no slashes, no null bytes, not
// "." or "..", not empty).
package castorepath

import (
	"bytes"
	"fmt"
	"strings"
)

// IsValidName reports whether name is usable as a single path component
// inside a Directory: no slashes or null bytes, and not "", ".", or "..".
func IsValidName(name []byte) bool {
	if len(name) == 0 {
		return false
	}
	if bytes.Equal(name, []byte(".")) || bytes.Equal(name, []byte("..")) {
		return false
	}
	if bytes.IndexByte(name, '/') != -1 || bytes.IndexByte(name, 0) != -1 {
		return false
	}
	return true
}

// Path is a validated, slash-separated relative path inside a castore
// closure. The zero value is Root.
type Path struct {
	components []string
}

// Root is the empty path, referring to the root node itself.
var Root = Path{}

// FromString validates and parses a slash-separated relative path.
// "" and "/" both parse to Root.
func FromString(s string) (Path, error) {
	if s == "" || s == "/" {
		return Root, nil
	}

	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	components := make([]string, 0, len(parts))
	for _, part := range parts {
		if !IsValidName([]byte(part)) {
			return Path{}, fmt.Errorf("invalid path component %q in %q", part, s)
		}
		components = append(components, part)
	}
	return Path{components: components}, nil
}

// IsRoot reports whether p refers to the root node.
func (p Path) IsRoot() bool {
	return len(p.components) == 0
}

// Components returns the path's components, root to leaf.
func (p Path) Components() []string {
	out := make([]string, len(p.components))
	copy(out, p.components)
	return out
}

// Parent returns the path one level up. The parent of Root is Root.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return Root
	}
	return Path{components: p.components[:len(p.components)-1]}
}

// FileName returns the last component, or "" for Root.
func (p Path) FileName() string {
	if p.IsRoot() {
		return ""
	}
	return p.components[len(p.components)-1]
}

// Join appends a single validated component, returning a new Path.
func (p Path) Join(name string) (Path, error) {
	if !IsValidName([]byte(name)) {
		return Path{}, fmt.Errorf("invalid path component %q", name)
	}
	components := make([]string, len(p.components)+1)
	copy(components, p.components)
	components[len(p.components)] = name
	return Path{components: components}, nil
}

// String renders the path, slash-separated, with no leading slash. Root
// renders as "".
func (p Path) String() string {
	return strings.Join(p.components, "/")
}
