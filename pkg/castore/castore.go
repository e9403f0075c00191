// Package castore implements the in-memory data model of the
// content-addressed Merkle DAG: Directory messages made of
// DirectoryNode/FileNode/SymlinkNode children, canonically encoded and
// BLAKE3-hashed the same way every castore/store/build package in the
// wider tvix stack agrees on.
//
// There is no generated protobuf type here: Directory messages are
// encoded by hand with protowire, field-by-field, in ascending field
// order. Because none of the fields are maps and repeated submessages
// are written in list order, this already produces the same bytes a
// deterministic protobuf marshaller would, without requiring a .proto
// file and code generation for a wire format whose only consumer is our
// own hasher.
package castore

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
)

// Field numbers for the canonical Directory encoding.
const (
	fieldDirectories = 1
	fieldFiles       = 2
	fieldSymlinks    = 3

	fieldNodeName = 1
	fieldNodeDigest = 2
	fieldNodeSize   = 3
	fieldFileExecutable = 4
	fieldSymlinkTarget  = 2
)

// DirectoryNode is a reference to a child Directory, by digest.
type DirectoryNode struct {
	Name   []byte
	Digest b3digest.Digest
	Size   uint64
}

// FileNode is a reference to a blob, by digest.
type FileNode struct {
	Name       []byte
	Digest     b3digest.Digest
	Size       uint64
	Executable bool
}

// SymlinkNode is a symbolic link, stored inline (targets are never large
// enough to warrant a blob of their own).
type SymlinkNode struct {
	Name   []byte
	Target []byte
}

// Directory lists all direct children of a directory, split into three
// lists that must each be sorted by name and, across all three lists,
// contain no duplicate names.
type Directory struct {
	Directories []*DirectoryNode
	Files       []*FileNode
	Symlinks    []*SymlinkNode
}

// Node is a tagged union over the three kinds of castore leaf/inner
// nodes. Exactly one field is non-nil.
type Node struct {
	Directory *DirectoryNode
	File      *FileNode
	Symlink   *SymlinkNode
}

// Name returns the node's name regardless of its underlying kind.
func (n *Node) Name() []byte {
	switch {
	case n.Directory != nil:
		return n.Directory.Name
	case n.File != nil:
		return n.File.Name
	case n.Symlink != nil:
		return n.Symlink.Name
	default:
		panic("castore: Node has no populated variant")
	}
}

// Renamed returns a copy of n with its name replaced. It is used when a
// node looked up by content is reinserted under a different path
// component, e.g. when assembling a parent Directory.
func Renamed(n *Node, name []byte) *Node {
	switch {
	case n.Directory != nil:
		d := *n.Directory
		d.Name = name
		return &Node{Directory: &d}
	case n.File != nil:
		f := *n.File
		f.Name = name
		return &Node{File: &f}
	case n.Symlink != nil:
		s := *n.Symlink
		s.Name = name
		return &Node{Symlink: &s}
	default:
		panic("castore: Node has no populated variant")
	}
}

// Size returns the number of nodes transitively reachable from d,
// including d's direct children but not d itself: the sum of the
// lengths of the three lists, plus the (precomputed) sizes of all child
// directories.
func (d *Directory) Size() uint64 {
	size := uint64(len(d.Files) + len(d.Symlinks))
	for _, sub := range d.Directories {
		size += 1 + sub.Size
	}
	return size
}

func marshalDirectoryNode(b []byte, fieldNum protowire.Number, n *DirectoryNode) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldNodeName, protowire.BytesType)
	msg = protowire.AppendBytes(msg, n.Name)
	msg = protowire.AppendTag(msg, fieldNodeDigest, protowire.BytesType)
	msg = protowire.AppendBytes(msg, n.Digest.Bytes())
	if n.Size != 0 {
		msg = protowire.AppendTag(msg, fieldNodeSize, protowire.VarintType)
		msg = protowire.AppendVarint(msg, n.Size)
	}

	b = protowire.AppendTag(b, fieldNum, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)
	return b
}

func marshalFileNode(b []byte, fieldNum protowire.Number, n *FileNode) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldNodeName, protowire.BytesType)
	msg = protowire.AppendBytes(msg, n.Name)
	msg = protowire.AppendTag(msg, fieldNodeDigest, protowire.BytesType)
	msg = protowire.AppendBytes(msg, n.Digest.Bytes())
	if n.Size != 0 {
		msg = protowire.AppendTag(msg, fieldNodeSize, protowire.VarintType)
		msg = protowire.AppendVarint(msg, n.Size)
	}
	if n.Executable {
		msg = protowire.AppendTag(msg, fieldFileExecutable, protowire.VarintType)
		msg = protowire.AppendVarint(msg, 1)
	}

	b = protowire.AppendTag(b, fieldNum, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)
	return b
}

func marshalSymlinkNode(b []byte, fieldNum protowire.Number, n *SymlinkNode) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldNodeName, protowire.BytesType)
	msg = protowire.AppendBytes(msg, n.Name)
	msg = protowire.AppendTag(msg, fieldSymlinkTarget, protowire.BytesType)
	msg = protowire.AppendBytes(msg, n.Target)

	b = protowire.AppendTag(b, fieldNum, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)
	return b
}

// MarshalCanonical returns the canonical wire encoding of d: fields in
// ascending field-number order, repeated submessages in list order. This
// is the byte string that gets BLAKE3-hashed to produce d's digest.
func (d *Directory) MarshalCanonical() []byte {
	var b []byte
	for _, n := range d.Directories {
		b = marshalDirectoryNode(b, fieldDirectories, n)
	}
	for _, n := range d.Files {
		b = marshalFileNode(b, fieldFiles, n)
	}
	for _, n := range d.Symlinks {
		b = marshalSymlinkNode(b, fieldSymlinks, n)
	}
	return b
}

// Digest returns the BLAKE3 digest of d's canonical encoding.
func (d *Directory) Digest() b3digest.Digest {
	return b3digest.New(d.MarshalCanonical())
}

// isValidName checks a name for validity: no slashes, no null bytes,
// not ".", ".." or empty.
func isValidName(n []byte) bool {
	if len(n) == 0 || bytes.Equal(n, []byte("..")) || bytes.Equal(n, []byte{'.'}) {
		return false
	}
	if bytes.ContainsRune(n, 0) || bytes.ContainsRune(n, '/') {
		return false
	}
	return true
}

// Validate checks d for:
//   - name restriction violations
//   - empty symlink targets
//   - lists not sorted by name
//   - duplicate names across all three lists
func (d *Directory) Validate() error {
	seenNames := make(map[string]struct{})
	var lastDirectoryName, lastFileName, lastSymlinkName []byte

	insertIfGt := func(lastName *[]byte, name []byte) error {
		if bytes.Compare(name, *lastName) <= 0 {
			return fmt.Errorf("%q is not in sorted order", name)
		}
		*lastName = name
		return nil
	}

	insertOnce := func(name []byte) error {
		key := string(name)
		if _, found := seenNames[key]; found {
			return fmt.Errorf("duplicate name: %q", name)
		}
		seenNames[key] = struct{}{}
		return nil
	}

	for _, dn := range d.Directories {
		if !isValidName(dn.Name) {
			return fmt.Errorf("invalid name for DirectoryNode: %q", dn.Name)
		}
		if err := insertIfGt(&lastDirectoryName, dn.Name); err != nil {
			return err
		}
		if err := insertOnce(dn.Name); err != nil {
			return err
		}
	}

	for _, fn := range d.Files {
		if !isValidName(fn.Name) {
			return fmt.Errorf("invalid name for FileNode: %q", fn.Name)
		}
		if err := insertIfGt(&lastFileName, fn.Name); err != nil {
			return err
		}
		if err := insertOnce(fn.Name); err != nil {
			return err
		}
	}

	for _, sn := range d.Symlinks {
		if !isValidName(sn.Name) {
			return fmt.Errorf("invalid name for SymlinkNode: %q", sn.Name)
		}
		if len(sn.Target) == 0 {
			return fmt.Errorf("symlink %q has an empty target", sn.Name)
		}
		if err := insertIfGt(&lastSymlinkName, sn.Name); err != nil {
			return err
		}
		if err := insertOnce(sn.Name); err != nil {
			return err
		}
	}

	return nil
}
