// Package writer implements a hand-rolled NAR (Nix ARchive) emitter: it
// walks a castore Node/Directory tree and writes out the exact
// length-prefixed, padded byte format pkg/nar/reader parses, so that
// re-ingesting a written NAR reproduces the original tree bit for bit.
package writer

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
)

// Magic is the fixed string every NAR stream begins with.
const Magic = "nix-archive-1"

// DirectoryLookup resolves a Directory by its digest, as recorded in a
// DirectoryNode.
type DirectoryLookup func(digest b3digest.Digest) (*castore.Directory, error)

// BlobOpen opens a blob's content by its digest, as recorded in a
// FileNode.
type BlobOpen func(digest b3digest.Digest) (io.Reader, error)

func writeString(w io.Writer, s string) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	pad := (8 - len(s)%8) % 8
	if pad > 0 {
		var padBuf [8]byte
		if _, err := w.Write(padBuf[:pad]); err != nil {
			return err
		}
	}
	return nil
}

// WriteNAR serializes the tree rooted at node into w.
func WriteNAR(w io.Writer, node *castore.Node, dirLookup DirectoryLookup, blobOpen BlobOpen) error {
	if err := writeString(w, Magic); err != nil {
		return err
	}
	return writeNode(w, node, dirLookup, blobOpen)
}

func writeNode(w io.Writer, node *castore.Node, dirLookup DirectoryLookup, blobOpen BlobOpen) error {
	if err := writeString(w, "("); err != nil {
		return err
	}
	if err := writeString(w, "type"); err != nil {
		return err
	}

	switch {
	case node.Symlink != nil:
		if err := writeString(w, "symlink"); err != nil {
			return err
		}
		if err := writeString(w, "target"); err != nil {
			return err
		}
		if err := writeString(w, string(node.Symlink.Target)); err != nil {
			return err
		}

	case node.File != nil:
		if err := writeString(w, "regular"); err != nil {
			return err
		}
		if node.File.Executable {
			if err := writeString(w, "executable"); err != nil {
				return err
			}
			if err := writeString(w, ""); err != nil {
				return err
			}
		}
		if err := writeString(w, "contents"); err != nil {
			return err
		}

		r, err := blobOpen(node.File.Digest)
		if err != nil {
			return fmt.Errorf("opening blob %s: %w", node.File.Digest, err)
		}
		if rc, ok := r.(io.Closer); ok {
			defer rc.Close()
		}

		var sizeBuf [8]byte
		binary.LittleEndian.PutUint64(sizeBuf[:], node.File.Size)
		if _, err := w.Write(sizeBuf[:]); err != nil {
			return err
		}
		n, err := io.Copy(w, r)
		if err != nil {
			return fmt.Errorf("copying blob %s: %w", node.File.Digest, err)
		}
		if uint64(n) != node.File.Size {
			return fmt.Errorf("blob %s: wrote %d bytes, expected %d", node.File.Digest, n, node.File.Size)
		}
		pad := (8 - n%8) % 8
		if pad > 0 {
			var padBuf [8]byte
			if _, err := w.Write(padBuf[:pad]); err != nil {
				return err
			}
		}

	case node.Directory != nil:
		if err := writeString(w, "directory"); err != nil {
			return err
		}

		dir, err := dirLookup(node.Directory.Digest)
		if err != nil {
			return fmt.Errorf("looking up directory %s: %w", node.Directory.Digest, err)
		}

		for _, child := range sortedChildren(dir) {
			if err := writeString(w, "entry"); err != nil {
				return err
			}
			if err := writeString(w, "("); err != nil {
				return err
			}
			if err := writeString(w, "name"); err != nil {
				return err
			}
			if err := writeString(w, string(child.Name())); err != nil {
				return err
			}
			if err := writeString(w, "node"); err != nil {
				return err
			}
			if err := writeNode(w, child, dirLookup, blobOpen); err != nil {
				return err
			}
			if err := writeString(w, ")"); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("node has no populated variant")
	}

	return writeString(w, ")")
}

// sortedChildren merges a Directory's three child lists (each
// individually sorted, per Directory.Validate) into a single
// alphabetically-ordered list of Nodes, the order NAR entries must be
// written in.
func sortedChildren(d *castore.Directory) []*castore.Node {
	out := make([]*castore.Node, 0, len(d.Directories)+len(d.Files)+len(d.Symlinks))
	for _, n := range d.Directories {
		out = append(out, &castore.Node{Directory: n})
	}
	for _, n := range d.Files {
		out = append(out, &castore.Node{File: n})
	}
	for _, n := range d.Symlinks {
		out = append(out, &castore.Node{Symlink: n})
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Name()) < string(out[j].Name())
	})
	return out
}
