// Package ingest implements the three ways content enters castore:
// parsing an uploaded NAR stream, walking a local filesystem path, and
// unpacking a tar stream — each producing a castore Node/Directory tree
// via the same two callbacks (one per blob, one per finalized
// Directory), so all three can feed the same BlobService/
// DirectoryService pair.
package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
	nreader "github.com/tvix-contrib/tvix-go/pkg/nar/reader"
)

// BlobCallback is invoked once per regular file's content read by an
// ingester (in NAR traversal order for NAR; Tar calls it concurrently
// for small files). Implementations typically stream r into a
// blobservice.Writer and return the resulting digest.
type BlobCallback func(ctx context.Context, r io.Reader) (b3digest.Digest, error)

// DirectoryCallback is invoked once per Directory, after all of its
// children have been seen, in leaves-before-parents order.
// Implementations typically Put the directory into a DirectoryService.
type DirectoryCallback func(ctx context.Context, d *castore.Directory) (b3digest.Digest, error)

// NARResult summarizes a completed NAR ingestion.
type NARResult struct {
	Root      *castore.Node
	NARSize   uint64
	NARSha256 [32]byte
}

type countingHasher struct {
	r    io.Reader
	h    interface{ Write([]byte) (int, error) }
	size uint64
}

func (c *countingHasher) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.size += uint64(n)
	}
	return n, err
}

type stackItem struct {
	path      string
	directory *castore.Directory
}

// NAR parses a NAR byte stream, storing blobs and directories via the
// given callbacks, and returns the resulting root Node plus the NAR's
// own size and sha256 (used to populate a narinfo entry for it).
//
// The traversal mirrors nar-bridge's importer: a stack of in-progress
// Directory messages, popped (and linked into their parent, or
// recorded as the final result) whenever the next header's path is no
// longer inside the directory on top of the stack.
func NAR(ctx context.Context, r io.Reader, blobCb BlobCallback, directoryCb DirectoryCallback) (*NARResult, error) {
	h := sha256.New()
	ch := &countingHasher{r: r, h: h}

	nr := nreader.New(ch)

	var rootSymlink *castore.SymlinkNode
	var rootFile *castore.FileNode
	var lastPoppedDirectory *castore.Directory
	var lastPoppedDigest b3digest.Digest

	var stack []stackItem

	popFromStack := func() error {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		digest, err := directoryCb(ctx, top.directory)
		if err != nil {
			return fmt.Errorf("directory callback: %w", err)
		}

		if len(stack) > 0 {
			parent := stack[len(stack)-1].directory
			parent.Directories = append(parent.Directories, &castore.DirectoryNode{
				Name:   []byte(path.Base(top.path)),
				Digest: digest,
				Size:   top.directory.Size(),
			})
		}

		lastPoppedDirectory = top.directory
		lastPoppedDigest = digest
		return nil
	}

	basename := func(p string) string {
		b := path.Base(p)
		if b == "/" {
			return ""
		}
		return b
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		hdr, err := nr.Next()
		if err != nil {
			if err != io.EOF {
				return nil, fmt.Errorf("reading nar entry: %w", err)
			}

			for len(stack) > 0 {
				if err := popFromStack(); err != nil {
					return nil, err
				}
			}

			var root *castore.Node
			switch {
			case rootFile != nil:
				root = &castore.Node{File: rootFile}
			case rootSymlink != nil:
				root = &castore.Node{Symlink: rootSymlink}
			case lastPoppedDirectory != nil:
				root = &castore.Node{Directory: &castore.DirectoryNode{
					Name:   []byte{},
					Digest: lastPoppedDigest,
					Size:   lastPoppedDirectory.Size(),
				}}
			default:
				return nil, fmt.Errorf("nar stream produced no root node")
			}

			var sum [32]byte
			copy(sum[:], h.Sum(nil))
			return &NARResult{Root: root, NARSize: ch.size, NARSha256: sum}, nil
		}

		for len(stack) > 1 && !strings.HasPrefix(hdr.Path, stack[len(stack)-1].path+"/") {
			if err := popFromStack(); err != nil {
				return nil, err
			}
		}

		switch hdr.Type {
		case nreader.TypeSymlink:
			node := &castore.SymlinkNode{Name: []byte(basename(hdr.Path)), Target: []byte(hdr.LinkTarget)}
			if len(stack) > 0 {
				stack[len(stack)-1].directory.Symlinks = append(stack[len(stack)-1].directory.Symlinks, node)
			} else {
				rootSymlink = node
			}

		case nreader.TypeRegular:
			digest, err := blobCb(ctx, nr.FileReader())
			if err != nil {
				return nil, fmt.Errorf("blob callback: %w", err)
			}

			node := &castore.FileNode{
				Name:       []byte(basename(hdr.Path)),
				Digest:     digest,
				Size:       uint64(hdr.Size),
				Executable: hdr.Executable,
			}
			if len(stack) > 0 {
				stack[len(stack)-1].directory.Files = append(stack[len(stack)-1].directory.Files, node)
			} else {
				rootFile = node
			}

		case nreader.TypeDirectory:
			stack = append(stack, stackItem{path: hdr.Path, directory: &castore.Directory{}})
		}
	}
}
