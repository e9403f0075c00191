package ingest

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
)

// DefaultTarMemoryBudget bounds how many bytes of small, buffered tar
// entries may be uploaded concurrently at once.
const DefaultTarMemoryBudget = 128 << 20 // 128 MiB

// smallFileThreshold is the largest size Tar will buffer in memory to
// upload concurrently; anything bigger streams directly, synchronously,
// as it's read off the tar stream.
const smallFileThreshold = 1 << 20 // 1 MiB

type tarKind int

const (
	tarKindRegular tarKind = iota
	tarKindSymlink
	tarKindDirectory
)

type tarNode struct {
	kind       tarKind
	size       int64
	executable bool
	digest     b3digest.Digest
	target     string
}

type tarFuture struct {
	path string
	done chan error
}

// Tar unpacks a tar stream into a castore tree. Tarballs have no
// guaranteed entry order, so unlike NAR ingestion this builds a graph
// of nodes keyed by path first: a later entry for a path replaces an
// earlier one unless both are directories (which merge), and missing
// parent directories are created implicitly. Once the stream is fully
// read, the graph must resolve to exactly one top-level directory,
// which is then walked depth-first, children before parents, handing
// each finished Directory to directoryCb. Blobs are handed to blobCb
// while the stream is read, so an entry that a later one replaces has
// still been uploaded.
//
// Small files (<= 1 MiB) are buffered and handed to blobCb
// concurrently, under a semaphore weighted by file size and capped at
// memoryBudget bytes in flight; larger files are streamed to blobCb
// synchronously as they're read, since tar's sequential framing means
// we can't read ahead to the next entry until the current one is
// fully consumed anyway.
func Tar(ctx context.Context, r io.Reader, memoryBudget int64, blobCb BlobCallback, directoryCb DirectoryCallback) (*castore.Node, error) {
	if memoryBudget <= 0 {
		memoryBudget = DefaultTarMemoryBudget
	}
	sem := semaphore.NewWeighted(memoryBudget)

	nodes := map[string]*tarNode{}
	var pending []*tarFuture
	var pendingMu sync.Mutex

	ensureParents := func(p string) {
		for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
			if _, ok := nodes[dir]; ok {
				break
			}
			nodes[dir] = &tarNode{kind: tarKindDirectory}
		}
	}

	tr := tar.NewReader(r)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}

		name := "/" + strings.Trim(strings.TrimSuffix(hdr.Name, "/"), "/")
		if name == "/" {
			continue
		}
		ensureParents(name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if existing, ok := nodes[name]; !ok || existing.kind != tarKindDirectory {
				nodes[name] = &tarNode{kind: tarKindDirectory}
			}

		case tar.TypeSymlink:
			nodes[name] = &tarNode{kind: tarKindSymlink, target: hdr.Linkname}

		case tar.TypeReg:
			executable := hdr.Mode&0o111 != 0

			if hdr.Size > smallFileThreshold {
				digest, err := blobCb(ctx, io.LimitReader(tr, hdr.Size))
				if err != nil {
					return nil, fmt.Errorf("blob callback for %s: %w", name, err)
				}
				nodes[name] = &tarNode{kind: tarKindRegular, size: hdr.Size, executable: executable, digest: digest}
				continue
			}

			buf := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, buf); err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}

			weight := hdr.Size
			if weight < 1 {
				weight = 1
			}
			if err := sem.Acquire(ctx, weight); err != nil {
				return nil, fmt.Errorf("acquiring upload budget for %s: %w", name, err)
			}

			node := &tarNode{kind: tarKindRegular, size: hdr.Size, executable: executable}
			nodes[name] = node

			future := &tarFuture{path: name, done: make(chan error, 1)}
			pendingMu.Lock()
			pending = append(pending, future)
			pendingMu.Unlock()

			go func() {
				defer sem.Release(weight)
				digest, err := blobCb(ctx, bytes.NewReader(buf))
				if err == nil {
					node.digest = digest
				}
				future.done <- err
			}()
		}
	}

	for _, f := range pending {
		if err := <-f.done; err != nil {
			return nil, fmt.Errorf("uploading %s: %w", f.path, err)
		}
	}

	var topLevel []string
	for p := range nodes {
		if path.Dir(p) == "/" {
			topLevel = append(topLevel, p)
		}
	}
	if len(topLevel) != 1 {
		return nil, fmt.Errorf("tar stream has %d top-level entries, expected exactly one", len(topLevel))
	}
	root := topLevel[0]
	if nodes[root].kind != tarKindDirectory {
		return nil, fmt.Errorf("tar stream's sole top-level entry %s is not a directory", root)
	}

	node, err := buildTarNode(ctx, nodes, root, directoryCb)
	if err != nil {
		return nil, err
	}
	if node.Directory != nil {
		node.Directory.Name = []byte{}
	}
	return node, nil
}

func buildTarNode(ctx context.Context, nodes map[string]*tarNode, p string, directoryCb DirectoryCallback) (*castore.Node, error) {
	n := nodes[p]
	name := []byte(path.Base(p))

	switch n.kind {
	case tarKindSymlink:
		return &castore.Node{Symlink: &castore.SymlinkNode{Name: name, Target: []byte(n.target)}}, nil

	case tarKindRegular:
		return &castore.Node{File: &castore.FileNode{Name: name, Digest: n.digest, Size: uint64(n.size), Executable: n.executable}}, nil

	default: // tarKindDirectory
		var children []string
		prefix := p
		if prefix != "/" {
			prefix += "/"
		}
		for candidate := range nodes {
			if candidate == p {
				continue
			}
			if path.Dir(candidate) == p {
				children = append(children, candidate)
			}
		}
		sort.Strings(children)

		dir := &castore.Directory{}
		for _, childPath := range children {
			childNode, err := buildTarNode(ctx, nodes, childPath, directoryCb)
			if err != nil {
				return nil, err
			}
			switch {
			case childNode.Directory != nil:
				dir.Directories = append(dir.Directories, childNode.Directory)
			case childNode.File != nil:
				dir.Files = append(dir.Files, childNode.File)
			case childNode.Symlink != nil:
				dir.Symlinks = append(dir.Symlinks, childNode.Symlink)
			}
		}

		digest, err := directoryCb(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("directory callback for %s: %w", p, err)
		}
		return &castore.Node{Directory: &castore.DirectoryNode{Name: name, Digest: digest, Size: dir.Size()}}, nil
	}
}
