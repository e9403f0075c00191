package build

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/blobservice"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
	"github.com/tvix-contrib/tvix-go/pkg/directoryservice"
)

// InputView mounts a read-only view of a set of named castore nodes at a
// single directory, so a build's input closure can be exposed to a
// sandboxed process without copying any of it to disk first. Every
// regular file read is served directly out of the blob service; nothing
// is buffered beyond the current FUSE request.
type InputView struct {
	server *fuse.Server
	mntDir string
}

// Mount starts serving roots (keyed by the name each entry should have
// directly under mntDir) and blocks until the mount is ready. Call
// Unmount when the build is done with it.
func Mount(ctx context.Context, mntDir string, roots map[string]*castore.Node, blobs blobservice.BlobService, dirs directoryservice.DirectoryService) (*InputView, error) {
	root := &viewRoot{blobs: blobs, dirs: dirs, entries: roots}

	server, err := fs.Mount(mntDir, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:  "tvix-build-inputs",
			Name:    "tvixinputs",
			Options: []string{"ro"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting input view at %s: %w", mntDir, err)
	}

	go func() {
		<-ctx.Done()
		_ = server.Unmount()
	}()

	return &InputView{server: server, mntDir: mntDir}, nil
}

// Unmount tears the view down. Safe to call more than once.
func (v *InputView) Unmount() error {
	return v.server.Unmount()
}

// viewRoot is the top-level directory: one child per named input.
type viewRoot struct {
	fs.Inode

	blobs   blobservice.BlobService
	dirs    directoryservice.DirectoryService
	entries map[string]*castore.Node
}

var (
	_ fs.NodeOnAdder = (*viewRoot)(nil)
)

func (r *viewRoot) OnAdd(ctx context.Context) {
	for name, node := range r.entries {
		child := newNode(r.blobs, r.dirs, node)
		stable := fs.StableAttr{Mode: nodeFUSEMode(node)}
		inode := r.NewInode(ctx, child, stable)
		r.AddChild(name, inode, false)
	}
}

// dirNode represents one castore Directory inside the view; its
// children are added by populate, which OnAdd calls (the resolved flag
// makes it run once). dirNode implements no Lookup or Readdir of its
// own, so a directory lists exactly what populate added.
type dirNode struct {
	fs.Inode

	blobs blobservice.BlobService
	dirs  directoryservice.DirectoryService
	digest b3digest.Digest

	mu       sync.Mutex
	resolved bool
}

var (
	_ fs.NodeOnAdder    = (*dirNode)(nil)
	_ fs.NodeGetattrer  = (*dirNode)(nil)
)

func newNode(blobs blobservice.BlobService, dirs directoryservice.DirectoryService, node *castore.Node) fs.InodeEmbedder {
	switch {
	case node.Directory != nil:
		return &dirNode{blobs: blobs, dirs: dirs, digest: node.Directory.Digest}
	case node.File != nil:
		return &fileNode{blobs: blobs, digest: node.File.Digest, size: node.File.Size, executable: node.File.Executable}
	case node.Symlink != nil:
		return &symlinkNode{target: node.Symlink.Target}
	default:
		panic("build: castore Node has no populated variant")
	}
}

func nodeFUSEMode(node *castore.Node) uint32 {
	switch {
	case node.Directory != nil:
		return fuse.S_IFDIR
	case node.Symlink != nil:
		return fuse.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

func (d *dirNode) OnAdd(ctx context.Context) {
	d.populate(ctx)
}

func (d *dirNode) populate(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return
	}
	d.resolved = true

	dir, err := d.dirs.Get(ctx, d.digest)
	if err != nil {
		return
	}

	for _, sub := range dir.Directories {
		child := &dirNode{blobs: d.blobs, dirs: d.dirs, digest: sub.Digest}
		inode := d.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR})
		d.AddChild(string(sub.Name), inode, false)
	}
	for _, sub := range dir.Files {
		child := &fileNode{blobs: d.blobs, digest: sub.Digest, size: sub.Size, executable: sub.Executable}
		inode := d.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG})
		d.AddChild(string(sub.Name), inode, false)
	}
	for _, sub := range dir.Symlinks {
		child := &symlinkNode{target: sub.Target}
		inode := d.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFLNK})
		d.AddChild(string(sub.Name), inode, false)
	}
}

func (d *dirNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0o555
	return fs.OK
}

// fileNode is a regular file backed by the blob service. Open re-opens
// the blob on every call rather than caching a handle, matching the
// read-mostly, short-lived access pattern of a single build.
type fileNode struct {
	fs.Inode

	blobs      blobservice.BlobService
	digest     b3digest.Digest
	size       uint64
	executable bool
}

var (
	_ fs.NodeOpener   = (*fileNode)(nil)
	_ fs.NodeGetattrer = (*fileNode)(nil)
)

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	mode := uint32(0o444)
	if f.executable {
		mode = 0o555
	}
	out.Mode = fuse.S_IFREG | mode
	out.Size = f.size
	return fs.OK
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	r, err := f.blobs.Open(ctx, f.digest)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &blobHandle{r: r}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

type blobHandle struct {
	mu sync.Mutex
	r  io.ReadSeekCloser
}

var _ fs.FileReader = (*blobHandle)(nil)

func (h *blobHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.r.Seek(off, io.SeekStart); err != nil {
		return nil, syscall.EIO
	}
	n, err := io.ReadFull(h.r, dest)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

// symlinkNode is a symlink stored inline in its parent Directory.
type symlinkNode struct {
	fs.Inode
	target []byte
}

var _ fs.NodeReadlinker = (*symlinkNode)(nil)

func (s *symlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return s.target, fs.OK
}
