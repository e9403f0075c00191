package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/tvix-contrib/tvix-go/pkg/castore"
)

// Filesystem walks the local filesystem at rootPath and ingests it the
// same way a NAR import would: regular files and symlinks become leaf
// nodes, directories are assembled bottom-up and handed to
// directoryCb once all their children are known.
func Filesystem(ctx context.Context, rootPath string, blobCb BlobCallback, directoryCb DirectoryCallback) (*castore.Node, error) {
	info, err := os.Lstat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rootPath, err)
	}
	return ingestPath(ctx, rootPath, info, blobCb, directoryCb)
}

func ingestPath(ctx context.Context, p string, info fs.FileInfo, blobCb BlobCallback, directoryCb DirectoryCallback) (*castore.Node, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return nil, fmt.Errorf("reading symlink %s: %w", p, err)
		}
		return &castore.Node{Symlink: &castore.SymlinkNode{Name: []byte(filepath.Base(p)), Target: []byte(target)}}, nil

	case info.IsDir():
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("reading directory %s: %w", p, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		dir := &castore.Directory{}
		for _, e := range entries {
			childInfo, err := e.Info()
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", filepath.Join(p, e.Name()), err)
			}
			childNode, err := ingestPath(ctx, filepath.Join(p, e.Name()), childInfo, blobCb, directoryCb)
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

		return &castore.Node{Directory: &castore.DirectoryNode{
			Name:   []byte(filepath.Base(p)),
			Digest: digest,
			Size:   dir.Size(),
		}}, nil

	default:
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", p, err)
		}
		defer f.Close()

		digest, err := blobCb(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("blob callback for %s: %w", p, err)
		}

		return &castore.Node{File: &castore.FileNode{
			Name:       []byte(filepath.Base(p)),
			Digest:     digest,
			Size:       uint64(info.Size()),
			Executable: info.Mode()&0o111 != 0,
		}}, nil
	}
}
