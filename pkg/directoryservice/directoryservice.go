// Package directoryservice defines the DirectoryService contract over
// Directory messages (addressed by their own BLAKE3 digest), an
// in-memory implementation, and the ClosureValidator used to validate
// an entire Directory tree as it streams in.
package directoryservice

import (
	"context"
	"sync"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
	"github.com/tvix-contrib/tvix-go/pkg/castoreerr"
)

// DirectoryService stores and retrieves Directory messages by digest.
type DirectoryService interface {
	// Get returns a previously-validated Directory. Returns
	// castoreerr.NotFound if absent.
	Get(ctx context.Context, digest b3digest.Digest) (*castore.Directory, error)

	// Put validates d with Directory.Validate() and stores it, keyed by
	// its own digest, which it returns.
	Put(ctx context.Context, d *castore.Directory) (b3digest.Digest, error)

	// GetRecursive returns the root directory and every directory
	// transitively reachable from it, root first, breadth-first: each
	// directory comes after the first directory that references it.
	GetRecursive(ctx context.Context, rootDigest b3digest.Digest) ([]*castore.Directory, error)
}

type memService struct {
	mu   sync.RWMutex
	data map[b3digest.Digest]*castore.Directory
}

// NewMemory returns an in-memory DirectoryService.
func NewMemory() DirectoryService {
	return &memService{data: make(map[b3digest.Digest]*castore.Directory)}
}

func (m *memService) Get(_ context.Context, digest b3digest.Digest) (*castore.Directory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[digest]
	if !ok {
		return nil, castoreerr.NotFound
	}
	return d, nil
}

func (m *memService) Put(_ context.Context, d *castore.Directory) (b3digest.Digest, error) {
	if err := d.Validate(); err != nil {
		return b3digest.Digest{}, err
	}
	digest := d.Digest()

	m.mu.Lock()
	m.data[digest] = d
	m.mu.Unlock()

	return digest, nil
}

func (m *memService) GetRecursive(ctx context.Context, rootDigest b3digest.Digest) ([]*castore.Directory, error) {
	root, err := m.Get(ctx, rootDigest)
	if err != nil {
		return nil, err
	}

	var out []*castore.Directory
	seen := map[b3digest.Digest]bool{rootDigest: true}
	queue := []*castore.Directory{root}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)

		for _, sub := range cur.Directories {
			if seen[sub.Digest] {
				continue
			}
			seen[sub.Digest] = true
			child, err := m.Get(ctx, sub.Digest)
			if err != nil {
				return nil, err
			}
			queue = append(queue, child)
		}
	}

	return out, nil
}
