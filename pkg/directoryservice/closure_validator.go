package directoryservice

import (
	"fmt"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
)

// ClosureValidator accumulates Directory messages uploaded in an
// arbitrary order (leaves-to-root or root-to-leaves are both legal) and
// validates, on Finalize, that the whole set forms a single connected
// closure reachable from a given root digest. Individual Directory
// messages are structurally validated as they arrive; the "are all of
// these reachable from the root, and is nothing extra along for the
// ride" check only happens at Finalize, since it can't be answered until
// the last Directory has been seen.
type ClosureValidator struct {
	directories map[b3digest.Digest]*castore.Directory
	order       []b3digest.Digest
}

// NewClosureValidator returns an empty validator.
func NewClosureValidator() *ClosureValidator {
	return &ClosureValidator{directories: make(map[b3digest.Digest]*castore.Directory)}
}

// Add validates d in isolation and records it, keyed by its own digest.
// Adding the same directory twice (by digest) is a no-op.
func (cv *ClosureValidator) Add(d *castore.Directory) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid directory: %w", err)
	}

	digest := d.Digest()
	if _, exists := cv.directories[digest]; exists {
		return nil
	}

	cv.directories[digest] = d
	cv.order = append(cv.order, digest)
	return nil
}

// Finalize checks that every directory added so far is reachable from
// root by following DirectoryNode references, and that root itself was
// among the directories added. On success it returns every directory's
// digest in leaves-before-parents order (each directory after all the
// directories it references, root last), for replaying into a
// DirectoryService.
func (cv *ClosureValidator) Finalize(root b3digest.Digest) ([]b3digest.Digest, error) {
	if _, ok := cv.directories[root]; !ok {
		return nil, fmt.Errorf("root directory %s was never added", root)
	}

	visited := make(map[b3digest.Digest]bool, len(cv.directories))
	queue := []b3digest.Digest{root}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if visited[cur] {
			continue
		}
		visited[cur] = true

		dir, ok := cv.directories[cur]
		if !ok {
			return nil, fmt.Errorf("directory %s is referenced but was never added", cur)
		}
		for _, sub := range dir.Directories {
			if !visited[sub.Digest] {
				queue = append(queue, sub.Digest)
			}
		}
	}

	if len(visited) != len(cv.directories) {
		var disconnected []b3digest.Digest
		for _, d := range cv.order {
			if !visited[d] {
				disconnected = append(disconnected, d)
			}
		}
		return nil, fmt.Errorf("disconnected nodes in closure: %v", disconnected)
	}

	order := make([]b3digest.Digest, 0, len(cv.directories))
	emitted := make(map[b3digest.Digest]bool, len(cv.directories))
	var visit func(d b3digest.Digest)
	visit = func(d b3digest.Digest) {
		if emitted[d] {
			return
		}
		emitted[d] = true
		for _, sub := range cv.directories[d].Directories {
			visit(sub.Digest)
		}
		order = append(order, d)
	}
	visit(root)
	return order, nil
}
