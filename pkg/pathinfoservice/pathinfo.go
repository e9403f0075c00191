// Package pathinfoservice defines the PathInfoService contract: the
// top-level mapping from a Nix store path to the castore Node holding
// its content, along with its NAR framing and reference closure.
package pathinfoservice

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tvix-contrib/tvix-go/pkg/castore"
	"github.com/tvix-contrib/tvix-go/pkg/castoreerr"
	"github.com/tvix-contrib/tvix-go/pkg/storepath"
)

// Signature is a detached Ed25519 signature over a narinfo fingerprint.
type Signature struct {
	KeyName   string
	Signature []byte
}

// NarInfo carries the NAR-framing metadata needed to reconstruct and
// validate a NAR byte stream for this path, independent of the
// castore Node representation used for storage.
type NarInfo struct {
	NarSize        uint64
	NarSha256      [32]byte
	ReferenceNames []string
	Signatures     []Signature
	Deriver        string
}

// PathInfo is a fully-populated mapping from one store path to its
// castore Node, plus everything needed to serve it back out as a NAR
// or a .narinfo file.
type PathInfo struct {
	StorePath  storepath.StorePath
	Node       *castore.Node
	References [][storepath.DigestSize]byte
	Narinfo    *NarInfo
}

// Validate checks internal consistency: that the root Node is set, that
// References and Narinfo.ReferenceNames agree in length and in digest,
// and that the Deriver (if any) parses as a store path ending in ".drv".
func (pi *PathInfo) Validate() error {
	if pi.Node == nil {
		return fmt.Errorf("pathinfo has no root node")
	}

	if pi.Narinfo != nil {
		if len(pi.Narinfo.ReferenceNames) != len(pi.References) {
			return fmt.Errorf("reference count mismatch: %d digests, %d names",
				len(pi.References), len(pi.Narinfo.ReferenceNames))
		}

		for i, refName := range pi.Narinfo.ReferenceNames {
			sp, err := storepath.Parse(refName)
			if err != nil {
				return fmt.Errorf("invalid reference name %q: %w", refName, err)
			}
			if sp.Digest != pi.References[i] {
				return fmt.Errorf("reference name %q digest does not match provided digest", refName)
			}
		}

		if pi.Narinfo.Deriver != "" {
			if _, err := storepath.Parse(pi.Narinfo.Deriver); err != nil {
				return fmt.Errorf("invalid deriver %q: %w", pi.Narinfo.Deriver, err)
			}
			if !strings.HasSuffix(pi.Narinfo.Deriver, ".drv") {
				return fmt.Errorf("deriver %q does not end in .drv", pi.Narinfo.Deriver)
			}
		}
	}

	return nil
}

// PathInfoService stores and retrieves PathInfo by store path digest.
type PathInfoService interface {
	Get(ctx context.Context, digest [storepath.DigestSize]byte) (*PathInfo, error)
	Put(ctx context.Context, pi *PathInfo) error
}

type memService struct {
	mu   sync.RWMutex
	data map[[storepath.DigestSize]byte]*PathInfo
}

// NewMemory returns an in-memory PathInfoService.
func NewMemory() PathInfoService {
	return &memService{data: make(map[[storepath.DigestSize]byte]*PathInfo)}
}

func (m *memService) Get(_ context.Context, digest [storepath.DigestSize]byte) (*PathInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pi, ok := m.data[digest]
	if !ok {
		return nil, castoreerr.NotFound
	}
	return pi, nil
}

func (m *memService) Put(_ context.Context, pi *PathInfo) error {
	if err := pi.Validate(); err != nil {
		return fmt.Errorf("%w: %s", castoreerr.InvalidRequest, err)
	}

	m.mu.Lock()
	m.data[pi.StorePath.Digest] = pi
	m.mu.Unlock()

	return nil
}
