package build

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	runc "github.com/containerd/go-runc"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/blobservice"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
	"github.com/tvix-contrib/tvix-go/pkg/directoryservice"
	"github.com/tvix-contrib/tvix-go/pkg/ingest"
	"github.com/tvix-contrib/tvix-go/pkg/refscan"
)

// DefaultConcurrentBuilds bounds how many builds this driver runs at
// once, independent of how many Build calls are in flight.
const DefaultConcurrentBuilds = 2

// Result is what a finished build produced: one castore root node per
// requested output path, plus which refscan needles (by index into the
// originating Request's RefscanNeedles) were found in each.
type Result struct {
	Outputs       map[string]*castore.Node
	NeedleMatches map[string][]bool
}

// Driver runs Requests through runc inside freshly assembled OCI
// bundles, each with its inputs exposed through a read-only FUSE mount
// rather than copied onto disk.
type Driver struct {
	runc  *runc.Runc
	blobs blobservice.BlobService
	dirs  directoryservice.DirectoryService
	sem   *semaphore.Weighted

	// BundleRoot is the directory under which every build gets its own
	// <uuid> subdirectory. Left behind after the build for inspection
	// unless Cleanup is set.
	BundleRoot string
	Cleanup    bool
	Rootless   bool
}

// NewDriver returns a Driver that runs up to maxConcurrent builds at
// once (DefaultConcurrentBuilds if zero or negative).
func NewDriver(blobs blobservice.BlobService, dirs directoryservice.DirectoryService, bundleRoot string, maxConcurrent int64) *Driver {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultConcurrentBuilds
	}
	return &Driver{
		runc:       &runc.Runc{Command: "runc", Log: filepath.Join(bundleRoot, "runc.log")},
		blobs:      blobs,
		dirs:       dirs,
		sem:        semaphore.NewWeighted(maxConcurrent),
		BundleRoot: bundleRoot,
	}
}

// Build runs req end to end: bundle assembly, FUSE mount of inputs,
// runc invocation, and ingestion + reference scanning of every
// requested output. It blocks until a build slot is free.
func (d *Driver) Build(ctx context.Context, req *Request) (*Result, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a build slot: %w", err)
	}
	defer d.sem.Release(1)

	id := uuid.NewString()
	bundleDir := filepath.Join(d.BundleRoot, id)
	log := logrus.WithField("build_id", id)

	if d.Cleanup {
		defer os.RemoveAll(bundleDir)
	}

	if err := d.assembleBundle(ctx, bundleDir, req); err != nil {
		return nil, fmt.Errorf("assembling bundle %s: %w", id, err)
	}

	inputsDir := filepath.Join(bundleDir, "inputs")
	if err := os.MkdirAll(inputsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating inputs mountpoint: %w", err)
	}

	roots := make(map[string]*castore.Node, len(req.Inputs))
	for _, n := range req.Inputs {
		roots[string(n.Name())] = n
	}

	view, err := Mount(ctx, inputsDir, roots, d.blobs, d.dirs)
	if err != nil {
		return nil, fmt.Errorf("mounting input view: %w", err)
	}
	defer view.Unmount()

	log.Info("starting build")

	pio, err := runc.NewPipeIO(0, 0)
	if err != nil {
		return nil, fmt.Errorf("setting up build IO: %w", err)
	}
	defer pio.Close()

	var stdout, stderr bytes.Buffer
	var copyWG sync.WaitGroup
	copyWG.Add(2)
	go func() { defer copyWG.Done(); _, _ = stdout.ReadFrom(pio.Stdout()) }()
	go func() { defer copyWG.Done(); _, _ = stderr.ReadFrom(pio.Stderr()) }()

	status, err := d.runc.Run(ctx, id, bundleDir, &runc.CreateOpts{IO: pio})
	copyWG.Wait()
	if err != nil {
		return nil, fmt.Errorf("invoking runc: %w", err)
	}
	if status != 0 {
		return nil, fmt.Errorf("build %s exited with status %d:\n%s", id, status, stderr.String())
	}

	log.Info("build finished, ingesting outputs")

	pattern := refscan.NewPattern(req.RefscanNeedles)
	outputs := make(map[string]*castore.Node, len(req.Outputs))
	needleMatches := make(map[string][]bool, len(req.Outputs))
	for _, outPath := range req.Outputs {
		hostPath := filepath.Join(bundleDir, "rootfs", outPath)

		root, matches, err := d.ingestAndScan(ctx, hostPath, pattern)
		if err != nil {
			return nil, fmt.Errorf("ingesting output %q: %w", outPath, err)
		}
		outputs[outPath] = root
		needleMatches[outPath] = matches
	}

	return &Result{Outputs: outputs, NeedleMatches: needleMatches}, nil
}

// ingestAndScan ingests hostPath's tree and reference-scans every file
// as it streams through, sharing one scanner across the whole output so
// the returned bitset says which needles (typically input store path
// hashes) appear anywhere in it.
func (d *Driver) ingestAndScan(ctx context.Context, hostPath string, pattern *refscan.Pattern) (*castore.Node, []bool, error) {
	scanner := refscan.NewScanner(pattern)

	blobCb := func(ctx context.Context, r io.Reader) (b3digest.Digest, error) {
		sr := refscan.NewReaderWithScanner(scanner, r)

		w, err := d.blobs.Put(ctx)
		if err != nil {
			return b3digest.Digest{}, err
		}
		buf := make([]byte, 64*1024)
		for {
			n, rerr := sr.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return b3digest.Digest{}, werr
				}
			}
			if rerr != nil {
				break
			}
		}
		return w.Close()
	}

	dirCb := func(ctx context.Context, dir *castore.Directory) (b3digest.Digest, error) {
		return d.dirs.Put(ctx, dir)
	}

	root, err := ingest.Filesystem(ctx, hostPath, blobCb, dirCb)
	if err != nil {
		return nil, nil, err
	}
	return root, scanner.Matches(), nil
}

// assembleBundle writes config.json and creates the rootfs skeleton
// (the rootfs directory, scratch directories, and additional files) for
// one build. The inputs mountpoint is created by the caller.
func (d *Driver) assembleBundle(ctx context.Context, bundleDir string, req *Request) error {
	rootfs := filepath.Join(bundleDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return err
	}

	for _, scratch := range req.ScratchPaths {
		if err := os.MkdirAll(filepath.Join(bundleDir, "scratch", hashScratchName(scratch)), 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(rootfs, scratch), 0o755); err != nil {
			return err
		}
	}

	for _, f := range req.AdditionalFiles {
		dest := filepath.Join(rootfs, f.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, f.Contents, 0o644); err != nil {
			return err
		}
	}

	spec, err := BuildSpec(req, SpecOptions{
		Rootless:  d.Rootless,
		InputsDir: req.InputsDir,
	})
	if err != nil {
		return err
	}

	specBytes, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(bundleDir, "config.json"), specBytes, 0o644)
}

