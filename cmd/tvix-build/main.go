// Command tvix-build runs a single derivation through the OCI build
// driver, given as a small JSON description (derivations aren't parsed
// from ATerm here; no package in this repository parses ATerm).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/blobservice"
	"github.com/tvix-contrib/tvix-go/pkg/build"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
	"github.com/tvix-contrib/tvix-go/pkg/derivation"
	"github.com/tvix-contrib/tvix-go/pkg/directoryservice"
	"github.com/tvix-contrib/tvix-go/pkg/ingest"
)

var cli struct {
	LogLevel      string   `enum:"trace,debug,info,warn,error,fatal,panic" default:"info"`
	BundleRoot    string   `name:"bundle-root" help:"Directory bundles are assembled under" default:"/var/lib/tvix-build"`
	MaxConcurrent int64    `name:"max-concurrent" help:"Maximum simultaneous builds" default:"2"`
	Rootless      bool     `help:"Run builds in a rootless user namespace"`
	Derivation    string   `arg:"" help:"Path to a JSON-encoded derivation"`
	Input         []string `help:"Extra local path to ingest as a named input, in host:name form"`
}

func main() {
	_ = kong.Parse(&cli)

	logLevel, err := logrus.ParseLevel(cli.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	logrus.SetLevel(logLevel)

	ctx := context.Background()

	raw, err := os.ReadFile(cli.Derivation)
	if err != nil {
		log.WithError(err).Fatal("reading derivation file")
	}

	var d derivation.Derivation
	if err := json.Unmarshal(raw, &d); err != nil {
		log.WithError(err).Fatal("parsing derivation JSON")
	}

	blobs := blobservice.NewMemory()
	dirs := directoryservice.NewMemory()

	blobCb := func(ctx context.Context, r io.Reader) (b3digest.Digest, error) {
		w, err := blobs.Put(ctx)
		if err != nil {
			return b3digest.Digest{}, err
		}
		if _, err := io.Copy(w, r); err != nil {
			return b3digest.Digest{}, err
		}
		return w.Close()
	}
	dirCb := func(ctx context.Context, dir *castore.Directory) (b3digest.Digest, error) {
		return dirs.Put(ctx, dir)
	}

	var inputs []*castore.Node
	for _, spec := range cli.Input {
		host, name, err := splitInputSpec(spec)
		if err != nil {
			log.WithError(err).Fatal("invalid --input")
		}

		root, err := ingest.Filesystem(ctx, host, blobCb, dirCb)
		if err != nil {
			log.WithError(err).WithField("path", host).Fatal("ingesting input")
		}

		inputs = append(inputs, castore.Renamed(root, []byte(name)))
	}

	req, err := build.TranslateDerivation(&d, inputs)
	if err != nil {
		log.WithError(err).Fatal("translating derivation")
	}

	driver := build.NewDriver(blobs, dirs, cli.BundleRoot, cli.MaxConcurrent)
	driver.Rootless = cli.Rootless

	result, err := driver.Build(ctx, req)
	if err != nil {
		log.WithError(err).Fatal("build failed")
	}

	for path, node := range result.Outputs {
		log.WithField("output", path).WithField("node", string(node.Name())).Info("output ready")
	}
}

func splitInputSpec(spec string) (host, name string, err error) {
	h, n, ok := strings.Cut(spec, ":")
	if !ok {
		return "", "", fmt.Errorf("expected host:name, got %q", spec)
	}
	return h, n, nil
}
