// Package bridgeserver implements the nar-bridge HTTP surface: PUT/GET
// of .nar files and .narinfo files, backed directly by a
// BlobService/DirectoryService/PathInfoService triple rather than a
// gRPC client stub, since this repo runs all three services in the
// same process.
package bridgeserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/tvix-contrib/tvix-go/pkg/b3digest"
	"github.com/tvix-contrib/tvix-go/pkg/blobservice"
	"github.com/tvix-contrib/tvix-go/pkg/castore"
	"github.com/tvix-contrib/tvix-go/pkg/directoryservice"
	nardwriter "github.com/tvix-contrib/tvix-go/pkg/nar/writer"
	"github.com/tvix-contrib/tvix-go/pkg/narinfo"
	"github.com/tvix-contrib/tvix-go/pkg/nixbase32"
	"github.com/tvix-contrib/tvix-go/pkg/pathinfoservice"
	"github.com/tvix-contrib/tvix-go/pkg/storepath"

	"github.com/tvix-contrib/tvix-go/pkg/ingest"
)

// Server is a chi-routed HTTP binary cache frontend: PUT a .nar, PUT
// its matching .narinfo, and both become GET-able afterwards.
type Server struct {
	srv     *http.Server
	handler chi.Router

	blobs     blobservice.BlobService
	dirs      directoryservice.DirectoryService
	pathInfos pathinfoservice.PathInfoService

	// A narinfo references its NAR by sha256, but the two are uploaded
	// as separate requests; this holds completed-NAR root nodes until
	// the matching narinfo arrives to pair them up, the same way the
	// teacher bridge does.
	narDbMu sync.Mutex
	narDb   map[string]*narUpload
}

type narUpload struct {
	rootNode *castore.Node
	narSize  uint64
}

// New builds the router. priority is advertised in /nix-cache-info.
func New(blobs blobservice.BlobService, dirs directoryservice.DirectoryService, pathInfos pathinfoservice.PathInfoService, priority int, accessLog bool) *Server {
	s := &Server{
		blobs:     blobs,
		dirs:      dirs,
		pathInfos: pathInfos,
		narDb:     make(map[string]*narUpload),
	}

	r := chi.NewRouter()
	if accessLog {
		r.Use(middleware.Logger)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tvix-go nar-bridge"))
	})
	r.Get("/nix-cache-info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "StoreDir: /nix/store\nWantMassQuery: 1\nPriority: %d\n", priority)
	})

	r.Put("/nar/{narhash}.nar", s.putNar)
	r.Get("/nar/{narhash}.nar", s.getNar)
	r.Put("/{storepathhash}.narinfo", s.putNarinfo)
	r.Get("/{storepathhash}.narinfo", s.getNarinfo)

	s.handler = r
	return s
}

// ListenAndServe starts serving and blocks until the listener closes.
// An addr containing a slash is treated as a unix socket path.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  500 * time.Second,
		WriteTimeout: 500 * time.Second,
		IdleTimeout:  500 * time.Second,
	}

	network := "tcp"
	if strings.Contains(addr, "/") {
		network = "unix"
	}
	listener, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	log.WithField("addr", addr).Info("nar-bridge listening")
	return s.srv.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) putNar(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ctx := r.Context()

	narHashFromURL, err := nixbase32.Decode(chi.URLParam(r, "narhash"))
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("decoding narhash from URL: %w", err))
		return
	}

	blobCb := func(ctx context.Context, br io.Reader) (b3digest.Digest, error) {
		bw, err := s.blobs.Put(ctx)
		if err != nil {
			return b3digest.Digest{}, err
		}
		if _, err := io.Copy(bw, br); err != nil {
			return b3digest.Digest{}, err
		}
		return bw.Close()
	}
	dirCb := func(ctx context.Context, d *castore.Directory) (b3digest.Digest, error) {
		return s.dirs.Put(ctx, d)
	}

	result, err := ingest.NAR(ctx, r.Body, blobCb, dirCb)
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("importing NAR: %w", err))
		return
	}

	if !bytes.Equal(result.NARSha256[:], narHashFromURL) {
		httpError(w, http.StatusBadRequest, fmt.Errorf("received NAR's hash does not match the URL"))
		return
	}

	s.narDbMu.Lock()
	s.narDb[nixbase32.Encode(result.NARSha256[:])] = &narUpload{rootNode: result.Root, narSize: result.NARSize}
	s.narDbMu.Unlock()
}

func (s *Server) getNar(w http.ResponseWriter, r *http.Request) {
	narHash, err := nixbase32.Decode(chi.URLParam(r, "narhash"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	s.narDbMu.Lock()
	upload, ok := s.narDb[nixbase32.Encode(narHash)]
	s.narDbMu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, fmt.Errorf("no NAR with this hash"))
		return
	}

	dirLookup := func(d b3digest.Digest) (*castore.Directory, error) {
		return s.dirs.Get(r.Context(), d)
	}
	blobOpen := func(d b3digest.Digest) (io.Reader, error) {
		return s.blobs.Open(r.Context(), d)
	}

	w.Header().Set("Content-Type", "application/x-nix-archive")
	if err := nardwriter.WriteNAR(w, upload.rootNode, dirLookup, blobOpen); err != nil {
		log.WithError(err).Error("error writing NAR")
	}
}

func (s *Server) putNarinfo(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	ni, err := narinfo.Parse(string(body))
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("parsing narinfo: %w", err))
		return
	}

	sp, err := storepath.Parse(storeNameFromPath(ni.StorePath))
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid store path in narinfo: %w", err))
		return
	}

	narHashBytes, err := nixbase32.Decode(strings.TrimPrefix(ni.NarHash, "sha256:"))
	if err != nil || len(narHashBytes) != 32 {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid NarHash in narinfo"))
		return
	}

	s.narDbMu.Lock()
	upload, ok := s.narDb[nixbase32.Encode(narHashBytes)]
	s.narDbMu.Unlock()
	if !ok {
		httpError(w, http.StatusBadRequest, fmt.Errorf("no NAR uploaded yet for this narinfo's NarHash"))
		return
	}

	references := make([][storepath.DigestSize]byte, len(ni.References))
	for i, refName := range ni.References {
		refSP, err := storepath.Parse(refName)
		if err != nil {
			httpError(w, http.StatusBadRequest, fmt.Errorf("invalid reference %q: %w", refName, err))
			return
		}
		references[i] = refSP.Digest
	}

	sigs := make([]pathinfoservice.Signature, 0, len(ni.Signatures))
	for _, sig := range ni.Signatures {
		name, b64, ok := strings.Cut(sig, ":")
		if !ok {
			httpError(w, http.StatusBadRequest, fmt.Errorf("malformed Sig line %q", sig))
			return
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			httpError(w, http.StatusBadRequest, fmt.Errorf("malformed Sig line %q: %w", sig, err))
			return
		}
		sigs = append(sigs, pathinfoservice.Signature{KeyName: name, Signature: data})
	}

	var narSha256 [32]byte
	copy(narSha256[:], narHashBytes)

	pi := &pathinfoservice.PathInfo{
		StorePath:  sp,
		Node:       upload.rootNode,
		References: references,
		Narinfo: &pathinfoservice.NarInfo{
			NarSize:        ni.NarSize,
			NarSha256:      narSha256,
			ReferenceNames: ni.References,
			Signatures:     sigs,
			Deriver:        ni.Deriver,
		},
	}

	if err := s.pathInfos.Put(r.Context(), pi); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("storing pathinfo: %w", err))
		return
	}
}

func (s *Server) getNarinfo(w http.ResponseWriter, r *http.Request) {
	digestBytes, err := nixbase32.Decode(chi.URLParam(r, "storepathhash"))
	if err != nil || len(digestBytes) != storepath.DigestSize {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid store path hash in URL"))
		return
	}
	var digest [storepath.DigestSize]byte
	copy(digest[:], digestBytes)

	pi, err := s.pathInfos.Get(r.Context(), digest)
	if err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}

	references := make([]string, len(pi.Narinfo.ReferenceNames))
	copy(references, pi.Narinfo.ReferenceNames)

	sigs := make([]string, len(pi.Narinfo.Signatures))
	for i, sig := range pi.Narinfo.Signatures {
		sigs[i] = sig.KeyName + ":" + base64.StdEncoding.EncodeToString(sig.Signature)
	}

	ni := &narinfo.NarInfo{
		StorePath:   pi.StorePath.Absolute(),
		URL:         "nar/" + nixbase32.Encode(pi.Narinfo.NarSha256[:]) + ".nar",
		Compression: "none",
		NarHash:     "sha256:" + nixbase32.Encode(pi.Narinfo.NarSha256[:]),
		NarSize:     pi.Narinfo.NarSize,
		References:  references,
		Deriver:     pi.Narinfo.Deriver,
		Signatures:  sigs,
	}

	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	_, _ = io.WriteString(w, ni.String())
}

func storeNameFromPath(absolutePath string) string {
	return strings.TrimPrefix(absolutePath, "/nix/store/")
}

func httpError(w http.ResponseWriter, status int, err error) {
	log.WithError(err).WithField("status", status).Error("request failed")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(err.Error()))
}
