// Package mirror serves an offline package cache as a read-only npm registry.
//
// After a materialization run the offline cache holds every tarball of the
// lockfile. A mirror over that directory answers the same version queries
// the resolver sends to a real registry, so a second build (or any npm client
// configured with --registry) can run with no network access:
//
//	GET /{name}/{version}      version record, tarball pointing back here
//	GET /@scope/{name}/{version}
//	GET /-/tarballs/{digest}   cached tarball by hex SHA-512
//	GET /-/ping                liveness
package mirror

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matzehuels/pkgstage/pkg/cache"
	"github.com/matzehuels/pkgstage/pkg/pkgref"
)

// Server is an http.Handler exposing a cache as a registry.
type Server struct {
	// BaseURL is the externally visible mirror URL used in tarball links.
	// When empty it is derived from each request's Host header.
	BaseURL string

	cache  cache.Cache
	logger *log.Logger
	router chi.Router
}

// New creates a mirror over c. A nil logger uses log.Default().
func New(c cache.Cache, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{cache: c, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/-/ping", s.handlePing)
	r.Get("/-/tarballs/{digest}", s.handleTarball)
	r.Get("/{name}/{version}", s.handleVersion)
	r.Get("/{scope}/{name}/{version}", s.handleScopedVersion)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("serving offline mirror", "addr", ln.Addr().String(), "cache", s.cache.Dir())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "bytes", ww.BytesWritten(), "duration", time.Since(start))
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct{}{})
}

// record mirrors the subset of a registry version document the resolver reads.
type record struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Dist    dist   `json:"dist"`
}

type dist struct {
	Tarball   string `json:"tarball"`
	Integrity string `json:"integrity"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	// Scoped names arrive escaped as "@scope%2fname".
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid package name")
		return
	}
	s.serveVersion(w, r, name, chi.URLParam(r, "version"))
}

func (s *Server) handleScopedVersion(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if !strings.HasPrefix(scope, "@") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.serveVersion(w, r, scope+"/"+chi.URLParam(r, "name"), chi.URLParam(r, "version"))
}

func (s *Server) serveVersion(w http.ResponseWriter, r *http.Request, name, version string) {
	ctx := r.Context()

	var (
		entry *cache.Entry
		found bool
		err   error
	)
	if version == pkgref.Latest {
		entry, found, err = s.newest(ctx, name)
	} else {
		entry, found, err = s.cache.Lookup(ctx, name, version)
	}
	if err != nil {
		s.logger.Error("cache lookup failed", "package", cache.Key(name, version), "err", err)
		writeError(w, http.StatusInternalServerError, "cache lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "version not found: "+cache.Key(name, version))
		return
	}

	writeJSON(w, http.StatusOK, record{
		Name:    entry.Name,
		Version: entry.Version,
		Dist: dist{
			Tarball:   s.baseURL(r) + "/-/tarballs/" + entry.Digest,
			Integrity: entry.Integrity,
		},
	})
}

// newest returns the most recently added entry for name.
func (s *Server) newest(ctx context.Context, name string) (*cache.Entry, bool, error) {
	entries, err := s.cache.Entries(ctx)
	if err != nil {
		return nil, false, err
	}
	var best *cache.Entry
	for _, e := range entries {
		if e.Name == name && (best == nil || e.Time.After(best.Time)) {
			best = e
		}
	}
	return best, best != nil, nil
}

func (s *Server) handleTarball(w http.ResponseWriter, r *http.Request) {
	hexDigest := chi.URLParam(r, "digest")
	rc, err := s.cache.Open(r.Context(), hexDigest)
	switch {
	case os.IsNotExist(err):
		writeError(w, http.StatusNotFound, "tarball not found")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if rs, ok := rc.(io.ReadSeeker); ok {
		// Supports Range requests, so interrupted downloads resume.
		http.ServeContent(w, r, hexDigest+".tgz", time.Time{}, rs)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("tarball stream interrupted", "digest", hexDigest, "err", err)
	}
}

func (s *Server) baseURL(r *http.Request) string {
	if s.BaseURL != "" {
		return strings.TrimSuffix(s.BaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers in the registry's error shape.
func writeError(w http.ResponseWriter, status int, summary string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"summary": summary}})
}
