package engine

import (
	"archive/tar"
	"bytes"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"

	"github.com/matzehuels/pkgstage/pkg/config"
)

// testRegistry is an in-memory npm registry serving version records and
// tarballs.
type testRegistry struct {
	*httptest.Server

	mu        sync.Mutex
	versions  map[string]map[string][]byte // name -> version -> tarball
	latest    map[string]string
	tarballs  map[string][]byte // file -> tarball
	integrity map[string]string // name@version -> advertised SRI override

	tarballHits atomic.Int32
}

func newTestRegistry(t *testing.T) *testRegistry {
	t.Helper()
	r := &testRegistry{
		versions:  make(map[string]map[string][]byte),
		latest:    make(map[string]string),
		tarballs:  make(map[string][]byte),
		integrity: make(map[string]string),
	}
	r.Server = httptest.NewServer(r)
	t.Cleanup(r.Close)
	return r
}

func (r *testRegistry) add(t *testing.T, name, version string, files map[string]string) []byte {
	t.Helper()
	data := buildTarball(t, files)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.versions[name] == nil {
		r.versions[name] = make(map[string][]byte)
	}
	r.versions[name][version] = data
	r.latest[name] = version
	r.tarballs[tarballFile(name, version)] = data
	return data
}

func (r *testRegistry) setIntegrity(name, version, sri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrity[name+"@"+version] = sri
}

func tarballFile(name, version string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "@"), "/", "-") + "-" + version + ".tgz"
}

func sri(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}

func (r *testRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := req.URL.Path
	if file, ok := strings.CutPrefix(p, "/-/"); ok {
		data, found := r.tarballs[file]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		r.tarballHits.Add(1)
		http.ServeContent(w, req, file, time.Time{}, bytes.NewReader(data))
		return
	}

	i := strings.LastIndex(p, "/")
	name, version := p[1:i], p[i+1:]
	if version == "latest" {
		version = r.latest[name]
	}
	data, ok := r.versions[name][version]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"summary":"version not found: `+version+`"}}`)
		return
	}

	integrity := sri(data)
	if override, ok := r.integrity[name+"@"+version]; ok {
		integrity = override
	}
	json.NewEncoder(w).Encode(map[string]any{
		"name":    name,
		"version": version,
		"dist": map[string]any{
			"tarball":   r.URL + "/-/" + tarballFile(name, version),
			"integrity": integrity,
		},
	})
}

func buildTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		body := files[name]
		hdr := &tar.Header{Name: "package/" + name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(tw, body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestEngine(t *testing.T, registry string, w io.Writer) *Engine {
	t.Helper()
	if w == nil {
		w = io.Discard
	}
	cfg := config.Config{
		Registry:    registry,
		DownloadDir: t.TempDir(),
		RetryDelay:  config.Duration(time.Millisecond),
	}
	return New(cfg, log.New(w))
}
