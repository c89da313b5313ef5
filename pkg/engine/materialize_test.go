package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matzehuels/pkgstage/pkg/cache"
	"github.com/matzehuels/pkgstage/pkg/errors"
	"github.com/matzehuels/pkgstage/pkg/lockfile"
	"github.com/matzehuels/pkgstage/pkg/observability"
)

func mustParse(t *testing.T, data string) *lockfile.Lockfile {
	t.Helper()
	lf, err := lockfile.Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return lf
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if string(data) != want {
		t.Errorf("%s = %q, want %q", path, data, want)
	}
}

func TestInstallPath(t *testing.T) {
	tests := []struct {
		path []string
		want string
	}{
		{[]string{"left-pad"}, filepath.Join("root", "left-pad")},
		{[]string{"A", "A1"}, filepath.Join("root", "A", "node_modules", "A1")},
		{[]string{"@s/a", "b", "c"}, filepath.Join("root", "@s", "a", "node_modules", "b", "node_modules", "c")},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.path, ">"), func(t *testing.T) {
			if got := InstallPath("root", tt.path); got != tt.want {
				t.Errorf("InstallPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMaterializeSingleDependency(t *testing.T) {
	reg := newTestRegistry(t)
	tarball := reg.add(t, "left-pad", "1.3.0", map[string]string{"index.js": "module.exports = leftPad"})

	e := newTestEngine(t, reg.URL, nil)
	lf := mustParse(t, `{"dependencies": {"left-pad": {"version": "1.3.0"}}}`)

	installRoot := filepath.Join(t.TempDir(), "node_modules")
	cacheDir := filepath.Join(t.TempDir(), "offline")

	deps, err := NewMaterializer(e).Materialize(context.Background(), lf, installRoot, cacheDir)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("len(deps) = %d, want 1", len(deps))
	}
	assertFile(t, filepath.Join(installRoot, "left-pad", "index.js"), "module.exports = leftPad")

	store, err := cache.NewFileCache(cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok, err := store.Lookup(context.Background(), "left-pad", "1.3.0")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v, want cached entry", ok, err)
	}
	if entry.Integrity != sri(tarball) {
		t.Errorf("entry.Integrity = %q, want %q", entry.Integrity, sri(tarball))
	}
	if entry.Size != int64(len(tarball)) {
		t.Errorf("entry.Size = %d, want %d", entry.Size, len(tarball))
	}
}

func TestMaterializeNestedOrder(t *testing.T) {
	reg := newTestRegistry(t)
	reg.add(t, "A", "1.0.0", map[string]string{"a.js": "A"})
	reg.add(t, "A1", "2.0.0", map[string]string{"a1.js": "A1"})
	reg.add(t, "B", "3.0.0", map[string]string{"b.js": "B"})

	e := newTestEngine(t, reg.URL, nil)
	lf := mustParse(t, `{
		"dependencies": {
			"A": {"version": "1.0.0", "dependencies": {"A1": {"version": "2.0.0"}}},
			"B": {"version": "3.0.0"}
		}
	}`)

	installRoot := filepath.Join(t.TempDir(), "node_modules")
	deps, err := NewMaterializer(e).Materialize(context.Background(), lf, installRoot, "")
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	var order []string
	for _, d := range deps {
		order = append(order, d.Node.Name)
	}
	if strings.Join(order, ",") != "A1,A,B" {
		t.Errorf("install order = %v, want [A1 A B]", order)
	}

	assertFile(t, filepath.Join(installRoot, "A", "a.js"), "A")
	assertFile(t, filepath.Join(installRoot, "A", "node_modules", "A1", "a1.js"), "A1")
	assertFile(t, filepath.Join(installRoot, "B", "b.js"), "B")
}

func TestMaterializeMissingVersionAborts(t *testing.T) {
	reg := newTestRegistry(t)
	reg.add(t, "left-pad", "1.2.0", map[string]string{"index.js": "old"})

	e := newTestEngine(t, reg.URL, nil)
	lf := mustParse(t, `{"dependencies": {"left-pad": {"version": "1.3.0"}}}`)

	installRoot := filepath.Join(t.TempDir(), "node_modules")
	_, err := NewMaterializer(e).Materialize(context.Background(), lf, installRoot, "")
	if err == nil {
		t.Fatal("Materialize() should fail for a missing version")
	}
	if !strings.Contains(err.Error(), "left-pad") {
		t.Errorf("error should name the dependency: %v", err)
	}
	if _, statErr := os.Stat(installRoot); !os.IsNotExist(statErr) {
		t.Error("install root should not exist after an aborted run")
	}
}

func TestMaterializeFailureRemovesPartialTree(t *testing.T) {
	reg := newTestRegistry(t)
	reg.add(t, "A1", "2.0.0", map[string]string{"a1.js": "A1"})

	e := newTestEngine(t, reg.URL, nil)
	lf := mustParse(t, `{
		"dependencies": {
			"A": {"version": "1.0.0", "dependencies": {"A1": {"version": "2.0.0"}}}
		}
	}`)

	installRoot := filepath.Join(t.TempDir(), "node_modules")
	if err := os.MkdirAll(installRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(installRoot, "stale"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewMaterializer(e).Materialize(context.Background(), lf, installRoot, "")
	if !errors.Is(err, errors.ErrCodeRegistryError) {
		t.Fatalf("Materialize() error = %v, want %s", err, errors.ErrCodeRegistryError)
	}
	if !strings.Contains(err.Error(), "dependency A") {
		t.Errorf("error should carry the node path: %v", err)
	}
	if _, statErr := os.Stat(installRoot); !os.IsNotExist(statErr) {
		t.Error("partial install tree should be removed")
	}
}

func TestMaterializeLockfileIntegrity(t *testing.T) {
	reg := newTestRegistry(t)
	reg.add(t, "left-pad", "1.3.0", map[string]string{"index.js": "x"})

	e := newTestEngine(t, reg.URL, nil)
	lf := mustParse(t, `{"dependencies": {"left-pad": {
		"version": "1.3.0",
		"integrity": "`+sri([]byte("not the tarball"))+`"
	}}}`)

	installRoot := filepath.Join(t.TempDir(), "node_modules")
	_, err := NewMaterializer(e).Materialize(context.Background(), lf, installRoot, "")
	if !errors.Is(err, errors.ErrCodeIntegrityMismatch) {
		t.Fatalf("Materialize() error = %v, want %s", err, errors.ErrCodeIntegrityMismatch)
	}
}

func TestMaterializeWipesCacheDir(t *testing.T) {
	reg := newTestRegistry(t)
	reg.add(t, "left-pad", "1.3.0", map[string]string{"index.js": "x"})

	e := newTestEngine(t, reg.URL, nil)
	lf := mustParse(t, `{"dependencies": {"left-pad": {"version": "1.3.0"}}}`)

	cacheDir := t.TempDir()
	stale := filepath.Join(cacheDir, "stale")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewMaterializer(e).Materialize(context.Background(), lf, filepath.Join(t.TempDir(), "out"), cacheDir); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("offline cache directory should be recreated from scratch")
	}
}

func TestMaterializeRefusesRoot(t *testing.T) {
	e := newTestEngine(t, "https://registry.npmjs.org", nil)
	lf := mustParse(t, `{"dependencies": {}}`)

	for _, root := range []string{"", string(filepath.Separator)} {
		_, err := NewMaterializer(e).Materialize(context.Background(), lf, root, "")
		if !errors.Is(err, errors.ErrCodeInvalidConfig) {
			t.Errorf("Materialize(%q) error = %v, want %s", root, err, errors.ErrCodeInvalidConfig)
		}
	}
}

func TestMaterializeRefusesServedCache(t *testing.T) {
	reg := newTestRegistry(t)
	reg.add(t, "left-pad", "1.3.0", map[string]string{"index.js": "x"})

	e := newTestEngine(t, reg.URL, nil)
	lf := mustParse(t, `{"dependencies": {"left-pad": {"version": "1.3.0"}}}`)

	served, err := cache.NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tarball := filepath.Join(t.TempDir(), "left-pad.tgz")
	if err := os.WriteFile(tarball, []byte("tarball"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := served.Add(context.Background(), "left-pad", "1.3.0", "", tarball); err != nil {
		t.Fatal(err)
	}
	unmark, err := served.MarkServing("http://127.0.0.1:4873")
	if err != nil {
		t.Fatal(err)
	}
	defer unmark()

	_, err = NewMaterializer(e).Materialize(context.Background(), lf, filepath.Join(t.TempDir(), "out"), served.Dir())
	if !errors.Is(err, errors.ErrCodeInvalidConfig) {
		t.Fatalf("Materialize() error = %v, want %s", err, errors.ErrCodeInvalidConfig)
	}
	if _, ok, _ := served.Lookup(context.Background(), "left-pad", "1.3.0"); !ok {
		t.Error("served cache should be left intact")
	}
	if reg.tarballHits.Load() != 0 {
		t.Error("nothing should be downloaded when the cache directory is refused")
	}

	if err := unmark(); err != nil {
		t.Fatal(err)
	}
	if _, err := NewMaterializer(e).Materialize(context.Background(), lf, filepath.Join(t.TempDir(), "out"), served.Dir()); err != nil {
		t.Errorf("Materialize() after the mirror stopped error = %v", err)
	}
}

func TestMaterializeRejectsNonNpmNames(t *testing.T) {
	e := newTestEngine(t, "https://registry.npmjs.org", nil)

	for _, name := range []string{".", "a/b", "_private"} {
		t.Run(name, func(t *testing.T) {
			parent := t.TempDir()
			root := filepath.Join(parent, "node_modules")
			lf := &lockfile.Lockfile{Roots: []*lockfile.Node{{Name: name, Version: "1.0.0", Path: []string{name}}}}

			_, err := NewMaterializer(e).Materialize(context.Background(), lf, root, "")
			if !errors.Is(err, errors.ErrCodeInvalidPackage) {
				t.Fatalf("Materialize() error = %v, want %s", err, errors.ErrCodeInvalidPackage)
			}
			if _, err := os.Stat(root); !os.IsNotExist(err) {
				t.Error("install root should be removed after the failure")
			}
		})
	}
}

func TestMaterializeCancelled(t *testing.T) {
	reg := newTestRegistry(t)
	reg.add(t, "left-pad", "1.3.0", map[string]string{"index.js": "x"})

	e := newTestEngine(t, reg.URL, nil)
	lf := mustParse(t, `{"dependencies": {"left-pad": {"version": "1.3.0"}}}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewMaterializer(e).Materialize(ctx, lf, filepath.Join(t.TempDir(), "out"), ""); err == nil {
		t.Fatal("Materialize() should fail on a cancelled context")
	}
	if reg.tarballHits.Load() != 0 {
		t.Error("no tarball should be downloaded after cancellation")
	}
}

type recordingHooks struct {
	observability.NoopEngineHooks
	mu    sync.Mutex
	runs  []string
	nodes int
}

func (h *recordingHooks) OnMaterialize(_ context.Context, runID string, nodeCount int, _ time.Duration, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, runID)
	h.nodes = nodeCount
}

func TestMaterializeHooks(t *testing.T) {
	hooks := &recordingHooks{}
	observability.SetEngineHooks(hooks)
	t.Cleanup(observability.Reset)

	reg := newTestRegistry(t)
	reg.add(t, "left-pad", "1.3.0", map[string]string{"index.js": "x"})

	e := newTestEngine(t, reg.URL, nil)
	lf := mustParse(t, `{"dependencies": {"left-pad": {"version": "1.3.0"}}}`)

	m := NewMaterializer(e)
	for range 2 {
		if _, err := m.Materialize(context.Background(), lf, filepath.Join(t.TempDir(), "out"), ""); err != nil {
			t.Fatal(err)
		}
	}

	if len(hooks.runs) != 2 || hooks.runs[0] == hooks.runs[1] {
		t.Errorf("runs = %v, want two distinct run IDs", hooks.runs)
	}
	if hooks.nodes != 1 {
		t.Errorf("nodeCount = %d, want 1", hooks.nodes)
	}
}
