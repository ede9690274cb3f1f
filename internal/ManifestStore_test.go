package internal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFileManifestStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	store, err := NewFileManifestStore(dir)
	if err != nil {
		t.Fatalf("NewFileManifestStore() error = %v", err)
	}

	if _, ok, err := store.LoadCachedManifest("Game-Live"); ok || err != nil {
		t.Fatalf("LoadCachedManifest() on empty store = %v, %v", ok, err)
	}

	m := sampleManifest(t)
	if err := store.SaveManifest("Game-Live", m); err != nil {
		t.Fatalf("SaveManifest() error = %v", err)
	}
	got, ok, err := store.LoadCachedManifest("Game-Live")
	if err != nil || !ok {
		t.Fatalf("LoadCachedManifest() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(viewOf(m), viewOf(got)); diff != "" {
		t.Errorf("cached manifest mismatch (-want +got):\n%s", diff)
	}

	// deployments do not share a blob
	if _, ok, _ := store.LoadCachedManifest("Game-Beta"); ok {
		t.Error("Game-Beta found a cached manifest")
	}

	next := mustManifest(t, "2.0.2", ContentOrigin{}, ChunkManifest{ChunkID: 1, Files: []FileEntry{xxhFile("x", []byte("x"))}})
	if err := store.SaveManifest("Game-Live", next); err != nil {
		t.Fatal(err)
	}
	got, _, _ = store.LoadCachedManifest("Game-Live")
	if got.BuildID() != "2.0.2" {
		t.Errorf("BuildID() = %s after overwrite, want 2.0.2", got.BuildID())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if diff := cmp.Diff([]string{"Game-Live.manifest"}, names); diff != "" {
		t.Errorf("cache directory mismatch (-want +got):\n%s", diff)
	}
}

func TestFileManifestStoreCorruptBlob(t *testing.T) {
	store, err := NewFileManifestStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, _ := store.ManifestPath("Game-Live")
	if err := os.WriteFile(p, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, ok, err := store.LoadCachedManifest("Game-Live")
	var pe *ParseError
	if ok || !errors.As(err, &pe) {
		t.Errorf("LoadCachedManifest() = %v, %v, want *ParseError", ok, err)
	}
}

func TestFileManifestStoreInvalidName(t *testing.T) {
	store, err := NewFileManifestStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		if _, _, err := store.LoadCachedManifest(name); err == nil {
			t.Errorf("LoadCachedManifest(%q) succeeded", name)
		}
		if err := store.SaveManifest(name, sampleManifest(t)); err == nil {
			t.Errorf("SaveManifest(%q) succeeded", name)
		}
	}
	if _, err := NewFileManifestStore(""); err == nil {
		t.Error("NewFileManifestStore(\"\") succeeded")
	}
}

func TestMemoryManifestStore(t *testing.T) {
	store := NewMemoryManifestStore()
	m := sampleManifest(t)
	if err := store.SaveManifest("d", m); err != nil {
		t.Fatal(err)
	}
	got, ok, err := store.LoadCachedManifest("d")
	if err != nil || !ok {
		t.Fatalf("LoadCachedManifest() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(viewOf(m), viewOf(got)); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
	if got := store.SaveCount(); got != 1 {
		t.Errorf("SaveCount() = %d, want 1", got)
	}

	store.Put("d", []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00})
	if _, ok, err := store.LoadCachedManifest("d"); ok || err == nil {
		t.Errorf("corrupt blob loaded: %v, %v", ok, err)
	}
}
