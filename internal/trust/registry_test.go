package trust

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRegistry(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileRegistryLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	writeRegistry(t, path, "web-01: \"SHA256:abc\"\ndb-01: \"SHA256:def\"\n")
	r := NewFileRegistry(path)
	ctx := context.Background()

	fp, err := r.LookupFingerprint(ctx, "web-01")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if fp != "SHA256:abc" {
		t.Errorf("fingerprint = %s", fp)
	}

	if _, err := r.LookupFingerprint(ctx, "ghost"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("err = %v, want ErrUnknownIdentity", err)
	}
}

func TestFileRegistryReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	writeRegistry(t, path, "web-01: \"SHA256:abc\"\n")
	r := NewFileRegistry(path)
	ctx := context.Background()

	if _, err := r.LookupFingerprint(ctx, "web-01"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LookupFingerprint(ctx, "web-02"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("err = %v", err)
	}

	// Rewrite with a newer mtime; the next lookup picks it up.
	writeRegistry(t, path, "web-01: \"SHA256:abc\"\nweb-02: \"SHA256:new\"\n")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	fp, err := r.LookupFingerprint(ctx, "web-02")
	if err != nil {
		t.Fatalf("lookup after reload: %v", err)
	}
	if fp != "SHA256:new" {
		t.Errorf("fingerprint = %s", fp)
	}
}

func TestFileRegistryMissingFile(t *testing.T) {
	r := NewFileRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := r.LookupFingerprint(context.Background(), "web-01"); err == nil {
		t.Fatal("expected error for missing registry file")
	}
}
