package backup

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestDirectoryPayloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"notes.txt":       "hello",
		"etc/config.yaml": "listen: :8080\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	stream, err := DirectoryPayload(dir)()
	if err != nil {
		t.Fatalf("open payload: %v", err)
	}
	defer stream.Close()

	zr, err := zstd.NewReader(stream)
	if err != nil {
		t.Fatalf("open compression: %v", err)
	}
	defer zr.Close()

	seen := map[string]string{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read archive: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		seen[hdr.Name] = string(body)
	}

	for name, want := range files {
		if seen[name] != want {
			t.Errorf("%s = %q, want %q", name, seen[name], want)
		}
	}
}

func TestDirectoryPayloadMissingDir(t *testing.T) {
	if _, err := DirectoryPayload("/does/not/exist")(); err == nil {
		t.Fatal("expected error for missing source directory")
	}
}
