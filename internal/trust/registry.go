// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package trust

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-yaml"
)

// FileRegistry answers fingerprint lookups from a YAML registry file
// maintained by provisioning. The file maps minion ids to fingerprints:
//
//	web-01: "SHA256:4f7a..."
//	db-01: "SHA256:91cc..."
//
// The file is re-read when its modification time changes, so a registry
// update does not require a restart.
type FileRegistry struct {
	path string

	mu      sync.Mutex
	loaded  map[string]string
	modTime int64
}

// NewFileRegistry returns a registry reading from path. The file is
// loaded lazily on first lookup.
func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

// LookupFingerprint returns the registered fingerprint for id, or
// ErrUnknownIdentity when the registry has no entry.
func (r *FileRegistry) LookupFingerprint(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return "", err
	}
	fp, ok := r.loaded[id]
	if !ok {
		return "", fmt.Errorf("registry has no entry for %s: %w", id, ErrUnknownIdentity)
	}
	return fp, nil
}

func (r *FileRegistry) refreshLocked() error {
	info, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("stat registry %s: %w", r.path, err)
	}
	mod := info.ModTime().UnixNano()
	if r.loaded != nil && mod == r.modTime {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry %s: %w", r.path, err)
	}
	entries := map[string]string{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	r.loaded = entries
	r.modTime = mod
	return nil
}
