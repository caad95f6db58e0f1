// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package backup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fleetwarden/fleetwarden/internal/logging"
	"github.com/fleetwarden/fleetwarden/internal/security"
)

// keyFilePattern names ephemeral transport key files so the crash-recovery
// sweep can find leftovers from an earlier process.
const keyFilePattern = "fleetwarden-key-*"

// materializeKey writes the transport key to a permission-restricted
// temporary file and returns its path together with a cleanup func. The
// caller must invoke cleanup on every exit path. Any failure is a
// SecretHandlingError; a half-written key file is removed before the
// error is returned.
func materializeKey(key security.Secret) (string, func(), error) {
	f, err := os.CreateTemp("", keyFilePattern)
	if err != nil {
		return "", nil, &SecretHandlingError{Op: "create key file", Err: err}
	}
	path := f.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			// Leftovers are caught by the next CleanupStaleKeyFiles sweep.
			logging.Warnf("backup: could not remove key file %s: %v", path, err)
		}
	}

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		cleanup()
		return "", nil, &SecretHandlingError{Op: "restrict key file", Err: err}
	}
	if _, err := f.Write(key.Bytes()); err != nil {
		f.Close()
		cleanup()
		return "", nil, &SecretHandlingError{Op: "write key file", Err: err}
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, &SecretHandlingError{Op: "close key file", Err: err}
	}
	return path, cleanup, nil
}

// CleanupStaleKeyFiles removes transport key files a crashed process left
// behind. Returns how many files it removed.
func CleanupStaleKeyFiles() (int, error) {
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), keyFilePattern))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}
