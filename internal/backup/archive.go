// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// DirectoryPayload returns a PayloadSource that streams dir as a
// zstd-compressed tarball. The archive is produced on the fly through a
// pipe, so a large source tree never has to fit in memory.
func DirectoryPayload(dir string) PayloadSource {
	return func() (io.ReadCloser, error) {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("payload source %s: %w", dir, err)
		}

		pr, pw := io.Pipe()
		go func() {
			zw, err := zstd.NewWriter(pw)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("start compression: %w", err))
				return
			}
			tw := tar.NewWriter(zw)

			err = writeTree(tw, dir)
			if cerr := tw.Close(); err == nil {
				err = cerr
			}
			if cerr := zw.Close(); err == nil {
				err = cerr
			}
			pw.CloseWithError(err)
		}()
		return pr, nil
	}
}

func writeTree(tw *tar.Writer, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		// Symlinks and devices are skipped; the payload is a plain
		// file-tree capture.
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		return nil
	})
}
