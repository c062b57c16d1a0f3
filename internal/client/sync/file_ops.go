package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

// tmpDirName is created below the internal dir of each root so renames into
// place never cross a filesystem boundary.
const tmpDirName = "tmp"

// writeFileVerified streams r into a temp file, checks the fingerprint, syncs
// it to disk and renames it over dst. On any failure dst is untouched.
func writeFileVerified(ctx context.Context, tmpDir, dst string, r io.Reader, expected string) (string, int64, error) {
	if err := utils.EnsureParent(dst); err != nil {
		return "", 0, fmt.Errorf("ensure parent: %w", err)
	}
	if err := utils.EnsureDir(tmpDir); err != nil {
		return "", 0, fmt.Errorf("ensure temp dir: %w", err)
	}

	tmpPath := filepath.Join(tmpDir, filepath.Base(dst)+"."+uuid.NewString()+".part")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	fp, size, err := HashReader(ctx, io.TeeReader(r, tmp))
	if err != nil {
		return "", 0, fmt.Errorf("write temp file: %w", err)
	}
	if expected != "" && fp != expected {
		return "", 0, fmt.Errorf("%w: expected %.12s got %.12s", ErrFingerprint, expected, fp)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", 0, fmt.Errorf("rename into place: %w", err)
	}

	success = true
	return fp, size, nil
}

// removeFile deletes a regular file. A missing file is not an error.
func removeFile(abs string) error {
	err := os.Remove(abs)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// moveFile renames src to dst, refusing to replace an existing dst.
func moveFile(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%w: target %s exists", ErrConflictDetected, dst)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := utils.EnsureParent(dst); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// currentFingerprint hashes the file at abs. exists is false when there is no
// regular file there.
func currentFingerprint(ctx context.Context, abs string) (fp string, exists bool, err error) {
	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !info.Mode().IsRegular() {
		return "", true, fmt.Errorf("%w: %s is not a regular file", ErrConflictDetected, abs)
	}
	fp, _, err = HashFile(ctx, abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", false, nil
	case err != nil:
		return "", true, err
	}
	return fp, true, nil
}

func cleanTmpDir(tmpDir string) error {
	entries, err := os.ReadDir(tmpDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tmpDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
