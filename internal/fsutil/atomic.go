package fsutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TempSuffix marks files that were being written and never published.
const TempSuffix = ".tmp"

// WriteFileAtomic writes path by streaming into a temporary sibling, syncing it,
// renaming it over path and syncing the directory. Readers observe either the
// previous content or the complete new content. On error the temporary file is
// removed and path is untouched.
func WriteFileAtomic(fsys FileSystem, path string, write func(w io.Writer) error) error {
	tmp, err := WriteTemp(fsys, path, write)
	if err != nil {
		return err
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return fmt.Errorf("publish %s: %w", path, err)
	}
	if err := SyncDir(fsys, filepath.Dir(path)); err != nil {
		return fmt.Errorf("sync dir %s: %w", filepath.Dir(path), err)
	}
	return nil
}

// WriteTemp writes and syncs the temporary sibling of path and returns its name.
// The caller publishes it with Rename or removes it.
func WriteTemp(fsys FileSystem, path string, write func(w io.Writer) error) (tmp string, err error) {
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	tmp = path + TempSuffix
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = fsys.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("flush %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", tmp, err)
	}
	return tmp, nil
}

// SyncDir syncs a directory so that renames and removals inside it are durable.
func SyncDir(fsys FileSystem, dir string) error {
	f, err := fsys.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}
