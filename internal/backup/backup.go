// Package backup exports the current repository generation as a zstd-compressed
// tar archive and restores it into an empty directory.
package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/fsutil"
	"github.com/hyperjump/kanshou/internal/repository"
)

// Ext is the archive file extension.
const Ext = ".tar.zst"

// maxEntrySize bounds a single archived file when restoring.
const maxEntrySize = 16 << 30

// Info describes an archive.
type Info struct {
	Generation uint64
	Artworks   int
	Dimension  int
	Files      []string
	Bytes      int64
}

// Name returns the conventional archive name for a generation.
func Name(generation uint64, at time.Time) string {
	return fmt.Sprintf("kanshou-%06d-%s%s", generation, at.UTC().Format("20060102T150405Z"), Ext)
}

// Export writes the repository's current generation to w. Commits wait until
// the export has finished so the archived files stay consistent.
func Export(ctx context.Context, repo *repository.Repository, w io.Writer) (*Info, error) {
	var info *Info
	err := repo.WithFiles(func(snap *repository.Snapshot, files []string) error {
		if snap.Generation == 0 {
			return errs.EmptyStore()
		}
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		tw := tar.NewWriter(enc)

		info = &Info{Generation: snap.Generation, Artworks: snap.Len(), Dimension: snap.Dimension()}
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				_ = enc.Close()
				return err
			}
			n, err := addFile(tw, path)
			if err != nil {
				_ = enc.Close()
				return err
			}
			info.Files = append(info.Files, filepath.Base(path))
			info.Bytes += n
		}
		if err := tw.Close(); err != nil {
			_ = enc.Close()
			return fmt.Errorf("close tar: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("close zstd: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func addFile(tw *tar.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	hdr := &tar.Header{
		Name:    filepath.Base(path),
		Mode:    0o644,
		Size:    st.Size(),
		ModTime: st.ModTime(),
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("write header %s: %w", hdr.Name, err)
	}
	n, err := io.Copy(tw, f)
	if err != nil {
		return 0, fmt.Errorf("archive %s: %w", hdr.Name, err)
	}
	return n, nil
}

// ExportFile writes the archive to path atomically.
func ExportFile(ctx context.Context, repo *repository.Repository, path string) (*Info, error) {
	var info *Info
	err := fsutil.WriteFileAtomic(fsutil.Default, path, func(w io.Writer) error {
		var err error
		info, err = Export(ctx, repo, w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Restore unpacks an archive into dir, which must be missing or empty, and
// opens the result to prove it loads. MANIFEST is written last so an
// interrupted restore leaves no committed generation behind.
func Restore(ctx context.Context, r io.Reader, dir string) (*Info, error) {
	if err := ensureEmpty(dir); err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	var (
		manifest []byte
		files    []string
		total    int64
	)
	tr := tar.NewReader(dec)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.Corrupt("archive", "read tar: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := hdr.Name
		if name != filepath.Base(name) || strings.HasPrefix(name, ".") || name == "" {
			return nil, errs.Corrupt("archive", "unexpected entry %q", hdr.Name)
		}
		if hdr.Size < 0 || hdr.Size > maxEntrySize {
			return nil, errs.Corrupt("archive", "entry %q has size %d", name, hdr.Size)
		}
		if name == repository.ManifestName {
			manifest, err = io.ReadAll(io.LimitReader(tr, hdr.Size))
			if err != nil {
				return nil, errs.Corrupt("archive", "read %s: %v", name, err)
			}
			continue
		}
		n, err := extract(tr, filepath.Join(dir, name), hdr.Size)
		if err != nil {
			return nil, err
		}
		files = append(files, name)
		total += n
	}
	if manifest == nil {
		return nil, errs.Corrupt("archive", "no %s entry", repository.ManifestName)
	}
	err = fsutil.WriteFileAtomic(fsutil.Default, filepath.Join(dir, repository.ManifestName), func(w io.Writer) error {
		_, err := w.Write(manifest)
		return err
	})
	if err != nil {
		return nil, err
	}

	repo, err := repository.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("verify restored repository: %w", err)
	}
	snap := repo.Snapshot()
	return &Info{
		Generation: snap.Generation,
		Artworks:   snap.Len(),
		Dimension:  snap.Dimension(),
		Files:      append(files, repository.ManifestName),
		Bytes:      total + int64(len(manifest)),
	}, nil
}

// RestoreFile restores the archive at path into dir.
func RestoreFile(ctx context.Context, path, dir string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return Restore(ctx, f, dir)
}

func extract(r io.Reader, path string, size int64) (int64, error) {
	var n int64
	err := fsutil.WriteFileAtomic(fsutil.Default, path, func(w io.Writer) error {
		var err error
		n, err = io.Copy(w, io.LimitReader(r, size))
		if err != nil {
			return errs.Corrupt("archive", "extract %s: %v", filepath.Base(path), err)
		}
		if n != size {
			return errs.Corrupt("archive", "%s truncated: %d of %d bytes", filepath.Base(path), n, size)
		}
		return nil
	})
	return n, err
}

func ensureEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	if len(entries) > 0 {
		return errs.Invalid(errs.CodeRecordInvalid, "restore target %s is not empty", dir)
	}
	return nil
}
