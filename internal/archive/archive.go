package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/oshokin/sd-builder/internal/logger"
	"github.com/oshokin/sd-builder/internal/placement"
)

const (
	// defaultDirMode is the permission for created output directories.
	defaultDirMode = 0o755

	// defaultFilePermissions is the permission for materialized files.
	defaultFilePermissions = 0o644
)

// fixedModTime is stamped on every archive entry so packing the same
// tree twice yields identical bytes.
//
//nolint:gochecknoglobals // Shared constant timestamp.
var fixedModTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// PackError is returned when assembling the archive fails, typically
// because a staged source disappeared between placement and packing.
type PackError struct {
	// Dest is the card-relative entry that failed.
	Dest string
	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *PackError) Error() string {
	return fmt.Sprintf("pack %q: %v", e.Dest, e.Err)
}

// Unwrap exposes the underlying failure.
func (e *PackError) Unwrap() error {
	return e.Err
}

// Materialize copies the staging tree into dir. Files whose destination
// already holds identical content are left untouched.
func Materialize(ctx context.Context, staging *placement.Staging, dir string) error {
	for _, entry := range staging.Entries() {
		if err := ctx.Err(); err != nil {
			return err
		}

		dest := filepath.Join(dir, filepath.FromSlash(entry.Dest))

		same, err := sameContent(entry.Source, dest)
		if err != nil {
			return fmt.Errorf("compare %s: %w", entry.Dest, err)
		}

		if same {
			logger.DebugKV(ctx, "File unchanged, skipping", "dest", entry.Dest)

			continue
		}

		if err = copyFile(entry.Source, dest); err != nil {
			return fmt.Errorf("write %s: %w", entry.Dest, err)
		}
	}

	return nil
}

// Pack streams the staging tree as a zip archive to w. Entries appear in
// the tree's sorted order with fixed metadata.
func Pack(ctx context.Context, staging *placement.Staging, w io.Writer) error {
	zipWriter := zip.NewWriter(w)

	// Deflate through klauspost's encoder.
	zipWriter.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	for _, entry := range staging.Entries() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := packEntry(zipWriter, entry); err != nil {
			return err
		}
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}

	return nil
}

// PackFile writes the archive to path through a temporary file, so a
// failed pack never leaves a truncated archive behind.
func PackFile(ctx context.Context, staging *placement.Staging, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	temporary, err := os.CreateTemp(filepath.Dir(path), ".pack-*")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	packErr := Pack(ctx, staging, temporary)
	closeErr := temporary.Close()

	if packErr != nil || closeErr != nil {
		_ = os.Remove(temporary.Name())

		if packErr != nil {
			return packErr
		}

		return fmt.Errorf("close archive: %w", closeErr)
	}

	if err = os.Rename(temporary.Name(), path); err != nil {
		_ = os.Remove(temporary.Name())

		return fmt.Errorf("move archive into place: %w", err)
	}

	return nil
}

// packEntry writes a single staged file into the archive.
func packEntry(zipWriter *zip.Writer, entry placement.Entry) error {
	header := &zip.FileHeader{
		Name:     entry.Dest,
		Method:   zip.Deflate,
		Modified: fixedModTime,
	}

	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return &PackError{Dest: entry.Dest, Err: err}
	}

	source, err := os.Open(entry.Source)
	if err != nil {
		return &PackError{Dest: entry.Dest, Err: err}
	}

	_, copyErr := io.Copy(writer, source)
	closeErr := source.Close()

	if copyErr != nil {
		return &PackError{Dest: entry.Dest, Err: copyErr}
	}

	if closeErr != nil {
		return &PackError{Dest: entry.Dest, Err: closeErr}
	}

	return nil
}

// sameContent reports whether dest exists with exactly src's content.
// Sizes are compared first; hashes only run on equal sizes.
func sameContent(src, dest string) (bool, error) {
	destInfo, err := os.Stat(dest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}

	if destInfo.Size() != srcInfo.Size() {
		return false, nil
	}

	srcSum, err := hashFile(src)
	if err != nil {
		return false, err
	}

	destSum, err := hashFile(dest)
	if err != nil {
		return false, err
	}

	return srcSum == destSum, nil
}

// hashFile computes the xxhash digest of a file's content.
func hashFile(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	hasher := xxhash.New()
	if _, err = io.Copy(hasher, file); err != nil {
		return 0, err
	}

	return hasher.Sum64(), nil
}

// copyFile writes src's content to dest, creating parent directories.
func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), defaultDirMode); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaultFilePermissions)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()

	if copyErr != nil {
		return copyErr
	}

	return closeErr
}
