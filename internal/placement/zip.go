package placement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/oshokin/sd-builder/internal/logger"
	"github.com/oshokin/sd-builder/internal/manifest"
)

const (
	// maxExtractedFileSize caps one extracted file as a guard against
	// decompression bombs.
	maxExtractedFileSize = 256 << 20

	// extractDirMode is the permission for created extraction directories.
	extractDirMode = 0o755
)

// rootMergePrefixes are inner top-level directories whose contents map
// onto the card root when found at the head of an archive.
var rootMergePrefixes = []string{"sd/", "sdout/"}

// errEmptyArchive is returned for archives without a single file.
var errEmptyArchive = errors.New("archive contains no files")

// explodeZip extracts the archive into the scratch directory and returns
// entries with destinations chosen by the archive's internal layout:
//
//   - flat archives (no directories) land inside the package destination;
//   - archives whose first entry sits under sd/ or sdout/ merge that
//     inner tree onto the card root;
//   - every other archive is taken as a ready-made card tree and lands
//     at the root unchanged.
func (p *Placer) explodeZip(ctx context.Context, pkg manifest.Package, zipPath string) ([]Entry, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		// ErrInsecurePath hands back a usable reader; close it anyway,
		// escaping entries are never extracted.
		if reader != nil {
			_ = reader.Close()
		}

		return nil, err
	}
	defer reader.Close()

	if len(reader.File) == 0 {
		return nil, errEmptyArchive
	}

	var (
		flat        = isFlat(reader.File)
		mergePrefix = detectMergePrefix(reader.File[0].Name)
		extractDir  = filepath.Join(p.scratch, pkg.Name)
		entries     []Entry
	)

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}

		name := path.Clean(file.Name)
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("entry %q escapes the extraction root", file.Name)
		}

		var dest string

		switch {
		case flat:
			dest = path.Join(pkg.Destination(), path.Base(name))
		case mergePrefix != "":
			if !strings.HasPrefix(strings.ToLower(name), mergePrefix) {
				logger.DebugKV(ctx, "Skipping entry outside merged tree",
					"package", pkg.Name,
					"entry", file.Name)

				continue
			}

			dest = path.Clean(name[len(mergePrefix):])
			if dest == "." || dest == "" {
				continue
			}
		default:
			dest = name
		}

		source := filepath.Join(extractDir, filepath.FromSlash(name))
		if err = extractFile(file, source); err != nil {
			return nil, fmt.Errorf("extract %s: %w", file.Name, err)
		}

		entries = append(entries, Entry{
			Dest:       dest,
			Source:     source,
			Provenance: pkg.Name,
			Origin:     OriginPackage,
		})
	}

	if len(entries) == 0 {
		return nil, errEmptyArchive
	}

	return entries, nil
}

// isFlat reports whether no file of the archive sits inside a directory.
func isFlat(files []*zip.File) bool {
	for _, file := range files {
		if file.FileInfo().IsDir() {
			return false
		}

		if strings.Contains(file.Name, "/") {
			return false
		}
	}

	return true
}

// detectMergePrefix returns the lowercase root-merge prefix the archive's
// first entry sits under, or "" when the archive has none.
func detectMergePrefix(firstName string) string {
	lower := strings.ToLower(firstName)

	for _, prefix := range rootMergePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return prefix
		}
	}

	return ""
}

// extractFile streams one archive entry to the given location.
func extractFile(file *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), extractDirMode); err != nil {
		return err
	}

	in, err := file.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	written, copyErr := io.Copy(out, io.LimitReader(in, maxExtractedFileSize+1))
	closeErr := out.Close()

	if copyErr != nil {
		return copyErr
	}

	if closeErr != nil {
		return closeErr
	}

	if written > maxExtractedFileSize {
		return fmt.Errorf("entry %q exceeds the size limit", file.Name)
	}

	return nil
}
