package placement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/oshokin/sd-builder/internal/logger"
	"github.com/oshokin/sd-builder/internal/manifest"
)

// overlayVariantDirs are the top-level overlay directories that scope
// their contents to a single hardware variant.
var overlayVariantDirs = map[string]manifest.Variant{
	"erista": manifest.VariantErista,
	"mariko": manifest.VariantMariko,
}

// Placer turns downloaded assets and the overlay tree into a staging tree
// for one hardware variant.
type Placer struct {
	// active is the variant the build targets.
	active manifest.Variant
	// scratch is where zip contents are extracted for the run's lifetime.
	scratch string
}

// New creates a Placer. The scratch directory must outlive every use of
// the staging tree, because extracted zip entries reference it.
func New(active manifest.Variant, scratch string) *Placer {
	return &Placer{
		active:  active,
		scratch: scratch,
	}
}

// PlacePackage fans one downloaded asset out into the staging tree and
// applies the package's rename and remove rules. Zip assets are exploded
// according to their internal layout, everything else lands as a single
// file in the package's destination.
func (p *Placer) PlacePackage(ctx context.Context, staging *Staging, pkg manifest.Package, assetName, assetPath string) error {
	var (
		local []Entry
		err   error
	)

	if strings.EqualFold(path.Ext(assetName), ".zip") {
		local, err = p.explodeZip(ctx, pkg, assetPath)
		if err != nil {
			return fmt.Errorf("package %q: explode %s: %w", pkg.Name, assetName, err)
		}
	} else {
		local = []Entry{{
			Dest:       singleFileDest(pkg, assetName),
			Source:     assetPath,
			Provenance: pkg.Name,
			Origin:     OriginPackage,
		}}
	}

	p.applyRenames(ctx, pkg, local)

	for _, entry := range local {
		staging.add(ctx, entry)
	}

	p.applyRemoves(ctx, staging, pkg)

	logger.DebugKV(ctx, "Placed package",
		"package", pkg.Name,
		"files", len(local))

	return nil
}

// PlaceOverlays merges the overlay tree into the staging tree. Files
// under a top-level variant directory apply to that variant only, with
// the prefix stripped; everything else applies to both variants.
// A missing overlay directory is not an error.
func (p *Placer) PlaceOverlays(ctx context.Context, staging *Staging, overlayDir string) error {
	if _, err := os.Stat(overlayDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.DebugKV(ctx, "No overlay directory", "dir", overlayDir)

			return nil
		}

		return fmt.Errorf("stat overlay directory: %w", err)
	}

	walkErr := filepath.WalkDir(overlayDir, func(filePath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(overlayDir, filePath)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)
		dest := rel

		if first, rest, found := strings.Cut(rel, "/"); found {
			if variant, scoped := overlayVariantDirs[first]; scoped {
				if variant != p.active {
					return nil
				}

				dest = rest
			}
		}

		staging.add(ctx, Entry{
			Dest:       path.Clean(dest),
			Source:     filePath,
			Provenance: "overlay:" + rel,
			Origin:     OriginOverlay,
		})

		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walk overlay directory: %w", walkErr)
	}

	return nil
}

// applyRenames rewrites destination file names matching the package's
// variant-applicable rename rules.
func (p *Placer) applyRenames(ctx context.Context, pkg manifest.Package, entries []Entry) {
	for _, rule := range pkg.Rename {
		if !rule.Variant.AppliesTo(p.active) {
			continue
		}

		for i := range entries {
			base := path.Base(entries[i].Dest)

			ok, err := path.Match(rule.From, base)
			if err != nil || !ok {
				continue
			}

			renamed := path.Join(path.Dir(entries[i].Dest), rule.To)

			logger.DebugKV(ctx, "Renamed file",
				"package", pkg.Name,
				"from", entries[i].Dest,
				"to", renamed)

			entries[i].Dest = renamed
		}
	}
}

// applyRemoves drops the package's remove paths from the staging tree.
func (p *Placer) applyRemoves(ctx context.Context, staging *Staging, pkg manifest.Package) {
	for _, target := range pkg.Remove {
		cleaned := path.Clean(target)

		if dropped := staging.remove(cleaned); dropped > 0 {
			logger.DebugKV(ctx, "Removed staged files",
				"package", pkg.Name,
				"path", cleaned,
				"count", dropped)
		}
	}
}

// singleFileDest decides where a non-zip asset lands. Homebrew apps get
// their own folder under switch/ unless the destination was overridden.
func singleFileDest(pkg manifest.Package, assetName string) string {
	if pkg.Dest == "" && pkg.Section == manifest.SectionNROApp && strings.EqualFold(path.Ext(assetName), ".nro") {
		stem := strings.TrimSuffix(assetName, path.Ext(assetName))

		return path.Join("switch", stem, assetName)
	}

	return path.Join(pkg.Destination(), assetName)
}
