package placement

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/sd-builder/internal/manifest"
)

// buildZip writes a zip with the given name/content pairs in order.
func buildZip(t *testing.T, dir string, files [][2]string) string {
	t.Helper()

	var buffer bytes.Buffer

	writer := zip.NewWriter(&buffer)
	for _, file := range files {
		entry, err := writer.Create(file[0])
		require.NoError(t, err)

		_, err = entry.Write([]byte(file[1]))
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	path := filepath.Join(dir, "asset.zip")
	require.NoError(t, os.WriteFile(path, buffer.Bytes(), 0o644))

	return path
}

// destinations projects staged entries to their card-relative paths.
func destinations(staging *Staging) []string {
	entries := staging.Entries()
	result := make([]string, 0, len(entries))

	for _, entry := range entries {
		result = append(result, entry.Dest)
	}

	return result
}

// TestPlaceSingleFile places plain assets into the section directory.
func TestPlaceSingleFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	asset := filepath.Join(dir, "fusee.bin")
	require.NoError(t, os.WriteFile(asset, []byte("payload"), 0o644))

	staging := NewStaging()
	placer := New(manifest.VariantErista, filepath.Join(dir, "scratch"))

	pkg := manifest.Package{Name: "fusee", Section: manifest.SectionPayload, Variant: manifest.VariantBoth}
	require.NoError(t, placer.PlacePackage(context.Background(), staging, pkg, "fusee.bin", asset))

	require.Equal(t, []string{"bootloader/payloads/fusee.bin"}, destinations(staging))
}

// TestPlaceNROAppFoldering gives homebrew apps their own directory.
func TestPlaceNROAppFoldering(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	asset := filepath.Join(dir, "DBI.nro")
	require.NoError(t, os.WriteFile(asset, []byte("nro"), 0o644))

	staging := NewStaging()
	placer := New(manifest.VariantErista, filepath.Join(dir, "scratch"))

	pkg := manifest.Package{Name: "dbi", Section: manifest.SectionNROApp, Variant: manifest.VariantBoth}
	require.NoError(t, placer.PlacePackage(context.Background(), staging, pkg, "DBI.nro", asset))

	require.Equal(t, []string{"switch/DBI/DBI.nro"}, destinations(staging))
}

// TestPlaceFlatZip extracts directory-less archives into the section dir.
func TestPlaceFlatZip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	zipPath := buildZip(t, dir, [][2]string{
		{"script_a.te", "a"},
		{"script_b.te", "b"},
	})

	staging := NewStaging()
	placer := New(manifest.VariantErista, filepath.Join(dir, "scratch"))

	pkg := manifest.Package{Name: "scripts", Section: manifest.SectionTegraExplorerScript, Variant: manifest.VariantBoth}
	require.NoError(t, placer.PlacePackage(context.Background(), staging, pkg, "scripts.zip", zipPath))

	require.Equal(t, []string{
		"tegraexplorer/scripts/script_a.te",
		"tegraexplorer/scripts/script_b.te",
	}, destinations(staging))
}

// TestPlaceRootedZip keeps ready-made card trees unchanged at the root.
func TestPlaceRootedZip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	zipPath := buildZip(t, dir, [][2]string{
		{"atmosphere/package3", "p3"},
		{"bootloader/hekate_ipl.ini", "ini"},
		{"switch/reboot_to_payload.nro", "nro"},
	})

	staging := NewStaging()
	placer := New(manifest.VariantErista, filepath.Join(dir, "scratch"))

	pkg := manifest.Package{Name: "atmosphere", Section: manifest.SectionBootloader, Variant: manifest.VariantBoth}
	require.NoError(t, placer.PlacePackage(context.Background(), staging, pkg, "atmosphere.zip", zipPath))

	require.Equal(t, []string{
		"atmosphere/package3",
		"bootloader/hekate_ipl.ini",
		"switch/reboot_to_payload.nro",
	}, destinations(staging))

	// Extracted content is readable from the staged source paths.
	entry := staging.Entries()[0]
	content, err := os.ReadFile(entry.Source)
	require.NoError(t, err)
	require.Equal(t, []byte("p3"), content)
}

// TestPlaceMergedZip strips the sd/ head directory onto the card root.
func TestPlaceMergedZip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	zipPath := buildZip(t, dir, [][2]string{
		{"sd/switch/app.nro", "app"},
		{"sd/bootloader/ini/profile.ini", "ini"},
		{"readme.txt", "outside the merged tree"},
	})

	staging := NewStaging()
	placer := New(manifest.VariantErista, filepath.Join(dir, "scratch"))

	pkg := manifest.Package{Name: "bundle", Section: manifest.SectionFirmware, Variant: manifest.VariantBoth}
	require.NoError(t, placer.PlacePackage(context.Background(), staging, pkg, "bundle.zip", zipPath))

	require.Equal(t, []string{
		"bootloader/ini/profile.ini",
		"switch/app.nro",
	}, destinations(staging))
}

// TestRenameRulesRespectVariant applies mariko renames only on mariko.
func TestRenameRulesRespectVariant(t *testing.T) {
	t.Parallel()

	pkg := manifest.Package{
		Name:    "hekate",
		Section: manifest.SectionBootloader,
		Variant: manifest.VariantBoth,
		Rename: []manifest.RenameRule{
			{From: "hekate_ctcaer_*.bin", To: "payload.bin", Variant: manifest.VariantMariko},
		},
	}

	for _, testCase := range []struct {
		active manifest.Variant
		want   string
	}{
		{active: manifest.VariantMariko, want: "bootloader/payloads/payload.bin"},
		{active: manifest.VariantErista, want: "bootloader/payloads/hekate_ctcaer_6.2.2.bin"},
	} {
		dir := t.TempDir()
		asset := filepath.Join(dir, "hekate_ctcaer_6.2.2.bin")
		require.NoError(t, os.WriteFile(asset, []byte("bin"), 0o644))

		pkg.Dest = "bootloader/payloads"
		staging := NewStaging()
		placer := New(testCase.active, filepath.Join(dir, "scratch"))

		require.NoError(t, placer.PlacePackage(context.Background(), staging, pkg, "hekate_ctcaer_6.2.2.bin", asset))
		require.Equal(t, []string{testCase.want}, destinations(staging))
	}
}

// TestRemoveRulesDropStagedFiles purges files placed by earlier fan-out.
func TestRemoveRulesDropStagedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	zipPath := buildZip(t, dir, [][2]string{
		{"atmosphere/package3", "p3"},
		{"switch/reboot_to_payload.nro", "nro"},
	})

	staging := NewStaging()
	placer := New(manifest.VariantMariko, filepath.Join(dir, "scratch"))

	pkg := manifest.Package{
		Name:    "atmosphere",
		Section: manifest.SectionBootloader,
		Variant: manifest.VariantBoth,
		Remove:  []string{"switch/reboot_to_payload.nro"},
	}
	require.NoError(t, placer.PlacePackage(context.Background(), staging, pkg, "atmosphere.zip", zipPath))

	require.Equal(t, []string{"atmosphere/package3"}, destinations(staging))
}

// TestOverlayVariantScoping merges shared files and the active variant
// subtree, skipping the other variant entirely.
func TestOverlayVariantScoping(t *testing.T) {
	t.Parallel()

	overlayDir := t.TempDir()
	writeOverlay := func(rel, content string) {
		full := filepath.Join(overlayDir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	writeOverlay("bootloader/hekate_ipl.ini", "shared")
	writeOverlay("erista/exosphere.ini", "erista only")
	writeOverlay("mariko/exosphere.ini", "mariko only")

	staging := NewStaging()
	placer := New(manifest.VariantErista, t.TempDir())

	require.NoError(t, placer.PlaceOverlays(context.Background(), staging, overlayDir))

	require.Equal(t, []string{
		"bootloader/hekate_ipl.ini",
		"exosphere.ini",
	}, destinations(staging))

	for _, entry := range staging.Entries() {
		if entry.Dest == "exosphere.ini" {
			content, err := os.ReadFile(entry.Source)
			require.NoError(t, err)
			require.Equal(t, "erista only", string(content))
		}
	}
}

// TestOverlayBeatsPackage keeps the overlay file at a contested destination.
func TestOverlayBeatsPackage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	asset := filepath.Join(dir, "hekate_ipl.ini")
	require.NoError(t, os.WriteFile(asset, []byte("package version"), 0o644))

	overlayDir := filepath.Join(dir, "overlays")
	require.NoError(t, os.MkdirAll(filepath.Join(overlayDir, "bootloader"), 0o755))
	overlayFile := filepath.Join(overlayDir, "bootloader", "hekate_ipl.ini")
	require.NoError(t, os.WriteFile(overlayFile, []byte("overlay version"), 0o644))

	staging := NewStaging()
	placer := New(manifest.VariantErista, filepath.Join(dir, "scratch"))

	pkg := manifest.Package{Name: "hekate", Section: manifest.SectionBootloader, Dest: "bootloader", Variant: manifest.VariantBoth}
	require.NoError(t, placer.PlacePackage(context.Background(), staging, pkg, "hekate_ipl.ini", asset))
	require.NoError(t, placer.PlaceOverlays(context.Background(), staging, overlayDir))

	entries := staging.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, OriginOverlay, entries[0].Origin)
	require.Equal(t, overlayFile, entries[0].Source)
}

// TestSameOriginConflictLastWins lets the later package keep the slot.
func TestSameOriginConflictLastWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	first := filepath.Join(dir, "first.bin")
	second := filepath.Join(dir, "second.bin")
	require.NoError(t, os.WriteFile(first, []byte("first"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("second"), 0o644))

	staging := NewStaging()
	placer := New(manifest.VariantErista, filepath.Join(dir, "scratch"))

	pkgA := manifest.Package{Name: "a", Section: manifest.SectionFirmware, Variant: manifest.VariantBoth}
	pkgB := manifest.Package{Name: "b", Section: manifest.SectionFirmware, Variant: manifest.VariantBoth}

	require.NoError(t, placer.PlacePackage(context.Background(), staging, pkgA, "boot.dat", first))
	require.NoError(t, placer.PlacePackage(context.Background(), staging, pkgB, "boot.dat", second))

	entries := staging.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].Provenance)
	require.Equal(t, second, entries[0].Source)
}

// TestZipSlipRejected refuses archives with escaping entry names.
func TestZipSlipRejected(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	zipPath := buildZip(t, dir, [][2]string{
		{"../outside.bin", "bad"},
		{"inner/ok.bin", "fine"},
	})

	staging := NewStaging()
	placer := New(manifest.VariantErista, filepath.Join(dir, "scratch"))

	pkg := manifest.Package{Name: "evil", Section: manifest.SectionFirmware, Variant: manifest.VariantBoth}
	err := placer.PlacePackage(context.Background(), staging, pkg, "evil.zip", zipPath)
	require.Error(t, err)
	require.Zero(t, staging.Len())
}
