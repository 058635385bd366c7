package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/sd-builder/internal/config"
	"github.com/oshokin/sd-builder/internal/github"
	"github.com/oshokin/sd-builder/internal/manifest"
	"github.com/oshokin/sd-builder/internal/resolve"
	"github.com/oshokin/sd-builder/internal/runlock"
)

const testManifest = `
packages:
  - name: hekate
    repo: o/hekate
    section: bootloader
    asset: "hekate_ctcaer_*.zip"
  - name: dbi
    repo: o/dbi
    section: nro_app
    tag: "810"
    asset: "DBI.nro"
  - name: ghost
    repo: o/ghost
    section: payload
    asset: "*.bin"
  - name: twin
    repo: o/twin
    section: payload
    asset: "*.bin"
  - name: sys-clk-oc
    repo: o/sysclk
    section: atmosphere_module
    asset: "*.zip"
    variant: mariko
`

var nroBytes = []byte("nro binary")

// newStub serves just enough of the GitHub API for the test manifest and
// counts asset downloads.
func newStub(t *testing.T, zipBytes []byte) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var (
		server    *httptest.Server
		assetHits atomic.Int64
	)

	writeJSON := func(w http.ResponseWriter, body any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/repos/o/hekate/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"tag_name": "v6.2.2",
			"assets": []map[string]any{{
				"name":                 "hekate_ctcaer_6.2.2.zip",
				"size":                 len(zipBytes),
				"browser_download_url": server.URL + "/assets/hekate_ctcaer_6.2.2.zip",
			}},
		})
	})

	mux.HandleFunc("/repos/o/dbi/releases/tags/810", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"tag_name": "810",
			"assets": []map[string]any{{
				"name":                 "DBI.nro",
				"size":                 len(nroBytes),
				"browser_download_url": server.URL + "/assets/DBI.nro",
			}},
		})
	})

	mux.HandleFunc("/repos/o/ghost/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"message": "Not Found"})
	})

	mux.HandleFunc("/repos/o/twin/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"tag_name": "v1.0.0",
			"assets": []map[string]any{
				{"name": "left.bin", "size": 4, "browser_download_url": server.URL + "/assets/left.bin"},
				{"name": "right.bin", "size": 4, "browser_download_url": server.URL + "/assets/right.bin"},
			},
		})
	})

	mux.HandleFunc("/assets/hekate_ctcaer_6.2.2.zip", func(w http.ResponseWriter, _ *http.Request) {
		assetHits.Add(1)

		_, err := w.Write(zipBytes)
		require.NoError(t, err)
	})

	mux.HandleFunc("/assets/DBI.nro", func(w http.ResponseWriter, _ *http.Request) {
		assetHits.Add(1)

		_, err := w.Write(nroBytes)
		require.NoError(t, err)
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server, &assetHits
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	writer := zip.NewWriter(&buf)
	for name, content := range files {
		entry, err := writer.Create(name)
		require.NoError(t, err)

		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	return buf.Bytes()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()

	manifestPath := filepath.Join(dir, "packages.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(testManifest), 0o600))

	return &config.Config{
		ManifestPath: manifestPath,
		OverlayDir:   filepath.Join(dir, "overlays"),
		OutputDir:    filepath.Join(dir, "sd"),
		CacheDir:     filepath.Join(dir, "cache"),
		Workers:      2,
		Variant:      manifest.VariantErista,
	}
}

// TestRun drives the whole pipeline: a zip package, a pinned single-file
// package, two failing packages, a package filtered out by variant and an
// overlay; then a second run from cache and a purged third run. The
// mariko-only package has no stub routes at all, so the variant filter
// breaking would fail the run.
func TestRun(t *testing.T) {
	t.Parallel()

	zipBytes := buildZip(t, map[string]string{
		"bootloader/hekate_ipl.ini":   "ipl config",
		"bootloader/payloads/f.bin":   "payload",
		"bootloader/sys/libsys_lp0.b": "lp0",
	})

	server, assetHits := newStub(t, zipBytes)

	cfg := testConfig(t)

	overlayFile := filepath.Join(cfg.OverlayDir, "bootloader", "hekate_ipl.ini")
	require.NoError(t, os.MkdirAll(filepath.Dir(overlayFile), 0o755))
	require.NoError(t, os.WriteFile(overlayFile, []byte("overlay config"), 0o600))

	opts := &Options{
		Config: cfg,
		Client: github.NewClient(github.Config{
			BaseURL:    server.URL,
			RawBaseURL: server.URL,
			HTTPClient: server.Client(),
		}),
	}

	report, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, errPackagesFailed)
	require.NotNil(t, report)

	fetched, cached, failed := report.Counts()
	require.Equal(t, 2, fetched)
	require.Equal(t, 0, cached)
	require.Equal(t, 2, failed)

	failures := report.Failures()
	require.Len(t, failures, 2)
	require.Equal(t, "ghost", failures[0].Name)
	require.Equal(t, "twin", failures[1].Name)

	var notFound *resolve.VersionNotFoundError

	require.ErrorAs(t, failures[0].Err, &notFound)

	var ambiguous *resolve.AmbiguousAssetError

	require.ErrorAs(t, failures[1].Err, &ambiguous)

	// The overlay wins over the package copy of the same file.
	contents, err := os.ReadFile(filepath.Join(cfg.OutputDir, "bootloader", "hekate_ipl.ini"))
	require.NoError(t, err)
	require.Equal(t, "overlay config", string(contents))

	require.FileExists(t, filepath.Join(cfg.OutputDir, "bootloader", "payloads", "f.bin"))
	require.FileExists(t, filepath.Join(cfg.OutputDir, "switch", "DBI", "DBI.nro"))

	require.Equal(t, int64(2), assetHits.Load())

	// A second run serves everything from cache.
	report, err = Run(context.Background(), opts)
	require.ErrorIs(t, err, errPackagesFailed)

	fetched, cached, failed = report.Counts()
	require.Equal(t, 0, fetched)
	require.Equal(t, 2, cached)
	require.Equal(t, 2, failed)
	require.Equal(t, int64(2), assetHits.Load())

	// A purge forces fresh downloads even though upstream is unchanged.
	cfg.PurgeCache = true

	report, err = Run(context.Background(), opts)
	require.ErrorIs(t, err, errPackagesFailed)

	fetched, cached, failed = report.Counts()
	require.Equal(t, 2, fetched)
	require.Equal(t, 0, cached)
	require.Equal(t, 2, failed)
	require.Equal(t, int64(4), assetHits.Load())
}

// TestRunPack checks that packing produces an archive next to the tree.
func TestRunPack(t *testing.T) {
	t.Parallel()

	zipBytes := buildZip(t, map[string]string{
		"bootloader/hekate_ipl.ini": "ipl config",
	})

	server, _ := newStub(t, zipBytes)

	cfg := testConfig(t)
	cfg.SkipOverlays = true
	cfg.Pack = true
	cfg.ArchiveName = filepath.Join(t.TempDir(), "bundle")

	opts := &Options{
		Config: cfg,
		Client: github.NewClient(github.Config{
			BaseURL:    server.URL,
			RawBaseURL: server.URL,
			HTTPClient: server.Client(),
		}),
	}

	report, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, errPackagesFailed)
	require.Equal(t, cfg.ArchiveName+".zip", report.ArchivePath)

	reader, err := zip.OpenReader(report.ArchivePath)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, reader.Close())
	}()

	names := make([]string, 0, len(reader.File))
	for _, file := range reader.File {
		names = append(names, file.Name)
	}

	require.Equal(t, []string{
		"bootloader/hekate_ipl.ini",
		"switch/DBI/DBI.nro",
	}, names)
}

// TestRunLocked ensures a held lock blocks a parallel invocation.
func TestRunLocked(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	require.NoError(t, os.MkdirAll(cfg.CacheDir, 0o755))

	lock, err := runlock.Acquire(context.Background(), filepath.Join(cfg.CacheDir, runlock.Filename))
	require.NoError(t, err)

	defer func() {
		require.NoError(t, lock.Release())
	}()

	_, err = Run(context.Background(), &Options{Config: cfg})

	var held *runlock.HeldError

	require.ErrorAs(t, err, &held)
}

// TestRunNilOptions covers the guard clauses.
func TestRunNilOptions(t *testing.T) {
	t.Parallel()

	_, err := Run(context.Background(), nil)
	require.ErrorIs(t, err, errSettingsNotInitialised)

	_, err = Run(context.Background(), &Options{})
	require.ErrorIs(t, err, errSettingsNotInitialised)
}
