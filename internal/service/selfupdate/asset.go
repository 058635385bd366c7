package selfupdate

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/oshokin/sd-builder/internal/github"
)

// checksumsAssetName is the conventional checksum list published
// alongside release binaries.
const checksumsAssetName = "checksums.txt"

// pickAsset selects the release binary for the given platform. Asset
// names are expected to carry the OS and architecture, the way release
// tooling names them (sd-builder_linux_amd64, sd-builder-darwin-arm64.tar.gz
// and so on). Checksum lists and signatures are never candidates.
func pickAsset(assets []github.Asset, goos, goarch string) (*github.Asset, error) {
	var matches []github.Asset

	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".sha256") || strings.HasSuffix(name, ".sig") {
			continue
		}

		if strings.Contains(name, strings.ToLower(goos)) && strings.Contains(name, strings.ToLower(goarch)) {
			matches = append(matches, asset)
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", errNoAssetForPlatform, goos, goarch)
	}

	// A release normally carries exactly one binary per platform. If
	// several names match, take the first in name order so the choice
	// is at least stable.
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })

	return &matches[0], nil
}

// parseChecksums reads a sha256sum-formatted list and returns the
// checksum for the named file. Lines look like
//
//	1f2e3d...  sd-builder_linux_amd64
//
// with an optional binary-mode asterisk before the name.
func parseChecksums(contents []byte, name string) ([]byte, error) {
	for _, line := range strings.Split(string(contents), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		candidate := strings.TrimPrefix(fields[len(fields)-1], "*")
		if candidate != name {
			continue
		}

		checksum, err := hex.DecodeString(fields[0])
		if err != nil {
			return nil, fmt.Errorf("decode checksum for %s: %w", name, err)
		}

		return checksum, nil
	}

	return nil, fmt.Errorf("%w: %s", errNoChecksumEntry, name)
}

// findAsset returns the asset with the given name, or nil.
func findAsset(assets []github.Asset, name string) *github.Asset {
	for i := range assets {
		if assets[i].Name == name {
			return &assets[i]
		}
	}

	return nil
}
