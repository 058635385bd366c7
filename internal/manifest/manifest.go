package manifest

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Variant identifies the Switch hardware revision a package applies to.
// The zero value is normalized to VariantBoth during loading.
type Variant string

const (
	// VariantErista is the original (unpatched) hardware revision.
	VariantErista Variant = "erista"
	// VariantMariko is the updated hardware revision with a locked bootROM.
	VariantMariko Variant = "mariko"
	// VariantBoth marks content shared by both revisions.
	VariantBoth Variant = "both"
)

// AppliesTo reports whether content tagged with v belongs to a build
// targeting the active variant.
func (v Variant) AppliesTo(active Variant) bool {
	return v == VariantBoth || v == active
}

// String returns the variant tag as written in the manifest.
func (v Variant) String() string {
	return string(v)
}

// Section groups packages by their role on the card and selects the
// default destination directory.
type Section string

const (
	SectionBootloader          Section = "bootloader"
	SectionFirmware            Section = "firmware"
	SectionPayload             Section = "payload"
	SectionNROApp              Section = "nro_app"
	SectionAtmosphereModule    Section = "atmosphere_module"
	SectionOverlay             Section = "overlay"
	SectionTegraExplorerScript Section = "tegraexplorer_script"
)

// sectionDestinations maps each known section to its destination directory
// relative to the card root.
var sectionDestinations = map[Section]string{
	SectionBootloader:          ".",
	SectionFirmware:            ".",
	SectionPayload:             "bootloader/payloads",
	SectionNROApp:              "switch",
	SectionAtmosphereModule:    "atmosphere/contents",
	SectionOverlay:             "switch/.overlays",
	SectionTegraExplorerScript: "tegraexplorer/scripts",
}

// Known reports whether the section is one of the supported values.
func (s Section) Known() bool {
	_, ok := sectionDestinations[s]
	return ok
}

// Destination returns the default destination directory for the section,
// relative to the card root.
func (s Section) Destination() string {
	return sectionDestinations[s]
}

// SourceKind tells where a package's content comes from.
type SourceKind int

const (
	// SourceRelease downloads an asset of a GitHub release.
	SourceRelease SourceKind = iota
	// SourceRepoFile downloads a raw file from a repository's default branch.
	SourceRepoFile
	// SourceURL downloads directly from a fixed URL.
	SourceURL
)

// RenameRule renames files matching a glob after placement.
// An empty Variant is normalized to VariantBoth.
type RenameRule struct {
	From    string  `yaml:"from"`
	To      string  `yaml:"to"`
	Variant Variant `yaml:"variant,omitempty"`
}

// Package is one entry of the manifest.
type Package struct {
	// Name uniquely identifies the package within the manifest.
	Name string `yaml:"name"`
	// Section selects the default destination on the card.
	Section Section `yaml:"section"`
	// Repo is the GitHub repository in "owner/name" form.
	Repo string `yaml:"repo,omitempty"`
	// Asset is a glob matched against release asset names.
	Asset string `yaml:"asset,omitempty"`
	// File is a path within the repository, served from its default branch.
	File string `yaml:"file,omitempty"`
	// URL is a direct download location.
	URL string `yaml:"url,omitempty"`
	// Tag pins the release; empty means latest.
	Tag string `yaml:"tag,omitempty"`
	// Variant restricts the package to one hardware revision.
	Variant Variant `yaml:"variant,omitempty"`
	// Dest overrides the section's default destination.
	Dest string `yaml:"dest,omitempty"`
	// Rename rules are applied to the staged tree after extraction.
	Rename []RenameRule `yaml:"rename,omitempty"`
	// Remove lists card-relative paths dropped after placement.
	Remove []string `yaml:"remove,omitempty"`
}

// Manifest is the full package list in file order.
// Order is significant: later packages win destination conflicts.
type Manifest struct {
	Packages []Package `yaml:"packages"`
}

// SourceKind classifies the package by its populated source fields.
// It is only meaningful after validation.
func (p *Package) SourceKind() SourceKind {
	switch {
	case p.URL != "":
		return SourceURL
	case p.File != "":
		return SourceRepoFile
	default:
		return SourceRelease
	}
}

// RepoOwnerName splits the "owner/name" repository reference.
func (p *Package) RepoOwnerName() (string, string) {
	owner, name, _ := strings.Cut(p.Repo, "/")
	return owner, name
}

// Destination returns the directory the package's content is placed under,
// relative to the card root.
func (p *Package) Destination() string {
	if p.Dest != "" {
		return path.Clean(p.Dest)
	}

	return p.Section.Destination()
}

// Applicable returns the packages that belong to a build targeting the
// active variant, preserving manifest order.
func (m *Manifest) Applicable(active Variant) []Package {
	result := make([]Package, 0, len(m.Packages))

	for _, p := range m.Packages {
		if p.Variant.AppliesTo(active) {
			result = append(result, p)
		}
	}

	return result
}

// Load reads, validates and normalizes the manifest at the provided path.
func Load(path string) (*Manifest, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return Parse(contents)
}

// Parse validates and normalizes a manifest from its YAML contents.
// Validation happens in two passes: the embedded JSON schema checks shape
// and enumerations, then relational rules are checked field by field so
// failures name the offending package.
func Parse(contents []byte) (*Manifest, error) {
	if err := validateSchema(contents); err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(contents, &m); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("decode: %v", err)}
	}

	m.normalize()

	if err := m.validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// normalize fills in defaults the schema allows to be omitted.
func (m *Manifest) normalize() {
	for i := range m.Packages {
		p := &m.Packages[i]

		if p.Variant == "" {
			p.Variant = VariantBoth
		}

		for j := range p.Rename {
			if p.Rename[j].Variant == "" {
				p.Rename[j].Variant = VariantBoth
			}
		}
	}
}

// validate checks the relational rules the schema cannot express.
func (m *Manifest) validate() error {
	seen := make(map[string]struct{}, len(m.Packages))

	for i := range m.Packages {
		p := &m.Packages[i]

		if _, ok := seen[p.Name]; ok {
			return &Error{Package: p.Name, Field: "name", Reason: "duplicate package name"}
		}

		seen[p.Name] = struct{}{}

		if err := p.validate(); err != nil {
			return err
		}
	}

	return nil
}

//nolint:gocognit // Validation is a flat list of field rules.
func (p *Package) validate() error {
	if strings.ContainsAny(p.Name, `/\`) {
		return &Error{Package: p.Name, Field: "name", Reason: "name must not contain path separators"}
	}

	if !p.Section.Known() {
		return &Error{Package: p.Name, Field: "section", Reason: fmt.Sprintf("unknown section %q", p.Section)}
	}

	switch {
	case p.Repo != "" && p.URL != "":
		return &Error{Package: p.Name, Field: "repo", Reason: "repo and url are mutually exclusive"}
	case p.Repo == "" && p.URL == "":
		return &Error{Package: p.Name, Field: "repo", Reason: "either repo or url must be set"}
	}

	if p.Repo != "" {
		owner, name, ok := strings.Cut(p.Repo, "/")
		if !ok || owner == "" || name == "" {
			return &Error{Package: p.Name, Field: "repo", Reason: "repository must be in owner/name form"}
		}

		switch {
		case p.Asset != "" && p.File != "":
			return &Error{Package: p.Name, Field: "asset", Reason: "asset and file are mutually exclusive"}
		case p.Asset == "" && p.File == "":
			return &Error{Package: p.Name, Field: "asset", Reason: "either asset or file must be set"}
		}
	}

	if p.URL != "" {
		if p.Asset != "" || p.File != "" || p.Tag != "" {
			return &Error{Package: p.Name, Field: "url", Reason: "url sources admit no asset, file or tag"}
		}

		parsed, err := url.ParseRequestURI(p.URL)
		if err != nil || parsed.Host == "" || path.Base(parsed.Path) == "/" || path.Base(parsed.Path) == "." {
			return &Error{Package: p.Name, Field: "url", Reason: "url must be absolute and name a file"}
		}
	}

	if p.File != "" && p.Tag != "" {
		return &Error{Package: p.Name, Field: "tag", Reason: "file sources track the default branch and admit no tag"}
	}

	if p.Asset != "" {
		if _, err := path.Match(p.Asset, "probe"); err != nil {
			return &Error{Package: p.Name, Field: "asset", Reason: "invalid asset glob"}
		}
	}

	if err := validateRelativePath(p.Name, "dest", p.Dest); err != nil {
		return err
	}

	if err := validateRelativePath(p.Name, "file", p.File); err != nil {
		return err
	}

	for _, r := range p.Rename {
		if _, err := path.Match(r.From, "probe"); err != nil {
			return &Error{Package: p.Name, Field: "rename", Reason: fmt.Sprintf("invalid glob %q", r.From)}
		}

		if r.To == "" || strings.Contains(r.To, "/") {
			return &Error{Package: p.Name, Field: "rename", Reason: fmt.Sprintf("rename target %q must be a bare file name", r.To)}
		}
	}

	for _, rm := range p.Remove {
		if err := validateRelativePath(p.Name, "remove", rm); err != nil {
			return err
		}
	}

	return nil
}

// validateRelativePath rejects absolute paths and paths escaping the card root.
func validateRelativePath(pkg, field, p string) error {
	if p == "" {
		return nil
	}

	cleaned := path.Clean(p)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return &Error{Package: pkg, Field: field, Reason: fmt.Sprintf("path %q escapes the card root", p)}
	}

	return nil
}
