package packages

import (
	"time"

	"github.com/blang/semver/v4"
)

// Namespace separates privately published packages from cached public ones.
// A name is resolved against the private namespace first.
type Namespace string

const (
	NamespacePrivate     Namespace = "private"
	NamespacePublicCache Namespace = "public-cache"
)

// Package is the metadata record for a package name as stored and served.
// The JSON shape follows the pub repository API.
type Package struct {
	Name      string     `json:"name"`
	Latest    *Version   `json:"latest,omitempty"`
	Versions  []Version  `json:"versions"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
}

// Version describes one released version of a package.
type Version struct {
	Version       string    `json:"version"`
	Retracted     bool      `json:"retracted,omitempty"`
	ArchiveURL    string    `json:"archive_url,omitempty"`
	ArchiveSHA256 string    `json:"archive_sha256,omitempty"`
	Published     time.Time `json:"published"`
	Pubspec       Pubspec   `json:"pubspec,omitempty"`
}

// NewPackage package constructor
func NewPackage(name string) *Package {
	return &Package{
		Name:     name,
		Versions: []Version{},
	}
}

// ------------------------------------------------------------------------------------------------
// ~ Public methods
// ------------------------------------------------------------------------------------------------

// FindVersion returns the version record for the given version string.
func (p *Package) FindVersion(version string) (*Version, bool) {
	for i := range p.Versions {
		if p.Versions[i].Version == version {
			return &p.Versions[i], true
		}
	}
	return nil, false
}

// AddVersion appends a version and recomputes the latest release.
// Existing versions are never replaced.
func (p *Package) AddVersion(v Version) {
	if _, ok := p.FindVersion(v.Version); ok {
		return
	}
	p.Versions = append(p.Versions, v)
	p.RecomputeLatest()
}

// RecomputeLatest selects the highest stable release, falling back to the
// highest prerelease when no stable release exists.
func (p *Package) RecomputeLatest() {
	var stable, pre *Version
	for i := range p.Versions {
		if p.Versions[i].Retracted {
			continue
		}
		sv, err := semver.Parse(p.Versions[i].Version)
		if err != nil {
			continue
		}
		if len(sv.Pre) == 0 {
			if stable == nil || CompareVersions(p.Versions[i].Version, stable.Version) > 0 {
				stable = &p.Versions[i]
			}
		} else {
			if pre == nil || CompareVersions(p.Versions[i].Version, pre.Version) > 0 {
				pre = &p.Versions[i]
			}
		}
	}
	switch {
	case stable != nil:
		latest := *stable
		p.Latest = &latest
	case pre != nil:
		latest := *pre
		p.Latest = &latest
	default:
		p.Latest = nil
	}
}

// Description returns the description of the latest release, if any.
func (p *Package) Description() string {
	if p.Latest == nil {
		return ""
	}
	return p.Latest.Pubspec.Description()
}

// Clone returns a deep copy that is safe to mutate for serving.
// Pubspec maps are shared since they are treated as read-only.
func (p *Package) Clone() *Package {
	clone := *p
	clone.Versions = make([]Version, len(p.Versions))
	copy(clone.Versions, p.Versions)
	if p.Latest != nil {
		latest := *p.Latest
		clone.Latest = &latest
	}
	if p.FetchedAt != nil {
		fetchedAt := *p.FetchedAt
		clone.FetchedAt = &fetchedAt
	}
	return &clone
}

// CompareVersions compares two version strings by semver precedence.
// Unparseable versions sort lowest.
func CompareVersions(a, b string) int {
	av, errA := semver.Parse(a)
	bv, errB := semver.Parse(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return av.Compare(bv)
}
