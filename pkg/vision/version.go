package vision

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is a provider version. Providers report plain "1.4.2" strings;
// Version keeps the raw text and a canonical semver form for comparisons.
type Version struct {
	Raw       string
	canonical string
}

// ParseVersion parses a provider version. A missing "v" prefix is accepted.
func ParseVersion(raw string) (Version, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Version{}, ErrNoVersion
	}
	v := raw
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return Version{}, fmt.Errorf("vision: invalid version %q", raw)
	}
	return Version{Raw: raw, canonical: semver.Canonical(v)}, nil
}

// String returns the raw version.
func (v Version) String() string {
	return v.Raw
}

// Semver returns the canonical "vMAJOR.MINOR.PATCH" form, or "" for the
// zero Version.
func (v Version) Semver() string {
	return v.canonical
}

// AtLeast reports whether v is at or above min. An empty min is always
// satisfied; an unparseable min never is.
func (v Version) AtLeast(min string) bool {
	if min == "" {
		return true
	}
	m, err := ParseVersion(min)
	if err != nil || v.canonical == "" {
		return false
	}
	return semver.Compare(v.canonical, m.canonical) >= 0
}
