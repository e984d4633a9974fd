package export

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-version"
)

// FirstVersion is used when no bundle has been published.
const FirstVersion = "1.0.0"

// NextVersion bumps the patch component of prev. An empty prev yields
// FirstVersion; prerelease and metadata suffixes are dropped.
func NextVersion(prev string) (string, error) {
	if prev == "" {
		return FirstVersion, nil
	}
	v, err := version.NewSemver(prev)
	if err != nil {
		return "", fmt.Errorf("invalid export version %q: %w", prev, err)
	}
	seg := v.Segments64()
	return fmt.Sprintf("%d.%d.%d", seg[0], seg[1], seg[2]+1), nil
}

// SortVersions orders version strings ascending, dropping any that do not
// parse.
func SortVersions(raw []string) []string {
	parsed := make(version.Collection, 0, len(raw))
	for _, r := range raw {
		if v, err := version.NewSemver(r); err == nil {
			parsed = append(parsed, v)
		}
	}
	sort.Sort(parsed)

	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.Original()
	}
	return out
}

// ValidVersion reports whether ver is a plain MAJOR.MINOR.PATCH string of the
// form NextVersion produces. Bundle paths are built only from such versions.
func ValidVersion(ver string) bool {
	v, err := version.NewSemver(ver)
	if err != nil || v.Prerelease() != "" || v.Metadata() != "" {
		return false
	}
	return v.String() == ver
}
