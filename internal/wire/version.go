package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a packet definition version, major.minor. Minor versions
// within the same major are considered backward compatible; the
// registry returns the highest registered minor when asked for the
// "most recent" definition of a major version.
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses a "major.minor" string.
func ParseVersion(s string) (Version, error) {
	major, minor, found := strings.Cut(s, ".")
	if !found {
		return Version{}, fmt.Errorf("%w: version %q must be major.minor", ErrDefinition, s)
	}

	maj, err := strconv.Atoi(major)
	if err != nil || maj < 0 {
		return Version{}, fmt.Errorf("%w: version %q has invalid major component", ErrDefinition, s)
	}

	mnr, err := strconv.Atoi(minor)
	if err != nil || mnr < 0 {
		return Version{}, fmt.Errorf("%w: version %q has invalid minor component", ErrDefinition, s)
	}

	return Version{Major: maj, Minor: mnr}, nil
}

// MustParseVersion parses s and panics on error. Used only at package
// init time for literal version strings.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}

	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Less reports whether v sorts before other by (Major, Minor).
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}

	return v.Minor < other.Minor
}
