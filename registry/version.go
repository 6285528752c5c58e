package registry

import (
	"sort"
	"strconv"
	"strings"
)

// Version is a semantic package version.
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// ParseVersion parses "1", "1.2" or "1.2.3".
func ParseVersion(s string) (Version, bool) {
	parts := strings.Split(s, ".")
	if s == "" || len(parts) > 3 {
		return Version{}, false
	}

	var v Version
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, false
		}
		switch i {
		case 0:
			v.Major = uint32(n)
		case 1:
			v.Minor = uint32(n)
		case 2:
			v.Patch = uint32(n)
		}
	}
	return v, true
}

// Less orders versions by major, minor, then patch.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// Compatible reports whether v can stand in for want: same major, not older.
func (v Version) Compatible(want Version) bool {
	return v.Major == want.Major && !v.Less(want)
}

func (v Version) String() string {
	return strconv.FormatUint(uint64(v.Major), 10) + "." +
		strconv.FormatUint(uint64(v.Minor), 10) + "." +
		strconv.FormatUint(uint64(v.Patch), 10)
}

// sortVersions orders version strings ascending. Semantic versions sort
// numerically and after any non-semantic names, which sort lexically.
func sortVersions(vs []string) {
	sort.SliceStable(vs, func(i, j int) bool {
		a, aok := ParseVersion(vs[i])
		b, bok := ParseVersion(vs[j])
		switch {
		case aok && bok:
			return a.Less(b)
		case aok != bok:
			return bok
		}
		return vs[i] < vs[j]
	})
}
