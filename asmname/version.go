package asmname

import (
	"strconv"
	"strings"
)

// Version is a four part assembly version.
type Version struct {
	Major    uint16
	Minor    uint16
	Build    uint16
	Revision uint16
}

// ParseVersion parses a version string like "1.2.3.4", "1.2" or "1".
// Missing components are zero.
func ParseVersion(s string) (Version, bool) {
	if s == "" {
		return Version{}, false
	}

	var v Version
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return Version{}, false
	}

	for i, p := range parts {
		if p == "" {
			return Version{}, false
		}
		var n uint32
		for _, c := range p {
			if c < '0' || c > '9' {
				return Version{}, false
			}
			n = n*10 + uint32(c-'0')
			if n > 0xFFFF {
				return Version{}, false
			}
		}
		switch i {
		case 0:
			v.Major = uint16(n)
		case 1:
			v.Minor = uint16(n)
		case 2:
			v.Build = uint16(n)
		case 3:
			v.Revision = uint16(n)
		}
	}
	return v, true
}

// IsZero reports whether no version component is set.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare orders versions component by component.
func (v Version) Compare(o Version) int {
	a := [4]uint16{v.Major, v.Minor, v.Build, v.Revision}
	b := [4]uint16{o.Major, o.Minor, o.Build, o.Revision}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// String returns the version as "major.minor.build.revision"
func (v Version) String() string {
	return strings.Join([]string{
		strconv.Itoa(int(v.Major)),
		strconv.Itoa(int(v.Minor)),
		strconv.Itoa(int(v.Build)),
		strconv.Itoa(int(v.Revision)),
	}, ".")
}
