package asmname

import (
	"strings"

	"github.com/coreos/go-semver/semver"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/loadctx/errors"
)

// FromIdent derives an assembly name from a WIT package identifier such as
// "wasi:http/types@0.2.0". The simple name keeps namespace, package and
// extension; the semantic version maps onto major.minor.build.
func FromIdent(id wit.Ident) (Name, error) {
	if id.Namespace == "" || id.Package == "" {
		return Name{}, errors.InvalidInput(errors.PhaseLoad, "WIT identifier needs a namespace and a package")
	}

	simple := id.Namespace + ":" + id.Package
	if id.Extension != "" {
		simple += "/" + id.Extension
	}

	n := Name{Name: simple}
	if id.Version != nil {
		v, err := versionFromSemver(id.Version)
		if err != nil {
			return Name{}, err
		}
		n.Version = v
	}
	return n, nil
}

// ParseIdent parses a WIT identifier and converts it with FromIdent.
func ParseIdent(s string) (Name, error) {
	id, err := wit.ParseIdent(s)
	if err != nil {
		return Name{}, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "parse WIT identifier")
	}
	return FromIdent(id)
}

func versionFromSemver(v *semver.Version) (Version, error) {
	parts := [3]int64{v.Major, v.Minor, v.Patch}
	for _, p := range parts {
		if p < 0 || p > 0xFFFF {
			return Version{}, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
				Detail("version %s does not fit an assembly version", v.String()).
				Build()
		}
	}
	return Version{
		Major: uint16(v.Major),
		Minor: uint16(v.Minor),
		Build: uint16(v.Patch),
	}, nil
}

// ParseReference accepts either a display name or a WIT identifier. A
// string with a colon and no comma is read as an identifier.
func ParseReference(s string) (Name, error) {
	if strings.Contains(s, ":") && !strings.Contains(s, ",") {
		return ParseIdent(s)
	}
	return Parse(s)
}
