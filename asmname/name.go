// Package asmname models assembly display names.
//
// A display name has a simple name followed by optional attributes:
//
//	Plugin, Version=1.2.0.0, Culture=neutral, PublicKeyToken=null
//
// Parse accepts that form and String produces it in canonical order, which
// is the representation handed to managed resolution strategies.
package asmname

import (
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/wippyai/loadctx/errors"
)

// neutralCulture is the display form of an empty culture.
const neutralCulture = "neutral"

// Name identifies an assembly.
type Name struct {
	Name           string
	Culture        string
	PublicKeyToken string
	Version        Version
	Retargetable   bool
}

// Parse parses an assembly display name.
func Parse(s string) (Name, error) {
	parts := strings.Split(s, ",")

	simple := strings.TrimSpace(parts[0])
	if len(simple) >= 2 && simple[0] == '"' && simple[len(simple)-1] == '"' {
		simple = simple[1 : len(simple)-1]
	}
	if simple == "" {
		return Name{}, errors.InvalidInput(errors.PhaseResolve, "assembly name has no simple name")
	}

	n := Name{Name: simple}
	for _, attr := range parts[1:] {
		key, value, ok := strings.Cut(attr, "=")
		if !ok {
			return Name{}, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
				Assembly(s).
				Detail("attribute %q has no value", strings.TrimSpace(attr)).
				Build()
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "version":
			v, ok := ParseVersion(value)
			if !ok {
				return Name{}, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
					Assembly(s).
					Detail("invalid version %q", value).
					Build()
			}
			n.Version = v
		case "culture":
			if strings.EqualFold(value, neutralCulture) {
				value = ""
			}
			n.Culture = value
		case "publickeytoken":
			if strings.EqualFold(value, "null") {
				n.PublicKeyToken = ""
				continue
			}
			if len(value) != 16 {
				return Name{}, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
					Assembly(s).
					Detail("public key token %q must be 16 hex digits", value).
					Build()
			}
			if _, err := hex.DecodeString(value); err != nil {
				return Name{}, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
					Assembly(s).
					Detail("public key token %q is not hex", value).
					Cause(err).
					Build()
			}
			n.PublicKeyToken = strings.ToLower(value)
		case "retargetable":
			switch strings.ToLower(value) {
			case "yes":
				n.Retargetable = true
			case "no":
				n.Retargetable = false
			default:
				return Name{}, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
					Assembly(s).
					Detail("retargetable must be Yes or No, got %q", value).
					Build()
			}
		case "processorarchitecture", "contenttype":
			// accepted and ignored
		default:
			return Name{}, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
				Assembly(s).
				Detail("unknown attribute %q", key).
				Build()
		}
	}
	return n, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package level variables.
func MustParse(s string) Name {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

// HasCulture reports whether the name targets a specific culture, which makes
// it a satellite resource assembly.
func (n Name) HasCulture() bool {
	return n.Culture != ""
}

// String returns the canonical display name.
func (n Name) String() string {
	var b strings.Builder

	quote := n.Name != "" && unicode.IsSpace(rune(n.Name[0]))
	if quote {
		b.WriteByte('"')
	}
	b.WriteString(n.Name)
	if quote {
		b.WriteByte('"')
	}

	b.WriteString(", Version=")
	b.WriteString(n.Version.String())

	b.WriteString(", Culture=")
	if n.Culture != "" {
		b.WriteString(n.Culture)
	} else {
		b.WriteString(neutralCulture)
	}

	b.WriteString(", PublicKeyToken=")
	if n.PublicKeyToken != "" {
		b.WriteString(n.PublicKeyToken)
	} else {
		b.WriteString("null")
	}

	if n.Retargetable {
		b.WriteString(", Retargetable=Yes")
	}
	return b.String()
}
