// Package envsync brings a remote Python virtual environment in line with a
// requirement list, installing only what is missing.
package envsync

import (
	"fmt"
	"regexp"
	"strings"
)

// Requirement is a bare package name or an exact name==version pin.
type Requirement struct {
	Name    string
	Version string
}

var nameSep = regexp.MustCompile(`[-_.]+`)

// normalize folds a distribution name the way pip compares them.
func normalize(name string) string {
	return nameSep.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// ParseRequirement accepts "name" or "name==version". Ranges and extras are
// rejected since only exact pins can be compared against a freeze.
func ParseRequirement(s string) (Requirement, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Requirement{}, fmt.Errorf("empty requirement")
	}
	name, version, pinned := strings.Cut(s, "==")
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" || strings.ContainsAny(name, "<>=!~[];, '\"") {
		return Requirement{}, fmt.Errorf("unsupported requirement %q", s)
	}
	if pinned && (version == "" || strings.ContainsAny(version, "<>=!~,; '\"")) {
		return Requirement{}, fmt.Errorf("unsupported requirement %q", s)
	}
	return Requirement{Name: name, Version: version}, nil
}

// ParseRequirements parses every entry, stopping at the first invalid one.
func ParseRequirements(list []string) ([]Requirement, error) {
	out := make([]Requirement, 0, len(list))
	for _, s := range list {
		r, err := ParseRequirement(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (r Requirement) String() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "==" + r.Version
}

// Snapshot maps normalised package names to their installed version.
type Snapshot map[string]string

// ParseFreeze reads `pip freeze` output. Lines without "==" (editable installs,
// direct references, comments) are skipped.
func ParseFreeze(out string) Snapshot {
	snap := Snapshot{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, version, ok := strings.Cut(line, "==")
		if !ok {
			continue
		}
		snap[normalize(name)] = strings.TrimSpace(version)
	}
	return snap
}

// Missing returns the requirements not satisfied by snap, in input order. A pin
// is missing when the package is absent or at any other version; a bare name
// only when absent.
func Missing(reqs []Requirement, snap Snapshot) []Requirement {
	var missing []Requirement
	for _, r := range reqs {
		installed, ok := snap[normalize(r.Name)]
		switch {
		case !ok:
			missing = append(missing, r)
		case r.Version != "" && installed != r.Version:
			missing = append(missing, r)
		}
	}
	return missing
}
