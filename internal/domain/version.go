package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// AgentVersion is a parsed major.minor.patch version. The zero value is
// "unknown": a version that could not be detected. Callers must treat
// unknown as outdated when deciding whether to update.
type AgentVersion struct {
	Major, Minor, Patch int
	known               bool
}

// UnknownVersion is the undetectable version.
var UnknownVersion = AgentVersion{}

// ParseVersion extracts a semantic version from s. It tolerates a leading
// "v" and surrounding text, e.g. "hostwatch-agent v1.2.3 linux/amd64".
func ParseVersion(s string) (AgentVersion, error) {
	s = strings.TrimSpace(s)
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return UnknownVersion, fmt.Errorf("no version in %q", s)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return AgentVersion{Major: major, Minor: minor, Patch: patch, known: true}, nil
}

// MustParseVersion is ParseVersion for trusted literals.
func MustParseVersion(s string) AgentVersion {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Known reports whether the version was actually detected.
func (v AgentVersion) Known() bool { return v.known }

// Compare orders two versions numerically. An unknown version sorts before
// any known one.
func (v AgentVersion) Compare(other AgentVersion) int {
	if v.known != other.known {
		if v.known {
			return 1
		}
		return -1
	}
	for _, d := range [3]int{v.Major - other.Major, v.Minor - other.Minor, v.Patch - other.Patch} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// Equal reports version identity. Two unknown versions are never equal:
// an undetectable installed version must not short-circuit an update.
func (v AgentVersion) Equal(other AgentVersion) bool {
	return v.known && other.known && v.Compare(other) == 0
}

func (v AgentVersion) String() string {
	if !v.known {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
