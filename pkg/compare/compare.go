// pkg/compare/compare.go - version string ordering used everywhere a
// pkginfo version is compared against another version.

package compare

import (
	"strconv"
	"strings"
)

// Result is the outcome of comparing an installed (or candidate) version
// against a reference version.
type Result int

const (
	// Older means the first version sorts before the second.
	Older Result = -1
	// Same means the two versions are equal under this ordering.
	Same Result = 0
	// Newer means the first version sorts after the second.
	Newer Result = 1
)

func (r Result) String() string {
	switch r {
	case Older:
		return "older"
	case Same:
		return "same"
	case Newer:
		return "newer"
	default:
		return "unknown"
	}
}

// TrimVersionString removes trailing ".0" segments: "1.2.0.0" -> "1.2".
// A bare "0" is left alone.
func TrimVersionString(version string) string {
	parts := strings.Split(strings.TrimSpace(version), ".")
	for len(parts) > 1 && parts[len(parts)-1] == "0" {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, ".")
}

// Versions defines a total order over version strings. Versions are split
// on ".", the shorter list is padded with "0" segments, and segments are
// compared pairwise: numerically when both parse as integers, otherwise
// lexicographically. "1.2" and "1.2.0" compare Same.
func Versions(a, b string) Result {
	aParts := strings.Split(strings.TrimSpace(a), ".")
	bParts := strings.Split(strings.TrimSpace(b), ".")

	for len(aParts) < len(bParts) {
		aParts = append(aParts, "0")
	}
	for len(bParts) < len(aParts) {
		bParts = append(bParts, "0")
	}

	for i := range aParts {
		aInt, aErr := strconv.Atoi(aParts[i])
		bInt, bErr := strconv.Atoi(bParts[i])
		if aErr == nil && bErr == nil {
			switch {
			case aInt < bInt:
				return Older
			case aInt > bInt:
				return Newer
			}
			continue
		}
		switch {
		case aParts[i] < bParts[i]:
			return Older
		case aParts[i] > bParts[i]:
			return Newer
		}
	}
	return Same
}
