package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// NormalizeVersion parses an announced version and returns its canonical form.
// An empty version stays empty.
func NormalizeVersion(version string) (string, error) {
	if version == "" {
		return "", nil
	}
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return "", fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, version, err)
	}
	return sv.String(), nil
}

// ValidateRange checks that a range string is usable with SatisfiesRange.
func ValidateRange(rangeStr string) error {
	if IsMajorOnly(rangeStr) {
		return nil
	}
	if _, err := masterminds.NewConstraint(rangeStr); err != nil {
		return fmt.Errorf("%s - invalid version range %q: %w", resolverLogPrefix, rangeStr, err)
	}
	return nil
}

// SatisfiesRange checks if a version string satisfies a range.
// An empty range matches any version, including an unversioned service.
func SatisfiesRange(version, rangeStr string) bool {
	if rangeStr == "" {
		return true
	}
	if version == "" {
		return false
	}

	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}

	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}
