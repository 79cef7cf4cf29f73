// Package semver provides service reference parsing and SemVer matching for
// announced service versions.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// ParsedServiceRef holds the parsed components of a service reference string.
type ParsedServiceRef struct {
	// Service name (e.g., "lights")
	Name string
	// Version range if specified (e.g., "^1.2.0", "1", ""); empty string means any version
	Range string
	// Raw input string
	Raw string
}

var (
	serviceNameRegex  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	actionNameRegex   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseServiceRef parses a service reference string.
//
// Supported formats:
//   - lights            (any version)
//   - lights@1          (major only)
//   - lights@1.2.3      (exact version)
//   - lights@^1.2.0     (caret range)
//   - lights@>=1.0.0    (comparison range)
func ParseServiceRef(input string) (*ParsedServiceRef, error) {
	raw := strings.TrimSpace(input)

	name := raw
	rangeStr := ""
	if at := strings.Index(raw, "@"); at >= 0 {
		name = raw[:at]
		rangeStr = strings.TrimSpace(raw[at+1:])
		if rangeStr == "" {
			return nil, fmt.Errorf("%s - empty version range: %s", logPrefix, raw)
		}
	}

	if !ValidateServiceName(name) {
		return nil, fmt.Errorf("%s - invalid service name: %s", logPrefix, raw)
	}

	return &ParsedServiceRef{Name: name, Range: rangeStr, Raw: raw}, nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// ValidateServiceName validates a service name (letters, digits, hyphens, underscores).
// Dots are excluded: transports map topic separators onto them.
func ValidateServiceName(name string) bool {
	return serviceNameRegex.MatchString(name)
}

// ValidateActionName validates an action name; same alphabet as service names.
func ValidateActionName(action string) bool {
	return actionNameRegex.MatchString(action)
}
