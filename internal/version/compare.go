package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CheckBackendCompatibility checks if the client and backend API versions are
// compatible. Returns nil if compatible, error with details if not.
//
// Compatibility Rules:
//   - If either version is "main" (development build), compatibility check is skipped
//   - Major versions must match exactly
//   - Minor versions must match exactly
//   - Patch versions can differ (e.g., 1.2.0 is compatible with 1.2.5)
//
// Examples:
//   - Client 1.2.0, Backend 1.2.0 -> OK (exact match)
//   - Client 1.2.1, Backend 1.2.0 -> OK (patch differs)
//   - Client 1.3.0, Backend 1.2.0 -> ERROR (minor differs)
//   - Client 2.0.0, Backend 1.2.0 -> ERROR (major differs)
//   - Client main, Backend 1.2.0 -> OK (dev build, skip check)
//   - Client 1.2.0, Backend main -> OK (dev build, skip check)
func CheckBackendCompatibility(clientVersion, backendVersion string) error {
	// Strip 'v' prefix if present for consistency
	clientVersion = strings.TrimPrefix(clientVersion, "v")
	backendVersion = strings.TrimPrefix(backendVersion, "v")

	// Skip version check for "main" (development builds)
	if clientVersion == "main" || backendVersion == "main" {
		return nil
	}

	// Parse client version
	clientSemver, err := semver.NewVersion(clientVersion)
	if err != nil {
		return fmt.Errorf("invalid client version '%s': %w", clientVersion, err)
	}

	// Parse backend version
	backendSemver, err := semver.NewVersion(backendVersion)
	if err != nil {
		return fmt.Errorf("invalid backend version '%s': %w", backendVersion, err)
	}

	// Check major version match
	if clientSemver.Major() != backendSemver.Major() {
		return fmt.Errorf("major version mismatch: client is %d.x.x but backend serves %d.x.x",
			clientSemver.Major(), backendSemver.Major())
	}

	// Check minor version match
	if clientSemver.Minor() != backendSemver.Minor() {
		return fmt.Errorf("minor version mismatch: client is %d.%d.x but backend serves %d.%d.x",
			clientSemver.Major(), clientSemver.Minor(),
			backendSemver.Major(), backendSemver.Minor())
	}

	// Patch versions can differ, so we're compatible
	return nil
}
