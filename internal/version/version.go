// Package version provides build-time version information for the helper binaries.
// Version, Commit, and BuildTime are populated via ldflags during the build process.
package version

// Build information variables, set via ldflags at build time:
//
//	go build -ldflags "-X github.com/jonmagon/kdiskmark/helper/internal/version.Version=3.2.0 \
//	                   -X github.com/jonmagon/kdiskmark/helper/internal/version.Commit=abc123"
var (
	// Version is the semantic version of the helper (e.g., "3.2.0", "dev").
	Version = "dev"

	// Commit is the git commit hash from which the binary was built.
	Commit = "unknown"

	// BuildTime is the timestamp when the binary was built (RFC3339 format).
	BuildTime = "unknown"
)

// Info returns a one-line description of the named binary's build.
func Info(binary string) string {
	return binary + " " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
