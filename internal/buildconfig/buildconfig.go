package buildconfig

import "runtime"

// Build-time variables injected via ldflags:
//
//	-ldflags "-X github.com/Harshitk-cp/coursegraph/internal/buildconfig.version=v0.3.0 -X ...commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

const Service = "coursegraph"

// Version returns the build version
func Version() string {
	return version
}

// Commit returns the git commit hash
func Commit() string {
	return commit
}

// VersionInfo returns full version information
func VersionInfo() map[string]string {
	return map[string]string{
		"service":    Service,
		"version":    version,
		"commit":     commit,
		"go_version": runtime.Version(),
	}
}
