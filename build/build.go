// Package build carries build-time metadata, set via -ldflags at link time.
package build

var (
	// Version is the build version, e.g. a git describe string.
	Version = "unknown-version"

	// Date is the build date, e.g. an ISO 8601 timestamp.
	Date = "unknown-date"
)
