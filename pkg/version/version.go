// Package version exposes the build version, set via -ldflags at build time.
package version

// Version is the server version string.
var Version = "dev"
