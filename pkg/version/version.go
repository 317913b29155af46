// Package version carries the build version stamped in by the linker.
package version

// Version is overridden at build time via
// -ldflags "-X github.com/otelfleet/fleetlink/pkg/version.Version=...".
var Version = "dev"
