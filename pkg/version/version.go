// Package version contains the netrig version string.
package version

// Version is set at build time with
// -ldflags "-X github.com/netrig/netrig/pkg/version.Version=x.y.z".
var Version = "6.0.2"
