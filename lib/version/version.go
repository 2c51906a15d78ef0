// Copyright 2026 The Edgefleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the agent
// binary.
//
// Values are injected at build time via -ldflags, for example:
//
//	go build -ldflags "-X github.com/edgefleet/edgefleet/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// The semantic version doubles as the agent's firmware identity: on
// first boot, with no persisted OTA state, the device reports
// [Short] as its running firmware version in slot A.
package version

import (
	"fmt"
	"runtime"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version, set manually for releases.
	Version = "0.3.0"
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	return fmt.Sprintf("%s (%s, %s)", Version, GitCommit, BuildTime)
}

// Full returns detailed version information including Go version.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version number.
func Short() string {
	return Version
}
