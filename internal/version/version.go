// Package version reports the build version of streamsync.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "dev"
	// CommitHash is overridden by ldflags at build time, or read from VCS build info.
	CommitHash = ""
)

// GetInfo returns the version followed by the short commit hash when known.
func GetInfo() string {
	commit := CommitHash
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value
				}
			}
		}
	}
	if commit == "" {
		return Version
	}
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("%s (%s)", Version, commit)
}

// UserAgent is sent on outbound requests to the CMS and Cloudflare.
func UserAgent() string {
	return "streamsync/" + Version
}
