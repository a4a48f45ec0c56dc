// Package version derives the build identity reported in logs and the
// health endpoint. An -ldflags override wins; otherwise the VCS revision
// from debug.BuildInfo is used, falling back to "dev" for test binaries
// and non-git builds.
package version

import "runtime/debug"

// AppName prefixes version strings and the server's user agent.
const AppName = "fleetbeat"

// commitOverride is injected with -ldflags for container builds that
// compile without a .git directory.
var commitOverride string

// GitCommit is the short (8 char) commit hash, or "dev".
var GitCommit = resolveCommit()

func resolveCommit() string {
	commit := commitOverride
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
					break
				}
			}
		}
	}
	if commit == "" {
		return "dev"
	}
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return commit
}

// Full returns "fleetbeat/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
