package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const devVersion = "0.1.0-dev"

var (
	// AppName is the product name shown in logs and the user agent.
	AppName = "Xynoxa"

	// Version is set with -ldflags on release builds.
	Version = devVersion

	// Revision is the git commit the binary was built from.
	Revision = "HEAD"

	// BuildDate is the RFC3339 build timestamp, if known.
	BuildDate = "unknown"
)

// fillFromBuildInfo replaces placeholder values with the module version and
// VCS stamps the Go toolchain embeds.
func fillFromBuildInfo(mainVersion string, settings map[string]string) {
	if Version == devVersion && mainVersion != "" && mainVersion != "(devel)" {
		Version = strings.TrimPrefix(mainVersion, "v")
	}

	if Revision == "HEAD" {
		if rev := settings["vcs.revision"]; rev != "" {
			if len(rev) > 12 {
				rev = rev[:12]
			}
			if settings["vcs.modified"] == "true" {
				rev += "-dirty"
			}
			Revision = rev
		}
	}

	if BuildDate == "unknown" {
		if t := settings["vcs.time"]; t != "" {
			BuildDate = t
		}
	}
}

// Short returns `0.1.0 (5e23a4)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// UserAgent returns the value sent in the User-Agent header to the server.
func UserAgent() string {
	return fmt.Sprintf("%s-desktop/%s (%s/%s)", strings.ToLower(AppName), Version, runtime.GOOS, runtime.GOARCH)
}

// Detailed returns `0.1.0 (5e23a4; go1.24.0; linux/amd64; 2026-01-01T00:00:00Z)`.
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s; %s)", Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate)
}

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	fillFromBuildInfo(info.Main.Version, settings)
}
