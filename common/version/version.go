// Package version carries the build identity stamped into the tomo binary.
package version

// Set through -ldflags at build time; the defaults identify a from-source
// development build.
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info renders the one-line identity used in the startup banner.
func Info() string {
	return Version + " (" + GitCommit + ", built " + BuildTime + ")"
}
