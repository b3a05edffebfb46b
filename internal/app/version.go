package app

import (
	"fmt"
	"runtime"
)

// Set at link time, e.g. -ldflags "-X .../internal/app.Version=1.4.0".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitTag    = ""
	BuildTime = "unknown"
)

// VersionInfo describes the running stageaudio binary.
type VersionInfo struct {
	Version   string
	GitCommit string
	GitTag    string
	BuildTime string
	Platform  string
}

// GetVersionInfo collects the link-time build variables.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		GitTag:    GitTag,
		BuildTime: BuildTime,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Release returns the tag when the build has one, else Version.
func (v VersionInfo) Release() string {
	if v.GitTag != "" {
		return v.GitTag
	}
	return v.Version
}

// FullString is the line printed by -version and logged at startup.
func (v VersionInfo) FullString() string {
	return fmt.Sprintf("stageaudio %s %s (commit: %s, built: %s)",
		v.Release(), v.Platform, v.GitCommit, v.BuildTime)
}
