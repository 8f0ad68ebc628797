package app

import (
	"runtime/debug"
	"strings"
	"time"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""

	readBuildInfo = debug.ReadBuildInfo
)

// BuildVersion prefers the ldflags version, then the module version stamped by
// go install, then "dev".
func BuildVersion() string {
	if v := strings.TrimSpace(Version); v != "" && v != "dev" {
		return v
	}
	if info, ok := readBuildInfo(); ok && info != nil {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}

	return "dev"
}

// BuildDateYMD reduces the build date (ldflags, else the VCS commit time) to YYYY-MM-DD.
func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		raw = buildSetting("vcs.time")
	}
	if raw == "" {
		return ""
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Format(time.DateOnly)
	}
	if len(raw) >= len(time.DateOnly) {
		if t, err := time.Parse(time.DateOnly, raw[:len(time.DateOnly)]); err == nil {
			return t.Format(time.DateOnly)
		}
	}

	return raw
}

// BuildVersionWithDate is the --version string, e.g. "1.4.0 (2026-01-30)".
func BuildVersionWithDate() string {
	version := BuildVersion()
	if date := BuildDateYMD(); date != "" {
		return version + " (" + date + ")"
	}

	return version
}

// UserAgent identifies the tool in HTTP requests to the device.
func UserAgent() string {
	return Name + "/" + BuildVersion()
}

func buildSetting(key string) string {
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return strings.TrimSpace(s.Value)
		}
	}

	return ""
}
