// Package version renders the server's build identity for -version output.
package version

import (
	"runtime/debug"
	"strings"
)

// String combines an ldflags-injected version, commit, and build date into
// one line. Unset or placeholder values fall back to module build info so
// `go install` builds still report something useful.
func String(version, commit, date string) string {
	version = strings.TrimSpace(version)
	commit = strings.TrimSpace(commit)
	date = strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if isPlaceholder(version) {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				version = mv
			}
		}
		if isPlaceholder(commit) {
			commit = setting(info, "vcs.revision")
		}
		if isPlaceholder(date) {
			date = setting(info, "vcs.time")
		}
	}

	if isPlaceholder(version) {
		version = "dev"
	}
	var b strings.Builder
	b.WriteString(version)
	if !isPlaceholder(commit) {
		b.WriteString(" (")
		b.WriteString(commit)
		b.WriteString(")")
	}
	if !isPlaceholder(date) {
		b.WriteString(" ")
		b.WriteString(date)
	}
	return b.String()
}

func isPlaceholder(v string) bool {
	return v == "" || v == "dev" || v == "unknown" || v == "(devel)"
}

func setting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
