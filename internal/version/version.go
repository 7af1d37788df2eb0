// Package version reports the build identity of the kolabd binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/kolabd"

// buildVersion is set via -ldflags "-X pkt.systems/kolabd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module    string `yaml:"module" json:"module"`
	Version   string `yaml:"version" json:"version"`
	Revision  string `yaml:"revision,omitempty" json:"revision,omitempty"`
	Modified  bool   `yaml:"modified,omitempty" json:"modified,omitempty"`
	GoVersion string `yaml:"go" json:"go"`
}

// Current returns the best available version string.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(vcsSettings(info)); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Read collects Info from the embedded build information.
func Read() Info {
	info := Info{Module: defaultModule, Version: Current(), GoVersion: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		vcs := vcsSettings(bi)
		info.Revision = vcs.revision
		info.Modified = vcs.modified
	}
	return info
}

type vcs struct {
	revision string
	time     string
	modified bool
}

func vcsSettings(info *debug.BuildInfo) vcs {
	var out vcs
	if info == nil {
		return out
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

// pseudoVersion renders v0.0.0-<utc stamp>-<rev12>[+dirty].
func pseudoVersion(v vcs) string {
	if v.revision == "" || v.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, v.time)
	if err != nil {
		return ""
	}
	rev := v.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if v.modified {
		out += "+dirty"
	}
	return out
}
