// Package version reports build metadata. Release builds set the vars with -ldflags -X;
// local builds fall back to the module and VCS info embedded by the Go toolchain.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	devVersion  = "0.1.0-dev"
	devRevision = "HEAD"
)

var (
	AppName   = "syncq"
	Version   = devVersion
	Revision  = devRevision
	BuildDate = ""
)

// BuildInfo is the version report served by the control plane and printed by `syncq version -o json`.
type BuildInfo struct {
	App       string `json:"app" yaml:"app"`
	Version   string `json:"version" yaml:"version"`
	Revision  string `json:"revision" yaml:"revision"`
	BuildDate string `json:"buildDate" yaml:"buildDate"`
	GoVersion string `json:"goVersion" yaml:"goVersion"`
	Platform  string `json:"platform" yaml:"platform"`
}

func Info() BuildInfo {
	return BuildInfo{
		App:       AppName,
		Version:   Version,
		Revision:  Revision,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short is `0.1.0 (5e23a4)`
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// ShortWithApp is `syncq 0.1.0 (5e23a4)`
func ShortWithApp() string {
	return AppName + " " + Short()
}

// Detailed is `0.1.0 (5e23a4; go1.23.6; linux/amd64; 2025-06-01T00:00:00Z)`
func Detailed() string {
	i := Info()
	return fmt.Sprintf("%s (%s; %s; %s; %s)", i.Version, i.Revision, i.GoVersion, i.Platform, i.BuildDate)
}

// DetailedWithApp is Detailed prefixed with the app name.
func DetailedWithApp() string {
	return AppName + " " + Detailed()
}

// vcsInfo is the subset of debug.BuildInfo used to fill in unset vars.
type vcsInfo struct {
	module   string
	revision string
	modified bool
	time     string
}

func readVCSInfo() (vcsInfo, bool) {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return vcsInfo{}, false
	}
	vi := vcsInfo{module: bi.Main.Version}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			vi.revision = s.Value
		case "vcs.modified":
			vi.modified = s.Value == "true"
		case "vcs.time":
			vi.time = s.Value
		}
	}
	return vi, true
}

// fillFromVCS only touches vars still at their dev defaults, so ldflags always win.
func fillFromVCS(vi vcsInfo) {
	if (Version == devVersion || Version == "") && vi.module != "" && vi.module != "(devel)" {
		Version = strings.TrimPrefix(vi.module, "v")
	}
	if (Revision == devRevision || Revision == "") && vi.revision != "" {
		Revision = vi.revision
		if vi.modified {
			Revision += "-dirty"
		}
	}
	if BuildDate == "" {
		BuildDate = vi.time
	}
}

func init() {
	if vi, ok := readVCSInfo(); ok {
		fillFromVCS(vi)
	}
	if BuildDate == "" {
		BuildDate = time.Now().UTC().Format(time.RFC3339)
	}
}
