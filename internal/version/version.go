// Package version tracks build metadata for the application.
package version

import (
	"runtime/debug"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version,omitempty"`
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application. Empty commit
// and build time fall back to the VCS stamp embedded by the Go toolchain.
func Set(v Info) {
	if v.Version == "" {
		v.Version = "dev"
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v.GoVersion == "" {
			v.GoVersion = bi.GoVersion
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				if v.Commit == "" {
					v.Commit = setting.Value
				}
			case "vcs.time":
				if v.BuildTime == "" {
					v.BuildTime = setting.Value
				}
			}
		}
	}

	infoMutex.Lock()
	defer infoMutex.Unlock()
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}
